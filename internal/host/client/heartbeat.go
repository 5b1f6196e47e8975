package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Heartbeater pings one host on a fixed period. After lostAfter consecutive
// failures the host is reported lost once; the next success reports recovery.
type Heartbeater struct {
	client    *Client
	interval  time.Duration
	lostAfter int

	// OnLost and OnRecovered are optional.
	OnLost      func()
	OnRecovered func()

	mu            sync.Mutex
	failures      int
	lost          bool
	warnedTimeout bool
}

// NewHeartbeater creates a heartbeater. interval must be shorter than the
// host's heartbeat timeout.
func NewHeartbeater(c *Client, interval time.Duration, lostAfter int) *Heartbeater {
	if lostAfter < 1 {
		lostAfter = 1
	}
	return &Heartbeater{client: c, interval: interval, lostAfter: lostAfter}
}

// Run sends one heartbeat immediately and then every interval until ctx is done.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Beat(ctx)
		}
	}
}

// Beat sends a single heartbeat and updates the failure count.
func (h *Heartbeater) Beat(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	resp, err := h.client.SendHeartbeat(reqCtx)
	if ctx.Err() != nil {
		return
	}

	h.mu.Lock()
	var fire func()
	if err == nil && resp.TimeoutMs > 0 && !h.warnedTimeout {
		if timeout := time.Duration(resp.TimeoutMs) * time.Millisecond; h.interval >= timeout {
			h.warnedTimeout = true
			h.client.logger.Warn("heartbeat interval is not shorter than the host timeout",
				zap.Duration("interval", h.interval), zap.Duration("host_timeout", timeout))
		}
	}
	if err != nil {
		h.failures++
		h.client.logger.Debug("heartbeat failed", zap.Int("failures", h.failures), zap.Error(err))
		if !h.lost && h.failures >= h.lostAfter {
			h.lost = true
			fire = h.OnLost
			h.client.logger.Warn("host lost", zap.Int("failures", h.failures))
		}
	} else {
		if h.lost {
			h.client.logger.Info("host recovered")
			fire = h.OnRecovered
		}
		h.failures = 0
		h.lost = false
	}
	h.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Lost reports whether the host is currently considered gone.
func (h *Heartbeater) Lost() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}
