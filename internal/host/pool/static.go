package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/events"
	"github.com/fkiller/GnuNae-sub001/internal/host/client"
)

type endpoint struct {
	client    *client.Client
	heartbeat *client.Heartbeater
	leasedBy  string
}

// StaticPool serves a fixed set of hosts, one run per host at a time. Every
// host is heartbeated for the pool's lifetime so its watchdog stays armed
// between runs; a host that stops answering is skipped until it recovers.
type StaticPool struct {
	logger    *logger.Logger
	opts      options
	mu        sync.Mutex
	endpoints []*endpoint

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStatic creates a pool over cfg.Endpoints.
func NewStatic(cfg config.HostConfig, log *logger.Logger, opts ...Option) *StaticPool {
	p := &StaticPool{logger: log.WithFields(zap.String("component", "host-pool"), zap.String("mode", ModeStatic))}
	for _, opt := range opts {
		opt(&p.opts)
	}

	for _, ec := range cfg.Endpoints {
		c := client.NewClient(ec.Host, ec.Port, log)
		hb := client.NewHeartbeater(c, cfg.HeartbeatIntervalDuration(), cfg.LostAfter)
		address := c.Address()
		hb.OnLost = func() { publishHostEvent(p.opts, p.logger, events.HostLost, address) }
		hb.OnRecovered = func() { publishHostEvent(p.opts, p.logger, events.HostRecovered, address) }
		p.endpoints = append(p.endpoints, &endpoint{client: c, heartbeat: hb})
	}
	return p
}

// Start launches one heartbeat loop per host.
func (p *StaticPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, ep := range p.endpoints {
		p.wg.Add(1)
		go func(hb *client.Heartbeater) {
			defer p.wg.Done()
			hb.Run(ctx)
		}(ep.heartbeat)
	}
	p.logger.Info("host pool started", zap.Int("hosts", len(p.endpoints)))
}

// Acquire leases the first idle host that is not lost.
func (p *StaticPool) Acquire(ctx context.Context, taskID string) (Lease, error) {
	return p.Reserve(taskID)
}

// Reserve is Acquire without a context; it never blocks. A run that blocks
// on a human keeps its lease until its host stream ends, so a one-host pool
// refuses further runs with ErrNoHostAvailable until then.
func (p *StaticPool) Reserve(taskID string) (Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ep := range p.endpoints {
		if ep.leasedBy != "" || ep.heartbeat.Lost() {
			continue
		}
		ep.leasedBy = taskID
		p.logger.Debug("host leased", zap.String("host", ep.client.Address()), zap.String("task_id", taskID))
		return &staticLease{pool: p, ep: ep}, nil
	}
	return nil, ErrNoHostAvailable
}

// Leased returns the host address held by each leasing task.
func (p *StaticPool) Leased() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string)
	for _, ep := range p.endpoints {
		if ep.leasedBy != "" {
			out[ep.leasedBy] = ep.client.Address()
		}
	}
	return out
}

// Close stops the heartbeat loops. Hosts then self-terminate once their
// watchdog fires.
func (p *StaticPool) Close(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type staticLease struct {
	pool *StaticPool
	ep   *endpoint
	once sync.Once
}

func (l *staticLease) Client() *client.Client { return l.ep.client }

func (l *staticLease) Release(ctx context.Context) {
	l.once.Do(func() {
		l.pool.mu.Lock()
		l.ep.leasedBy = ""
		l.pool.mu.Unlock()
		l.pool.logger.Debug("host released", zap.String("host", l.ep.client.Address()))
	})
}
