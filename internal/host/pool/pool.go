// Package pool hands execution hosts out to task runs.
package pool

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/events"
	"github.com/fkiller/GnuNae-sub001/internal/events/bus"
	"github.com/fkiller/GnuNae-sub001/internal/host/client"
	"github.com/fkiller/GnuNae-sub001/internal/host/docker"
)

const (
	ModeStatic = "static"
	ModeDocker = "docker"
)

// ErrNoHostAvailable is returned by Acquire when no healthy idle host exists.
var ErrNoHostAvailable = errors.New("no execution host available")

// Lease is exclusive use of one host for one run. Release must be called
// exactly once.
type Lease interface {
	Client() *client.Client
	Release(ctx context.Context)
}

// Provider hands out hosts.
type Provider interface {
	Acquire(ctx context.Context, taskID string) (Lease, error)
	Close(ctx context.Context) error
}

// Option configures a provider.
type Option func(*options)

type options struct {
	bus bus.EventBus
}

// WithEventBus publishes host.lost and host.recovered events.
func WithEventBus(b bus.EventBus) Option {
	return func(o *options) { o.bus = b }
}

// New builds the provider selected by cfg.Mode. Static providers start
// heartbeating immediately and stop when ctx is done or Close is called.
func New(ctx context.Context, cfg config.HostConfig, log *logger.Logger, opts ...Option) (Provider, error) {
	switch cfg.Mode {
	case "", ModeStatic:
		p := NewStatic(cfg, log, opts...)
		p.Start(ctx)
		return p, nil
	case ModeDocker:
		dc, err := docker.NewClient(cfg.Docker, log)
		if err != nil {
			return nil, err
		}
		if err := dc.EnsureImage(ctx); err != nil {
			_ = dc.Close()
			return nil, err
		}
		return NewDocker(dc, cfg, log, opts...), nil
	}
	return nil, fmt.Errorf("unknown host mode %q", cfg.Mode)
}

func publishHostEvent(o options, log *logger.Logger, eventType, address string) {
	if o.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "host-pool", map[string]interface{}{"address": address})
	if err := o.bus.Publish(context.Background(), events.BuildHostSubject(eventType, address), ev); err != nil {
		log.Debug("failed to publish host event", zap.String("event_type", eventType), zap.Error(err))
	}
}
