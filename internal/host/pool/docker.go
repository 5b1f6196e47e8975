package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/events"
	"github.com/fkiller/GnuNae-sub001/internal/host/client"
	"github.com/fkiller/GnuNae-sub001/internal/host/docker"
)

const removeTimeout = 30 * time.Second

// ContainerRuntime starts and removes host containers.
type ContainerRuntime interface {
	StartHost(ctx context.Context, name, taskID string) (*docker.Container, error)
	RemoveHost(ctx context.Context, containerID string) error
}

// DockerPool starts one container per run, waits for its host to become
// healthy and heartbeats it until the lease is released.
type DockerPool struct {
	runtime ContainerRuntime
	cfg     config.HostConfig
	log     *logger.Logger
	logger  *logger.Logger
	opts    options

	mu     sync.Mutex
	leases map[string]*dockerLease
	// closer is the underlying Docker client when the pool owns it.
	closer interface{ Close() error }
}

// NewDocker creates a per-run container pool.
func NewDocker(runtime ContainerRuntime, cfg config.HostConfig, log *logger.Logger, opts ...Option) *DockerPool {
	p := &DockerPool{
		runtime: runtime,
		cfg:     cfg,
		log:     log,
		logger:  log.WithFields(zap.String("component", "host-pool"), zap.String("mode", ModeDocker)),
		leases:  make(map[string]*dockerLease),
	}
	if c, ok := runtime.(interface{ Close() error }); ok {
		p.closer = c
	}
	for _, opt := range opts {
		opt(&p.opts)
	}
	return p
}

// Acquire starts a container for taskID and returns once its host answers
// health checks.
func (p *DockerPool) Acquire(ctx context.Context, taskID string) (Lease, error) {
	name := "gnunae-host-" + containerSuffix(taskID)
	ctr, err := p.runtime.StartHost(ctx, name, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHostAvailable, err)
	}

	c := client.NewClient("127.0.0.1", ctr.HostPort, p.log)
	if !c.WaitUntilHealthy(ctx, p.cfg.HealthAttempts, p.cfg.HealthIntervalDuration()) {
		p.remove(ctr.ID)
		return nil, fmt.Errorf("%w: host container %s never became healthy", ErrNoHostAvailable, ctr.ID)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	hb := client.NewHeartbeater(c, p.cfg.HeartbeatIntervalDuration(), p.cfg.LostAfter)
	address := c.Address()
	hb.OnLost = func() { publishHostEvent(p.opts, p.logger, events.HostLost, address) }

	lease := &dockerLease{pool: p, container: ctr, client: c, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(lease.done)
		hb.Run(hbCtx)
	}()

	p.mu.Lock()
	p.leases[ctr.ID] = lease
	p.mu.Unlock()

	p.logger.Info("host container leased",
		zap.String("task_id", taskID),
		zap.String("container_id", ctr.ID),
		zap.String("host", address))
	return lease, nil
}

// Close releases every outstanding lease.
func (p *DockerPool) Close(ctx context.Context) error {
	p.mu.Lock()
	leases := make([]*dockerLease, 0, len(p.leases))
	for _, l := range p.leases {
		leases = append(leases, l)
	}
	p.mu.Unlock()

	for _, l := range leases {
		l.Release(ctx)
	}
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

func (p *DockerPool) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := p.runtime.RemoveHost(ctx, containerID); err != nil {
		p.logger.Warn("failed to remove host container", zap.String("container_id", containerID), zap.Error(err))
	}
}

type dockerLease struct {
	pool      *DockerPool
	container *docker.Container
	client    *client.Client
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (l *dockerLease) Client() *client.Client { return l.client }

// Release stops heartbeating, asks the host to stop its session and removes
// the container.
func (l *dockerLease) Release(ctx context.Context) {
	l.once.Do(func() {
		l.cancel()
		<-l.done

		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := l.client.Stop(stopCtx); err != nil {
			l.pool.logger.Debug("best-effort stop failed", zap.Error(err))
		}
		cancel()

		l.pool.remove(l.container.ID)

		l.pool.mu.Lock()
		delete(l.pool.leases, l.container.ID)
		l.pool.mu.Unlock()
	})
}

func containerSuffix(taskID string) string {
	id := strings.ReplaceAll(taskID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return id + "-" + uuid.New().String()[:8]
}
