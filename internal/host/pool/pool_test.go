package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkiller/GnuNae-sub001/internal/common/config"
	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
	"github.com/fkiller/GnuNae-sub001/internal/host/docker"
)

type fakeHost struct {
	*httptest.Server
	healthy   atomic.Bool
	stopCalls atomic.Int32
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	h := &fakeHost{}
	h.healthy.Store(true)
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/heartbeat":
			_, _ = w.Write([]byte(`{"success":true,"timeoutMs":30000}`))
		case "/stop":
			h.stopCalls.Add(1)
			_, _ = w.Write([]byte(`{"success":false,"message":"no process running"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *fakeHost) endpoint(t *testing.T) config.EndpointConfig {
	u, err := url.Parse(h.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return config.EndpointConfig{Host: u.Hostname(), Port: port}
}

func hostConfig(endpoints ...config.EndpointConfig) config.HostConfig {
	return config.HostConfig{
		Endpoints:         endpoints,
		HeartbeatInterval: 1000,
		HealthAttempts:    2,
		HealthInterval:    5,
		LostAfter:         1,
	}
}

func TestStaticPool_OneRunPerHost(t *testing.T) {
	a, b := newFakeHost(t), newFakeHost(t)
	p := NewStatic(hostConfig(a.endpoint(t), b.endpoint(t)), logger.NewNop())
	ctx := context.Background()

	l1, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)
	l2, err := p.Acquire(ctx, "t2")
	require.NoError(t, err)
	assert.NotEqual(t, l1.Client().Address(), l2.Client().Address())

	_, err = p.Acquire(ctx, "t3")
	assert.ErrorIs(t, err, ErrNoHostAvailable)
	assert.Len(t, p.Leased(), 2)

	l1.Release(ctx)
	l1.Release(ctx)
	l3, err := p.Acquire(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, l1.Client().Address(), l3.Client().Address())
}

func TestStaticPool_SkipsLostHost(t *testing.T) {
	a, b := newFakeHost(t), newFakeHost(t)
	p := NewStatic(hostConfig(a.endpoint(t), b.endpoint(t)), logger.NewNop())
	ctx := context.Background()

	a.healthy.Store(false)
	p.endpoints[0].heartbeat.Beat(ctx)
	require.True(t, p.endpoints[0].heartbeat.Lost())

	l, err := p.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, p.endpoints[1].client.Address(), l.Client().Address())
	l.Release(ctx)

	a.healthy.Store(true)
	p.endpoints[0].heartbeat.Beat(ctx)
	l, err = p.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, p.endpoints[0].client.Address(), l.Client().Address())
}

func TestStaticPool_CloseStopsHeartbeats(t *testing.T) {
	a := newFakeHost(t)
	p := NewStatic(hostConfig(a.endpoint(t)), logger.NewNop())
	p.Start(context.Background())
	assert.NoError(t, p.Close(context.Background()))
}

type fakeRuntime struct {
	port     int
	startErr error

	mu      sync.Mutex
	started []string
	removed []string
}

func (f *fakeRuntime) StartHost(ctx context.Context, name, taskID string) (*docker.Container, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "ctr-" + strconv.Itoa(len(f.started)+1)
	f.started = append(f.started, name)
	return &docker.Container{ID: id, Name: name, HostPort: f.port}, nil
}

func (f *fakeRuntime) RemoveHost(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func TestDockerPool_LeaseLifecycle(t *testing.T) {
	h := newFakeHost(t)
	rt := &fakeRuntime{port: h.endpoint(t).Port}
	p := NewDocker(rt, hostConfig(), logger.NewNop())
	ctx := context.Background()

	l, err := p.Acquire(ctx, "9b2f0c1e-aaaa-bbbb-cccc-000000000000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(rt.port), l.Client().Address())
	require.Len(t, rt.started, 1)
	assert.Contains(t, rt.started[0], "gnunae-host-9b2f0c1eaaaa-")

	l.Release(ctx)
	l.Release(ctx)
	assert.Equal(t, []string{"ctr-1"}, rt.removed)
	assert.Equal(t, int32(1), h.stopCalls.Load())
	assert.NoError(t, p.Close(ctx))
}

func TestDockerPool_UnhealthyContainerIsRemoved(t *testing.T) {
	h := newFakeHost(t)
	h.healthy.Store(false)
	rt := &fakeRuntime{port: h.endpoint(t).Port}
	p := NewDocker(rt, hostConfig(), logger.NewNop())

	_, err := p.Acquire(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNoHostAvailable)
	assert.Equal(t, []string{"ctr-1"}, rt.removed)
}

func TestDockerPool_StartFailure(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("daemon unavailable")}
	p := NewDocker(rt, hostConfig(), logger.NewNop())

	_, err := p.Acquire(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNoHostAvailable)
	assert.Contains(t, err.Error(), "daemon unavailable")
}

func TestNew_UnknownMode(t *testing.T) {
	_, err := New(context.Background(), config.HostConfig{Mode: "k8s"}, logger.NewNop())
	assert.Error(t, err)
}
