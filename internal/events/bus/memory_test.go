package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkiller/GnuNae-sub001/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(logger.NewNop())
	t.Cleanup(b.Close)
	return b
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("task.output.t1", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("task.output", "runner", map[string]interface{}{"data": "hello"})
	require.NoError(t, b.Publish(context.Background(), "task.output.t1", event))

	select {
	case e := <-received:
		assert.Equal(t, event.ID, e.ID)
		assert.Equal(t, "hello", e.Data["data"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_DeliversInPublishOrder(t *testing.T) {
	b := newTestBus(t)
	const n = 200

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	_, err := b.Subscribe("task.>", func(ctx context.Context, e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Data["seq"].(int))
		if len(got) == n {
			close(done)
		}
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(context.Background(), "task.output.t1",
			NewEvent("task.output", "runner", map[string]interface{}{"seq": i})))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all events delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestMemoryEventBus_QueueSubscribeDeliversOnce(t *testing.T) {
	b := newTestBus(t)
	var first, second atomic.Int32
	var wg sync.WaitGroup
	wg.Add(10)

	_, err := b.QueueSubscribe("task.execute", "workers", func(ctx context.Context, e *Event) error {
		first.Add(1)
		wg.Done()
		return nil
	})
	require.NoError(t, err)
	_, err = b.QueueSubscribe("task.execute", "workers", func(ctx context.Context, e *Event) error {
		second.Add(1)
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "task.execute", NewEvent("task.execute", "test", nil)))
	}
	wg.Wait()

	assert.Equal(t, int32(5), first.Load())
	assert.Equal(t, int32(5), second.Load())
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	var count atomic.Int32

	sub, err := b.Subscribe("task.completed", func(ctx context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "task.completed", NewEvent("task.completed", "test", nil)))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, count.Load())
}

func TestMemoryEventBus_Closed(t *testing.T) {
	b := NewMemoryEventBus(logger.NewNop())
	assert.True(t, b.IsConnected())
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "task.output", NewEvent("task.output", "test", nil)))
	_, err := b.Subscribe("task.output", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestMatches(t *testing.T) {
	tests := []struct {
		subject, pattern string
		want             bool
	}{
		{"task.output", "task.output", true},
		{"task.output.t1", "task.output", false},
		{"task.output.t1", "task.*.t1", true},
		{"task.output.t1", "task.*", false},
		{"task.output.t1", "task.>", true},
		{"task", "task.>", false},
		{"host.lost.127.0.0.1:3847", "host.>", true},
	}
	for _, tt := range tests {
		t.Run(tt.subject+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matches(tt.subject, tt.pattern, compilePattern(tt.pattern)))
		})
	}
}
