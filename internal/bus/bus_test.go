package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestHandlerErrorIsolation is scenario S6 from spec §8: a failing handler
// must not stop later handlers, and must not propagate out of Emit.
func TestHandlerErrorIsolation(t *testing.T) {
	b := New()
	var calls []string
	var mu sync.Mutex

	var statusErr *events.ServiceStatusPayload
	_, err := b.On(events.TopicServiceStatus, "observer", func(_ context.Context, p events.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		statusErr = p.(*events.ServiceStatusPayload)
		return nil
	})
	require.NoError(t, err)

	_, err = b.On("test/event", "svc-a", func(_ context.Context, _ events.Payload) error {
		panic("boom")
	})
	require.NoError(t, err)

	_, err = b.On("test/event", "svc-b", func(_ context.Context, _ events.Payload) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, "svc-b")
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), "test/event", &events.CLICommandPayload{})
	time.Sleep(50 * time.Millisecond) // let the status fan-out settle

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"svc-b"}, calls)
	require.NotNil(t, statusErr)
	assert.Equal(t, "HandlerError", statusErr.Kind)
}

// TestOrdering asserts the §4.1 ordering rule: within one Emit, handlers are
// invoked in registration order.
func TestOrdering(t *testing.T) {
	b := New()
	var order []int
	var mu sync.Mutex

	for i := 0; i < 5; i++ {
		i := i
		_, err := b.On("ordered/topic", "svc", func(_ context.Context, _ events.Payload) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
			return nil
		})
		require.NoError(t, err)
	}

	b.Emit(context.Background(), "ordered/topic", &events.CLICommandPayload{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestHandlerInvalidRejected(t *testing.T) {
	b := New()
	_, err := b.On("x", "svc", nil)
	require.Error(t, err)
}

func TestOffIdempotent(t *testing.T) {
	b := New()
	id, err := b.On("x", "svc", func(context.Context, events.Payload) error { return nil })
	require.NoError(t, err)
	b.Off("x", id)
	b.Off("x", id) // idempotent, must not panic
	b.Off("x", "unknown-id")
}

func TestEmitTimeout(t *testing.T) {
	b := New().WithHandlerTimeout(20 * time.Millisecond)
	released := make(chan struct{})
	_, err := b.On("slow", "svc", func(ctx context.Context, _ events.Payload) error {
		select {
		case <-ctx.Done():
			close(released)
		case <-time.After(time.Second):
		}
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	b.Emit(context.Background(), "slow", &events.CLICommandPayload{})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("handler was not cancelled on timeout")
	}
}

func TestUnknownTopicIsNoop(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.Emit(context.Background(), "nobody/subscribed", &events.CLICommandPayload{})
	})
}

func TestRemoveService(t *testing.T) {
	b := New()
	var called bool
	_, err := b.On("x", "svc-a", func(context.Context, events.Payload) error { called = true; return nil })
	require.NoError(t, err)
	b.RemoveService("svc-a")
	b.Emit(context.Background(), "x", &events.CLICommandPayload{})
	assert.False(t, called)
}
