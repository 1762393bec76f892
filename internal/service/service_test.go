package service

import (
	"context"
	"testing"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingHooks struct {
	subscribeTopic events.Topic
	b              *BaseService
	stopped        bool
}

func (h *recordingHooks) Start(ctx context.Context) error {
	return h.b.Subscribe(h.subscribeTopic, func(context.Context, events.Payload) error { return nil })
}

func (h *recordingHooks) Stop(ctx context.Context) error {
	h.stopped = true
	return nil
}

func TestLifecycleOrdering(t *testing.T) {
	b := bus.New()
	var statuses []string
	_, err := b.On(events.TopicServiceStatus, "observer", func(_ context.Context, p events.Payload) error {
		statuses = append(statuses, p.(*events.ServiceStatusPayload).Status)
		return nil
	})
	require.NoError(t, err)

	hooks := &recordingHooks{subscribeTopic: "some/topic"}
	svc := New("svc-a", b, hooks)
	hooks.b = svc

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StatusRunning, svc.Status())

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, StatusStopped, svc.Status())
	assert.True(t, hooks.stopped)

	assert.Equal(t, []string{"STARTING", "RUNNING", "STOPPING", "STOPPED"}, statuses)
}

func TestDoubleStartStopNoop(t *testing.T) {
	b := bus.New()
	hooks := &recordingHooks{subscribeTopic: "x"}
	svc := New("svc", b, hooks)
	hooks.b = svc

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
}

func TestStopCancelsOwnedTasks(t *testing.T) {
	b := bus.New()
	hooks := &recordingHooks{subscribeTopic: "x"}
	svc := New("svc", b, hooks)
	hooks.b = svc

	taskDone := make(chan struct{})
	require.NoError(t, svc.Start(context.Background()))
	svc.SpawnOwned(func(ctx context.Context) {
		<-ctx.Done()
		close(taskDone)
	})

	require.NoError(t, svc.Stop(context.Background()))
	select {
	case <-taskDone:
	case <-time.After(time.Second):
		t.Fatal("owned task was not cancelled")
	}
}
