package dispatcher

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

func newTestService(t *testing.T) (*bus.Bus, *Service) {
	t.Helper()
	b := bus.New()
	svc := New(b)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return b, svc
}

func emitCommand(b *bus.Bus, raw string) {
	b.Emit(context.Background(), events.TopicCLICommand, &events.CLICommandPayload{
		Command:  firstWord(raw),
		Args:     nil,
		RawInput: raw,
	})
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}

func TestLongestPrefixMatch(t *testing.T) {
	b, svc := newTestService(t)
	svc.Register("dj", "dj", "dj/command")
	svc.Register("dj queue", "dj", "dj/track/queued")

	var got *events.DispatchedCommandPayload
	_, err := b.On(events.Topic("dj/track/queued"), "observer", func(ctx context.Context, payload events.Payload) error {
		got = payload.(*events.DispatchedCommandPayload)
		return nil
	})
	require.NoError(t, err)

	emitCommand(b, "dj queue 3")

	require.NotNil(t, got)
	assert.Equal(t, "dj", got.Command)
	assert.Equal(t, "queue", got.Subcommand)
	assert.Equal(t, []string{"3"}, got.Args)
}

func TestShortcutResolution(t *testing.T) {
	b, svc := newTestService(t)
	svc.Register("dj stop", "dj", "dj/mode/stop")

	var got *events.DispatchedCommandPayload
	_, err := b.On(events.Topic("dj/mode/stop"), "observer", func(ctx context.Context, payload events.Payload) error {
		got = payload.(*events.DispatchedCommandPayload)
		return nil
	})
	require.NoError(t, err)

	emitCommand(b, "djs")

	require.NotNil(t, got)
	assert.Equal(t, "dj", got.Command)
	assert.Equal(t, "stop", got.Subcommand)
}

func TestUnknownCommandEmitsErrorResponse(t *testing.T) {
	b, _ := newTestService(t)

	respCh := make(chan *events.CLIResponsePayload, 1)
	_, err := b.On(events.TopicCLIResponse, "observer", func(ctx context.Context, payload events.Payload) error {
		respCh <- payload.(*events.CLIResponsePayload)
		return nil
	})
	require.NoError(t, err)

	emitCommand(b, "frobnicate")

	select {
	case resp := <-respCh:
		assert.True(t, resp.IsError)
	case <-time.After(time.Second):
		t.Fatal("no cli/response received")
	}
}

func TestSelfRegistrationViaBus(t *testing.T) {
	b, svc := newTestService(t)

	b.Emit(context.Background(), events.TopicRegisterCommand, &events.RegisterCommandPayload{
		Command:        "eye",
		HandlerService: "eyes",
		EventTopic:     "eye/command",
	})
	time.Sleep(20 * time.Millisecond)

	var got *events.DispatchedCommandPayload
	_, err := b.On(events.Topic("eye/command"), "observer", func(ctx context.Context, payload events.Payload) error {
		got = payload.(*events.DispatchedCommandPayload)
		return nil
	})
	require.NoError(t, err)

	emitCommand(b, "eye pattern happy")
	require.NotNil(t, got)
	assert.Equal(t, "eye", got.Command)
	assert.Equal(t, []string{"pattern", "happy"}, got.Args)

	_ = svc
}

func TestReRegistrationOverwrites(t *testing.T) {
	_, svc := newTestService(t)
	svc.Register("status", "a", "topic/a")
	svc.Register("status", "b", "topic/b")

	svc.mu.RLock()
	r := svc.single["status"]
	svc.mu.RUnlock()
	assert.Equal(t, "b", r.service)
}
