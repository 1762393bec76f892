package debugsvc

import (
	"context"
	"log/slog"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T, opts ...Option) (*bus.Bus, *Service) {
	t.Helper()
	b := bus.New()
	opts = append([]Option{WithModuleConfig(logger.NewModuleConfig(slog.LevelInfo))}, opts...)
	svc := New(b, opts...)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return b, svc
}

func collectResponse(t *testing.T, b *bus.Bus) <-chan *events.CLIResponsePayload {
	t.Helper()
	ch := make(chan *events.CLIResponsePayload, 1)
	_, err := b.On(events.TopicCLIResponse, "observer", func(ctx context.Context, payload events.Payload) error {
		ch <- payload.(*events.CLIResponsePayload)
		return nil
	})
	require.NoError(t, err)
	return ch
}

func TestDebugLevelCommand(t *testing.T) {
	b, svc := newTestService(t)
	replies := collectResponse(t, b)

	b.Emit(context.Background(), events.TopicDebugCommand, &events.DebugCommandPayload{
		Subcommand: "level",
		Args:       []string{"timeline", "debug"},
	})

	select {
	case reply := <-replies:
		assert.False(t, reply.IsError)
	case <-time.After(time.Second):
		t.Fatal("no cli/response received")
	}
	assert.Equal(t, slog.LevelDebug, svc.cfg.LevelFor("timeline"))
}

func TestDebugLevelBadArgs(t *testing.T) {
	b, _ := newTestService(t)
	replies := collectResponse(t, b)

	b.Emit(context.Background(), events.TopicDebugCommand, &events.DebugCommandPayload{
		Subcommand: "level",
		Args:       []string{"onlyone"},
	})

	select {
	case reply := <-replies:
		assert.True(t, reply.IsError)
	case <-time.After(time.Second):
		t.Fatal("no cli/response received")
	}
}

func TestTraceToggleGatesCommandTraceLogging(t *testing.T) {
	_, svc := newTestService(t)
	assert.False(t, svc.traceEnabled)

	ok, isErr := svc.cmdTrace([]string{"enable"})
	_ = ok
	assert.False(t, isErr)
	assert.True(t, svc.traceEnabled)
}

func TestPerformanceLifecycle(t *testing.T) {
	b, svc := newTestService(t)

	reply, isErr := svc.cmdPerformance([]string{"show"})
	assert.False(t, isErr)
	assert.Equal(t, "no performance samples recorded", reply)

	_, isErr = svc.cmdPerformance([]string{"enable"})
	assert.False(t, isErr)

	b.Emit(context.Background(), events.TopicDebugPerformance, &events.DebugPerformancePayload{
		Component:  "timeline",
		Operation:  "step_execute",
		DurationMs: 12.5,
	})
	// handlePerformance records synchronously before any async log drain.
	require.Eventually(t, func() bool { return len(svc.Samples()) == 1 }, time.Second, 5*time.Millisecond)

	reply, isErr = svc.cmdPerformance([]string{"show"})
	assert.False(t, isErr)
	assert.Contains(t, reply, "timeline.step_execute")

	_, isErr = svc.cmdPerformance([]string{"disable"})
	assert.False(t, isErr)
	assert.Empty(t, svc.Samples())
}

func TestPerformanceSamplesIgnoredWhenDisabled(t *testing.T) {
	b, svc := newTestService(t)
	b.Emit(context.Background(), events.TopicDebugPerformance, &events.DebugPerformancePayload{
		Component: "music", Operation: "crossfade", DurationMs: 1,
	})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, svc.Samples())
}

func TestSetGlobalLevel(t *testing.T) {
	b, svc := newTestService(t)
	b.Emit(context.Background(), events.TopicDebugSetGlobalLevel, &events.DebugSetGlobalLevelPayload{Level: "warn"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, slog.LevelWarn, svc.cfg.LevelFor("anything"))
}

type fakeSnapshotter struct {
	families []*dto.MetricFamily
	err      error
}

func (f fakeSnapshotter) Snapshot() ([]*dto.MetricFamily, error) { return f.families, f.err }

func TestPerformanceShowAppendsMetricsSummary(t *testing.T) {
	name := "r3x_plan_ended_total"
	counterName := "layer"
	counterVal := "ambient"
	metricVal := 3.0
	fake := fakeSnapshotter{families: []*dto.MetricFamily{
		{
			Name: &name,
			Metric: []*dto.Metric{
				{
					Label:   []*dto.LabelPair{{Name: &counterName, Value: &counterVal}},
					Counter: &dto.Counter{Value: &metricVal},
				},
			},
		},
	}}
	_, svc := newTestService(t, WithMetricsExporter(fake))

	reply, isErr := svc.cmdPerformance([]string{"show"})
	assert.False(t, isErr)
	assert.Contains(t, reply, "no performance samples recorded")
	assert.Contains(t, reply, "r3x_plan_ended_total")
	assert.Contains(t, reply, `layer="ambient"`)
}

func TestPerformanceShowSkipsNonKernelMetricFamilies(t *testing.T) {
	name := "go_goroutines"
	val := 10.0
	fake := fakeSnapshotter{families: []*dto.MetricFamily{
		{Name: &name, Metric: []*dto.Metric{{Counter: &dto.Counter{Value: &val}}}},
	}}
	_, svc := newTestService(t, WithMetricsExporter(fake))

	reply, isErr := svc.cmdPerformance([]string{"show"})
	assert.False(t, isErr)
	assert.NotContains(t, reply, "go_goroutines")
}

func TestLogIntakeDoesNotBlockEmitter(t *testing.T) {
	b, _ := newTestService(t)
	for i := 0; i < 50; i++ {
		b.Emit(context.Background(), events.TopicDebugLog, &events.DebugLogPayload{
			Component: "mode", Level: "info", Message: "transition",
		})
	}
}
