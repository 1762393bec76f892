package timeline

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

func newTestExecutor(t *testing.T, opts ...Option) (*bus.Bus, *Executor) {
	t.Helper()
	b := bus.New()
	opts = append([]Option{WithSpeechWaitTimeout(500 * time.Millisecond), WithCrossfadeExtra(200 * time.Millisecond)}, opts...)
	e := New(b, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return b, e
}

// fakeMusicPlaying marks music as playing from the executor's perspective.
func fakeMusicPlaying(ctx context.Context, b *bus.Bus) {
	b.Emit(ctx, events.TopicTrackPlaying, &events.TrackPlayingPayload{Name: "t1"})
}

// fakeCachedSpeech answers every speech_cache/playback_request with
// playback_started then playback_completed, echoing playback_id verbatim.
func fakeCachedSpeech(t *testing.T, b *bus.Bus) chan *events.SpeechCachePlaybackRequestPayload {
	t.Helper()
	reqCh := make(chan *events.SpeechCachePlaybackRequestPayload, 8)
	_, err := b.On(events.TopicSpeechCachePlaybackRequest, "fake_speech_cache", func(ctx context.Context, payload events.Payload) error {
		req := payload.(*events.SpeechCachePlaybackRequestPayload)
		reqCh <- req
		go func() {
			b.Emit(context.Background(), events.TopicSpeechCachePlaybackDone, &events.SpeechCachePlaybackCompletedPayload{
				CacheKey: req.CacheKey, PlaybackID: req.PlaybackID, CompletionStatus: events.CompletionCompleted,
			})
		}()
		return nil
	})
	require.NoError(t, err)
	return reqCh
}

// fakeCrossfade answers every music/crossfade_request by echoing crossfade_id
// back on music/crossfade_complete after a short delay.
func fakeCrossfade(t *testing.T, b *bus.Bus) {
	t.Helper()
	_, err := b.On(events.TopicMusicCrossfadeRequest, "fake_music", func(ctx context.Context, payload events.Payload) error {
		req := payload.(*events.MusicCrossfadeRequestPayload)
		go func() {
			time.Sleep(10 * time.Millisecond)
			b.Emit(context.Background(), events.TopicMusicCrossfadeDone, &events.MusicCrossfadeCompletePayload{CrossfadeID: req.CrossfadeID})
		}()
		return nil
	})
	require.NoError(t, err)
}

func collectPlanEnded(t *testing.T, b *bus.Bus) chan *events.PlanEndedPayload {
	t.Helper()
	ch := make(chan *events.PlanEndedPayload, 8)
	_, err := b.On(events.TopicPlanEnded, "observer", func(ctx context.Context, payload events.Payload) error {
		ch <- payload.(*events.PlanEndedPayload)
		return nil
	})
	require.NoError(t, err)
	return ch
}

func waitPlanEnded(t *testing.T, ch chan *events.PlanEndedPayload, planID string, timeout time.Duration) *events.PlanEndedPayload {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.PlanID == planID {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for plan/ended for %s", planID)
		}
	}
}

// TestCachedSpeechDucksAroundPlayback exercises spec S3: ducking/start fires,
// the playback request carries the step's cache key, ducking/stop fires once
// the playback completion echoing that request's playback_id arrives, and the
// plan completes.
func TestCachedSpeechDucksAroundPlayback(t *testing.T) {
	b, e := newTestExecutor(t, WithDuckSettle(5*time.Millisecond))
	fakeMusicPlaying(context.Background(), b)
	reqCh := fakeCachedSpeech(t, b)
	fakeCrossfade(t, b)
	endedCh := collectPlanEnded(t, b)

	duckStartCh := make(chan struct{}, 1)
	_, err := b.On(events.TopicAudioDuckingStart, "observer", func(ctx context.Context, _ events.Payload) error {
		duckStartCh <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	duckStopCh := make(chan struct{}, 1)
	_, err = b.On(events.TopicAudioDuckingStop, "observer", func(ctx context.Context, _ events.Payload) error {
		duckStopCh <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	plan := Plan{
		ID:    "s3-plan",
		Layer: events.LayerForeground,
		Steps: []Step{
			{ID: "speech", Kind: StepPlayCachedSpeech, CacheKey: "K1"},
			{ID: "delay", Kind: StepDelay, Delay: 20 * time.Millisecond},
			{ID: "crossfade", Kind: StepMusicCrossfade, Track: "t2", CrossfadeDelay: 50 * time.Millisecond},
		},
	}
	e.SubmitPlan(context.Background(), plan)

	select {
	case <-duckStartCh:
	case <-time.After(time.Second):
		t.Fatal("expected audio/ducking/start")
	}
	req := <-reqCh
	assert.Equal(t, "K1", req.CacheKey)

	select {
	case <-duckStopCh:
	case <-time.After(time.Second):
		t.Fatal("expected audio/ducking/stop after playback completes")
	}

	ended := waitPlanEnded(t, endedCh, plan.ID, time.Second)
	assert.Equal(t, events.PlanCompleted, ended.Status)
}

// TestOverridePreemptsAmbient exercises spec S4: an override plan cancels a
// running ambient plan before running to completion itself.
func TestOverridePreemptsAmbient(t *testing.T) {
	b, e := newTestExecutor(t)
	endedCh := collectPlanEnded(t, b)

	ambient := Plan{ID: "A", Layer: events.LayerAmbient, Steps: []Step{
		{ID: "long-delay", Kind: StepDelay, Delay: 10 * time.Second},
	}}
	e.SubmitPlan(context.Background(), ambient)
	time.Sleep(20 * time.Millisecond)

	override := Plan{ID: "O", Layer: events.LayerOverride, Steps: []Step{
		{ID: "eye", Kind: StepEyePattern, Pattern: "error"},
		{ID: "delay", Kind: StepDelay, Delay: 20 * time.Millisecond},
	}}
	e.SubmitPlan(context.Background(), override)

	endedA := waitPlanEnded(t, endedCh, "A", time.Second)
	assert.Equal(t, events.PlanCancelled, endedA.Status)

	endedO := waitPlanEnded(t, endedCh, "O", time.Second)
	assert.Equal(t, events.PlanCompleted, endedO.Status)
}

// TestForegroundPausesAndResumesAmbient exercises spec S5: a foreground plan
// pauses an in-progress ambient plan and the ambient plan resumes and
// completes once foreground ends.
func TestForegroundPausesAndResumesAmbient(t *testing.T) {
	b, e := newTestExecutor(t)
	endedCh := collectPlanEnded(t, b)

	ambient := Plan{ID: "A", Layer: events.LayerAmbient, Steps: []Step{
		{ID: "d1", Kind: StepDelay, Delay: 10 * time.Millisecond},
		{ID: "d2", Kind: StepDelay, Delay: 10 * time.Millisecond},
		{ID: "d3", Kind: StepDelay, Delay: 10 * time.Millisecond},
	}}
	e.SubmitPlan(context.Background(), ambient)
	time.Sleep(20 * time.Millisecond)

	foreground := Plan{ID: "F", Layer: events.LayerForeground, Steps: []Step{
		{ID: "d", Kind: StepDelay, Delay: 20 * time.Millisecond},
	}}
	e.SubmitPlan(context.Background(), foreground)

	endedF := waitPlanEnded(t, endedCh, "F", time.Second)
	assert.Equal(t, events.PlanCompleted, endedF.Status)

	endedA := waitPlanEnded(t, endedCh, "A", 2*time.Second)
	assert.Equal(t, events.PlanCompleted, endedA.Status)
}

// TestCachedSpeechTimeout verifies a barrier that never fires marks the step
// (and the plan) failed with a timeout reason.
func TestCachedSpeechTimeout(t *testing.T) {
	b, e := newTestExecutor(t, WithSpeechWaitTimeout(30*time.Millisecond))
	endedCh := collectPlanEnded(t, b)
	// No fakeCachedSpeech handler registered: the request goes unanswered.

	plan := Plan{ID: "timeout-plan", Layer: events.LayerForeground, Steps: []Step{
		{ID: "speech", Kind: StepPlayCachedSpeech, CacheKey: "missing"},
	}}
	e.SubmitPlan(context.Background(), plan)

	ended := waitPlanEnded(t, endedCh, plan.ID, time.Second)
	assert.Equal(t, events.PlanFailed, ended.Status)
}

// TestUnduckOnlyAfterAllSpeechDone verifies the ducking flag is held while
// voice/listening is active even after cached playback completes.
func TestUnduckOnlyAfterAllSpeechDone(t *testing.T) {
	b, e := newTestExecutor(t, WithDuckSettle(time.Millisecond))
	fakeMusicPlaying(context.Background(), b)
	fakeCachedSpeech(t, b)
	endedCh := collectPlanEnded(t, b)

	duckStopCh := make(chan struct{}, 4)
	_, err := b.On(events.TopicAudioDuckingStop, "observer", func(ctx context.Context, _ events.Payload) error {
		duckStopCh <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicVoiceListeningStart, &events.VoiceListeningPayload{})

	plan := Plan{ID: "voice-plan", Layer: events.LayerForeground, Steps: []Step{
		{ID: "speech", Kind: StepPlayCachedSpeech, CacheKey: "K1"},
	}}
	e.SubmitPlan(context.Background(), plan)
	waitPlanEnded(t, endedCh, plan.ID, time.Second)

	select {
	case <-duckStopCh:
		t.Fatal("should not unduck while voice/listening/started guard is still held")
	case <-time.After(50 * time.Millisecond):
	}

	b.Emit(context.Background(), events.TopicVoiceListeningStop, &events.VoiceListeningPayload{})
	select {
	case <-duckStopCh:
	case <-time.After(time.Second):
		t.Fatal("expected audio/ducking/stop once voice/listening/stopped clears the guard")
	}
}
