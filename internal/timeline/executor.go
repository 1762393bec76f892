// Package timeline implements the TimelineExecutor (C6): a three-layer
// plan runner that atomically executes a Plan's steps in order while
// coordinating audio ducking with cached speech playback, legacy TTS, and
// music crossfades (spec §4.6 — "the heart of the system").
package timeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/kernelerr"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/metrics"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
)

// Defaults from spec §4.6/§4.1.
const (
	DefaultSpeechWaitTimeout = 10 * time.Second
	DefaultCrossfadeExtra    = 5 * time.Second
	DefaultDuckSettle        = 150 * time.Millisecond
	DefaultSpeakSettle       = 250 * time.Millisecond
	DefaultDuckLevel         = 0.5
	DefaultDuckFadeMs        = 500
)

// voiceListeningGuardKey is the pseudo entry added to activeSpeech while
// voice/listening is in progress, so the shared guard set also covers the
// "listening" ducking source (spec §4.6 ducking invariants, last bullet).
const voiceListeningGuardKey = "__voice_listening__"

// barrierRegistry holds pending step-completion channels keyed by a
// freshly generated correlation id (playback_id / crossfade_id / clip_id),
// mirroring the teacher's workflow.StateMachine single-transition-at-a-time
// discipline applied to the bus's own completion events (spec §9).
type barrierRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan events.Payload
}

func newBarrierRegistry() *barrierRegistry {
	return &barrierRegistry{waiters: make(map[string]chan events.Payload)}
}

func (r *barrierRegistry) register(id string) chan events.Payload {
	ch := make(chan events.Payload, 1)
	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()
	return ch
}

func (r *barrierRegistry) forget(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// fulfill delivers payload to the waiter for id, if any is still
// registered. A barrier with no waiter (already timed out, or the owning
// plan was cancelled) is a deliberate no-op: the completion event is
// "received and discarded" per spec §5 cancellation semantics.
func (r *barrierRegistry) fulfill(id string, payload events.Payload) {
	r.mu.Lock()
	ch, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	if ok {
		select {
		case ch <- payload:
		default:
		}
	}
}

// layerState tracks the single active plan runner for one priority layer.
type layerState struct {
	mu      sync.Mutex
	gate    *gate
	planID  string
	running bool
	cancel  context.CancelFunc
}

func newLayerState() *layerState {
	return &layerState{gate: newOpenGate()}
}

// Executor is the TimelineExecutor (C6).
type Executor struct {
	*service.BaseService

	layers map[events.PlanLayer]*layerState

	speechBarriers    *barrierRegistry
	crossfadeBarriers *barrierRegistry
	legacyBarriers    *barrierRegistry

	mu           sync.Mutex
	musicPlaying bool
	ducked       bool
	activeSpeech map[string]struct{}

	speechWaitTimeout time.Duration
	crossfadeExtra    time.Duration
	duckSettle        time.Duration
	speakSettle       time.Duration
	duckLevel         float64
	duckFadeMs        int64
}

// Option configures an Executor at construction time.
type Option func(*Executor)

func WithSpeechWaitTimeout(d time.Duration) Option {
	return func(e *Executor) { e.speechWaitTimeout = d }
}

func WithCrossfadeExtra(d time.Duration) Option {
	return func(e *Executor) { e.crossfadeExtra = d }
}

func WithDuckSettle(d time.Duration) Option { return func(e *Executor) { e.duckSettle = d } }

// New creates a TimelineExecutor wired to b.
func New(b *bus.Bus, opts ...Option) *Executor {
	e := &Executor{
		layers: map[events.PlanLayer]*layerState{
			events.LayerAmbient:    newLayerState(),
			events.LayerForeground: newLayerState(),
			events.LayerOverride:   newLayerState(),
		},
		speechBarriers:    newBarrierRegistry(),
		crossfadeBarriers: newBarrierRegistry(),
		legacyBarriers:    newBarrierRegistry(),
		activeSpeech:      make(map[string]struct{}),
		speechWaitTimeout: DefaultSpeechWaitTimeout,
		crossfadeExtra:    DefaultCrossfadeExtra,
		duckSettle:        DefaultDuckSettle,
		speakSettle:       DefaultSpeakSettle,
		duckLevel:         DefaultDuckLevel,
		duckFadeMs:        DefaultDuckFadeMs,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.BaseService = service.New("timeline_executor", b, executorHooks{e})
	return e
}

type executorHooks struct{ e *Executor }

func (h executorHooks) Start(ctx context.Context) error { return h.e.onStart(ctx) }
func (h executorHooks) Stop(ctx context.Context) error { return h.e.onStop(ctx) }

func (e *Executor) onStart(ctx context.Context) error {
	for _, sub := range []struct {
		topic   events.Topic
		handler bus.Handler
	}{
		{events.TopicTrackPlaying, e.handleTrackPlaying},
		{events.TopicTrackStopped, e.handleTrackStopped},
		{events.TopicSpeechCachePlaybackDone, e.handlePlaybackCompleted},
		{events.TopicMusicCrossfadeDone, e.handleCrossfadeCompleted},
		{events.TopicSpeechGenComplete, e.handleLegacySpeechComplete},
		{events.TopicVoiceListeningStart, e.handleVoiceListeningStarted},
		{events.TopicVoiceListeningStop, e.handleVoiceListeningStopped},
	} {
		if err := e.Subscribe(sub.topic, sub.handler); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) onStop(context.Context) error { return nil }

func (e *Executor) handleTrackPlaying(_ context.Context, _ events.Payload) error {
	e.mu.Lock()
	e.musicPlaying = true
	e.mu.Unlock()
	return nil
}

func (e *Executor) handleTrackStopped(_ context.Context, _ events.Payload) error {
	e.mu.Lock()
	e.musicPlaying = false
	e.mu.Unlock()
	return nil
}

func (e *Executor) handleVoiceListeningStarted(ctx context.Context, _ events.Payload) error {
	e.mu.Lock()
	e.activeSpeech[voiceListeningGuardKey] = struct{}{}
	e.mu.Unlock()
	e.maybeDuck(ctx)
	return nil
}

func (e *Executor) handleVoiceListeningStopped(ctx context.Context, _ events.Payload) error {
	e.mu.Lock()
	delete(e.activeSpeech, voiceListeningGuardKey)
	e.mu.Unlock()
	e.maybeUnduck(ctx)
	return nil
}

func (e *Executor) handlePlaybackCompleted(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.SpeechCachePlaybackCompletedPayload)
	if !ok {
		return fmt.Errorf("speech_cache/playback_completed: unexpected payload type %T", payload)
	}
	e.mu.Lock()
	delete(e.activeSpeech, p.PlaybackID)
	e.mu.Unlock()
	e.maybeUnduck(ctx)
	e.speechBarriers.fulfill(p.PlaybackID, p)
	return nil
}

func (e *Executor) handleCrossfadeCompleted(_ context.Context, payload events.Payload) error {
	p, ok := payload.(*events.MusicCrossfadeCompletePayload)
	if !ok {
		return fmt.Errorf("music/crossfade_complete: unexpected payload type %T", payload)
	}
	e.crossfadeBarriers.fulfill(p.CrossfadeID, p)
	return nil
}

func (e *Executor) handleLegacySpeechComplete(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.SpeechGenerationPayload)
	if !ok {
		return fmt.Errorf("speech/generation/complete: unexpected payload type %T", payload)
	}
	e.mu.Lock()
	delete(e.activeSpeech, p.ClipID)
	e.mu.Unlock()
	e.maybeUnduck(ctx)
	e.legacyBarriers.fulfill(p.ClipID, p)
	return nil
}

// maybeDuck emits audio/ducking/start and sets the ducked flag if music is
// playing and not already ducked (spec §4.6 step (a)).
func (e *Executor) maybeDuck(ctx context.Context) {
	e.mu.Lock()
	shouldDuck := e.musicPlaying && !e.ducked
	if shouldDuck {
		e.ducked = true
	}
	e.mu.Unlock()
	if !shouldDuck {
		return
	}
	e.Bus().Emit(ctx, events.TopicAudioDuckingStart, &events.DuckingStartPayload{
		Common: events.Common{Timestamp: time.Now()},
		Level:  e.duckLevel,
		FadeMs: e.duckFadeMs,
	})
}

// maybeUnduck emits audio/ducking/stop and clears the ducked flag once the
// active-speech guard set is empty (spec §4.6 ducking invariants).
func (e *Executor) maybeUnduck(ctx context.Context) {
	e.mu.Lock()
	shouldUnduck := len(e.activeSpeech) == 0 && e.musicPlaying && e.ducked
	if shouldUnduck {
		e.ducked = false
	}
	e.mu.Unlock()
	if !shouldUnduck {
		return
	}
	e.Bus().Emit(ctx, events.TopicAudioDuckingStop, &events.DuckingStopPayload{
		Common: events.Common{Timestamp: time.Now()},
		FadeMs: e.duckFadeMs,
	})
}

// SubmitPlan performs layer arbitration (spec §4.6) and starts plan's
// runner. It returns immediately; the plan executes asynchronously and its
// outcome is observable via plan/started, step/executed, and plan/ended.
func (e *Executor) SubmitPlan(ctx context.Context, plan Plan) {
	ls := e.layers[plan.Layer]

	e.preemptSameLayer(ctx, plan.Layer)

	switch plan.Layer {
	case events.LayerOverride:
		e.cancelLayerAndWait(ctx, events.LayerAmbient)
		e.cancelLayerAndWait(ctx, events.LayerForeground)
	case events.LayerForeground:
		e.pauseLayer(events.LayerAmbient)
	case events.LayerAmbient:
		if e.layerActive(events.LayerForeground) || e.layerActive(events.LayerOverride) {
			ls.gate.pause()
		}
	}

	// Rooted in the executor's own Context, not the caller's ctx: a caller
	// that is a bus handler (DJ mode) has its ctx cancelled the moment it
	// returns, long before the plan finishes.
	runCtx, cancel := context.WithCancel(e.Context())
	ls.mu.Lock()
	ls.cancel = cancel
	ls.planID = plan.ID
	ls.running = true
	ls.mu.Unlock()

	go e.runPlan(runCtx, plan, ls)
}

// preemptSameLayer cancels any plan already running on plan's own layer
// ("A new plan on the same layer cancels any running plan on that layer",
// spec §4.6) and waits for its runner to observe cancellation.
func (e *Executor) preemptSameLayer(ctx context.Context, layer events.PlanLayer) {
	e.cancelLayerAndWait(ctx, layer)
}

func (e *Executor) layerActive(layer events.PlanLayer) bool {
	ls := e.layers[layer]
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

func (e *Executor) pauseLayer(layer events.PlanLayer) {
	e.layers[layer].gate.pause()
}

func (e *Executor) resumeLayer(layer events.PlanLayer) {
	e.layers[layer].gate.resume()
}

// cancelLayerAndWait cancels layer's currently running plan (if any) and
// blocks briefly for its runner to finish, so a subsequent arbitration
// decision (e.g. an override cancelling both lower layers) observes a
// consistent "not running" state before proceeding.
func (e *Executor) cancelLayerAndWait(_ context.Context, layer events.PlanLayer) {
	ls := e.layers[layer]
	ls.mu.Lock()
	cancel := ls.cancel
	running := ls.running
	ls.mu.Unlock()
	if !running || cancel == nil {
		return
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		ls.mu.Lock()
		stillRunning := ls.running
		ls.mu.Unlock()
		if !stillRunning {
			return
		}
		select {
		case <-deadline:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// runPlan executes plan's steps strictly in sequence, gating on its layer's
// pause/resume signal before each step, until the plan completes, a step
// fails, or the plan is cancelled (spec §4.6, §5).
func (e *Executor) runPlan(ctx context.Context, plan Plan, ls *layerState) {
	defer func() {
		ls.mu.Lock()
		ls.running = false
		ls.planID = ""
		ls.cancel = nil
		ls.mu.Unlock()
		if plan.Layer == events.LayerForeground {
			e.resumeLayer(events.LayerAmbient)
		}
	}()

	e.Bus().Emit(ctx, events.TopicPlanStarted, &events.PlanStartedPayload{
		Common: events.Common{Timestamp: time.Now()}, PlanID: plan.ID, Layer: plan.Layer,
	})

	status := events.PlanCompleted
	for _, step := range plan.Steps {
		if err := ls.gate.wait(ctx); err != nil {
			status = events.PlanCancelled
			break
		}
		if ctx.Err() != nil {
			status = events.PlanCancelled
			break
		}

		e.Bus().Emit(ctx, events.TopicStepReady, &events.StepReadyPayload{
			Common: events.Common{Timestamp: time.Now()}, PlanID: plan.ID, StepID: step.ID,
		})

		stepErr := e.executeStep(ctx, plan, step)
		e.reportStep(ctx, plan.ID, step, stepErr)

		if ctx.Err() != nil {
			status = events.PlanCancelled
			break
		}
		if stepErr != nil && step.Kind != StepSpeak {
			status = events.PlanFailed
			break
		}
		if step.DelayAfter > 0 {
			select {
			case <-time.After(step.DelayAfter):
			case <-ctx.Done():
				status = events.PlanCancelled
			}
			if ctx.Err() != nil {
				break
			}
		}
	}

	if ctx.Err() != nil && status == events.PlanCompleted {
		status = events.PlanCancelled
	}

	metrics.RecordPlanEnded(string(plan.Layer), string(status))
	e.Bus().Emit(context.Background(), events.TopicPlanEnded, &events.PlanEndedPayload{
		Common: events.Common{Timestamp: time.Now()}, PlanID: plan.ID, Layer: plan.Layer, Status: status,
	})
}

func (e *Executor) reportStep(ctx context.Context, planID string, step Step, err error) {
	status, details := "completed", ""
	if err != nil {
		status, details = "error", err.Error()
	}
	e.Bus().Emit(ctx, events.TopicStepExecuted, &events.StepExecutedPayload{
		Common: events.Common{Timestamp: time.Now()}, PlanID: planID, StepID: step.ID,
		Status: status, Details: details,
	})
}

// executeStep dispatches to the per-variant handler (spec §4.6).
func (e *Executor) executeStep(ctx context.Context, plan Plan, step Step) error {
	switch step.Kind {
	case StepPlayCachedSpeech:
		return e.execPlayCachedSpeech(ctx, plan, step)
	case StepMusicCrossfade:
		return e.execMusicCrossfade(ctx, plan, step)
	case StepSpeak:
		return e.execSpeak(ctx, plan, step)
	case StepEyePattern:
		return e.execEyePattern(ctx, step)
	case StepDelay:
		return e.execDelay(ctx, step)
	case StepPlayMusic:
		return e.execPlayMusic(ctx, step)
	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

// execPlayCachedSpeech implements spec §4.6 step 1.
func (e *Executor) execPlayCachedSpeech(ctx context.Context, plan Plan, step Step) error {
	e.maybeDuck(ctx)
	select {
	case <-time.After(e.duckSettle):
	case <-ctx.Done():
		return ctx.Err()
	}

	playbackID := uuid.NewString()
	ch := e.speechBarriers.register(playbackID)
	e.mu.Lock()
	e.activeSpeech[playbackID] = struct{}{}
	e.mu.Unlock()

	e.Bus().Emit(ctx, events.TopicSpeechCachePlaybackRequest, &events.SpeechCachePlaybackRequestPayload{
		Common:     events.Common{Timestamp: time.Now()},
		CacheKey:   step.CacheKey,
		PlaybackID: playbackID,
		Volume:     step.Volume,
		Metadata:   events.CacheMetadata{PlanID: plan.ID, StepID: step.ID, CacheKey: step.CacheKey},
	})

	timer := time.NewTimer(e.speechWaitTimeout)
	defer timer.Stop()
	select {
	case payload := <-ch:
		completed, ok := payload.(*events.SpeechCachePlaybackCompletedPayload)
		if ok && completed.CompletionStatus != events.CompletionCompleted {
			return kernelerr.New(kernelerr.KindPlanStepFailure, "timeline_executor", fmt.Errorf("playback %s: %s", playbackID, completed.Error))
		}
		return nil
	case <-timer.C:
		e.speechBarriers.forget(playbackID)
		return kernelerr.New(kernelerr.KindPlanStepTimeout, "timeline_executor", fmt.Errorf("cached speech playback %s timed out", playbackID))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execMusicCrossfade implements spec §4.6 step 2.
func (e *Executor) execMusicCrossfade(ctx context.Context, plan Plan, step Step) error {
	crossfadeID := uuid.NewString()
	ch := e.crossfadeBarriers.register(crossfadeID)

	e.Bus().Emit(ctx, events.TopicMusicCrossfadeRequest, &events.MusicCrossfadeRequestPayload{
		Common:      events.Common{Timestamp: time.Now()},
		Track:       step.Track,
		CrossfadeID: crossfadeID,
		CrossfadeMs: step.CrossfadeDelay.Milliseconds(),
	})

	timeout := step.CrossfadeDelay + e.crossfadeExtra
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		e.crossfadeBarriers.forget(crossfadeID)
		return kernelerr.New(kernelerr.KindPlanStepTimeout, "timeline_executor", fmt.Errorf("crossfade %s timed out", crossfadeID))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execSpeak implements spec §4.6 step 3 (legacy path). Failures are
// recorded but do not stop the plan (spec: "failures proceed but are
// recorded"); the caller in runPlan honors this by special-casing StepSpeak.
func (e *Executor) execSpeak(ctx context.Context, plan Plan, step Step) error {
	e.maybeDuck(ctx)

	clipID := uuid.NewString()
	ch := e.legacyBarriers.register(clipID)
	e.mu.Lock()
	e.activeSpeech[clipID] = struct{}{}
	e.mu.Unlock()

	e.Bus().Emit(ctx, events.TopicTTSGenerateRequest, &events.TTSGenerateRequestPayload{
		Common: events.Common{Timestamp: time.Now()},
		Text:   step.Text,
		ClipID: clipID,
		PlanID: plan.ID,
		StepID: step.ID,
	})

	var stepErr error
	timer := time.NewTimer(e.speechWaitTimeout)
	select {
	case payload := <-ch:
		gen, ok := payload.(*events.SpeechGenerationPayload)
		if ok && !gen.Success {
			stepErr = kernelerr.New(kernelerr.KindPlanStepFailure, "timeline_executor", fmt.Errorf("speak %s: %s", clipID, gen.Error))
		}
	case <-timer.C:
		e.legacyBarriers.forget(clipID)
		stepErr = kernelerr.New(kernelerr.KindPlanStepTimeout, "timeline_executor", fmt.Errorf("speak %s timed out", clipID))
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
	timer.Stop()

	select {
	case <-time.After(e.speakSettle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return stepErr
}

func (e *Executor) execEyePattern(ctx context.Context, step Step) error {
	e.Bus().Emit(ctx, events.TopicEyeCommand, &events.EyeCommandPayload{
		Common:    events.Common{Timestamp: time.Now()},
		Pattern:   step.Pattern,
		Color:     step.Color,
		Intensity: step.Intensity,
	})
	return nil
}

func (e *Executor) execDelay(ctx context.Context, step Step) error {
	if step.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(step.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) execPlayMusic(ctx context.Context, step Step) error {
	e.Bus().Emit(ctx, events.TopicMusicCommand, &events.MusicCommandPayload{
		Common: events.Common{Timestamp: time.Now()},
		Action: string(step.MusicAction),
		Track:  step.Track,
	})
	return nil
}
