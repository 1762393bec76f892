// Package djmode implements the autonomous "DJ mode" behavior referenced
// throughout spec §3/§6/§8: crossfading between tracks while interleaving
// pre-rendered commentary, tracking recently played tracks so selection
// never repeats within a configurable window, and persisting its state
// through MemoryService's dj_* keys.
//
// It is a thin orchestrator: track playback lives in music.Controller, step
// sequencing and ducking live in timeline.Executor, and all of its own
// state is mirrored into memory.Service rather than held as the source of
// truth, the same division mode.Manager keeps with WireMemory.
package djmode

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/memory"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/music"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/timeline"
)

const (
	// DefaultMaxRecentTracks is max_recent_tracks (spec §8 testable property).
	DefaultMaxRecentTracks = 3
	// DefaultCrossfadeMs is how long a DJ-mode-initiated crossfade takes.
	DefaultCrossfadeMs = 3000
	// DefaultLookaheadTimeout bounds how long DJ mode waits for commentary to
	// render before crossfading without it.
	DefaultLookaheadTimeout = 8 * time.Second
)

var transitionStyles = []string{"smooth", "dramatic", "quick"}

// Service is DJ mode: a small service layered on top of MemoryService,
// music.Controller, and timeline.Executor.
type Service struct {
	*service.BaseService

	mem    *memory.Service
	ctrl   *music.Controller
	exec   *timeline.Executor

	maxRecentTracks  int
	lookaheadTimeout time.Duration
	commentary       func(music.Track) string

	mu              sync.Mutex
	active          bool
	pendingNext     string // user-queued explicit next track ref, cleared once consumed
	readyWaiters    map[string]chan bool
}

// Option configures a Service at construction time.
type Option func(*Service)

func WithMaxRecentTracks(n int) Option { return func(s *Service) { s.maxRecentTracks = n } }

func WithLookaheadTimeout(d time.Duration) Option {
	return func(s *Service) { s.lookaheadTimeout = d }
}

// WithCommentary overrides the default canned commentary generator, for
// tests and for swapping in LLM-authored commentary later.
func WithCommentary(fn func(music.Track) string) Option {
	return func(s *Service) { s.commentary = fn }
}

// New creates DJ mode wired to b, mem, ctrl, and exec.
func New(b *bus.Bus, mem *memory.Service, ctrl *music.Controller, exec *timeline.Executor, opts ...Option) *Service {
	s := &Service{
		mem:              mem,
		ctrl:             ctrl,
		exec:             exec,
		maxRecentTracks:  DefaultMaxRecentTracks,
		lookaheadTimeout: DefaultLookaheadTimeout,
		commentary:       defaultCommentary,
		readyWaiters:     make(map[string]chan bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.BaseService = service.New("dj_mode", b, djModeHooks{s})
	return s
}

func defaultCommentary(t music.Track) string {
	return fmt.Sprintf("Coming up next: %s. Stay tuned, traveler.", t.Name)
}

type djModeHooks struct{ s *Service }

func (h djModeHooks) Start(ctx context.Context) error { return h.s.onStart(ctx) }
func (h djModeHooks) Stop(ctx context.Context) error { return h.s.onStop(ctx) }

func (s *Service) onStart(ctx context.Context) error {
	for _, sub := range []struct {
		topic   events.Topic
		handler bus.Handler
	}{
		{events.TopicDJCommand, s.handleDJCommand},
		{events.TopicTrackEndingSoon, s.handleTrackEndingSoon},
		{events.TopicSpeechCacheReady, s.handleSpeechReady},
		{events.TopicSpeechCacheError, s.handleSpeechError},
	} {
		if err := s.Subscribe(sub.topic, sub.handler); err != nil {
			return err
		}
	}
	for _, pattern := range []string{"dj start", "dj stop", "dj next", "dj queue"} {
		s.Bus().Emit(ctx, events.TopicRegisterCommand, &events.RegisterCommandPayload{
			Common:         events.Common{Timestamp: time.Now()},
			Command:        pattern,
			HandlerService: s.Name(),
			EventTopic:     string(events.TopicDJCommand),
		})
	}
	return nil
}

func (s *Service) onStop(context.Context) error { return nil }

func (s *Service) handleDJCommand(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.DispatchedCommandPayload)
	if !ok {
		return fmt.Errorf("dj/command: unexpected payload type %T", payload)
	}
	switch p.Subcommand {
	case "start":
		return s.start(ctx)
	case "stop":
		return s.stop(ctx)
	case "next":
		return s.next(ctx)
	case "queue":
		return s.queue(ctx, joinArgs(p.Args))
	default:
		return fmt.Errorf("dj/command: unrecognized subcommand %q", p.Subcommand)
	}
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// Active reports whether DJ mode is currently engaged.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Service) start(ctx context.Context) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = true
	s.mu.Unlock()

	s.mem.Set(ctx, memory.KeyDJModeActive, true)
	s.mem.Set(ctx, memory.KeyDJTransitionStyle, transitionStyles[rand.IntN(len(transitionStyles))])
	s.Bus().Emit(ctx, events.TopicDJModeStart, &events.ServiceStatusPayload{
		Common: events.Common{Timestamp: time.Now()}, Service: s.Name(), Status: "RUNNING", Severity: "info",
	})

	track, ok := s.pickNextTrack()
	if !ok {
		logger.Module("dj_mode").Warn("dj start: no track available in catalog")
		return nil
	}
	s.recordSelection(ctx, track)
	s.Bus().Emit(ctx, events.TopicMusicCommand, &events.MusicCommandPayload{
		Common: events.Common{Timestamp: time.Now()}, Action: "play", Track: track.ID,
	})
	return nil
}

func (s *Service) stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()

	s.mem.Set(ctx, memory.KeyDJModeActive, false)
	s.mem.ClearLookaheadCacheState(ctx)
	s.Bus().Emit(ctx, events.TopicDJModeStop, &events.ServiceStatusPayload{
		Common: events.Common{Timestamp: time.Now()}, Service: s.Name(), Status: "STOPPED", Severity: "info",
	})
	return nil
}

// next forces an immediate crossfade to a freshly selected track, bypassing
// the natural track/ending_soon lookahead trigger.
func (s *Service) next(ctx context.Context) error {
	if !s.Active() {
		return fmt.Errorf("dj next: dj mode is not active")
	}
	track, ok := s.pickNextTrack()
	if !ok {
		return fmt.Errorf("dj next: no eligible track to select")
	}
	s.crossfadeTo(ctx, track)
	return nil
}

// queue records an explicit user-requested next track, consumed by the next
// selection (whether triggered by track/ending_soon or "dj next").
func (s *Service) queue(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("dj queue: a track name or number is required")
	}
	s.mu.Lock()
	s.pendingNext = ref
	s.mu.Unlock()
	s.mem.Set(ctx, memory.KeyDJNextTrack, ref)
	s.Bus().Emit(ctx, events.TopicDJTrackQueued, &events.ServiceStatusPayload{
		Common: events.Common{Timestamp: time.Now()}, Service: s.Name(), Status: "RUNNING",
		Message: ref, Severity: "info",
	})
	return nil
}

func (s *Service) handleTrackEndingSoon(ctx context.Context, _ events.Payload) error {
	if !s.Active() {
		return nil
	}
	track, ok := s.pickNextTrack()
	if !ok {
		return nil
	}
	s.crossfadeTo(ctx, track)
	return nil
}

// pickNextTrack honors an explicit queued request first, otherwise chooses
// uniformly among tracks absent from the last maxRecentTracks selections
// (spec §8: "the next-track selection never picks a track present in the
// last N selections").
func (s *Service) pickNextTrack() (music.Track, bool) {
	catalog := s.ctrl.Catalog()
	if len(catalog) == 0 {
		return music.Track{}, false
	}

	s.mu.Lock()
	queued := s.pendingNext
	s.pendingNext = ""
	s.mu.Unlock()

	if queued != "" {
		for _, t := range catalog {
			if t.ID == queued || t.Name == queued {
				return t, true
			}
		}
	}

	recent := s.recentTrackIDs()
	eligible := make([]music.Track, 0, len(catalog))
	for _, t := range catalog {
		if !containsString(recent, t.ID) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		// The whole catalog is "recent" (catalog smaller than the history
		// window); any track is fair game rather than stalling DJ mode.
		eligible = catalog
	}
	return eligible[rand.IntN(len(eligible))], true
}

func (s *Service) recentTrackIDs() []string {
	raw, _ := s.mem.Get(memory.KeyDJTrackHistory, []string{}).([]string)
	if len(raw) <= s.maxRecentTracks {
		return raw
	}
	return raw[len(raw)-s.maxRecentTracks:]
}

func (s *Service) recordSelection(ctx context.Context, track music.Track) {
	history, _ := s.mem.Get(memory.KeyDJTrackHistory, []string{}).([]string)
	history = append(append([]string(nil), history...), track.ID)
	s.mem.Set(ctx, memory.KeyDJTrackHistory, history)
	s.mem.Set(ctx, memory.KeyDJNextTrack, "")
	s.Bus().Emit(ctx, events.TopicDJNextTrackSelected, &events.ServiceStatusPayload{
		Common: events.Common{Timestamp: time.Now()}, Service: s.Name(), Status: "RUNNING",
		Message: track.Name, Severity: "info",
	})
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// crossfadeTo records track as the selection, renders its commentary (best
// effort, within lookaheadTimeout), and submits the ambient-layer plan that
// crossfades into it.
func (s *Service) crossfadeTo(ctx context.Context, track music.Track) {
	s.recordSelection(ctx, track)

	cacheKey := fmt.Sprintf("dj_commentary:%s", track.ID)
	steps := []timeline.Step{}
	if s.renderCommentary(ctx, track, cacheKey) {
		steps = append(steps, timeline.Step{ID: "commentary", Kind: timeline.StepPlayCachedSpeech, CacheKey: cacheKey, DelayAfter: 200 * time.Millisecond})
	}
	steps = append(steps, timeline.Step{
		ID: "crossfade", Kind: timeline.StepMusicCrossfade,
		Track: track.ID, CrossfadeDelay: DefaultCrossfadeMs * time.Millisecond,
	})

	s.exec.SubmitPlan(ctx, timeline.Plan{ID: fmt.Sprintf("dj-%s-%d", track.ID, time.Now().UnixNano()), Layer: events.LayerAmbient, Steps: steps})
}

// renderCommentary requests commentary speech be cached under cacheKey and
// waits for readiness, updating dj_lookahead_cache throughout. Returns false
// (log-and-skip) on generation failure or timeout so a crossfade proceeds
// without commentary rather than stalling DJ mode indefinitely.
func (s *Service) renderCommentary(ctx context.Context, track music.Track, cacheKey string) bool {
	s.mem.SetLookaheadCacheState(ctx, track.ID, memory.LookaheadPending, nil)

	ch := make(chan bool, 1)
	s.mu.Lock()
	s.readyWaiters[cacheKey] = ch
	s.mu.Unlock()

	s.Bus().Emit(ctx, events.TopicSpeechCacheRequest, &events.SpeechCacheRequestPayload{
		Common:   events.Common{Timestamp: time.Now()},
		CacheKey: cacheKey,
		Text:     s.commentary(track),
	})

	timer := time.NewTimer(s.lookaheadTimeout)
	defer timer.Stop()
	select {
	case ok := <-ch:
		state := memory.LookaheadReady
		if !ok {
			state = memory.LookaheadFailed
		}
		s.mem.SetLookaheadCacheState(ctx, track.ID, state, nil)
		return ok
	case <-timer.C:
		s.forgetWaiter(cacheKey)
		s.mem.SetLookaheadCacheState(ctx, track.ID, memory.LookaheadFailed, map[string]any{"reason": "timeout"})
		logger.Module("dj_mode").Warn("commentary render timed out", "cache_key", cacheKey)
		return false
	case <-ctx.Done():
		s.forgetWaiter(cacheKey)
		return false
	}
}

func (s *Service) forgetWaiter(cacheKey string) {
	s.mu.Lock()
	delete(s.readyWaiters, cacheKey)
	s.mu.Unlock()
}

func (s *Service) handleSpeechReady(_ context.Context, payload events.Payload) error {
	p, ok := payload.(*events.SpeechCacheReadyPayload)
	if !ok {
		return fmt.Errorf("speech_cache/ready: unexpected payload type %T", payload)
	}
	s.fulfillWaiter(p.CacheKey, true)
	return nil
}

func (s *Service) handleSpeechError(_ context.Context, payload events.Payload) error {
	p, ok := payload.(*events.SpeechCacheErrorPayload)
	if !ok {
		return fmt.Errorf("speech_cache/error: unexpected payload type %T", payload)
	}
	s.fulfillWaiter(p.CacheKey, false)
	return nil
}

func (s *Service) fulfillWaiter(cacheKey string, ok bool) {
	s.mu.Lock()
	ch, found := s.readyWaiters[cacheKey]
	if found {
		delete(s.readyWaiters, cacheKey)
	}
	s.mu.Unlock()
	if found {
		select {
		case ch <- ok:
		default:
		}
	}
}
