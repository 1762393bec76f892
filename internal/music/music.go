// Package music provides the MusicController (C8): an external-but-
// specified collaborator consuming music/command and music/crossfade_request
// and producing track/playing, track/stopped, the ducking-acknowledgement
// events, music/crossfade_complete, and the track/ending_soon lookahead
// signal DJ mode depends on (spec §4.8).
//
// The kernel treats MusicController as an interface boundary (the real
// implementation would drive an audio mixer); Controller here is the
// in-process reference implementation used by tests and the CLI build, in
// the same spirit as runtime/providers/mock stands in for a real LLM
// provider.
package music

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
)

// Track is one catalog entry the controller can play.
type Track struct {
	ID         string
	Name       string
	DurationMs int64
}

// EndingSoonLead is how far before a track's natural end track/ending_soon
// fires, giving DJ mode time to prepare lookahead commentary (spec §4.8).
const EndingSoonLead = 5 * time.Second

// Controller is the in-process reference MusicController (C8).
type Controller struct {
	*service.BaseService

	mu       sync.Mutex
	catalog  []Track
	current  *Track
	playing  bool
	playCtx  context.CancelFunc
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithCatalog sets the playable track catalog.
func WithCatalog(tracks []Track) Option {
	return func(c *Controller) { c.catalog = tracks }
}

// New creates a MusicController wired to b.
func New(b *bus.Bus, opts ...Option) *Controller {
	c := &Controller{}
	for _, opt := range opts {
		opt(c)
	}
	c.BaseService = service.New("music_controller", b, controllerHooks{c})
	return c
}

type controllerHooks struct{ c *Controller }

func (h controllerHooks) Start(ctx context.Context) error { return h.c.onStart(ctx) }
func (h controllerHooks) Stop(ctx context.Context) error { return h.c.onStop(ctx) }

func (c *Controller) onStart(ctx context.Context) error {
	for _, sub := range []struct {
		topic   events.Topic
		handler bus.Handler
	}{
		{events.TopicMusicCommand, c.handleCommand},
		{events.TopicMusicDispatch, c.handleDispatch},
		{events.TopicMusicCrossfadeRequest, c.handleCrossfade},
		{events.TopicAudioDuckingStart, c.handleDuckStart},
		{events.TopicAudioDuckingStop, c.handleDuckStop},
	} {
		if err := c.Subscribe(sub.topic, sub.handler); err != nil {
			return err
		}
	}
	for _, pattern := range []string{"play music", "stop music", "list music"} {
		c.Bus().Emit(ctx, events.TopicRegisterCommand, &events.RegisterCommandPayload{
			Common:         events.Common{Timestamp: time.Now()},
			Command:        pattern,
			HandlerService: c.Name(),
			EventTopic:     string(events.TopicMusicDispatch),
		})
	}
	return nil
}

// handleDispatch translates the CommandDispatcher's standardized payload
// (pattern "play|stop|list music [track]") into the plain MusicCommandPayload
// shape callers emitting music/command directly also use.
func (c *Controller) handleDispatch(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.DispatchedCommandPayload)
	if !ok {
		return fmt.Errorf("music/dispatch: unexpected payload type %T", payload)
	}
	return c.handleCommand(ctx, &events.MusicCommandPayload{
		Common: events.Common{Timestamp: time.Now(), ConversationID: p.ConversationID},
		Action: p.Command,
		Track:  strings.Join(p.Args, " "),
	})
}

func (c *Controller) onStop(context.Context) error {
	c.mu.Lock()
	if c.playCtx != nil {
		c.playCtx()
	}
	c.mu.Unlock()
	return nil
}

// Catalog returns a copy of the current track catalog.
func (c *Controller) Catalog() []Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Track(nil), c.catalog...)
}

func (c *Controller) findTrack(ref string) (Track, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(c.catalog) {
		return c.catalog[n-1], true
	}
	lower := strings.ToLower(ref)
	for _, t := range c.catalog {
		if strings.Contains(strings.ToLower(t.Name), lower) {
			return t, true
		}
	}
	return Track{}, false
}

func (c *Controller) handleCommand(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.MusicCommandPayload)
	if !ok {
		return fmt.Errorf("music/command: unexpected payload type %T", payload)
	}
	switch p.Action {
	case "play":
		return c.play(ctx, p.Track)
	case "stop":
		c.stop(ctx)
		return nil
	case "list":
		return c.list(ctx)
	default:
		return fmt.Errorf("music/command: unrecognized action %q", p.Action)
	}
}

func (c *Controller) play(ctx context.Context, ref string) error {
	track, ok := c.findTrack(ref)
	if !ok {
		return fmt.Errorf("music: no track matching %q", ref)
	}

	c.mu.Lock()
	if c.playCtx != nil {
		c.playCtx()
	}
	// Rooted in the controller's own Context, not the music/command
	// handler's ctx: the handler returns (and its ctx is torn down) long
	// before this track finishes playing.
	playCtx, cancel := context.WithCancel(c.Context())
	c.playCtx = cancel
	c.current = &track
	c.playing = true
	c.mu.Unlock()

	c.Bus().Emit(ctx, events.TopicTrackPlaying, &events.TrackPlayingPayload{
		Common: events.Common{Timestamp: time.Now()},
		Name:   track.Name,
		Metadata: map[string]string{
			"id":          track.ID,
			"duration_ms": strconv.FormatInt(track.DurationMs, 10),
		},
	})

	c.Spawn(playCtx, func(taskCtx context.Context) { c.runTrackLifecycle(taskCtx, track) })
	return nil
}

// runTrackLifecycle emits track/ending_soon EndingSoonLead before the
// track's natural end, then track/stopped if nothing (stop/crossfade)
// preempted it first.
func (c *Controller) runTrackLifecycle(ctx context.Context, track Track) {
	total := time.Duration(track.DurationMs) * time.Millisecond
	lead := EndingSoonLead
	if lead > total {
		lead = total / 2
	}

	select {
	case <-time.After(total - lead):
	case <-ctx.Done():
		return
	}
	c.Bus().Emit(ctx, events.TopicTrackEndingSoon, &events.TrackEndingSoonPayload{
		Common:      events.Common{Timestamp: time.Now()},
		RemainingMs: lead.Milliseconds(),
	})

	select {
	case <-time.After(lead):
	case <-ctx.Done():
		return
	}

	c.mu.Lock()
	c.playing = false
	c.current = nil
	c.mu.Unlock()
	c.Bus().Emit(context.Background(), events.TopicTrackStopped, &events.TrackStoppedPayload{
		Common: events.Common{Timestamp: time.Now()},
	})
}

func (c *Controller) stop(ctx context.Context) {
	c.mu.Lock()
	if c.playCtx != nil {
		c.playCtx()
		c.playCtx = nil
	}
	c.playing = false
	c.current = nil
	c.mu.Unlock()
	c.Bus().Emit(ctx, events.TopicTrackStopped, &events.TrackStoppedPayload{
		Common: events.Common{Timestamp: time.Now()},
	})
}

func (c *Controller) list(ctx context.Context) error {
	names := make([]string, 0, len(c.Catalog()))
	for i, t := range c.Catalog() {
		names = append(names, fmt.Sprintf("%d. %s", i+1, t.Name))
	}
	c.Bus().Emit(ctx, events.TopicCLIResponse, &events.CLIResponsePayload{
		Common:  events.Common{Timestamp: time.Now()},
		Message: strings.Join(names, "\n"),
	})
	return nil
}

// handleCrossfade implements spec §9 Open Question 2's resolution: the
// crossfade_id arrives on the request itself, so the completion event the
// executor's barrier is keyed on simply echoes it back unmodified.
func (c *Controller) handleCrossfade(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.MusicCrossfadeRequestPayload)
	if !ok {
		return fmt.Errorf("music/crossfade_request: unexpected payload type %T", payload)
	}

	track, ok := c.findTrack(p.Track)
	if !ok {
		logger.Module("music_controller").Warn("crossfade target not found", "track", p.Track)
		c.Bus().Emit(ctx, events.TopicMusicCrossfadeDone, &events.MusicCrossfadeCompletePayload{
			Common: events.Common{Timestamp: time.Now()}, CrossfadeID: p.CrossfadeID,
		})
		return nil
	}

	// Rooted in the controller's own Context, not this handler's ctx: the
	// handler returns (and its ctx is torn down) long before the crossfade
	// timer and the swapped-in track's lifecycle finish.
	c.SpawnOwned(func(taskCtx context.Context) {
		timer := time.NewTimer(time.Duration(p.CrossfadeMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-taskCtx.Done():
		}

		c.mu.Lock()
		if c.playCtx != nil {
			c.playCtx()
		}
		playCtx, cancel := context.WithCancel(taskCtx)
		c.playCtx = cancel
		c.current = &track
		c.playing = true
		c.mu.Unlock()

		c.Bus().Emit(context.Background(), events.TopicTrackPlaying, &events.TrackPlayingPayload{
			Common: events.Common{Timestamp: time.Now()},
			Name:   track.Name,
			Metadata: map[string]string{
				"id":          track.ID,
				"duration_ms": strconv.FormatInt(track.DurationMs, 10),
			},
		})
		c.Spawn(playCtx, func(innerCtx context.Context) { c.runTrackLifecycle(innerCtx, track) })

		c.Bus().Emit(context.Background(), events.TopicMusicCrossfadeDone, &events.MusicCrossfadeCompletePayload{
			Common: events.Common{Timestamp: time.Now()}, CrossfadeID: p.CrossfadeID,
		})
	})
	return nil
}

func (c *Controller) handleDuckStart(ctx context.Context, _ events.Payload) error {
	c.Bus().Emit(ctx, events.TopicMusicVolumeDucked, &events.TrackStoppedPayload{
		Common: events.Common{Timestamp: time.Now()},
	})
	return nil
}

func (c *Controller) handleDuckStop(ctx context.Context, _ events.Payload) error {
	c.Bus().Emit(ctx, events.TopicMusicVolumeRestore, &events.TrackStoppedPayload{
		Common: events.Common{Timestamp: time.Now()},
	})
	return nil
}
