package music

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

var testCatalog = []Track{
	{ID: "t1", Name: "Cantina Fray", DurationMs: 60},
	{ID: "t2", Name: "Blaster Run", DurationMs: 60},
}

func newTestController(t *testing.T) (*bus.Bus, *Controller) {
	t.Helper()
	b := bus.New()
	c := New(b, WithCatalog(testCatalog))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return b, c
}

func TestPlayEmitsTrackPlaying(t *testing.T) {
	b, _ := newTestController(t)
	playingCh := make(chan *events.TrackPlayingPayload, 1)
	_, err := b.On(events.TopicTrackPlaying, "observer", func(ctx context.Context, payload events.Payload) error {
		playingCh <- payload.(*events.TrackPlayingPayload)
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicMusicCommand, &events.MusicCommandPayload{Action: "play", Track: "1"})

	select {
	case p := <-playingCh:
		assert.Equal(t, "Cantina Fray", p.Name)
	case <-time.After(time.Second):
		t.Fatal("expected track/playing")
	}
}

func TestPlayByNameSubstringMatch(t *testing.T) {
	b, _ := newTestController(t)
	playingCh := make(chan *events.TrackPlayingPayload, 1)
	_, err := b.On(events.TopicTrackPlaying, "observer", func(ctx context.Context, payload events.Payload) error {
		playingCh <- payload.(*events.TrackPlayingPayload)
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicMusicCommand, &events.MusicCommandPayload{Action: "play", Track: "blaster"})
	select {
	case p := <-playingCh:
		assert.Equal(t, "Blaster Run", p.Name)
	case <-time.After(time.Second):
		t.Fatal("expected track/playing for name match")
	}
}

func TestStopEmitsTrackStopped(t *testing.T) {
	b, _ := newTestController(t)
	stoppedCh := make(chan struct{}, 1)
	_, err := b.On(events.TopicTrackStopped, "observer", func(ctx context.Context, _ events.Payload) error {
		stoppedCh <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicMusicCommand, &events.MusicCommandPayload{Action: "play", Track: "1"})
	time.Sleep(10 * time.Millisecond)
	b.Emit(context.Background(), events.TopicMusicCommand, &events.MusicCommandPayload{Action: "stop"})

	select {
	case <-stoppedCh:
	case <-time.After(time.Second):
		t.Fatal("expected track/stopped")
	}
}

// TestCrossfadeEchoesCrossfadeID exercises spec §9 Open Question 2's
// resolution: music/crossfade_complete carries the same id the request did.
func TestCrossfadeEchoesCrossfadeID(t *testing.T) {
	b, _ := newTestController(t)
	doneCh := make(chan *events.MusicCrossfadeCompletePayload, 1)
	_, err := b.On(events.TopicMusicCrossfadeDone, "observer", func(ctx context.Context, payload events.Payload) error {
		doneCh <- payload.(*events.MusicCrossfadeCompletePayload)
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicMusicCommand, &events.MusicCommandPayload{Action: "play", Track: "1"})
	time.Sleep(5 * time.Millisecond)

	b.Emit(context.Background(), events.TopicMusicCrossfadeRequest, &events.MusicCrossfadeRequestPayload{
		Track: "t2", CrossfadeID: "xf-123", CrossfadeMs: 10,
	})

	select {
	case done := <-doneCh:
		assert.Equal(t, "xf-123", done.CrossfadeID)
	case <-time.After(time.Second):
		t.Fatal("expected music/crossfade_complete")
	}
}

func TestCrossfadeUnknownTrackStillCompletes(t *testing.T) {
	b, _ := newTestController(t)
	doneCh := make(chan *events.MusicCrossfadeCompletePayload, 1)
	_, err := b.On(events.TopicMusicCrossfadeDone, "observer", func(ctx context.Context, payload events.Payload) error {
		doneCh <- payload.(*events.MusicCrossfadeCompletePayload)
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicMusicCrossfadeRequest, &events.MusicCrossfadeRequestPayload{
		Track: "does-not-exist", CrossfadeID: "xf-404",
	})
	select {
	case done := <-doneCh:
		assert.Equal(t, "xf-404", done.CrossfadeID)
	case <-time.After(time.Second):
		t.Fatal("expected music/crossfade_complete even for an unknown track")
	}
}

func TestTrackEndingSoonThenStopped(t *testing.T) {
	b, _ := newTestController(t)
	endingCh := make(chan *events.TrackEndingSoonPayload, 1)
	_, err := b.On(events.TopicTrackEndingSoon, "observer", func(ctx context.Context, payload events.Payload) error {
		endingCh <- payload.(*events.TrackEndingSoonPayload)
		return nil
	})
	require.NoError(t, err)
	stoppedCh := make(chan struct{}, 1)
	_, err = b.On(events.TopicTrackStopped, "observer", func(ctx context.Context, _ events.Payload) error {
		stoppedCh <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicMusicCommand, &events.MusicCommandPayload{Action: "play", Track: "1"})

	select {
	case <-endingCh:
	case <-time.After(time.Second):
		t.Fatal("expected track/ending_soon before natural end")
	}
	select {
	case <-stoppedCh:
	case <-time.After(time.Second):
		t.Fatal("expected track/stopped after natural end")
	}
}

func TestDuckingAcknowledgement(t *testing.T) {
	b, _ := newTestController(t)
	duckedCh := make(chan struct{}, 1)
	_, err := b.On(events.TopicMusicVolumeDucked, "observer", func(ctx context.Context, _ events.Payload) error {
		duckedCh <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	restoredCh := make(chan struct{}, 1)
	_, err = b.On(events.TopicMusicVolumeRestore, "observer", func(ctx context.Context, _ events.Payload) error {
		restoredCh <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicAudioDuckingStart, &events.DuckingStartPayload{Level: 0.5, FadeMs: 500})
	select {
	case <-duckedCh:
	case <-time.After(time.Second):
		t.Fatal("expected music/volume/ducked")
	}

	b.Emit(context.Background(), events.TopicAudioDuckingStop, &events.DuckingStopPayload{FadeMs: 500})
	select {
	case <-restoredCh:
	case <-time.After(time.Second):
		t.Fatal("expected music/volume/restored")
	}
}
