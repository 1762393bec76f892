package speechcache

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

func newTestService(t *testing.T, opts ...Option) (*bus.Bus, *Service) {
	t.Helper()
	b := bus.New()
	opts = append([]Option{WithGenerationTimeout(2 * time.Second)}, opts...)
	svc := New(b, opts...)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return b, svc
}

// fakeTTS answers every tts/generate_request with a fixed-size PCM buffer.
func fakeTTS(t *testing.T, b *bus.Bus, sampleRate int, byteLen int) {
	t.Helper()
	_, err := b.On(events.TopicTTSGenerateRequest, "fake_tts", func(ctx context.Context, payload events.Payload) error {
		req := payload.(*events.TTSGenerateRequestPayload)
		go b.Emit(context.Background(), events.TopicTTSAudioData, &events.TTSAudioDataPayload{
			RequestID:  req.ClipID,
			Success:    true,
			AudioData:  make([]byte, byteLen),
			SampleRate: sampleRate,
		})
		return nil
	})
	require.NoError(t, err)
}

func TestCacheMissThenHit(t *testing.T) {
	b, _ := newTestService(t)
	fakeTTS(t, b, 24000, 4800) // 0.1s of audio at 16-bit mono 24kHz

	readyCh := make(chan *events.SpeechCacheReadyPayload, 2)
	_, err := b.On(events.TopicSpeechCacheReady, "observer", func(ctx context.Context, payload events.Payload) error {
		readyCh <- payload.(*events.SpeechCacheReadyPayload)
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicSpeechCacheRequest, &events.SpeechCacheRequestPayload{
		CacheKey: "greeting", Text: "hello there",
	})

	select {
	case ready := <-readyCh:
		assert.Equal(t, "greeting", ready.CacheKey)
		assert.Greater(t, ready.DurationMs, int64(0))
	case <-time.After(3 * time.Second):
		t.Fatal("no speech_cache/ready for miss path")
	}

	// Second request for the same key should hit without calling fakeTTS
	// again (no new tts/generate_request handler invocation needed).
	b.Emit(context.Background(), events.TopicSpeechCacheRequest, &events.SpeechCacheRequestPayload{
		CacheKey: "greeting", Text: "hello there",
	})
	select {
	case ready := <-readyCh:
		assert.Equal(t, "greeting", ready.CacheKey)
	case <-time.After(time.Second):
		t.Fatal("no speech_cache/ready for hit path")
	}
}

func TestGenerationTimeout(t *testing.T) {
	b, svc := newTestService(t, WithGenerationTimeout(30*time.Millisecond))
	_ = svc
	_, err := b.On(events.TopicTTSGenerateRequest, "silent", func(ctx context.Context, payload events.Payload) error {
		return nil // never answers
	})
	require.NoError(t, err)

	errCh := make(chan *events.SpeechCacheErrorPayload, 1)
	_, err = b.On(events.TopicSpeechCacheError, "observer", func(ctx context.Context, payload events.Payload) error {
		errCh <- payload.(*events.SpeechCacheErrorPayload)
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicSpeechCacheRequest, &events.SpeechCacheRequestPayload{
		CacheKey: "slow", Text: "...",
	})

	select {
	case e := <-errCh:
		assert.Equal(t, "slow", e.CacheKey)
	case <-time.After(time.Second):
		t.Fatal("expected speech_cache/error on generation timeout")
	}
}

func TestPlaybackMissEmitsMiss(t *testing.T) {
	b, _ := newTestService(t)
	missCh := make(chan *events.SpeechCacheMissPayload, 1)
	_, err := b.On(events.TopicSpeechCacheMiss, "observer", func(ctx context.Context, payload events.Payload) error {
		missCh <- payload.(*events.SpeechCacheMissPayload)
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicSpeechCachePlaybackRequest, &events.SpeechCachePlaybackRequestPayload{
		CacheKey: "nope", PlaybackID: "pb-1",
	})

	select {
	case m := <-missCh:
		assert.Equal(t, "nope", m.CacheKey)
	case <-time.After(time.Second):
		t.Fatal("expected speech_cache/miss")
	}
}

// TestPlaybackIDEchoed is the critical-rule test from spec §4.7: the
// completion event's playback_id must equal the request's.
func TestPlaybackIDEchoed(t *testing.T) {
	b, svc := newTestService(t)
	fakeTTS(t, b, 24000, 2400)

	readyCh := make(chan struct{}, 1)
	_, err := b.On(events.TopicSpeechCacheReady, "observer", func(ctx context.Context, payload events.Payload) error {
		readyCh <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	b.Emit(context.Background(), events.TopicSpeechCacheRequest, &events.SpeechCacheRequestPayload{CacheKey: "bark", Text: "woof"})
	<-readyCh
	_ = svc

	startedCh := make(chan *events.SpeechCachePlaybackStartedPayload, 1)
	completedCh := make(chan *events.SpeechCachePlaybackCompletedPayload, 1)
	_, err = b.On(events.TopicSpeechCachePlaybackStarted, "observer", func(ctx context.Context, payload events.Payload) error {
		startedCh <- payload.(*events.SpeechCachePlaybackStartedPayload)
		return nil
	})
	require.NoError(t, err)
	_, err = b.On(events.TopicSpeechCachePlaybackDone, "observer", func(ctx context.Context, payload events.Payload) error {
		completedCh <- payload.(*events.SpeechCachePlaybackCompletedPayload)
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicSpeechCachePlaybackRequest, &events.SpeechCachePlaybackRequestPayload{
		CacheKey: "bark", PlaybackID: "req-xyz",
	})

	select {
	case started := <-startedCh:
		assert.Equal(t, "req-xyz", started.PlaybackID)
	case <-time.After(time.Second):
		t.Fatal("expected playback_started")
	}
	select {
	case completed := <-completedCh:
		assert.Equal(t, "req-xyz", completed.PlaybackID)
		assert.Equal(t, events.CompletionCompleted, completed.CompletionStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("expected playback_completed")
	}
}

func TestEvictionByCapacity(t *testing.T) {
	c := newLRU(2, 0)
	c.insert(&CacheEntry{CacheKey: "a", CreatedAt: time.Now()})
	c.insert(&CacheEntry{CacheKey: "b", CreatedAt: time.Now()})
	c.insert(&CacheEntry{CacheKey: "c", CreatedAt: time.Now()})

	_, hasA := c.get("a")
	_, hasB := c.get("b")
	_, hasC := c.get("c")
	assert.False(t, hasA, "oldest entry should have been evicted")
	assert.True(t, hasB)
	assert.True(t, hasC)
}

func TestEvictionByAge(t *testing.T) {
	c := newLRU(0, 0)
	c.insert(&CacheEntry{CacheKey: "old", CreatedAt: time.Now().Add(-time.Hour)})
	c.insert(&CacheEntry{CacheKey: "new", CreatedAt: time.Now()})

	removed := c.removeOlderThan(time.Now().Add(-time.Minute))
	assert.Equal(t, []string{"old"}, removed)
	_, hasNew := c.get("new")
	assert.True(t, hasNew)
}

func TestCleanupClearsAll(t *testing.T) {
	b, svc := newTestService(t)
	fakeTTS(t, b, 24000, 2400)
	readyCh := make(chan struct{}, 1)
	_, err := b.On(events.TopicSpeechCacheReady, "observer", func(ctx context.Context, payload events.Payload) error {
		readyCh <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	b.Emit(context.Background(), events.TopicSpeechCacheRequest, &events.SpeechCacheRequestPayload{CacheKey: "x", Text: "y"})
	<-readyCh

	clearedCh := make(chan *events.SpeechCacheClearedPayload, 1)
	_, err = b.On(events.TopicSpeechCacheCleared, "observer", func(ctx context.Context, payload events.Payload) error {
		clearedCh <- payload.(*events.SpeechCacheClearedPayload)
		return nil
	})
	require.NoError(t, err)

	b.Emit(context.Background(), events.TopicSpeechCacheCleanup, &events.SpeechCacheCleanupPayload{})
	select {
	case cleared := <-clearedCh:
		assert.True(t, cleared.Success)
	case <-time.After(time.Second):
		t.Fatal("expected speech_cache/cleared")
	}

	svc.mu.Lock()
	_, hit := svc.cache.get("x")
	svc.mu.Unlock()
	assert.False(t, hit)
}
