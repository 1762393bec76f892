// Package speechcache implements CachedSpeechService (C7): a bounded,
// LRU+TTL cache of pre-rendered TTS utterances, plus barrier-style playback
// correlated by playback_id (spec §4.7).
package speechcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/kernelerr"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/metrics"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultMaxEntries is max_cache_entries (spec §4.7).
	DefaultMaxEntries = 10
	// DefaultMaxSizeMB is max_cache_size_mb (spec §4.7).
	DefaultMaxSizeMB = 64
	// DefaultTTL is default_ttl_seconds (spec §4.7).
	DefaultTTL = 300 * time.Second
	// DefaultCleanupInterval is cache_cleanup_interval (spec §4.7).
	DefaultCleanupInterval = 60 * time.Second
	// DefaultGenerationTimeout bounds how long a generate call waits for
	// the corresponding tts/audio_data response.
	DefaultGenerationTimeout = 15 * time.Second
	// maxConcurrentGenerations bounds in-flight TTS round trips, mirroring
	// runtime/pipeline.Pipeline's semaphore-gated concurrency cap.
	maxConcurrentGenerations = 4
)

type pendingGeneration struct {
	cacheKey string
	result   chan *events.TTSAudioDataPayload
}

// Service is the CachedSpeechService (C7).
type Service struct {
	*service.BaseService

	ttl             time.Duration
	cleanupInterval time.Duration
	genTimeout      time.Duration
	sem             *semaphore.Weighted

	mu      sync.Mutex
	cache   *lru
	pending map[string]*pendingGeneration // clip_id -> pending
}

// Option configures a Service at construction time.
type Option func(*Service)

func WithCapacity(maxEntries, maxSizeMB int) Option {
	return func(s *Service) { s.cache = newLRU(maxEntries, maxSizeMB*1024*1024) }
}

func WithTTL(d time.Duration) Option { return func(s *Service) { s.ttl = d } }

func WithCleanupInterval(d time.Duration) Option {
	return func(s *Service) { s.cleanupInterval = d }
}

func WithGenerationTimeout(d time.Duration) Option {
	return func(s *Service) { s.genTimeout = d }
}

// New creates a CachedSpeechService wired to b.
func New(b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		ttl:             DefaultTTL,
		cleanupInterval: DefaultCleanupInterval,
		genTimeout:      DefaultGenerationTimeout,
		sem:             semaphore.NewWeighted(maxConcurrentGenerations),
		cache:           newLRU(DefaultMaxEntries, DefaultMaxSizeMB*1024*1024),
		pending:         make(map[string]*pendingGeneration),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.BaseService = service.New("cached_speech_service", b, speechCacheHooks{s})
	return s
}

type speechCacheHooks struct{ s *Service }

func (h speechCacheHooks) Start(ctx context.Context) error { return h.s.onStart(ctx) }
func (h speechCacheHooks) Stop(ctx context.Context) error { return h.s.onStop(ctx) }

func (s *Service) onStart(ctx context.Context) error {
	for _, sub := range []struct {
		topic   events.Topic
		handler bus.Handler
	}{
		{events.TopicSpeechCacheRequest, s.handleRequest},
		{events.TopicSpeechCacheCleanup, s.handleCleanup},
		{events.TopicSpeechCachePlaybackRequest, s.handlePlaybackRequest},
		{events.TopicTTSAudioData, s.handleAudioData},
	} {
		if err := s.Subscribe(sub.topic, sub.handler); err != nil {
			return err
		}
	}

	if s.cleanupInterval > 0 {
		s.SpawnOwned(s.runPeriodicCleanup)
	}
	return nil
}

func (s *Service) onStop(context.Context) error { return nil }

func (s *Service) runPeriodicCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) evictExpired(ctx context.Context) {
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	removed := s.cache.removeOlderThan(cutoff)
	s.mu.Unlock()
	if len(removed) > 0 {
		logger.Module("cached_speech_service").Debug("evicted expired cache entries", "count", len(removed))
		s.Bus().Emit(ctx, events.TopicSpeechCacheCleared, &events.SpeechCacheClearedPayload{
			Common: events.Common{Timestamp: time.Now()}, Success: true,
		})
	}
}

// handleRequest implements speech_cache/request: hit emits ready directly;
// miss requests TTS generation, waits for the correlated response, and
// inserts the resulting entry.
func (s *Service) handleRequest(ctx context.Context, payload events.Payload) error {
	req, ok := payload.(*events.SpeechCacheRequestPayload)
	if !ok {
		return fmt.Errorf("speech_cache/request: unexpected payload type %T", payload)
	}

	s.mu.Lock()
	entry, hit := s.cache.get(req.CacheKey)
	s.mu.Unlock()

	if hit {
		metrics.RecordCacheLookup("hit")
		s.Bus().Emit(ctx, events.TopicSpeechCacheReady, &events.SpeechCacheReadyPayload{
			Common:     events.Common{Timestamp: time.Now()},
			CacheKey:   entry.CacheKey,
			DurationMs: entry.DurationMs,
			SizeBytes:  entry.SizeBytes,
			Metadata:   req.Metadata,
		})
		return nil
	}
	metrics.RecordCacheLookup("miss")

	audio, err := s.generate(ctx, req.CacheKey, req.Text)
	if err != nil {
		s.Bus().Emit(ctx, events.TopicSpeechCacheError, &events.SpeechCacheErrorPayload{
			Common: events.Common{Timestamp: time.Now()}, CacheKey: req.CacheKey, Error: err.Error(),
		})
		return kernelerr.New(kernelerr.KindCacheError, s.Name(), err)
	}

	entry = &CacheEntry{
		CacheKey:   req.CacheKey,
		AudioBytes: audio.AudioData,
		DurationMs: wavDurationMs(audio.AudioData, audio.SampleRate),
		SizeBytes:  len(audio.AudioData),
		Metadata:   map[string]any{"plan_id": req.Metadata.PlanID, "step_id": req.Metadata.StepID},
		CreatedAt:  time.Now(),
	}
	s.mu.Lock()
	s.cache.insert(entry)
	s.mu.Unlock()

	s.Bus().Emit(ctx, events.TopicSpeechCacheReady, &events.SpeechCacheReadyPayload{
		Common:     events.Common{Timestamp: time.Now()},
		CacheKey:   entry.CacheKey,
		DurationMs: entry.DurationMs,
		SizeBytes:  entry.SizeBytes,
		Metadata:   req.Metadata,
	})
	return nil
}

// generate requests TTS synthesis and blocks until the correlated
// tts/audio_data response arrives or genTimeout elapses.
func (s *Service) generate(ctx context.Context, cacheKey, text string) (*events.TTSAudioDataPayload, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	clipID := uuid.NewString()
	pending := &pendingGeneration{cacheKey: cacheKey, result: make(chan *events.TTSAudioDataPayload, 1)}

	s.mu.Lock()
	s.pending[clipID] = pending
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, clipID)
		s.mu.Unlock()
	}()

	s.Bus().Emit(ctx, events.TopicTTSGenerateRequest, &events.TTSGenerateRequestPayload{
		Common: events.Common{Timestamp: time.Now()},
		Text:   text,
		ClipID: clipID,
	})

	timer := time.NewTimer(s.genTimeout)
	defer timer.Stop()

	select {
	case resp := <-pending.result:
		if !resp.Success {
			return nil, fmt.Errorf("tts generation failed: %s", resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("tts generation timed out for cache_key %q", cacheKey)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) handleAudioData(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.TTSAudioDataPayload)
	if !ok {
		return fmt.Errorf("tts/audio_data: unexpected payload type %T", payload)
	}
	s.mu.Lock()
	pending, found := s.pending[p.RequestID]
	s.mu.Unlock()
	if !found {
		return nil // not ours (legacy Speak path may also consume tts/audio_data)
	}
	select {
	case pending.result <- p:
	default:
	}
	return nil
}

func (s *Service) handleCleanup(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.SpeechCacheCleanupPayload)
	if !ok {
		return fmt.Errorf("speech_cache/cleanup: unexpected payload type %T", payload)
	}

	s.mu.Lock()
	switch {
	case len(p.Keys) > 0:
		for _, k := range p.Keys {
			s.cache.remove(k)
		}
	case p.MaxAgeSeconds > 0:
		cutoff := time.Now().Add(-time.Duration(p.MaxAgeSeconds * float64(time.Second)))
		s.cache.removeOlderThan(cutoff)
	default:
		s.cache.clear()
	}
	s.mu.Unlock()

	s.Bus().Emit(ctx, events.TopicSpeechCacheCleared, &events.SpeechCacheClearedPayload{
		Common: events.Common{Timestamp: time.Now()}, Success: true,
	})
	return nil
}

// handlePlaybackRequest implements speech_cache/playback_request: a cache
// miss emits speech_cache/miss; a hit emits playback_started immediately and
// spawns an async "playback" task that emits playback_completed once done. The
// playback_id echoed back MUST match the request's (spec §4.7 critical
// rule) — it is never regenerated.
func (s *Service) handlePlaybackRequest(ctx context.Context, payload events.Payload) error {
	req, ok := payload.(*events.SpeechCachePlaybackRequestPayload)
	if !ok {
		return fmt.Errorf("speech_cache/playback_request: unexpected payload type %T", payload)
	}

	s.mu.Lock()
	entry, hit := s.cache.get(req.CacheKey)
	s.mu.Unlock()

	if !hit {
		metrics.RecordCacheLookup("miss")
		s.Bus().Emit(ctx, events.TopicSpeechCacheMiss, &events.SpeechCacheMissPayload{
			Common: events.Common{Timestamp: time.Now()}, CacheKey: req.CacheKey,
		})
		return nil
	}
	metrics.RecordCacheLookup("hit")

	s.Bus().Emit(ctx, events.TopicSpeechCachePlaybackStarted, &events.SpeechCachePlaybackStartedPayload{
		Common:     events.Common{Timestamp: time.Now()},
		CacheKey:   req.CacheKey,
		PlaybackID: req.PlaybackID,
		DurationMs: entry.DurationMs,
		Metadata:   req.Metadata,
	})

	s.SpawnOwned(func(taskCtx context.Context) {
		s.playback(taskCtx, req.CacheKey, req.PlaybackID, entry.DurationMs, req.Metadata)
	})
	return nil
}

func (s *Service) playback(ctx context.Context, cacheKey, playbackID string, durationMs int64, metadata events.CacheMetadata) {
	status := events.CompletionCompleted
	errMsg := ""

	timer := time.NewTimer(time.Duration(durationMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		status, errMsg = events.CompletionCancelled, ctx.Err().Error()
	}

	s.Bus().Emit(context.Background(), events.TopicSpeechCachePlaybackDone, &events.SpeechCachePlaybackCompletedPayload{
		Common:           events.Common{Timestamp: time.Now()},
		CacheKey:         cacheKey,
		PlaybackID:       playbackID,
		CompletionStatus: status,
		Metadata:         metadata,
		Error:            errMsg,
	})
}

// wavDurationMs estimates playback duration from a 16-bit mono PCM/WAV
// buffer, following the teacher's WAV-header constants (FileStore's
// wavHeaderSize/geminiumBitDepth/geminiumChannels) for the bytes-per-sample
// arithmetic, skipping the header if present.
func wavDurationMs(audio []byte, sampleRate int) int64 {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	data := audio
	if len(data) > wavHeaderSize && string(data[0:4]) == "RIFF" {
		data = data[wavHeaderSize:]
	}
	const bytesPerSample = 2 // 16-bit PCM
	samples := len(data) / bytesPerSample
	if samples == 0 {
		return 0
	}
	return int64(float64(samples) / float64(sampleRate) * 1000)
}

const wavHeaderSize = 44
