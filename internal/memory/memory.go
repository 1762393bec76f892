package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
)

// DefaultMaxChatTurns bounds the chat_history ring (spec invariant: "Chat
// history length <= configured max turns").
const DefaultMaxChatTurns = 40

// waiter is a registered predicate wait (spec §4.5 wait_for).
type waiter struct {
	predicate func(state map[Key]any) bool
	done      chan bool
}

// Service is the MemoryService (C5): a keyed working-memory map, a bounded
// chat-history ring, predicate waits, and JSON snapshot persistence.
type Service struct {
	*service.BaseService

	mu           sync.RWMutex
	state        map[Key]any
	maxChatTurns int
	store        *snapshotStore
	waiters      []*waiter
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithSnapshotPath sets the JSON snapshot file path (spec §6: "one JSON
// snapshot file for the MemoryService at a known path under the process
// working dir").
func WithSnapshotPath(path string) Option {
	return func(s *Service) { s.store = newSnapshotStore(path) }
}

// WithMaxChatTurns overrides DefaultMaxChatTurns.
func WithMaxChatTurns(n int) Option {
	return func(s *Service) { s.maxChatTurns = n }
}

// New creates a MemoryService wired to b, applying any Options.
func New(b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		state:        make(map[Key]any, len(recognizedKeys)),
		maxChatTurns: DefaultMaxChatTurns,
		store:        newSnapshotStore(""),
	}
	for _, k := range recognizedKeys {
		s.state[k] = defaultValue(k)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.BaseService = service.New("memory", b, memoryHooks{s})
	return s
}

// memoryHooks adapts Service's lifecycle callbacks to service.Hooks without
// Service itself declaring Start/Stop methods that would shadow the
// lifecycle-managing BaseService.Start/Stop it embeds.
type memoryHooks struct{ s *Service }

func (h memoryHooks) Start(ctx context.Context) error { return h.s.onStart(ctx) }
func (h memoryHooks) Stop(ctx context.Context) error { return h.s.onStop(ctx) }

// onStart loads the snapshot (merging over defaults) then subscribes to the
// bus-exposed memory/get and memory/set handlers (spec §4.5).
func (s *Service) onStart(ctx context.Context) error {
	loaded, err := s.store.load()
	if err != nil {
		logger.Module("memory").Warn("snapshot load failed, starting from defaults", "error", err)
	}
	s.mu.Lock()
	for k, v := range loaded {
		s.state[k] = v
	}
	s.mu.Unlock()

	if err := s.Subscribe(events.TopicMemoryGet, s.handleMemoryGet); err != nil {
		return err
	}
	if err := s.Subscribe(events.TopicMemorySet, s.handleMemorySet); err != nil {
		return err
	}
	return nil
}

// onStop is a no-op: MemoryService lives for the process lifetime (spec §3
// Lifecycle), but it still satisfies service.Hooks for uniform wiring.
func (s *Service) onStop(context.Context) error { return nil }

func (s *Service) handleMemoryGet(ctx context.Context, payload events.Payload) error {
	req, ok := payload.(*events.MemoryGetPayload)
	if !ok {
		return fmt.Errorf("memory/get: unexpected payload type %T", payload)
	}
	val := s.Get(Key(req.Key), nil)
	s.Bus().Emit(ctx, events.Topic(req.CallbackTopic), &events.MemoryUpdatedPayload{
		Common:   events.Common{Timestamp: time.Now()},
		Key:      req.Key,
		NewValue: val,
	})
	return nil
}

func (s *Service) handleMemorySet(ctx context.Context, payload events.Payload) error {
	req, ok := payload.(*events.MemorySetPayload)
	if !ok {
		return fmt.Errorf("memory/set: unexpected payload type %T", payload)
	}
	s.Set(ctx, Key(req.Key), req.Value)
	return nil
}

// Get returns the current value for key, or def if key is unrecognized and
// has no prior value. Synchronous read of the in-memory map (spec §4.5).
func (s *Service) Get(key Key, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.state[key]; ok {
		return v
	}
	return def
}

// Set updates key, persists the snapshot, emits memory/updated, and wakes
// any waiters whose predicate newly holds (spec §4.5).
func (s *Service) Set(ctx context.Context, key Key, value any) {
	s.mu.Lock()
	old := s.state[key]
	s.state[key] = value
	snapshot := s.cloneStateLocked()
	s.mu.Unlock()

	if err := s.store.save(snapshot); err != nil {
		logger.Module("memory").Error("snapshot save failed", "error", err)
	}

	s.Bus().Emit(ctx, events.TopicMemoryUpdated, &events.MemoryUpdatedPayload{
		Common:   events.Common{Timestamp: time.Now()},
		Key:      string(key),
		OldValue: old,
		NewValue: value,
	})

	s.wakeWaiters()
}

// AppendChat appends msg to chat_history, trims to maxChatTurns, persists,
// and emits memory/updated (spec §4.5 append_chat).
func (s *Service) AppendChat(ctx context.Context, msg ChatMessage) {
	s.mu.Lock()
	history, _ := s.state[KeyChatHistory].([]ChatMessage)
	history = append(history, msg)
	if len(history) > s.maxChatTurns {
		history = history[len(history)-s.maxChatTurns:]
	}
	s.state[KeyChatHistory] = history
	snapshot := s.cloneStateLocked()
	s.mu.Unlock()

	if err := s.store.save(snapshot); err != nil {
		logger.Module("memory").Error("snapshot save failed", "error", err)
	}

	s.Bus().Emit(ctx, events.TopicMemoryUpdated, &events.MemoryUpdatedPayload{
		Common: events.Common{Timestamp: time.Now()},
		Key:    string(KeyChatHistory),
		NewValue: len(history),
	})
	s.wakeWaiters()
}

// WaitFor suspends until predicate(state) is true or timeout elapses,
// returning whether it resolved successfully (spec §4.5 wait_for).
func (s *Service) WaitFor(ctx context.Context, predicate func(state map[Key]any) bool, timeout time.Duration) bool {
	s.mu.Lock()
	if predicate(s.cloneStateLocked()) {
		s.mu.Unlock()
		return true
	}
	w := &waiter{predicate: predicate, done: make(chan bool, 1)}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case ok := <-w.done:
		return ok
	case <-timer:
		s.removeWaiter(w)
		return false
	case <-ctx.Done():
		s.removeWaiter(w)
		return false
	}
}

func (s *Service) wakeWaiters() {
	s.mu.Lock()
	snapshot := s.cloneStateLocked()
	remaining := s.waiters[:0:0]
	var toWake []*waiter
	for _, w := range s.waiters {
		if w.predicate(snapshot) {
			toWake = append(toWake, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	s.waiters = remaining
	s.mu.Unlock()

	for _, w := range toWake {
		w.done <- true
	}
}

func (s *Service) removeWaiter(target *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, w := range s.waiters {
		if w == target {
			s.waiters = append(s.waiters[:i:i], s.waiters[i+1:]...)
			return
		}
	}
}

func (s *Service) cloneStateLocked() map[Key]any {
	out := make(map[Key]any, len(s.state))
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// SetUserPreference stores a DJ-mode user preference under key k.
func (s *Service) SetUserPreference(ctx context.Context, k string, v any) {
	s.mu.Lock()
	prefs, _ := s.state[KeyDJUserPreferences].(map[string]any)
	if prefs == nil {
		prefs = map[string]any{}
	} else {
		cloned := make(map[string]any, len(prefs))
		for pk, pv := range prefs {
			cloned[pk] = pv
		}
		prefs = cloned
	}
	prefs[k] = v
	s.mu.Unlock()
	s.Set(ctx, KeyDJUserPreferences, prefs)
}

// GetUserPreference reads a DJ-mode user preference, or def if unset.
func (s *Service) GetUserPreference(k string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefs, _ := s.state[KeyDJUserPreferences].(map[string]any)
	if v, ok := prefs[k]; ok {
		return v
	}
	return def
}

// SetLookaheadCacheState records readiness state for a DJ-mode lookahead
// track id (spec §4.5, §3 MemoryState.dj_lookahead_cache).
func (s *Service) SetLookaheadCacheState(ctx context.Context, trackID string, state LookaheadState, details map[string]any) {
	s.mu.Lock()
	cache, _ := s.state[KeyDJLookaheadCache].(map[string]LookaheadEntry)
	cloned := make(map[string]LookaheadEntry, len(cache)+1)
	for k, v := range cache {
		cloned[k] = v
	}
	cloned[trackID] = LookaheadEntry{TrackID: trackID, State: state, Details: details}
	s.mu.Unlock()
	s.Set(ctx, KeyDJLookaheadCache, cloned)
}

// ClearLookaheadCacheState empties the dj_lookahead_cache map.
func (s *Service) ClearLookaheadCacheState(ctx context.Context) {
	s.Set(ctx, KeyDJLookaheadCache, map[string]LookaheadEntry{})
}
