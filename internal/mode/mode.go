package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/kernelerr"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/memory"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/metrics"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
)

// Manager is the ModeManager (C4).
type Manager struct {
	*service.BaseService

	mu      sync.Mutex // serializes concurrent transition requests
	current SystemMode
}

type modeHooks struct{ m *Manager }

func (h modeHooks) Start(ctx context.Context) error { return h.m.onStart(ctx) }
func (h modeHooks) Stop(ctx context.Context) error { return h.m.onStop(ctx) }

// New creates a ModeManager wired to b, starting in STARTUP.
func New(b *bus.Bus) *Manager {
	m := &Manager{current: ModeStartup}
	m.BaseService = service.New("mode_manager", b, modeHooks{m})
	return m
}

// modeWords maps the CLI command words routed to mode/command (spec §4.3's
// "engage"/"disengage"/"ambient"/"idle" single-token commands) to the
// SystemMode they request.
var modeWords = map[string]SystemMode{
	"engage":     ModeInteractive,
	"disengage":  ModeIdle,
	"ambient":    ModeAmbient,
	"idle":       ModeIdle,
}

func (m *Manager) onStart(ctx context.Context) error {
	if err := m.Subscribe(events.TopicSetModeRequest, m.handleSetModeRequest); err != nil {
		return err
	}
	if err := m.Subscribe(events.TopicModeCommand, m.handleModeCommand); err != nil {
		return err
	}
	for word := range modeWords {
		m.Bus().Emit(ctx, events.TopicRegisterCommand, &events.RegisterCommandPayload{
			Common:         events.Common{Timestamp: time.Now()},
			Command:        word,
			HandlerService: m.Name(),
			EventTopic:     string(events.TopicModeCommand),
		})
	}
	return nil
}

func (m *Manager) onStop(context.Context) error { return nil }

func (m *Manager) handleModeCommand(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.DispatchedCommandPayload)
	if !ok {
		return fmt.Errorf("mode/command: unexpected payload type %T", payload)
	}
	newMode, ok := modeWords[p.Command]
	if !ok {
		return fmt.Errorf("mode/command: unrecognized mode command %q", p.Command)
	}
	return m.Transition(ctx, newMode)
}

// Current returns the current system mode.
func (m *Manager) Current() SystemMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) handleSetModeRequest(ctx context.Context, payload events.Payload) error {
	req, ok := payload.(*events.SetModeRequestPayload)
	if !ok {
		return fmt.Errorf("system/set_mode/request: unexpected payload type %T", payload)
	}
	newMode := SystemMode(req.Mode)
	if !newMode.Valid() {
		return fmt.Errorf("system/set_mode/request: unknown mode %q", req.Mode)
	}
	return m.Transition(ctx, newMode)
}

// Transition atomically moves the mode manager from its current mode to
// newMode, per the sequence in spec §4.4:
//  1. emit mode/transition/started
//  2. apply the internal state change
//  3. emit system/mode/change (peers may veto by returning an error)
//  4. emit mode/transition/complete on success, or roll back and emit
//     mode/transition/failed on veto.
//
// Redundant transitions (old == new) are a no-op logged at DEBUG (spec §4.4).
func (m *Manager) Transition(ctx context.Context, newMode SystemMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current
	if old == newMode {
		logger.Module("mode_manager").Debug("redundant mode transition ignored", "mode", string(old))
		return nil
	}

	tx := NewTransactionContext(m.Bus())

	m.Bus().Emit(ctx, events.TopicModeTransitionStart, &events.ModeTransitionPayload{
		Common: events.Common{Timestamp: time.Now()},
		Old:    string(old), New: string(newMode), Status: "started",
	})

	m.current = newMode
	if err := tx.Record(func(ctx context.Context) { m.current = old }); err != nil {
		return err
	}

	errs := tx.EmitChecked(ctx, events.TopicSystemModeChange, &events.SystemModeChangePayload{
		Common: events.Common{Timestamp: time.Now()},
		Old:    string(old), New: string(newMode),
	})

	if len(errs) > 0 {
		_ = tx.Rollback(ctx)
		reason := errs[0].Error()
		metrics.RecordModeTransition(string(old), string(newMode), "rolled_back")
		m.Bus().Emit(ctx, events.TopicModeTransitionFail, &events.ModeTransitionPayload{
			Common: events.Common{Timestamp: time.Now()},
			Old:    string(old), New: string(newMode), Status: "failed", Error: reason,
		})
		m.EmitStatus(ctx, service.StatusDegraded, fmt.Sprintf("mode transition %s->%s rolled back: %s", old, newMode, reason), kernelerr.SeverityWarning)
		return kernelerr.New(kernelerr.KindTransitionFailed, "mode_manager", errors.New(reason))
	}

	_ = tx.Commit()
	metrics.RecordModeTransition(string(old), string(newMode), "committed")

	m.Bus().Emit(ctx, events.TopicModeTransitionDone, &events.ModeTransitionPayload{
		Common: events.Common{Timestamp: time.Now()},
		Old:    string(old), New: string(newMode), Status: "completed",
	})
	m.EmitStatus(ctx, service.StatusRunning, fmt.Sprintf("mode now %s", newMode), kernelerr.SeverityInfo)
	return nil
}

// WireMemory makes the ModeManager keep MemoryService's "mode" key in sync
// by subscribing to its own system/mode/change broadcasts — kept as an
// explicit wiring call (rather than hidden inside Transition) so tests can
// exercise ModeManager without a MemoryService present.
func WireMemory(b *bus.Bus, mem *memory.Service) {
	_, _ = b.On(events.TopicSystemModeChange, "memory_mode_sync", func(ctx context.Context, payload events.Payload) error {
		p, ok := payload.(*events.SystemModeChangePayload)
		if !ok {
			return fmt.Errorf("system/mode/change: unexpected payload type %T", payload)
		}
		mem.Set(ctx, memory.KeyMode, p.New)
		return nil
	})
}
