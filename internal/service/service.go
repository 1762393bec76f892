// Package service provides the uniform service lifecycle (spec §4.2).
// Concrete services embed BaseService instead of inheriting from it —
// composition over inheritance, per spec §9 — and supply a Start/Stop hook.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/kernelerr"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"
)

// Status is the ServiceStatus enumeration from spec §3.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusStarting      Status = "STARTING"
	StatusRunning       Status = "RUNNING"
	StatusDegraded      Status = "DEGRADED"
	StatusError         Status = "ERROR"
	StatusStopping      Status = "STOPPING"
	StatusStopped       Status = "STOPPED"
)

// StopTimeout bounds how long stop() waits for owned tasks to exit
// (spec §4.2, §5).
const StopTimeout = 5 * time.Second

// Hooks are the subclass-supplied lifecycle callbacks. Start must register
// all subscriptions and launch background tasks via Spawn before returning;
// BaseService.Start only emits RUNNING after Start returns, satisfying the
// invariant that a service never emits RUNNING before its subscriptions
// exist.
type Hooks interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Service is the capability every kernel component exposes (spec §9:
// "services referencing the bus... hold by capability interfaces").
type Service interface {
	Name() string
	Status() Status
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// BaseService implements Service, delegating domain behavior to Hooks.
type BaseService struct {
	name  string
	bus   *bus.Bus
	hooks Hooks

	mu         sync.Mutex
	status     Status
	cancel     context.CancelFunc
	runCtx     context.Context
	tasksWG    sync.WaitGroup
	taskCancel []context.CancelFunc
}

// New creates a BaseService for name, wired to bus, delegating to hooks.
func New(name string, b *bus.Bus, hooks Hooks) *BaseService {
	return &BaseService{
		name:   name,
		bus:    b,
		hooks:  hooks,
		status: StatusInitializing,
	}
}

func (s *BaseService) Name() string { return s.name }

func (s *BaseService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *BaseService) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Bus exposes the underlying bus so Hooks implementations can subscribe and
// emit without needing to be handed a separate reference.
func (s *BaseService) Bus() *bus.Bus { return s.bus }

// Subscribe registers handler for topic under this service's name. Hooks
// call this (rather than s.bus.On directly) so BaseService.Stop can unwind
// every subscription automatically.
func (s *BaseService) Subscribe(topic events.Topic, handler bus.Handler) error {
	_, err := s.bus.On(topic, s.name, handler)
	return err
}

// Start transitions INITIALIZING -> STARTING -> (Hooks.Start) -> RUNNING.
// Double-start is a no-op.
func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusRunning || s.status == StatusStarting {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStarting
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runCtx = runCtx
	s.mu.Unlock()

	s.emitStatus(ctx, StatusStarting, "starting", kernelerr.SeverityInfo, "")

	if err := s.hooks.Start(runCtx); err != nil {
		s.setStatus(StatusError)
		s.emitStatus(ctx, StatusError, err.Error(), kernelerr.SeverityError, string(kernelerr.KindServiceStartFailure))
		return kernelerr.New(kernelerr.KindServiceStartFailure, s.name, err)
	}

	s.setStatus(StatusRunning)
	s.emitStatus(ctx, StatusRunning, "running", kernelerr.SeverityInfo, "")
	return nil
}

// Context returns the service's own lifetime context: live from Start
// until Stop cancels it. A Hooks implementation that needs to build its
// own independently-cancellable sub-context for work that outlives a
// single bus handler (e.g. "this particular track's playback," cancelled
// early by the next play/stop/crossfade) must root that sub-context here,
// not in a handler's own context — a handler's context is cancelled the
// moment the handler returns (bus.Emit awaits all handlers, then tears
// down the context it handed them), so anything derived from it dies
// almost immediately instead of running for its intended duration.
func (s *BaseService) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// Spawn launches fn as an owned background task derived from ctx, tracked
// so Stop can cancel and await it. ctx must be (or descend from) this
// service's own Context, not a bus handler's transient context, or fn will
// be cancelled the instant the triggering handler returns rather than
// running for its intended duration. fn must return promptly once its
// context is cancelled.
func (s *BaseService) Spawn(ctx context.Context, fn func(ctx context.Context)) {
	taskCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.taskCancel = append(s.taskCancel, cancel)
	s.mu.Unlock()

	s.tasksWG.Add(1)
	go func() {
		defer s.tasksWG.Done()
		fn(taskCtx)
	}()
}

// SpawnOwned is Spawn rooted directly at the service's own Context, for
// the common case of a task with no independent sub-lifetime of its own.
func (s *BaseService) SpawnOwned(fn func(ctx context.Context)) {
	s.Spawn(s.Context(), fn)
}

// Stop transitions RUNNING -> STOPPING -> (cancel tasks, Hooks.Stop) ->
// STOPPED, removing every subscription this service registered. Double-stop
// is a no-op.
func (s *BaseService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStopped || s.status == StatusStopping {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	cancels := append([]context.CancelFunc(nil), s.taskCancel...)
	globalCancel := s.cancel
	s.mu.Unlock()

	s.emitStatus(ctx, StatusStopping, "stopping", kernelerr.SeverityInfo, "")

	for _, c := range cancels {
		c()
	}
	if globalCancel != nil {
		globalCancel()
	}

	if !waitWithTimeout(&s.tasksWG, StopTimeout) {
		logger.Module(s.name).Warn("stop timeout waiting for owned tasks")
		s.emitStatus(ctx, StatusError, "stop timed out waiting for owned tasks", kernelerr.SeverityWarning, string(kernelerr.KindServiceStopTimeout))
	}

	if err := s.hooks.Stop(ctx); err != nil {
		logger.Module(s.name).Error("hook stop failed", "error", err)
	}

	s.bus.RemoveService(s.name)
	s.setStatus(StatusStopped)
	s.emitStatus(ctx, StatusStopped, "stopped", kernelerr.SeverityInfo, "")
	return nil
}

func (s *BaseService) emitStatus(ctx context.Context, st Status, message string, severity kernelerr.Severity, kind string) {
	s.bus.Emit(ctx, events.TopicServiceStatus, &events.ServiceStatusPayload{
		Common:   events.Common{Timestamp: time.Now()},
		Service:  s.name,
		Status:   string(st),
		Message:  message,
		Severity: string(severity),
		Kind:     kind,
	})
}

// EmitStatus is the public equivalent of spec §4.2's emit_status, for use
// by Hooks implementations that need to report DEGRADED or custom messages
// mid-run (not just at start/stop transitions).
func (s *BaseService) EmitStatus(ctx context.Context, st Status, message string, severity kernelerr.Severity) {
	s.setStatus(st)
	s.emitStatus(ctx, st, message, severity, "")
}

func waitWithTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

var _ fmt.Stringer = Status("")

func (s Status) String() string { return string(s) }
