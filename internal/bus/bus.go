// Package bus implements the kernel's topic-addressed, emit-awaits-all-
// handlers event bus (spec §4.1). It is the single component every other
// service in the kernel is wired through.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/kernelerr"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/metrics"
)

// DefaultHandlerTimeout is the per-emit handler timeout recommended by
// spec §4.1 ("5s recommended default").
const DefaultHandlerTimeout = 5 * time.Second

// Handler processes one event payload. Handlers are expected to be
// cooperative: fast, non-blocking, and to respect ctx cancellation for any
// work they perform, matching spec §4.1's "cooperative handlers" rule.
type Handler func(ctx context.Context, payload events.Payload) error

// registration is the (topic, handler, owning-service) record from spec §3.
type registration struct {
	id      string
	service string
	handler Handler
}

// Bus is the process-wide event bus.
type Bus struct {
	mu             sync.RWMutex
	subscribers    map[events.Topic][]registration
	handlerTimeout time.Duration
}

// New creates an empty Bus with the default per-emit handler timeout.
func New() *Bus {
	return &Bus{
		subscribers:    make(map[events.Topic][]registration),
		handlerTimeout: DefaultHandlerTimeout,
	}
}

// WithHandlerTimeout returns a Bus configured with a custom per-emit
// handler timeout (tests use this to shrink §8's "plan timeout on barrier"
// scenarios to millisecond scale).
func (b *Bus) WithHandlerTimeout(d time.Duration) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlerTimeout = d
	return b
}

// On registers handler for topic under the given owning service name.
// Registration is synchronous: by the time On returns, the handler is live
// for the next Emit on that topic (spec §4.1, §4.2 invariant).
// It returns a registration id usable with Off, and a HandlerInvalid error
// if handler is nil.
func (b *Bus) On(topic events.Topic, service string, handler Handler) (string, error) {
	if handler == nil {
		return "", kernelerr.New(kernelerr.KindHandlerInvalid, service,
			fmt.Errorf("nil handler registered for topic %q", topic))
	}
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], registration{id: id, service: service, handler: handler})
	return id, nil
}

// Off removes a specific handler registration. Idempotent: removing an
// unknown id is a no-op.
func (b *Bus) Off(topic events.Topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.subscribers[topic]
	for i, r := range regs {
		if r.id == id {
			b.subscribers[topic] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// RemoveAllListeners removes all handlers for topic, or every handler on
// every topic when topic is empty.
func (b *Bus) RemoveAllListeners(topic events.Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		b.subscribers = make(map[events.Topic][]registration)
		return
	}
	delete(b.subscribers, topic)
}

// RemoveService removes every handler registered under the given owning
// service name, across all topics. Used by BaseService.stop().
func (b *Bus) RemoveService(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, regs := range b.subscribers {
		filtered := regs[:0:0]
		for _, r := range regs {
			if r.service != service {
				filtered = append(filtered, r)
			}
		}
		b.subscribers[topic] = filtered
	}
}

// Emit delivers payload to every handler currently registered for topic, in
// registration order, and returns only once every handler has returned,
// errored, or been cancelled by the per-emit timeout (spec §4.1).
//
// A handler error or timeout is reported on service/status with kind
// HandlerError/HandlerTimeout and does NOT cause Emit to return an error:
// errors are events, not exceptions (spec §7). Use EmitCollectErrors where a
// caller genuinely needs to observe handler failures synchronously (mode
// transitions' compensating-action decision, spec §4.4/§9).
func (b *Bus) Emit(ctx context.Context, topic events.Topic, payload events.Payload) {
	b.EmitCollectErrors(ctx, topic, payload)
}

// EmitCollectErrors behaves exactly like Emit (same ordering, timeout, and
// service/status reporting side effects) but additionally returns the
// non-nil errors returned by handlers, indexed by registration order, for
// callers that need them (e.g. a TransactionContext deciding whether to
// roll back).
func (b *Bus) EmitCollectErrors(ctx context.Context, topic events.Topic, payload events.Payload) []error {
	b.mu.RLock()
	regs := make([]registration, len(b.subscribers[topic]))
	copy(regs, b.subscribers[topic])
	timeout := b.handlerTimeout
	b.mu.RUnlock()

	if payload == nil {
		payload = &events.ServiceStatusPayload{}
	}
	if payload.Envelope().Timestamp.IsZero() {
		payload.Envelope().Timestamp = time.Now()
	}

	var errs []error
	// Handlers are invoked strictly in registration order (spec §4.1): this
	// is what lets the ordering invariant in §8 hold without extra
	// synchronization, and keeps a single emit's handler-to-handler fan-out
	// deterministic even though distinct emits on distinct topics may
	// overlap freely.
	for idx, r := range regs {
		if err := b.invoke(ctx, topic, idx, r, payload, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (b *Bus) invoke(ctx context.Context, topic events.Topic, idx int, r registration, payload events.Payload, timeout time.Duration) error {
	hctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("handler panic: %v", rec)
			}
		}()
		done <- r.handler(hctx, payload)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.reportHandlerError(ctx, topic, idx, r.service, err)
		}
		return err
	case <-hctx.Done():
		b.reportHandlerTimeout(ctx, topic, idx, r.service)
		return fmt.Errorf("handler %d for %s timed out", idx, topic)
	}
}

func (b *Bus) reportHandlerError(ctx context.Context, topic events.Topic, idx int, service string, err error) {
	logger.Module("bus").Error("handler error", "topic", string(topic), "index", idx, "service", service, "error", err)
	metrics.RecordHandlerError(string(kernelerr.KindHandlerError))
	b.emitStatusNoWait(ctx, service, kernelerr.KindHandlerError, fmt.Sprintf("handler %d for %s failed: %v", idx, topic, err))
}

func (b *Bus) reportHandlerTimeout(ctx context.Context, topic events.Topic, idx int, service string) {
	logger.Module("bus").Warn("handler timeout", "topic", string(topic), "index", idx, "service", service)
	metrics.RecordHandlerError(string(kernelerr.KindHandlerTimeout))
	b.emitStatusNoWait(ctx, service, kernelerr.KindHandlerTimeout, fmt.Sprintf("handler %d for %s timed out", idx, topic))
}

// emitStatusNoWait fans a status event out directly (bypassing
// EmitCollectErrors' sequential wait) to avoid a service/status handler
// failure recursively blocking on itself while reporting its own failure.
func (b *Bus) emitStatusNoWait(ctx context.Context, service string, kind kernelerr.Kind, message string) {
	b.mu.RLock()
	regs := make([]registration, len(b.subscribers[events.TopicServiceStatus]))
	copy(regs, b.subscribers[events.TopicServiceStatus])
	b.mu.RUnlock()

	payload := &events.ServiceStatusPayload{
		Common:   events.Common{Timestamp: time.Now()},
		Service:  service,
		Status:   "ERROR",
		Message:  message,
		Severity: string(kernelerr.SeverityError),
		Kind:     string(kind),
	}
	for _, r := range regs {
		go func(r registration) {
			defer func() { _ = recover() }()
			_ = r.handler(ctx, payload)
		}(r)
	}
}
