// Package eye implements the LED-matrix command surface referenced by spec
// §6's CLI surface ("eye pattern <name>", "eye test", "eye status") and by
// TimelineExecutor's EyePattern step (spec §4.6 step 4).
//
// The LED panel itself is a hardware adapter explicitly out of scope (spec
// §1): Controller never talks to a serial device. It only owns the
// translation from a dispatched CLI command (or a direct eye/command emit)
// into the fire-and-forget eye/command event a real driver would consume,
// plus the in-process bookkeeping ("what pattern is currently showing")
// needed to answer "eye status" without one.
package eye

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
)

// DefaultPattern is what "eye status" reports before any pattern has run.
const DefaultPattern = "idle"

// Controller is the in-process reference for the eye/LED command surface.
type Controller struct {
	*service.BaseService

	mu      sync.Mutex
	current string
}

// New creates an eye Controller wired to b.
func New(b *bus.Bus) *Controller {
	c := &Controller{current: DefaultPattern}
	c.BaseService = service.New("eye_controller", b, controllerHooks{c})
	return c
}

type controllerHooks struct{ c *Controller }

func (h controllerHooks) Start(ctx context.Context) error { return h.c.onStart(ctx) }
func (h controllerHooks) Stop(ctx context.Context) error { return h.c.onStop(ctx) }

func (c *Controller) onStart(ctx context.Context) error {
	if err := c.Subscribe(events.TopicEyeDispatch, c.handleDispatch); err != nil {
		return err
	}
	if err := c.Subscribe(events.TopicEyeCommand, c.handleCommand); err != nil {
		return err
	}
	for _, pattern := range []string{"eye pattern", "eye test", "eye status"} {
		c.Bus().Emit(ctx, events.TopicRegisterCommand, &events.RegisterCommandPayload{
			Common:         events.Common{Timestamp: time.Now()},
			Command:        pattern,
			HandlerService: c.Name(),
			EventTopic:     string(events.TopicEyeDispatch),
		})
	}
	return nil
}

func (c *Controller) onStop(context.Context) error { return nil }

// Current returns the most recently dispatched pattern name.
func (c *Controller) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) handleDispatch(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.DispatchedCommandPayload)
	if !ok {
		return fmt.Errorf("eye/dispatch: unexpected payload type %T", payload)
	}
	switch p.Subcommand {
	case "pattern":
		name := strings.Join(p.Args, " ")
		if name == "" {
			return c.respond(ctx, "eye pattern requires a pattern name", true)
		}
		c.Bus().Emit(ctx, events.TopicEyeCommand, &events.EyeCommandPayload{
			Common: events.Common{Timestamp: time.Now(), ConversationID: p.ConversationID}, Pattern: name,
		})
		return nil
	case "test":
		c.Bus().Emit(ctx, events.TopicEyeCommand, &events.EyeCommandPayload{
			Common: events.Common{Timestamp: time.Now(), ConversationID: p.ConversationID}, Pattern: "test",
		})
		return c.respond(ctx, "eye test pattern dispatched", false)
	case "status":
		return c.respond(ctx, fmt.Sprintf("current eye pattern: %s", c.Current()), false)
	default:
		return fmt.Errorf("eye/dispatch: unrecognized subcommand %q", p.Subcommand)
	}
}

func (c *Controller) handleCommand(_ context.Context, payload events.Payload) error {
	p, ok := payload.(*events.EyeCommandPayload)
	if !ok {
		return fmt.Errorf("eye/command: unexpected payload type %T", payload)
	}
	c.mu.Lock()
	c.current = p.Pattern
	c.mu.Unlock()
	return nil
}

func (c *Controller) respond(ctx context.Context, message string, isError bool) error {
	c.Bus().Emit(ctx, events.TopicCLIResponse, &events.CLIResponsePayload{
		Common:  events.Common{Timestamp: time.Now()},
		Message: message,
		IsError: isError,
	})
	return nil
}
