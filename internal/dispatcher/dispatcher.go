// Package dispatcher implements CommandDispatcher (C3): parses raw CLI
// command lines, resolves shortcuts, matches the longest registered
// compound command (falling back to a single-token command), builds the
// standardized dispatch payload, and routes it to the owning service's
// topic (spec §4.3).
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/metrics"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
)

// defaultShortcuts is the fixed shortcut table from spec §4.3/§6's CLI
// surface, resolved before any command matching happens.
var defaultShortcuts = map[string]string{
	"e":    "engage",
	"d":    "disengage",
	"a":    "ambient",
	"st":   "status",
	"r":    "reset",
	"q":    "quit",
	"h":    "help",
	"l":    "list music",
	"p":    "play music",
	"stop": "stop music",
	"i":    "idle",
	"dj":   "dj start",
	"djs":  "dj stop",
	"djn":  "dj next",
	"djq":  "dj queue",
}

// route is where a registered command pattern is sent.
type route struct {
	service string
	topic   events.Topic
}

// Service is the CommandDispatcher (C3).
type Service struct {
	*service.BaseService

	mu        sync.RWMutex
	shortcuts map[string]string

	single   map[string]route
	compound map[string]route
	// sortedCompound holds compound keys ordered longest-first so prefix
	// matching always prefers the most specific registered pattern,
	// mirroring logger.ModuleConfig's sortedKeys discipline.
	sortedCompound []string
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithShortcuts overrides the default shortcut table, for tests.
func WithShortcuts(shortcuts map[string]string) Option {
	return func(s *Service) { s.shortcuts = shortcuts }
}

// New creates a CommandDispatcher wired to b.
func New(b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		shortcuts: defaultShortcuts,
		single:    make(map[string]route),
		compound:  make(map[string]route),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.BaseService = service.New("command_dispatcher", b, dispatcherHooks{s})
	return s
}

type dispatcherHooks struct{ s *Service }

func (h dispatcherHooks) Start(ctx context.Context) error { return h.s.onStart(ctx) }
func (h dispatcherHooks) Stop(ctx context.Context) error { return h.s.onStop(ctx) }

func (s *Service) onStart(ctx context.Context) error {
	if err := s.Subscribe(events.TopicCLICommand, s.handleCommand); err != nil {
		return err
	}
	return s.Subscribe(events.TopicRegisterCommand, s.handleRegisterCommand)
}

func (s *Service) onStop(context.Context) error {
	s.mu.Lock()
	s.single = make(map[string]route)
	s.compound = make(map[string]route)
	s.sortedCompound = nil
	s.mu.Unlock()
	return nil
}

// Register binds pattern (a single token like "eye" or a compound like
// "dj start") to serviceName's eventTopic. Re-registration overwrites (spec
// §4.3's registration API).
func (s *Service) Register(pattern, serviceName string, topic events.Topic) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.Contains(pattern, " ") {
		s.compound[pattern] = route{service: serviceName, topic: topic}
		s.resortCompoundLocked()
		return
	}
	s.single[pattern] = route{service: serviceName, topic: topic}
}

func (s *Service) resortCompoundLocked() {
	keys := make([]string, 0, len(s.compound))
	for k := range s.compound {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	s.sortedCompound = keys
}

func (s *Service) handleRegisterCommand(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.RegisterCommandPayload)
	if !ok {
		return fmt.Errorf("register/command: unexpected payload type %T", payload)
	}
	if p.Command == "" || p.HandlerService == "" || p.EventTopic == "" {
		return fmt.Errorf("register/command: invalid registration %+v", p)
	}
	s.Register(p.Command, p.HandlerService, events.Topic(p.EventTopic))
	return nil
}

// resolveShortcut expands a leading shortcut token in raw, if any.
func (s *Service) resolveShortcut(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return raw
	}
	s.mu.RLock()
	expansion, ok := s.shortcuts[fields[0]]
	s.mu.RUnlock()
	if !ok {
		return raw
	}
	fields[0] = expansion
	return strings.Join(fields, " ")
}

func (s *Service) handleCommand(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.CLICommandPayload)
	if !ok {
		return fmt.Errorf("cli/command: unexpected payload type %T", payload)
	}
	if p.Command == "" || p.RawInput == "" {
		return s.reject(ctx, fmt.Sprintf("invalid command payload: command and raw_input are required, got %+v", p))
	}

	raw := strings.ToLower(strings.TrimSpace(p.RawInput))

	s.mu.RLock()
	compoundKeys := append([]string(nil), s.sortedCompound...)
	s.mu.RUnlock()

	// A leading shortcut is expanded only when the input does not already
	// start with a registered compound command, so the "dj" shortcut does
	// not rewrite "dj queue 3" into "dj start queue 3".
	expand := true
	for _, pattern := range compoundKeys {
		if raw == pattern || strings.HasPrefix(raw, pattern+" ") {
			expand = false
			break
		}
	}
	if expand {
		raw = s.resolveShortcut(raw)
	}

	for _, pattern := range compoundKeys {
		if raw == pattern || strings.HasPrefix(raw, pattern+" ") {
			metrics.RecordCommandDispatched("matched")
			s.dispatchMatch(ctx, pattern, raw, p.ConversationID)
			return nil
		}
	}

	fields := strings.Fields(raw)
	if len(fields) > 0 {
		s.mu.RLock()
		_, ok := s.single[fields[0]]
		s.mu.RUnlock()
		if ok {
			metrics.RecordCommandDispatched("matched")
			s.dispatchMatch(ctx, fields[0], raw, p.ConversationID)
			return nil
		}
	}

	metrics.RecordCommandDispatched("unknown")
	return s.reject(ctx, fmt.Sprintf("Unknown command: %q. Try 'help' for a list of available commands.", raw))
}

// dispatchMatch resolves pattern's route and emits the standardized payload
// with the tokens after pattern as args.
func (s *Service) dispatchMatch(ctx context.Context, pattern, raw, conversationID string) {
	s.mu.RLock()
	r, ok := s.compound[pattern]
	if !ok {
		r, ok = s.single[pattern]
	}
	s.mu.RUnlock()
	if !ok {
		return
	}

	remaining := strings.TrimSpace(strings.TrimPrefix(raw, pattern))
	var args []string
	if remaining != "" {
		args = strings.Fields(remaining)
	}

	command, sub := pattern, ""
	if idx := strings.IndexByte(pattern, ' '); idx >= 0 {
		command, sub = pattern[:idx], pattern[idx+1:]
	}

	s.Bus().Emit(ctx, r.topic, &events.DispatchedCommandPayload{
		Common:     events.Common{Timestamp: time.Now(), ConversationID: conversationID},
		Command:    command,
		Subcommand: sub,
		Args:       args,
		RawInput:   raw,
	})
}

func (s *Service) reject(ctx context.Context, message string) error {
	s.Bus().Emit(ctx, events.TopicCLIResponse, &events.CLIResponsePayload{
		Common:  events.Common{Timestamp: time.Now()},
		Message: message,
		IsError: true,
	})
	return nil
}
