// Command r3x wires the kernel's services together and runs the CLI prompt
// loop: a thin stdin reader that turns each line into a cli/command event
// (spec §1: "the CLI prompt loop itself" is the one explicitly out-of-scope
// piece the kernel still needs a host process for).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/config"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/debugsvc"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/dispatcher"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/djmode"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/eye"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/memory"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/metrics"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/mode"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/music"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/speechcache"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/timeline"
)

// defaultCatalog seeds MusicController when no richer source is wired in;
// a real deployment would load this from a media library scan.
var defaultCatalog = []music.Track{
	{ID: "cantina-fray", Name: "Cantina Fray", DurationMs: 180_000},
	{ID: "blaster-run", Name: "Blaster Run", DurationMs: 210_000},
	{ID: "oasis-nights", Name: "Oasis Nights", DurationMs: 195_000},
	{ID: "smugglers-reel", Name: "Smuggler's Reel", DurationMs: 160_000},
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Resolve(config.NewResolver())
	if !cfg.OpenAIEnabled {
		logger.Module("main").Warn("OPENAI_API_KEY not set; LLM-backed features are disabled")
	}
	if !cfg.ElevenLabsEnabled {
		logger.Module("main").Warn("ELEVENLABS_API_KEY not set; external TTS is disabled")
	}

	b := bus.New()
	mem := memory.New(b, memory.WithSnapshotPath(cfg.StatePath))
	modeMgr := mode.New(b)
	mode.WireMemory(b, mem)
	metricsExporter := metrics.NewExporter(":9090")
	debug := debugsvc.New(b, debugsvc.WithMetricsExporter(metricsExporter))
	cache := speechcache.New(b)
	musicCtl := music.New(b, music.WithCatalog(defaultCatalog))
	eyeCtl := eye.New(b)
	exec := timeline.New(b)
	disp := dispatcher.New(b)
	dj := djmode.New(b, mem, musicCtl, exec)

	go func() {
		if err := metricsExporter.Start(); err != nil {
			logger.Module("main").Warn("metrics exporter stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CommandDispatcher must be running before any service emits
	// register/command, so it starts first even though the component table
	// in spec §2 lists it last in the leaves-first dependency ordering —
	// that ordering is about construction dependencies, not subscription
	// timing.
	services := []service.Service{
		disp.BaseService,
		mem.BaseService,
		modeMgr.BaseService,
		debug.BaseService,
		cache.BaseService,
		musicCtl.BaseService,
		eyeCtl.BaseService,
		exec.BaseService,
		dj.BaseService,
	}
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %s failed to start: %v\n", svc.Name(), err)
			return 1
		}
	}

	disp.Register("debug level", "debug_service", events.TopicDebugCommand)
	disp.Register("debug trace", "debug_service", events.TopicDebugCommand)
	disp.Register("debug performance", "debug_service", events.TopicDebugCommand)

	_, _ = b.On(events.TopicCLIResponse, "cli_printer", func(_ context.Context, payload events.Payload) error {
		p, ok := payload.(*events.CLIResponsePayload)
		if !ok {
			return nil
		}
		fmt.Println(p.Message)
		return nil
	})

	shutdown := make(chan string, 1)
	_, _ = b.On(events.TopicShutdownRequested, "main", func(_ context.Context, payload events.Payload) error {
		p, _ := payload.(*events.ShutdownRequestedPayload)
		reason := "requested"
		if p != nil && p.Reason != "" {
			reason = p.Reason
		}
		select {
		case shutdown <- reason:
		default:
		}
		return nil
	})

	fmt.Println("DJ R3X kernel online. Type 'help' for commands.")
	lines := make(chan string)
	go readLines(os.Stdin, lines)

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if handleBuiltin(ctx, b, modeMgr, line) {
				if strings.EqualFold(strings.TrimSpace(line), "quit") {
					break loop
				}
				continue
			}
			b.Emit(ctx, events.TopicCLICommand, &events.CLICommandPayload{
				Common:   events.Common{Timestamp: time.Now()},
				Command:  strings.Fields(line)[0],
				RawInput: line,
			})
		case reason := <-shutdown:
			fmt.Printf("shutting down: %s\n", reason)
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), service.StopTimeout*time.Duration(len(services)))
	defer cancel()
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(stopCtx); err != nil {
			logger.Module("main").Error("service stop failed", "service", services[i].Name(), "error", err)
		}
	}
	_ = metricsExporter.Shutdown(stopCtx)
	return 0
}

// handleBuiltin serves the CLI surface commands no kernel service owns
// (help/status/reset/quit are host-process concerns, not bus-routed
// component behavior — spec §1's "CLI prompt loop itself" carve-out).
func handleBuiltin(ctx context.Context, b *bus.Bus, m *mode.Manager, line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "help":
		fmt.Println("commands: help, status, reset, engage, disengage, ambient, idle, " +
			"eye pattern <name>, eye test, eye status, play music <n|name>, stop music, list music, " +
			"dj start, dj stop, dj next, dj queue <n|name>, debug level <component|all> <LEVEL>, " +
			"debug trace <enable|disable>, debug performance <enable|disable|show>, quit")
		return true
	case "status":
		fmt.Printf("mode=%s\n", m.Current())
		return true
	case "reset":
		b.Emit(ctx, events.TopicSetModeRequest, &events.SetModeRequestPayload{
			Common: events.Common{Timestamp: time.Now()}, Mode: string(mode.ModeIdle),
		})
		return true
	case "quit":
		b.Emit(ctx, events.TopicShutdownRequested, &events.ShutdownRequestedPayload{
			Common: events.Common{Timestamp: time.Now()}, Reason: "user quit",
		})
		return true
	default:
		return false
	}
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out <- line
	}
}
