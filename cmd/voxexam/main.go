// Command voxexam is the main entry point for the VoxExam session server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxexam/voxexam/internal/app"
	"github.com/voxexam/voxexam/internal/config"
	"github.com/voxexam/voxexam/internal/observe"
	"github.com/voxexam/voxexam/pkg/capture"
	"github.com/voxexam/voxexam/pkg/capture/deepgram"
	"github.com/voxexam/voxexam/pkg/examiner"
	examineranyllm "github.com/voxexam/voxexam/pkg/examiner/anyllm"
	examineropenai "github.com/voxexam/voxexam/pkg/examiner/openai"
	"github.com/voxexam/voxexam/pkg/synth"
	"github.com/voxexam/voxexam/pkg/synth/elevenlabs"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher loads the initial config and then polls for edits; log level
	// and per-session tunables are applied without a restart. appRef is bound
	// once the application is constructed; the callback runs on the watcher's
	// goroutine.
	var appRef atomic.Pointer[app.App]
	logLevel := new(slog.LevelVar)

	watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
		d := config.Diff(old, next)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if a := appRef.Load(); a != nil && (d.VoiceChanged || d.TimingsChanged) {
			a.Sessions().ApplyConfig(next)
			slog.Info("session tunables changed, applied from the next session")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxexam: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxexam: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxexam starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"backend", cfg.Backend.Mode,
	)

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// Synthesized examiner speech is streamed as raw PCM to stdout; pipe it
	// into a player (e.g. `voxexam | aplay -f S16_LE -r 44100`) or into the
	// transport forwarding audio to the candidate.
	providers.Output = synth.WriterOutput{W: os.Stdout}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxexam"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	appRef.Store(application)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with VoxExam. Used for startup logging.
var builtinProviders = map[string][]string{
	"capture":  {"deepgram"},
	"synth":    {"elevenlabs"},
	"examiner": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("deepgram", func(entry config.ProviderEntry) (capture.Engine, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── Synth ─────────────────────────────────────────────────────────────────

	reg.RegisterSynth("elevenlabs", func(entry config.ProviderEntry) (synth.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── Examiner ──────────────────────────────────────────────────────────────
	// openai goes through the native client for streaming tool calls; the rest
	// share the any-llm pattern: optional APIKey + optional BaseURL.

	reg.RegisterExaminer("openai", func(entry config.ProviderEntry) (examiner.Provider, error) {
		var opts []examineropenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, examineropenai.WithBaseURL(entry.BaseURL))
		}
		return examineropenai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterExaminer(providerName, func(entry config.ProviderEntry) (examiner.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return examineranyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterExaminer("ollama", func(entry config.ProviderEntry) (examiner.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return examineranyllm.New("ollama", entry.Model, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Providers.Capture.Name; name != "" {
		p, err := reg.CreateCapture(cfg.Providers.Capture)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "capture", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create capture provider %q: %w", name, err)
		} else {
			ps.Capture = p
			slog.Info("provider created", "kind", "capture", "name", name)
		}
	}

	if name := cfg.Providers.Synth.Name; name != "" {
		p, err := reg.CreateSynth(cfg.Providers.Synth)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "synth", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create synth provider %q: %w", name, err)
		} else {
			ps.Synth = p
			slog.Info("provider created", "kind", "synth", "name", name)
		}
	}

	if name := cfg.Providers.Examiner.Name; name != "" {
		p, err := reg.CreateExaminer(cfg.Providers.Examiner)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not yet implemented — skipping", "kind", "examiner", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create examiner provider %q: %w", name, err)
		} else {
			ps.Examiner = p
			slog.Info("provider created", "kind", "examiner", "name", name)
		}
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         VoxExam — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Capture", cfg.Providers.Capture.Name, cfg.Providers.Capture.Model)
	printProvider("Synth", cfg.Providers.Synth.Name, cfg.Providers.Synth.Model)
	printProvider("Examiner", cfg.Providers.Examiner.Name, cfg.Providers.Examiner.Model)
	fmt.Printf("║  Backend mode    : %-19s ║\n", cfg.Backend.Mode)
	if cfg.Exam.PlanPath != "" {
		printProvider("Exam plan", cfg.Exam.PlanPath, "")
	} else {
		fmt.Printf("║  Exam plan       : %-19s ║\n", "(none)")
	}
	if cfg.Archive.PostgresDSN != "" {
		fmt.Printf("║  Archive         : %-19s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive         : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
