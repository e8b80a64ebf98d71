// Package app wires all VoxExam subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the HTTP surface and blocks until the context is
// cancelled, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithArchiver, WithLocator, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxexam/voxexam/internal/config"
	"github.com/voxexam/voxexam/internal/exam"
	"github.com/voxexam/voxexam/internal/health"
	"github.com/voxexam/voxexam/internal/observe"
	"github.com/voxexam/voxexam/pkg/archive"
	archivepg "github.com/voxexam/voxexam/pkg/archive/postgres"
	"github.com/voxexam/voxexam/pkg/capture"
	"github.com/voxexam/voxexam/pkg/examiner"
	"github.com/voxexam/voxexam/pkg/synth"
)

// shutdownTimeout bounds the HTTP server drain during Run teardown.
const shutdownTimeout = 5 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// Capture is the speech-to-text engine behind push-to-talk.
	Capture capture.Engine

	// Synth is the text-to-speech backend behind the speech queue.
	Synth synth.Provider

	// Examiner is the embedded examiner model, used when backend.mode is
	// "local".
	Examiner examiner.Provider

	// Output is the playback sink for synthesized speech. When nil, session
	// start fails; main wires the transport-specific output.
	Output synth.Output
}

// App owns all subsystem lifetimes for the VoxExam session server.
type App struct {
	cfg       *config.Config
	providers *Providers

	locator  *exam.Locator
	archiver archive.Archiver
	metrics  *observe.Metrics
	sessions *SessionManager
	httpSrv  *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchiver injects an attempt archiver instead of creating one from config.
func WithArchiver(a archive.Archiver) Option {
	return func(app *App) { app.archiver = a }
}

// WithLocator injects an exam plan locator instead of loading exam.plan_path.
func WithLocator(l *exam.Locator) Option {
	return func(app *App) { app.locator = l }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(app *App) { app.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: exam plan loading, archive
// connection, session manager assembly, and the HTTP admin surface.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Exam plan ─────────────────────────────────────────────────────
	if err := a.initPlan(); err != nil {
		return nil, fmt.Errorf("app: init exam plan: %w", err)
	}

	// ── 2. Attempt archive ───────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 3. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 4. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Locator:   a.locator,
		Archiver:  a.archiver,
		Metrics:   a.metrics,
	})

	// ── 5. HTTP admin surface ────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initPlan loads the exam plan and builds the location index.
func (a *App) initPlan() error {
	if a.locator != nil {
		return nil // injected
	}
	path := a.cfg.Exam.PlanPath
	if path == "" {
		return nil // sessions run without media expectations
	}

	plan, err := exam.LoadPlan(path)
	if err != nil {
		return err
	}
	loc, err := exam.NewLocator(plan)
	if err != nil {
		return err
	}
	a.locator = loc
	slog.Info("loaded exam plan", "id", plan.ID, "title", plan.Title, "sections", len(plan.Sections))
	return nil
}

// initArchive connects the PostgreSQL attempt archive or uses an injected one.
func (a *App) initArchive(ctx context.Context) error {
	if a.archiver != nil {
		return nil // injected
	}
	dsn := a.cfg.Archive.PostgresDSN
	if dsn == "" {
		return nil // attempts are not persisted
	}

	pg, err := archivepg.New(ctx, dsn)
	if err != nil {
		return err
	}
	a.archiver = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return nil
}

// initHTTP builds the admin mux: health probes, Prometheus metrics, and the
// observability middleware around everything.
func (a *App) initHTTP() {
	checkers := []health.Checker{
		{Name: "capture", Check: func(context.Context) error {
			if a.providers.Capture == nil {
				return errors.New("no capture engine configured")
			}
			return nil
		}},
		{Name: "synth", Check: func(context.Context) error {
			if a.providers.Synth == nil {
				return errors.New("no synthesis provider configured")
			}
			return nil
		}},
	}
	if pinger, ok := a.archiver.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "archive", Check: pinger.Ping})
	}

	h := health.New(checkers, health.WithSessionCount(a.sessions.Count))

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpSrv = &http.Server{
		Addr:    addr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP admin surface and blocks until ctx is cancelled. It
// returns context.Canceled on a clean signal-driven stop.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.httpSrv.Shutdown(drainCtx); err != nil {
			slog.Warn("http server drain error", "err", err)
		}
		return ctx.Err()
	})

	slog.Info("app running", "addr", a.httpSrv.Addr, "backend", a.cfg.Backend.Mode)
	return g.Wait()
}

// Sessions returns the session manager for transport handlers.
func (a *App) Sessions() *SessionManager {
	return a.sessions
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End the active session first so the final attempt is archived
		// before the archive pool closes.
		if a.sessions != nil && a.sessions.IsActive() {
			if err := a.sessions.Stop(ctx); err != nil {
				slog.Warn("session stop error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
