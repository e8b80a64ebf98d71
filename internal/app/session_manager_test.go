package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxexam/voxexam/internal/app"
	"github.com/voxexam/voxexam/internal/config"
	"github.com/voxexam/voxexam/internal/exam"
	archivemock "github.com/voxexam/voxexam/pkg/archive/mock"
	capturemock "github.com/voxexam/voxexam/pkg/capture/mock"
	"github.com/voxexam/voxexam/pkg/examiner"
	examinermock "github.com/voxexam/voxexam/pkg/examiner/mock"
	synthmock "github.com/voxexam/voxexam/pkg/synth/mock"
)

// testLocator indexes a two-subsection plan for manager tests.
func testLocator(t *testing.T) *exam.Locator {
	t.Helper()
	loc, err := exam.NewLocator(&exam.Plan{
		ID:       "cert-b2",
		Title:    "Certificate B2",
		Language: "en-GB",
		Sections: []exam.Section{
			{
				ID:    "s1",
				Title: "Speaking",
				Subsections: []exam.Subsection{
					{ID: "warmup", Label: "Warm-up"},
					{ID: "describe", Label: "Picture description"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewLocator() error: %v", err)
	}
	return loc
}

func testManagerConfig() *config.Config {
	return &config.Config{
		Backend: config.BackendConfig{Mode: config.BackendLocal},
		Providers: config.ProvidersConfig{
			Synth: config.ProviderEntry{Name: "mock"},
		},
		Exam: config.ExamConfig{
			Voice: config.VoiceConfig{VoiceID: "v1", Name: "Ada", SpeedFactor: 1.0},
		},
		Timings: config.TimingsConfig{
			FinalizeDebounce:   10 * time.Millisecond,
			EvaluationWatchdog: time.Second,
			AutoClose:          time.Second,
		},
	}
}

func newTestSessionManager(t *testing.T) (*app.SessionManager, *examinermock.Provider) {
	t.Helper()
	ex := &examinermock.Provider{
		StreamChunks: []examiner.Chunk{
			{Text: "Welcome to the exam. "},
			{Text: "Please introduce yourself.", FinishReason: "stop"},
		},
	}
	providers := &app.Providers{
		Capture:  &capturemock.Engine{},
		Synth:    &synthmock.Provider{},
		Examiner: ex,
		Output:   &synthmock.Output{},
	}
	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    testManagerConfig(),
		Providers: providers,
		Locator:   testLocator(t),
		Archiver:  &archivemock.Archiver{},
	})
	return sm, ex
}

func TestSessionManager_StartStop(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t)
	ctx := context.Background()

	info, err := sm.Start(ctx, "Alice Smith")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer sm.Stop(ctx)

	if !sm.IsActive() {
		t.Fatal("expected session to be active after Start")
	}
	if got := sm.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
	if info.Candidate != "Alice Smith" {
		t.Errorf("Candidate = %q, want %q", info.Candidate, "Alice Smith")
	}
	if info.ExamID != "cert-b2" {
		t.Errorf("ExamID = %q, want %q", info.ExamID, "cert-b2")
	}
	if !strings.HasPrefix(info.ID, "session-alice-smith-") {
		t.Errorf("ID = %q, want session-alice-smith- prefix", info.ID)
	}
	if sm.Orchestrator() == nil {
		t.Error("Orchestrator() should not be nil while active")
	}
	if sm.Controller() == nil {
		t.Error("Controller() should not be nil while active")
	}

	if err := sm.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if sm.IsActive() {
		t.Fatal("expected session to be inactive after Stop")
	}
	if got := sm.Count(); got != 0 {
		t.Errorf("Count() after Stop = %d, want 0", got)
	}
	if sm.Orchestrator() != nil {
		t.Error("Orchestrator() should be nil after Stop")
	}
}

func TestSessionManager_StopWithoutStart(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t)
	if err := sm.Stop(context.Background()); !errors.Is(err, app.ErrNoSession) {
		t.Fatalf("Stop() error = %v, want ErrNoSession", err)
	}
}

func TestSessionManager_SecondStartRejected(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t)
	ctx := context.Background()

	if _, err := sm.Start(ctx, "alice"); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	defer sm.Stop(ctx)

	if _, err := sm.Start(ctx, "bob"); !errors.Is(err, app.ErrSessionActive) {
		t.Fatalf("second Start() error = %v, want ErrSessionActive", err)
	}
}

func TestSessionManager_StartRequiresSynth(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config: testManagerConfig(),
		Providers: &app.Providers{
			Output:   &synthmock.Output{},
			Examiner: &examinermock.Provider{},
		},
	})
	if _, err := sm.Start(context.Background(), "alice"); err == nil {
		t.Fatal("Start() without synth provider should fail")
	}
}

func TestSessionManager_LocalBackendRequiresExaminer(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config: testManagerConfig(),
		Providers: &app.Providers{
			Synth:  &synthmock.Provider{},
			Output: &synthmock.Output{},
		},
	})
	if _, err := sm.Start(context.Background(), "alice"); err == nil {
		t.Fatal("Start() with local backend and no examiner should fail")
	}
	if sm.IsActive() {
		t.Error("failed Start must not leave a session active")
	}
}

func TestSessionManager_StartBeginsExaminerStream(t *testing.T) {
	t.Parallel()

	sm, ex := newTestSessionManager(t)
	ctx := context.Background()

	if _, err := sm.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer sm.Stop(ctx)

	// The local source requests the opening examiner turn during Start.
	if got := len(ex.StreamCalls); got != 1 {
		t.Fatalf("StreamCompletion calls = %d, want 1", got)
	}
	req := ex.StreamCalls[0].Req
	if len(req.Messages) == 0 {
		t.Fatal("opening request should carry the instruction message")
	}
}

func TestSessionManager_InfoWhenInactive(t *testing.T) {
	t.Parallel()

	sm, _ := newTestSessionManager(t)
	if _, ok := sm.Info(); ok {
		t.Fatal("Info() should report no session before Start")
	}
}
