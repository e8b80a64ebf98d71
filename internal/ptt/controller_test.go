package ptt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxexam/voxexam/pkg/capture"
	capmock "github.com/voxexam/voxexam/pkg/capture/mock"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

type submitRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *submitRecorder) record(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *submitRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestController_SubmitsFinalTranscript(t *testing.T) {
	engine := &capmock.Engine{}
	rec := &submitRecorder{}
	c := NewController(engine, capture.Config{},
		WithSettleDelay(10*time.Millisecond),
		WithSubmit(rec.record),
	)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("Press: %v", err)
	}
	waitFor(t, time.Second, func() bool { return engine.StartCount() == 1 })

	sess := engine.Last()
	sess.Emit("wilco climbing", false)
	sess.Emit("Wilco, climbing to flight level one two zero.", true)

	c.Release()
	waitFor(t, time.Second, func() bool { return len(rec.all()) == 1 })

	got := rec.all()[0]
	want := "Wilco, climbing to flight level one two zero."
	if got != want {
		t.Errorf("submitted %q, want %q", got, want)
	}
	if c.Capturing() {
		t.Error("still capturing after release")
	}
}

func TestController_FallsBackToInterim(t *testing.T) {
	engine := &capmock.Engine{}
	rec := &submitRecorder{}
	c := NewController(engine, capture.Config{},
		WithSettleDelay(10*time.Millisecond),
		WithSubmit(rec.record),
	)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("Press: %v", err)
	}
	waitFor(t, time.Second, func() bool { return engine.StartCount() == 1 })

	engine.Last().Emit("standing by for departure", false)

	c.Release()
	waitFor(t, time.Second, func() bool { return len(rec.all()) == 1 })
	if got := rec.all()[0]; got != "standing by for departure" {
		t.Errorf("submitted %q, want interim fallback", got)
	}
}

func TestController_EmptySnapshotNotSubmitted(t *testing.T) {
	engine := &capmock.Engine{}
	rec := &submitRecorder{}
	c := NewController(engine, capture.Config{},
		WithSettleDelay(5*time.Millisecond),
		WithSubmit(rec.record),
	)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("Press: %v", err)
	}
	c.Release()

	time.Sleep(50 * time.Millisecond)
	if n := len(rec.all()); n != 0 {
		t.Errorf("empty capture produced %d submissions", n)
	}
}

func TestController_GateRefusesPress(t *testing.T) {
	engine := &capmock.Engine{}
	c := NewController(engine, capture.Config{},
		WithGate(func() error { return ErrSpeechBusy }),
	)

	err := c.Press(context.Background())
	if !errors.Is(err, ErrSpeechBusy) {
		t.Fatalf("Press error = %v, want ErrSpeechBusy", err)
	}
	if c.Capturing() {
		t.Error("capturing despite gate refusal")
	}
	if engine.StartCount() != 0 {
		t.Error("engine session opened despite refusal")
	}
}

func TestController_RestartsOnSpontaneousEnd(t *testing.T) {
	engine := &capmock.Engine{}
	rec := &submitRecorder{}
	c := NewController(engine, capture.Config{},
		WithSettleDelay(10*time.Millisecond),
		WithSubmit(rec.record),
	)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("Press: %v", err)
	}
	waitFor(t, time.Second, func() bool { return engine.StartCount() == 1 })

	first := engine.Last()
	first.Emit("request further climb", true)
	// Engine time limit fires while the key is still held.
	first.End(nil)

	waitFor(t, time.Second, func() bool { return engine.StartCount() == 2 })

	second := engine.Last()
	second.Emit("when able.", true)

	c.Release()
	waitFor(t, time.Second, func() bool { return len(rec.all()) == 1 })
	if got := rec.all()[0]; got != "request further climb when able." {
		t.Errorf("submitted %q, want finals from both sessions joined", got)
	}
}

func TestController_AbortedStopIsNotAFault(t *testing.T) {
	engine := &capmock.Engine{}
	var (
		mu     sync.Mutex
		faults []error
	)
	c := NewController(engine, capture.Config{},
		WithSettleDelay(5*time.Millisecond),
		WithError(func(err error) {
			mu.Lock()
			faults = append(faults, err)
			mu.Unlock()
		}),
	)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("Press: %v", err)
	}
	waitFor(t, time.Second, func() bool { return engine.StartCount() == 1 })
	c.Release()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(faults) != 0 {
		t.Errorf("stop-initiated abort surfaced as fault: %v", faults)
	}
}

func TestController_SecondPressWhileHeldRefused(t *testing.T) {
	engine := &capmock.Engine{}
	c := NewController(engine, capture.Config{})

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("Press: %v", err)
	}
	if err := c.Press(context.Background()); !errors.Is(err, ErrAlreadyCapturing) {
		t.Fatalf("second Press error = %v, want ErrAlreadyCapturing", err)
	}
	c.Abort()
}

func TestController_AbortDiscardsTranscript(t *testing.T) {
	engine := &capmock.Engine{}
	rec := &submitRecorder{}
	c := NewController(engine, capture.Config{},
		WithSettleDelay(5*time.Millisecond),
		WithSubmit(rec.record),
	)

	if err := c.Press(context.Background()); err != nil {
		t.Fatalf("Press: %v", err)
	}
	waitFor(t, time.Second, func() bool { return engine.StartCount() == 1 })
	engine.Last().Emit("disregard this", true)

	c.Abort()
	time.Sleep(50 * time.Millisecond)
	if n := len(rec.all()); n != 0 {
		t.Errorf("aborted capture produced %d submissions", n)
	}
}
