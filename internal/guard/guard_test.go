package guard

import (
	"context"
	"sync"
	"testing"

	"github.com/voxexam/voxexam/internal/exam"
	"github.com/voxexam/voxexam/internal/stream"
)

// sinkRecorder collects submissions in memory.
type sinkRecorder struct {
	mu   sync.Mutex
	subs []stream.Submission
	err  error
}

func (s *sinkRecorder) Append(_ context.Context, sub stream.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// mediaSet is a fixed-answer mediaChecker.
type mediaSet map[string]bool

func (m mediaSet) HasMediaFor(key string) bool { return m[key] }

func testLocator(t *testing.T) *exam.Locator {
	t.Helper()
	plan := &exam.Plan{
		ID: "test-plan",
		Sections: []exam.Section{
			{
				ID: "s1",
				Subsections: []exam.Subsection{
					{ID: "listen", Label: "Listening task", Audio: &exam.AudioStimulus{RecordingID: "rec-1", URL: "u"}},
					{ID: "picture", Label: "Picture description", Image: &exam.ImageStimulus{ImageSetID: "set-1"}},
					{ID: "talk", Label: "Free talk"},
					{ID: "rp", Label: "Radio role-play", RolePlay: true},
				},
			},
			{
				ID: "s2",
				Subsections: []exam.Subsection{
					{ID: "listen", Label: "Listening task 2", Audio: &exam.AudioStimulus{RecordingID: "rec-2", URL: "u"}},
				},
			},
		},
	}
	loc, err := exam.NewLocator(plan)
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}
	return loc
}

func TestMediaGuard_OneRecoveryPerLocation(t *testing.T) {
	sink := &sinkRecorder{}
	g := NewMediaGuard(testLocator(t), mediaSet{}, sink)
	ctx := context.Background()
	key := exam.Key("s1", "listen")

	if !g.Check(ctx, key) {
		t.Fatal("first check did not recover")
	}
	for i := 0; i < 5; i++ {
		if g.Check(ctx, key) {
			t.Fatal("repeat check recovered again")
		}
	}
	if sink.count() != 1 {
		t.Errorf("sent %d instructions, want 1", sink.count())
	}
	if !sink.subs[0].Hidden || sink.subs[0].Role != stream.RoleUser {
		t.Errorf("instruction not a hidden user submission: %+v", sink.subs[0])
	}
}

func TestMediaGuard_SkipsWhenMediaSeen(t *testing.T) {
	sink := &sinkRecorder{}
	g := NewMediaGuard(testLocator(t), mediaSet{"s1:listen": true}, sink)

	if g.Check(context.Background(), exam.Key("s1", "listen")) {
		t.Error("recovered despite media present")
	}
	if sink.count() != 0 {
		t.Errorf("sent %d instructions, want 0", sink.count())
	}
}

func TestMediaGuard_SkipsNonMediaLocation(t *testing.T) {
	sink := &sinkRecorder{}
	g := NewMediaGuard(testLocator(t), mediaSet{}, sink)

	if g.Check(context.Background(), exam.Key("s1", "talk")) {
		t.Error("recovered for a location without media requirement")
	}
	if g.Check(context.Background(), exam.Key("s9", "nope")) {
		t.Error("recovered for an unknown location")
	}
}

func TestMediaGuard_SessionCeiling(t *testing.T) {
	sink := &sinkRecorder{}
	g := NewMediaGuard(testLocator(t), mediaSet{}, sink, WithRecoveryCeiling(2))
	ctx := context.Background()

	if !g.Check(ctx, exam.Key("s1", "listen")) {
		t.Fatal("recovery 1 refused")
	}
	if !g.Check(ctx, exam.Key("s1", "picture")) {
		t.Fatal("recovery 2 refused")
	}
	if g.Check(ctx, exam.Key("s2", "listen")) {
		t.Error("recovery above ceiling was sent")
	}
	if sink.count() != 2 {
		t.Errorf("sent %d instructions, want 2", sink.count())
	}
}

func TestMediaGuard_ResetClearsState(t *testing.T) {
	sink := &sinkRecorder{}
	g := NewMediaGuard(testLocator(t), mediaSet{}, sink, WithRecoveryCeiling(1))
	ctx := context.Background()
	key := exam.Key("s1", "listen")

	g.Check(ctx, key)
	g.Reset()
	if !g.Check(ctx, key) {
		t.Error("recovery refused after attempt reset")
	}
}

func TestMalformed(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{
			name: "both roles scripted",
			text: "Controller: Cleared for takeoff runway 27.\nPilot: Cleared for takeoff, runway 27.",
			want: true,
		},
		{
			name: "interlocutor only",
			text: "Controller: Say intentions.",
			want: false,
		},
		{
			name: "plain prose",
			text: "Please describe what you see in the picture.",
			want: false,
		},
		{
			name: "bold labels",
			text: "**ATC**: Hold short.\n**Candidate**: Holding short.",
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Malformed(tc.text); got != tc.want {
				t.Errorf("Malformed(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestRolePlayCorrector_OncePerMessage(t *testing.T) {
	sink := &sinkRecorder{}
	c := NewRolePlayCorrector(testLocator(t), sink, nil)
	ctx := context.Background()
	key := exam.Key("s1", "rp")

	bad := stream.Message{
		ID:   "m7",
		Role: stream.RoleAssistant,
		Parts: []stream.Part{{
			Text: "Controller: Climb flight level 90.\nPilot: Climbing flight level 90.",
		}},
	}

	if !c.Check(ctx, bad, key) {
		t.Fatal("malformed turn not corrected")
	}
	if c.Check(ctx, bad, key) {
		t.Fatal("same message corrected twice")
	}

	// Same text under a new message id is corrected again.
	bad2 := bad
	bad2.ID = "m8"
	if !c.Check(ctx, bad2, key) {
		t.Error("new offending message not corrected")
	}
	if sink.count() != 2 {
		t.Errorf("sent %d corrections, want 2", sink.count())
	}
}

func TestRolePlayCorrector_OnlyAtRolePlayLocations(t *testing.T) {
	sink := &sinkRecorder{}
	c := NewRolePlayCorrector(testLocator(t), sink, nil)

	bad := stream.Message{
		ID:    "m1",
		Role:  stream.RoleAssistant,
		Parts: []stream.Part{{Text: "Controller: Go ahead.\nPilot: Request taxi."}},
	}
	if c.Check(context.Background(), bad, exam.Key("s1", "talk")) {
		t.Error("correction sent outside a role-play location")
	}
}
