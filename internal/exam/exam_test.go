package exam_test

import (
	"strings"
	"testing"

	"github.com/voxexam/voxexam/internal/exam"
)

const planYAML = `
id: icao-l4-mock
title: Aviation English Mock Exam
language: en
sections:
  - id: s1
    title: Interview
    duration_minutes: 5
    subsections:
      - id: intro
        label: Introduction
  - id: s2
    title: Listening
    duration_minutes: 10
    subsections:
      - id: rec1
        label: Recording 1
        audio:
          recording_id: rec-001
          url: https://media.example.com/rec-001.mp3
          replayable: true
      - id: pic1
        label: Picture description
        image:
          image_set_id: img-014
          images:
            - https://media.example.com/img-014-a.jpg
          description: Two aircraft on a taxiway.
  - id: s3
    title: Role play
    subsections:
      - id: rp1
        label: Controller role play
        role_play: true
        audio:
          recording_id: rec-044
          url: https://media.example.com/rec-044.mp3
`

func loadTestPlan(t *testing.T) *exam.Plan {
	t.Helper()
	plan, err := exam.LoadPlanFromReader(strings.NewReader(planYAML))
	if err != nil {
		t.Fatalf("LoadPlanFromReader: %v", err)
	}
	return plan
}

func TestLoadPlanFromReader(t *testing.T) {
	t.Parallel()

	plan := loadTestPlan(t)
	if plan.ID != "icao-l4-mock" {
		t.Errorf("plan.ID: want icao-l4-mock, got %q", plan.ID)
	}
	if len(plan.Sections) != 3 {
		t.Fatalf("sections: want 3, got %d", len(plan.Sections))
	}
	if got := plan.Sections[1].Subsections[0].Audio.RecordingID; got != "rec-001" {
		t.Errorf("recording id: want rec-001, got %q", got)
	}
}

func TestLoadPlan_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{"missing id", "title: x\nsections: [{id: a, subsections: [{id: b}]}]"},
		{"no sections", "id: p\ntitle: x"},
		{"duplicate location", `
id: p
sections:
  - id: a
    subsections:
      - id: b
      - id: b
`},
		{"audio without recording id", `
id: p
sections:
  - id: a
    subsections:
      - id: b
        audio:
          url: https://x/y.mp3
`},
		{"unknown field", "id: p\nbogus: true\nsections: [{id: a, subsections: [{id: b}]}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := exam.LoadPlanFromReader(strings.NewReader(tt.yaml)); err == nil {
				t.Errorf("want error for %s, got nil", tt.name)
			}
		})
	}
}

func TestLocator(t *testing.T) {
	t.Parallel()

	loc, err := exam.NewLocator(loadTestPlan(t))
	if err != nil {
		t.Fatalf("NewLocator: %v", err)
	}

	tests := []struct {
		key        exam.LocationKey
		mediaReq   bool
		wantsAudio bool
		wantsImage bool
		rolePlay   bool
	}{
		{exam.Key("s1", "intro"), false, false, false, false},
		{exam.Key("s2", "rec1"), true, true, false, false},
		{exam.Key("s2", "pic1"), true, false, true, false},
		{exam.Key("s3", "rp1"), true, true, false, true},
		{exam.Key("s9", "none"), false, false, false, false},
	}

	for _, tt := range tests {
		if got := loc.MediaRequired(tt.key); got != tt.mediaReq {
			t.Errorf("MediaRequired(%s): want %v, got %v", tt.key, tt.mediaReq, got)
		}
		if got := loc.RequiresAudio(tt.key); got != tt.wantsAudio {
			t.Errorf("RequiresAudio(%s): want %v, got %v", tt.key, tt.wantsAudio, got)
		}
		if got := loc.RequiresImage(tt.key); got != tt.wantsImage {
			t.Errorf("RequiresImage(%s): want %v, got %v", tt.key, tt.wantsImage, got)
		}
		if got := loc.IsRolePlay(tt.key); got != tt.rolePlay {
			t.Errorf("IsRolePlay(%s): want %v, got %v", tt.key, tt.rolePlay, got)
		}
	}

	if got := loc.Label(exam.Key("s2", "pic1")); got != "Picture description" {
		t.Errorf("Label: want %q, got %q", "Picture description", got)
	}
	if got := loc.Label("unknown:key"); got != "unknown:key" {
		t.Errorf("Label fallback: got %q", got)
	}
	if got := len(loc.Keys()); got != 4 {
		t.Errorf("Keys: want 4, got %d", got)
	}
}

func TestLocationKey_Split(t *testing.T) {
	t.Parallel()

	sec, sub := exam.Key("s2", "pic1").Split()
	if sec != "s2" || sub != "pic1" {
		t.Errorf("Split: want (s2, pic1), got (%s, %s)", sec, sub)
	}
	sec, sub = exam.LocationKey("bare").Split()
	if sec != "bare" || sub != "" {
		t.Errorf("Split bare: want (bare, \"\"), got (%s, %s)", sec, sub)
	}
}
