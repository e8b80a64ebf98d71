// Package exam provides the exam plan schema, loader, and location lookups
// for the voxexam session orchestrator.
//
// A plan is a static document describing sections and subsections of one
// proficiency exam. The orchestrator only reads the fields that drive media
// gating and role-play behaviour; everything else in the authored document is
// opaque to this system.
package exam

import "strings"

// LocationKey addresses one subsection of an exam as "sectionID:subsectionID".
// Every key maps to at most one subsection configuration within a plan.
type LocationKey string

// Key builds the canonical [LocationKey] for a section/subsection pair.
func Key(sectionID, subsectionID string) LocationKey {
	return LocationKey(sectionID + ":" + subsectionID)
}

// Split returns the section and subsection components of k. The subsection
// part is empty when k carries no separator.
func (k LocationKey) Split() (sectionID, subsectionID string) {
	s := string(k)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// Plan is the root of one exam configuration document.
type Plan struct {
	// ID identifies the exam variant (e.g., "icao-l4-mock-2").
	ID string `yaml:"id"`

	// Title is the human-readable exam name.
	Title string `yaml:"title"`

	// Language is the BCP-47 tag of the examined language.
	Language string `yaml:"language"`

	Sections []Section `yaml:"sections"`
}

// Section is one timed exam part containing ordered subsections.
type Section struct {
	ID string `yaml:"id"`

	// Title is shown to the candidate and used in examiner prompts.
	Title string `yaml:"title"`

	// DurationMinutes is the section's time allowance, reserved for the UI
	// surface's countdown display. Zero means untimed.
	DurationMinutes int `yaml:"duration_minutes"`

	Subsections []Subsection `yaml:"subsections"`
}

// Subsection is the unit of exam addressing. Media requirements and the
// role-play flag live here.
type Subsection struct {
	ID string `yaml:"id"`

	// Label is the human-readable step name ("Picture description 1").
	Label string `yaml:"label"`

	// RolePlay marks a controller role-play location: the examiner speaks
	// only as the interlocutor and waits for the candidate between turns.
	RolePlay bool `yaml:"role_play"`

	// Audio describes the pre-recorded clip this location must present.
	// Nil when the location has no audio stimulus.
	Audio *AudioStimulus `yaml:"audio"`

	// Image describes the image set this location must present.
	// Nil when the location has no image stimulus.
	Image *ImageStimulus `yaml:"image"`
}

// AudioStimulus describes a pre-recorded clip tied to a subsection.
type AudioStimulus struct {
	// RecordingID identifies the clip for replay-policy and idempotency
	// tracking.
	RecordingID string `yaml:"recording_id"`

	// URL is the payload reference resolved by the player surface.
	URL string `yaml:"url"`

	// Replayable permits the candidate to play the clip more than once.
	Replayable bool `yaml:"replayable"`

	// AllowSeek permits scrubbing within the clip.
	AllowSeek bool `yaml:"allow_seek"`
}

// ImageStimulus describes an image set tied to a subsection.
type ImageStimulus struct {
	// ImageSetID identifies the set for dismissal tracking.
	ImageSetID string `yaml:"image_set_id"`

	// Images lists payload references in display order.
	Images []string `yaml:"images"`

	// Description is read aloud when the examiner presents the set. May be
	// empty or templated; the presenter substitutes a transition phrase for
	// generic placeholders.
	Description string `yaml:"description"`
}

// MediaRequired reports whether s must present any stimulus.
func (s *Subsection) MediaRequired() bool {
	return s.Audio != nil || s.Image != nil
}
