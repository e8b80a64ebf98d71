// Package stimulus pins and reveals exam media cards. At most one audio card
// and one image card are pinned at a time, derived from the latest examiner
// turn's media directives; a pinned card becomes visible only once speech and
// streaming have gone quiet.
package stimulus

import (
	"regexp"
	"sync"

	"github.com/voxexam/voxexam/internal/stream"
)

// TransitionPhrase replaces templated or placeholder image descriptions so a
// raw placeholder is never read aloud.
const TransitionPhrase = "Now, please look at the following material."

// genericDescription matches placeholder text that an exam plan left
// untemplated, e.g. "an image", "the image set", "{{description}}".
var genericDescription = regexp.MustCompile(`(?i)^\s*(an?\s+image(\s+set)?|the\s+image(\s+set)?|image\s+\d*|\{\{.*\}\})\s*\.?\s*$`)

// AudioCard is a pinned pre-recorded audio stimulus.
type AudioCard struct {
	ID          string // recording id
	LocationKey string
	URL         string
	Description string
	IsExam      bool
	Replayable  bool
	AllowSeek   bool
}

// ImageCard is a pinned image-set stimulus.
type ImageCard struct {
	ID          string // image set id
	LocationKey string
	Images      []string
	Description string
	IsExam      bool
}

// Presenter tracks the pinned stimulus slots and their reveal gating.
//
// All methods are safe for concurrent use.
type Presenter struct {
	mu sync.Mutex

	audio      *AudioCard
	audioReady bool

	image      *ImageCard
	imageReady bool

	// dismissed records image set ids the candidate has moved past; they are
	// never re-shown within this attempt unless reissued by a new directive id.
	dismissed map[string]struct{}

	// suppressImages is set when the candidate submits a turn and cleared by
	// the next assistant message, so a stale image cannot linger across the
	// turn boundary.
	suppressImages bool

	// seen records every location key for which any media directive (call or
	// result) has been observed, for the media-required policy check.
	seen map[string]struct{}

	lastAssistantID string
}

// NewPresenter creates an empty Presenter.
func NewPresenter() *Presenter {
	return &Presenter{
		dismissed: map[string]struct{}{},
		seen:      map[string]struct{}{},
	}
}

// Observe folds the latest assistant message's media directives into the
// pinned slots. A directive with state "result" pins or replaces a card; a
// directive with state "call" only marks its location as having media
// pending. A replaced card loses its ready-to-show flag.
func (p *Presenter) Observe(msg stream.Message) {
	if msg.Role != stream.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if msg.ID != p.lastAssistantID {
		p.lastAssistantID = msg.ID
		p.suppressImages = false
	}

	for _, d := range msg.Directives() {
		if d.Details.Subsection != "" {
			p.seen[d.Details.Subsection] = struct{}{}
		}
		if d.State != stream.DirectiveResult {
			continue
		}
		switch d.Tool {
		case stream.ToolPlayAudio:
			p.pinAudio(d)
		case stream.ToolDisplayImage:
			p.pinImage(d)
		}
	}
}

// pinAudio replaces the audio slot if the directive carries a new recording.
// Caller must hold p.mu.
func (p *Presenter) pinAudio(d stream.MediaDirective) {
	id := d.Details.RecordingID
	if id == "" {
		return
	}
	if p.audio != nil && p.audio.ID == id {
		return
	}
	p.audio = &AudioCard{
		ID:          id,
		LocationKey: d.Details.Subsection,
		URL:         d.Details.URL,
		Description: d.Details.Description,
		IsExam:      d.Details.IsExamRecording,
		Replayable:  d.Details.Replayable,
		AllowSeek:   d.Details.AllowSeek,
	}
	p.audioReady = false
}

// pinImage replaces the image slot unless the set was already dismissed.
// Caller must hold p.mu.
func (p *Presenter) pinImage(d stream.MediaDirective) {
	id := d.Details.ImageSetID
	if id == "" {
		return
	}
	if _, gone := p.dismissed[id]; gone {
		return
	}
	if p.image != nil && p.image.ID == id {
		return
	}
	desc := d.Details.Description
	if desc == "" || genericDescription.MatchString(desc) {
		desc = TransitionPhrase
	}
	p.image = &ImageCard{
		ID:          id,
		LocationKey: d.Details.Subsection,
		Images:      append([]string(nil), d.Details.Images...),
		Description: desc,
		IsExam:      d.Details.IsExamImage,
	}
	p.imageReady = false
}

// Reveal marks pinned cards as ready to show. Call it only once speech,
// loading, pause, and streaming have all cleared.
func (p *Presenter) Reveal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audioReady = true
	}
	if p.image != nil && !p.suppressImages {
		p.imageReady = true
	}
}

// VisibleAudio returns the pinned audio card if it has been revealed.
func (p *Presenter) VisibleAudio() (AudioCard, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio == nil || !p.audioReady {
		return AudioCard{}, false
	}
	return *p.audio, true
}

// VisibleImage returns the pinned image card if it has been revealed.
func (p *Presenter) VisibleImage() (ImageCard, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.image == nil || !p.imageReady || p.suppressImages {
		return ImageCard{}, false
	}
	return *p.image, true
}

// PinnedAudio returns the pinned audio card regardless of reveal state.
func (p *Presenter) PinnedAudio() (AudioCard, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio == nil {
		return AudioCard{}, false
	}
	return *p.audio, true
}

// HasMediaFor reports whether any media directive, pinned or pending, has
// been observed for the given location key.
func (p *Presenter) HasMediaFor(locationKey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[locationKey]; ok {
		return true
	}
	if p.audio != nil && p.audio.LocationKey == locationKey {
		return true
	}
	if p.image != nil && p.image.LocationKey == locationKey {
		return true
	}
	return false
}

// CandidateSubmitted clears both pinned slots and permanently dismisses the
// pinned image set for this attempt. Images stay suppressed until the next
// assistant turn arrives.
func (p *Presenter) CandidateSubmitted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.image != nil {
		p.dismissed[p.image.ID] = struct{}{}
	}
	p.audio = nil
	p.audioReady = false
	p.image = nil
	p.imageReady = false
	p.suppressImages = true
}

// Reset clears all state for a new exam attempt.
func (p *Presenter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audio = nil
	p.audioReady = false
	p.image = nil
	p.imageReady = false
	p.suppressImages = false
	p.dismissed = map[string]struct{}{}
	p.seen = map[string]struct{}{}
	p.lastAssistantID = ""
}
