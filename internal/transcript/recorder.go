// Package transcript accumulates the chronological record of one exam
// attempt: examiner/candidate turns for display and export, plus a bounded
// diagnostic ledger of cross-stream alignment events.
package transcript

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleExaminer  Role = "examiner"
	RoleCandidate Role = "candidate"
)

// Turn is one finalized conversational turn. Turns are append-only and keep
// strict production order; examiner turns are keyed by the message ID that
// produced them so a debounce-corrected finalize replaces rather than
// duplicates.
type Turn struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Text        string    `json:"text"`
	LocationKey string    `json:"locationKey,omitempty"`
	MessageID   string    `json:"messageId,omitempty"`
	At          time.Time `json:"at"`
}

// Recorder owns the turn log for one exam attempt.
//
// All methods are safe for concurrent use.
type Recorder struct {
	mu        sync.RWMutex
	turns     []Turn
	byMessage map[string]int // messageID → index into turns
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{byMessage: make(map[string]int)}
}

// AppendCandidate appends a candidate turn and returns it.
func (r *Recorder) AppendCandidate(text, locationKey string) Turn {
	t := Turn{
		ID:          uuid.NewString(),
		Role:        RoleCandidate,
		Text:        text,
		LocationKey: locationKey,
		At:          time.Now(),
	}
	r.mu.Lock()
	r.turns = append(r.turns, t)
	r.mu.Unlock()
	return t
}

// UpsertExaminer records a finalized examiner turn for messageID. When a turn
// with the same messageID already exists its text is replaced in place,
// keeping the original position and timestamp; otherwise a new turn is
// appended. This makes finalize idempotent per message ID.
func (r *Recorder) UpsertExaminer(messageID, text, locationKey string) Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.byMessage[messageID]; ok {
		r.turns[idx].Text = text
		if locationKey != "" {
			r.turns[idx].LocationKey = locationKey
		}
		return r.turns[idx]
	}

	t := Turn{
		ID:          uuid.NewString(),
		Role:        RoleExaminer,
		Text:        text,
		LocationKey: locationKey,
		MessageID:   messageID,
		At:          time.Now(),
	}
	r.byMessage[messageID] = len(r.turns)
	r.turns = append(r.turns, t)
	return t
}

// Turns returns a snapshot of all turns in production order.
func (r *Recorder) Turns() []Turn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Turn, len(r.turns))
	copy(out, r.turns)
	return out
}

// Len returns the number of recorded turns.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.turns)
}

// Reset clears all turns for a new exam attempt.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = nil
	r.byMessage = make(map[string]int)
}

// ExportJSON writes the turn log to w as a JSON array.
func (r *Recorder) ExportJSON(w io.Writer) error {
	turns := r.Turns()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(turns)
}
