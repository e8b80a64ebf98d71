// Package archive defines the persistence contract for completed exam
// attempts. An Archiver is a write-only sink: the session layer hands it a
// finished [AttemptRecord] once at completion, and graders read the stored
// rows through their own tooling.
package archive

import (
	"context"
	"time"
)

// TurnRecord is a single ordered transcript turn within an attempt.
type TurnRecord struct {
	// TurnID uniquely identifies the turn within the attempt.
	TurnID string `json:"turn_id"`
	// Role is "examiner" or "candidate".
	Role string `json:"role"`
	// Text is the final text of the turn.
	Text string `json:"text"`
	// LocationKey is the "sectionId:subsectionId" position the turn belongs to.
	LocationKey string `json:"location_key,omitempty"`
	// At is when the turn was recorded.
	At time.Time `json:"at"`
}

// EventRecord is a single diagnostic alignment event within an attempt.
type EventRecord struct {
	// Seq is the monotonic sequence number assigned at record time.
	Seq uint64 `json:"seq"`
	// At is when the event was recorded.
	At time.Time `json:"at"`
	// Channel names the subsystem that produced the event.
	Channel string `json:"channel"`
	// Text is a short description of the event.
	Text string `json:"text"`
	// MessageID, if set, ties the event to a stream message.
	MessageID string `json:"message_id,omitempty"`
	// Status, if set, is the stream status observed at record time.
	Status string `json:"status,omitempty"`
}

// AttemptRecord is a completed exam attempt ready for storage.
type AttemptRecord struct {
	// SessionID identifies the candidate session.
	SessionID string `json:"session_id"`
	// AttemptID identifies this attempt within the session.
	AttemptID string `json:"attempt_id"`
	// ExamID is the identifier of the exam plan that was administered.
	ExamID string `json:"exam_id"`
	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the attempt reached the complete phase.
	CompletedAt time.Time `json:"completed_at"`
	// Turns is the ordered transcript.
	Turns []TurnRecord `json:"turns"`
	// Events is the diagnostic alignment ledger captured during the attempt.
	Events []EventRecord `json:"events"`
}

// Archiver persists completed attempts. Implementations must be safe for
// concurrent use.
type Archiver interface {
	// SaveAttempt stores a completed attempt. Saving the same
	// (SessionID, AttemptID) pair twice replaces the earlier record.
	SaveAttempt(ctx context.Context, rec AttemptRecord) error
}
