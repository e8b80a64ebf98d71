// Package mock provides an in-memory test double for archive.Archiver.
package mock

import (
	"context"
	"sync"

	"github.com/voxexam/voxexam/pkg/archive"
)

// Archiver records every saved attempt in memory.
// Zero value is ready to use.
type Archiver struct {
	mu sync.Mutex

	// SaveErr, if non-nil, is returned by SaveAttempt without recording.
	SaveErr error

	// Saved records every successful SaveAttempt call in order.
	Saved []archive.AttemptRecord
}

// SaveAttempt implements archive.Archiver.
func (a *Archiver) SaveAttempt(_ context.Context, rec archive.AttemptRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.SaveErr != nil {
		return a.SaveErr
	}
	a.Saved = append(a.Saved, rec)
	return nil
}

// SavedCount returns the number of recorded attempts. Thread-safe.
func (a *Archiver) SavedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Saved)
}

// Last returns the most recently saved attempt, or false if none.
func (a *Archiver) Last() (archive.AttemptRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Saved) == 0 {
		return archive.AttemptRecord{}, false
	}
	return a.Saved[len(a.Saved)-1], true
}

// Ensure Archiver implements archive.Archiver at compile time.
var _ archive.Archiver = (*Archiver)(nil)
