package transcript

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// ledgerCap bounds the alignment ledger to the most recent entries.
const ledgerCap = 250

// Channel labels the activity stream an alignment event belongs to.
type Channel string

const (
	ChannelModel   Channel = "model"
	ChannelSpeech  Channel = "speech"
	ChannelCapture Channel = "capture"
	ChannelControl Channel = "control"
	ChannelMedia   Channel = "media"
)

// AlignmentEvent is one entry of the diagnostic ledger. The ledger exists
// only for troubleshooting and export; nothing in the orchestrator makes
// control decisions from it.
type AlignmentEvent struct {
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
	Channel   Channel   `json:"channel"`
	Text      string    `json:"text,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	Status    string    `json:"status,omitempty"`
}

// Ledger is an append-only ring of the most recent alignment events.
//
// All methods are safe for concurrent use.
type Ledger struct {
	mu     sync.Mutex
	events []AlignmentEvent
	next   uint64
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record appends an event, evicting the oldest entry once the cap is
// reached. Seq values are monotonic for the lifetime of the ledger.
func (l *Ledger) Record(ch Channel, text, messageID, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	l.events = append(l.events, AlignmentEvent{
		Seq:       l.next,
		At:        time.Now(),
		Channel:   ch,
		Text:      text,
		MessageID: messageID,
		Status:    status,
	})
	if len(l.events) > ledgerCap {
		l.events = l.events[len(l.events)-ledgerCap:]
	}
}

// Events returns a snapshot of the retained events, oldest first.
func (l *Ledger) Events() []AlignmentEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AlignmentEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Reset clears the ledger for a new exam attempt. Seq numbering continues,
// so exported ledgers from successive attempts stay distinguishable.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// ExportJSON writes the retained events to w as a JSON array.
func (l *Ledger) ExportJSON(w io.Writer) error {
	events := l.Events()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}
