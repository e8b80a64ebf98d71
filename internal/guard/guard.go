// Package guard implements the bounded recovery policies that keep a
// misbehaving examiner model on protocol: a one-shot media recovery per
// media-required location, and a one-shot role-play correction per offending
// message.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/voxexam/voxexam/internal/exam"
	"github.com/voxexam/voxexam/internal/stream"
)

// DefaultRecoveryCeiling bounds the total number of media recovery
// instructions across one exam attempt, regardless of how many distinct
// locations trigger their own one-shot recovery.
const DefaultRecoveryCeiling = 3

// mediaChecker reports whether any media directive has been observed for a
// location. *stimulus.Presenter satisfies it.
type mediaChecker interface {
	HasMediaFor(locationKey string) bool
}

// MediaGuard issues at most one recovery instruction per media-required
// location key, and at most a fixed number per attempt overall.
//
// All methods are safe for concurrent use.
type MediaGuard struct {
	locator *exam.Locator
	media   mediaChecker
	sink    stream.Sink
	logger  *slog.Logger

	mu        sync.Mutex
	recovered map[exam.LocationKey]struct{}
	total     int
	ceiling   int
}

// MediaGuardOption configures a MediaGuard.
type MediaGuardOption func(*MediaGuard)

// WithRecoveryCeiling overrides the per-attempt total recovery bound.
func WithRecoveryCeiling(n int) MediaGuardOption {
	return func(g *MediaGuard) { g.ceiling = n }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) MediaGuardOption {
	return func(g *MediaGuard) { g.logger = l }
}

// NewMediaGuard creates a MediaGuard over the given exam plan locator,
// observed-media source, and submission sink.
func NewMediaGuard(locator *exam.Locator, media mediaChecker, sink stream.Sink, opts ...MediaGuardOption) *MediaGuard {
	g := &MediaGuard{
		locator:   locator,
		media:     media,
		sink:      sink,
		logger:    slog.Default(),
		recovered: map[exam.LocationKey]struct{}{},
		ceiling:   DefaultRecoveryCeiling,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check inspects the current location and, if it requires media that has not
// appeared, appends one recovery instruction. Call it only when the session
// is otherwise idle (not mid-stream, not paused, not mid-audio).
//
// It returns true when a recovery instruction was sent.
func (g *MediaGuard) Check(ctx context.Context, locationKey exam.LocationKey) bool {
	if !g.locator.MediaRequired(locationKey) {
		return false
	}
	if g.media.HasMediaFor(string(locationKey)) {
		return false
	}

	g.mu.Lock()
	if _, done := g.recovered[locationKey]; done {
		g.mu.Unlock()
		return false
	}
	if g.total >= g.ceiling {
		g.mu.Unlock()
		g.logger.Warn("media recovery ceiling reached", "location", locationKey, "ceiling", g.ceiling)
		return false
	}
	g.recovered[locationKey] = struct{}{}
	g.total++
	g.mu.Unlock()

	text := g.instruction(locationKey)
	if err := g.sink.Append(ctx, stream.Submission{Role: stream.RoleUser, Text: text, Hidden: true}); err != nil {
		g.logger.Error("media recovery instruction failed", "location", locationKey, "error", err)
		return false
	}
	g.logger.Info("media recovery instruction sent", "location", locationKey)
	return true
}

// instruction builds the recovery text for a location.
func (g *MediaGuard) instruction(locationKey exam.LocationKey) string {
	var kind string
	switch {
	case g.locator.RequiresAudio(locationKey):
		kind = "recorded audio"
	case g.locator.RequiresImage(locationKey):
		kind = "image set"
	default:
		kind = "media"
	}
	return fmt.Sprintf(
		"The current exam step (%s) requires its %s, which has not been presented. Present the required %s for this step now and remain at this step.",
		g.locator.Label(locationKey), kind, kind,
	)
}

// Reset clears the per-attempt recovery state.
func (g *MediaGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recovered = map[exam.LocationKey]struct{}{}
	g.total = 0
}

// Role-label patterns for malformed role-play detection. A well-formed
// role-play turn speaks only as the interlocutor; a turn that scripts both
// sides needs a correction.
var (
	interlocutorLine = regexp.MustCompile(`(?im)^\s*(?:\*\*)?(controller|interlocutor|examiner|atc)(?:\*\*)?\s*:`)
	candidateLine    = regexp.MustCompile(`(?im)^\s*(?:\*\*)?(pilot|candidate|student|you)(?:\*\*)?\s*:`)
)

// RolePlayCorrector watches controller role-play locations for assistant
// turns that script both sides of the exchange and issues one correction per
// offending message.
//
// All methods are safe for concurrent use.
type RolePlayCorrector struct {
	locator *exam.Locator
	sink    stream.Sink
	logger  *slog.Logger

	mu        sync.Mutex
	corrected map[string]struct{}
}

// NewRolePlayCorrector creates a corrector over the given locator and sink.
func NewRolePlayCorrector(locator *exam.Locator, sink stream.Sink, logger *slog.Logger) *RolePlayCorrector {
	if logger == nil {
		logger = slog.Default()
	}
	return &RolePlayCorrector{
		locator:   locator,
		sink:      sink,
		logger:    logger,
		corrected: map[string]struct{}{},
	}
}

// Malformed reports whether text scripts both the interlocutor and the
// candidate role.
func Malformed(text string) bool {
	return interlocutorLine.MatchString(text) && candidateLine.MatchString(text)
}

// Check inspects a finalized assistant message at a role-play location and,
// if it is malformed, appends one correction instruction keyed by message id.
//
// It returns true when a correction was sent.
func (c *RolePlayCorrector) Check(ctx context.Context, msg stream.Message, locationKey exam.LocationKey) bool {
	if !c.locator.IsRolePlay(locationKey) {
		return false
	}
	if !Malformed(msg.Text()) {
		return false
	}

	c.mu.Lock()
	if _, done := c.corrected[msg.ID]; done {
		c.mu.Unlock()
		return false
	}
	c.corrected[msg.ID] = struct{}{}
	c.mu.Unlock()

	const text = "Your last turn scripted both sides of the role-play. Speak only as the interlocutor, then stop and wait for the candidate's reply."
	if err := c.sink.Append(ctx, stream.Submission{Role: stream.RoleUser, Text: text, Hidden: true}); err != nil {
		c.logger.Error("role-play correction failed", "message_id", msg.ID, "error", err)
		return false
	}
	c.logger.Info("role-play correction sent", "message_id", msg.ID, "location", locationKey)
	return true
}

// Reset clears the per-attempt correction state.
func (c *RolePlayCorrector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrected = map[string]struct{}{}
}
