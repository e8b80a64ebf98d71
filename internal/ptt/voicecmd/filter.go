// Package voicecmd implements keyword detection on STT finals for operator
// voice shortcuts. Final transcripts are checked against a set of canonical
// command phrases with edit-distance tolerance, so recognition noise like
// "and the exam" still triggers "end the exam".
//
// Shortcuts are only consulted for transcripts captured through the operator
// control path, never for candidate answers.
package voicecmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"
)

// Actions is the set of session operations a voice shortcut may trigger.
// The session orchestrator satisfies it.
type Actions interface {
	CompleteExam(ctx context.Context, reason string) error
	PauseSession(ctx context.Context) error
	ResumeSession(ctx context.Context) error
	RepeatPrompt(ctx context.Context) error
}

// command pairs canonical phrases with the action to execute on a match.
type command struct {
	// Name is a human-readable label for logging.
	Name string

	// Phrases are the canonical utterances, all lowercase.
	Phrases []string

	// Action executes the command.
	Action func(ctx context.Context, a Actions) error
}

// Filter checks STT finals against the built-in operator commands.
//
// Filter is stateless and safe for concurrent use.
type Filter struct {
	commands []command
	logger   *slog.Logger
}

// New creates a Filter with the built-in command set.
func New(logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{commands: defaultCommands(), logger: logger}
}

// Check tests whether text matches an operator command. On a match the
// corresponding action runs on a and Check returns (true, nil); action
// failures return (true, err). No match returns (false, nil).
func (f *Filter) Check(ctx context.Context, text string, a Actions) (bool, error) {
	normalized := normalize(text)
	if normalized == "" {
		return false, nil
	}

	for _, c := range f.commands {
		if !c.matches(normalized) {
			continue
		}
		if err := c.Action(ctx, a); err != nil {
			f.logger.Warn("voicecmd: command failed", "command", c.Name, "text", text, "error", err)
			return true, fmt.Errorf("voicecmd: %s: %w", c.Name, err)
		}
		f.logger.Info("voicecmd: command executed", "command", c.Name, "text", text)
		return true, nil
	}
	return false, nil
}

// matches reports whether the normalized utterance is close enough to one of
// the command's canonical phrases.
func (c command) matches(normalized string) bool {
	for _, phrase := range c.Phrases {
		if withinDistance(normalized, phrase) {
			return true
		}
	}
	return false
}

// withinDistance compares an utterance against a phrase using
// Damerau-Levenshtein distance, with a budget that scales with phrase length.
func withinDistance(utterance, phrase string) bool {
	if utterance == phrase {
		return true
	}
	budget := len(phrase) / 6
	if budget < 1 {
		budget = 1
	}
	return matchr.DamerauLevenshtein(utterance, phrase) <= budget
}

// normalize lowercases, strips punctuation, and collapses whitespace.
func normalize(text string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r == ' ', r == '\t', r == '\n':
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// defaultCommands returns the built-in operator command set.
func defaultCommands() []command {
	return []command{
		{
			Name:    "end-exam",
			Phrases: []string{"end the exam", "finish the exam", "complete the exam"},
			Action: func(ctx context.Context, a Actions) error {
				return a.CompleteExam(ctx, "operator voice command")
			},
		},
		{
			Name:    "pause-exam",
			Phrases: []string{"pause the exam", "hold the exam"},
			Action: func(ctx context.Context, a Actions) error {
				return a.PauseSession(ctx)
			},
		},
		{
			Name:    "resume-exam",
			Phrases: []string{"resume the exam", "continue the exam"},
			Action: func(ctx context.Context, a Actions) error {
				return a.ResumeSession(ctx)
			},
		},
		{
			Name:    "repeat-prompt",
			Phrases: []string{"repeat the question", "say again", "repeat the prompt"},
			Action: func(ctx context.Context, a Actions) error {
				return a.RepeatPrompt(ctx)
			},
		},
	}
}
