package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"capture":  {"deepgram", "mock"},
	"synth":    {"elevenlabs", "mock"},
	"examiner": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("capture", cfg.Providers.Capture.Name)
	validateProviderName("synth", cfg.Providers.Synth.Name)
	validateProviderName("examiner", cfg.Providers.Examiner.Name)

	// Backend
	if cfg.Backend.Mode != "" && !cfg.Backend.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("backend.mode %q is invalid; valid values: remote, local", cfg.Backend.Mode))
	}
	switch cfg.Backend.Mode {
	case BackendRemote:
		if cfg.Backend.URL == "" {
			errs = append(errs, errors.New("backend.url is required when backend.mode is remote"))
		}
	case BackendLocal:
		if cfg.Providers.Examiner.Name == "" {
			errs = append(errs, errors.New("backend.mode local requires an examiner provider but providers.examiner is not configured"))
		}
		if cfg.Backend.URL != "" {
			slog.Warn("backend.url is set but ignored in local mode")
		}
	}

	// Exam content
	if cfg.Exam.PlanPath == "" {
		slog.Warn("exam.plan_path is empty; sessions will run without media expectations or section labels")
	}
	if sf := cfg.Exam.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("exam.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	// Timings: zero means default, negatives are always a mistake.
	if cfg.Timings.FinalizeDebounce < 0 {
		errs = append(errs, fmt.Errorf("timings.finalize_debounce %s is negative", cfg.Timings.FinalizeDebounce))
	}
	if cfg.Timings.CaptureSettle < 0 {
		errs = append(errs, fmt.Errorf("timings.capture_settle %s is negative", cfg.Timings.CaptureSettle))
	}
	if cfg.Timings.EvaluationWatchdog < 0 {
		errs = append(errs, fmt.Errorf("timings.evaluation_watchdog %s is negative", cfg.Timings.EvaluationWatchdog))
	}
	if cfg.Timings.AutoClose < 0 {
		errs = append(errs, fmt.Errorf("timings.auto_close %s is negative", cfg.Timings.AutoClose))
	}

	// Archive availability
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; completed attempts will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
