package exam

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadPlan reads the YAML exam plan at path and validates it.
func LoadPlan(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("exam: open %q: %w", path, err)
	}
	defer f.Close()

	plan, err := LoadPlanFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("exam: parse %q: %w", path, err)
	}
	return plan, nil
}

// LoadPlanFromReader decodes a YAML plan from r and validates the result.
// Useful in tests where plans are constructed from string literals.
func LoadPlanFromReader(r io.Reader) (*Plan, error) {
	plan := &Plan{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(plan); err != nil {
		return nil, fmt.Errorf("exam: decode yaml: %w", err)
	}
	if err := Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks structural requirements of a plan: a non-empty ID, at
// least one section, non-empty section and subsection IDs, and no duplicate
// location keys.
func Validate(plan *Plan) error {
	if plan.ID == "" {
		return fmt.Errorf("exam: plan id must not be empty")
	}
	if len(plan.Sections) == 0 {
		return fmt.Errorf("exam: plan %q has no sections", plan.ID)
	}
	seen := make(map[LocationKey]struct{})
	for _, sec := range plan.Sections {
		if sec.ID == "" {
			return fmt.Errorf("exam: plan %q: section with empty id", plan.ID)
		}
		for _, sub := range sec.Subsections {
			if sub.ID == "" {
				return fmt.Errorf("exam: plan %q: section %q: subsection with empty id", plan.ID, sec.ID)
			}
			key := Key(sec.ID, sub.ID)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("exam: plan %q: duplicate location %q", plan.ID, key)
			}
			seen[key] = struct{}{}
			if sub.Audio != nil && sub.Audio.RecordingID == "" {
				return fmt.Errorf("exam: plan %q: location %q: audio stimulus without recording_id", plan.ID, key)
			}
			if sub.Image != nil && sub.Image.ImageSetID == "" {
				return fmt.Errorf("exam: plan %q: location %q: image stimulus without image_set_id", plan.ID, key)
			}
		}
	}
	return nil
}
