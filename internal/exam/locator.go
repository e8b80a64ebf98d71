package exam

import "fmt"

// Locator resolves [LocationKey] values against one plan. It is built once
// per exam attempt and is read-only afterwards, so it is safe for concurrent
// use.
type Locator struct {
	plan  *Plan
	index map[LocationKey]*Subsection
	order []LocationKey
}

// NewLocator indexes plan by location key. It returns an error when two
// subsections resolve to the same key, since that would make media gating
// ambiguous.
func NewLocator(plan *Plan) (*Locator, error) {
	l := &Locator{
		plan:  plan,
		index: make(map[LocationKey]*Subsection),
	}
	for si := range plan.Sections {
		sec := &plan.Sections[si]
		for bi := range sec.Subsections {
			sub := &sec.Subsections[bi]
			key := Key(sec.ID, sub.ID)
			if _, dup := l.index[key]; dup {
				return nil, fmt.Errorf("exam: duplicate location %q in plan %q", key, plan.ID)
			}
			l.index[key] = sub
			l.order = append(l.order, key)
		}
	}
	return l, nil
}

// Lookup returns the subsection configured at key, or false when the plan
// has no such location.
func (l *Locator) Lookup(key LocationKey) (*Subsection, bool) {
	sub, ok := l.index[key]
	return sub, ok
}

// MediaRequired reports whether key exists and must present a stimulus.
func (l *Locator) MediaRequired(key LocationKey) bool {
	sub, ok := l.index[key]
	return ok && sub.MediaRequired()
}

// RequiresAudio reports whether key must present an audio stimulus.
func (l *Locator) RequiresAudio(key LocationKey) bool {
	sub, ok := l.index[key]
	return ok && sub.Audio != nil
}

// RequiresImage reports whether key must present an image stimulus.
func (l *Locator) RequiresImage(key LocationKey) bool {
	sub, ok := l.index[key]
	return ok && sub.Image != nil
}

// IsRolePlay reports whether key is a controller role-play location.
func (l *Locator) IsRolePlay(key LocationKey) bool {
	sub, ok := l.index[key]
	return ok && sub.RolePlay
}

// Label returns the human-readable label for key, falling back to the key
// itself for unknown locations so log lines stay useful.
func (l *Locator) Label(key LocationKey) string {
	if sub, ok := l.index[key]; ok && sub.Label != "" {
		return sub.Label
	}
	return string(key)
}

// ExamID returns the identifier of the plan behind this locator.
func (l *Locator) ExamID() string {
	return l.plan.ID
}

// Language returns the BCP 47 language tag the plan is authored in.
func (l *Locator) Language() string {
	return l.plan.Language
}

// Keys returns all location keys in authored order.
func (l *Locator) Keys() []LocationKey {
	out := make([]LocationKey, len(l.order))
	copy(out, l.order)
	return out
}

// Section returns the section containing key, or false when unknown.
func (l *Locator) Section(key LocationKey) (*Section, bool) {
	secID, _ := key.Split()
	for i := range l.plan.Sections {
		if l.plan.Sections[i].ID == secID {
			return &l.plan.Sections[i], true
		}
	}
	return nil, false
}
