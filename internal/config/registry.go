package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxexam/voxexam/pkg/capture"
	"github.com/voxexam/voxexam/pkg/examiner"
	"github.com/voxexam/voxexam/pkg/synth"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]func(ProviderEntry) (capture.Engine, error)
	synth    map[string]func(ProviderEntry) (synth.Provider, error)
	examiner map[string]func(ProviderEntry) (examiner.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(map[string]func(ProviderEntry) (capture.Engine, error)),
		synth:    make(map[string]func(ProviderEntry) (synth.Provider, error)),
		examiner: make(map[string]func(ProviderEntry) (examiner.Provider, error)),
	}
}

// RegisterCapture registers a speech capture engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(ProviderEntry) (capture.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterSynth registers a speech synthesis provider factory under name.
func (r *Registry) RegisterSynth(name string, factory func(ProviderEntry) (synth.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synth[name] = factory
}

// RegisterExaminer registers an examiner LLM provider factory under name.
func (r *Registry) RegisterExaminer(name string, factory func(ProviderEntry) (examiner.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.examiner[name] = factory
}

// CreateCapture instantiates a capture engine using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateCapture(entry ProviderEntry) (capture.Engine, error) {
	r.mu.RLock()
	factory, ok := r.capture[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSynth instantiates a synthesis provider using the factory registered under entry.Name.
func (r *Registry) CreateSynth(entry ProviderEntry) (synth.Provider, error) {
	r.mu.RLock()
	factory, ok := r.synth[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synth/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateExaminer instantiates an examiner provider using the factory registered under entry.Name.
func (r *Registry) CreateExaminer(entry ProviderEntry) (examiner.Provider, error) {
	r.mu.RLock()
	factory, ok := r.examiner[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: examiner/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
