package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when the config names a backend that
// the binary was built without.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// SynthesisFactory builds a synthesis backend from its config section.
type SynthesisFactory func(SynthesisConfig) (tts.Provider, error)

// OutputFactory builds the audio output from the playback section.
type OutputFactory func(PlaybackConfig) (audio.Output, error)

// Registry maps synthesis.provider values to factories and holds the single
// output factory. main fills it at startup; tests fill it with mocks. It is
// safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	synthesis map[string]SynthesisFactory
	output    OutputFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{synthesis: make(map[string]SynthesisFactory)}
}

// RegisterSynthesis binds name to factory, replacing any earlier binding.
func (r *Registry) RegisterSynthesis(name string, factory SynthesisFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesis[name] = factory
}

// RegisterOutput sets the output factory. A process drives one device.
func (r *Registry) RegisterOutput(factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = factory
}

// SynthesisNames lists the registered synthesis providers in sorted order.
func (r *Registry) SynthesisNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.synthesis))
	for name := range r.synthesis {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateSynthesis builds the backend named by cfg.Provider.
func (r *Registry) CreateSynthesis(cfg SynthesisConfig) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.synthesis[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesis %q (have %v)", ErrProviderNotRegistered, cfg.Provider, r.SynthesisNames())
	}
	return factory(cfg)
}

// CreateOutput builds the audio output.
func (r *Registry) CreateOutput(cfg PlaybackConfig) (audio.Output, error) {
	r.mu.RLock()
	factory := r.output
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: output", ErrProviderNotRegistered)
	}
	return factory(cfg)
}
