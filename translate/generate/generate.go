// Package generate defines the sequence-generation contract consumed by the
// back-translation pipeline. The beam search itself is an external
// collaborator; this package provides the request value type and the
// per-direction generator registry that replace ad-hoc closures, so a model
// rebuild cannot leave stale captures behind.
package generate

import (
	"context"
	"sort"
	"sync"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate/dataset"
)

// Hypothesis is one generated candidate sequence.
type Hypothesis struct {
	Tokens []int32
	Score  float64
}

// Request is a self-contained generation request: the direction to generate
// in, the decoder start token, and the sampling mode. It carries no model
// reference; the registry resolves the generator at call time.
type Request struct {
	Pair langs.Pair
	BOS  int32
	// Prefix forces the generated sequence to begin with these tokens.
	Prefix   []int32
	Sampling bool
	// SamplingTopK restricts stochastic sampling to the k most likely tokens;
	// <= 0 means unrestricted.
	SamplingTopK int
}

// Generator produces hypotheses for each example of a batch. Implementations
// must read the current model parameters at call time; no snapshotting.
type Generator interface {
	Generate(ctx context.Context, req Request, examples []dataset.Example) ([][]Hypothesis, error)
}

// Config holds the generator parameters used for on-the-fly back-translation.
type Config struct {
	BeamSize int
	// Generated sequences have maximum length MaxLenA*x + MaxLenB, where x is
	// the source length.
	MaxLenA float64
	MaxLenB float64
}

// Validate ...
func (c Config) Validate() error {
	if c.BeamSize <= 0 {
		return errors.Errorf("beam size is %d, needs to be > 0", c.BeamSize)
	}
	if c.MaxLenA < 0 {
		return errors.Errorf("max-len-a is %f, needs to be >= 0", c.MaxLenA)
	}
	if c.MaxLenB < 0 {
		return errors.Errorf("max-len-b is %f, needs to be >= 0", c.MaxLenB)
	}
	return nil
}

// MaxLen returns the maximum generated length for a source of length srcLen.
func (c Config) MaxLen(srcLen int) int {
	return int(c.MaxLenA*float64(srcLen) + c.MaxLenB)
}

// Registry maps direction keys ("src-tgt") to generators.
type Registry struct {
	m          sync.RWMutex
	generators map[string]Generator
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]Generator)}
}

// Register binds a generator to the pair's direction, replacing any previous
// binding.
func (r *Registry) Register(pair langs.Pair, g Generator) {
	r.m.Lock()
	defer r.m.Unlock()
	r.generators[pair.Key()] = g
}

// Lookup returns the generator for the pair's direction.
func (r *Registry) Lookup(pair langs.Pair) (Generator, error) {
	r.m.RLock()
	defer r.m.RUnlock()
	g, ok := r.generators[pair.Key()]
	if !ok {
		return nil, errors.Errorf("no generator registered for direction %s", pair.Key())
	}
	return g, nil
}

// Keys returns the registered direction keys, sorted.
func (r *Registry) Keys() []string {
	r.m.RLock()
	defer r.m.RUnlock()
	keys := make([]string, 0, len(r.generators))
	for k := range r.generators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValidateComplete checks that every required direction has a generator.
func (r *Registry) ValidateComplete(required []langs.Pair) error {
	r.m.RLock()
	defer r.m.RUnlock()
	var missing []string
	for _, p := range required {
		if _, ok := r.generators[p.Key()]; !ok {
			missing = append(missing, p.Key())
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("missing generators for directions %v", missing)
	}
	return nil
}

// Generate resolves the request's direction against the registry and runs it.
func (r *Registry) Generate(ctx context.Context, req Request, examples []dataset.Example) ([][]Hypothesis, error) {
	g, err := r.Lookup(req.Pair)
	if err != nil {
		return nil, err
	}
	return g.Generate(ctx, req, examples)
}
