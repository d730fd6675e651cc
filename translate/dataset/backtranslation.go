package dataset

import (
	"github.com/polyglot-mt/polyglot/errors"
)

// GenerateFn produces a synthetic source sequence for a monolingual target
// example. It is resolved against the live reverse-direction model at call
// time, so generation always reads the current parameter values.
type GenerateFn func(Example) ([]int32, error)

// Backtranslation wraps a monolingual target-language dataset and
// manufactures synthetic parallel examples on the fly: fetching example i
// runs the generation function against the real target sentence to produce a
// synthetic source. Generation happens lazily at fetch time, never at
// construction.
//
// The wrapper holds read-only references; it owns neither the generation
// function nor the underlying corpus.
type Backtranslation struct {
	mono     Dataset
	generate GenerateFn
}

// NewBacktranslation ...
func NewBacktranslation(mono Dataset, generate GenerateFn) (*Backtranslation, error) {
	if mono == nil {
		return nil, errors.Errorf("back-translation dataset requires a monolingual corpus")
	}
	if generate == nil {
		return nil, errors.Errorf("back-translation dataset requires a generation function")
	}
	return &Backtranslation{mono: mono, generate: generate}, nil
}

// Len ...
func (b *Backtranslation) Len() int { return b.mono.Len() }

// Get fetches the monolingual example at i, generates a synthetic source for
// it, and returns the (synthetic source, real target) pair.
func (b *Backtranslation) Get(i int) (Example, error) {
	mono, err := b.mono.Get(i)
	if err != nil {
		return Example{}, errors.Wrapf(err, "error fetching monolingual example %d", i)
	}

	synthetic, err := b.generate(mono)
	if err != nil {
		return Example{}, errors.Wrapf(err, "error back-translating example %d", i)
	}

	return Example{
		ID:        mono.ID,
		Source:    synthetic,
		Target:    mono.Source,
		TargetBOS: mono.TargetBOS,
	}, nil
}
