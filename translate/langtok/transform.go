package langtok

import (
	"math/rand"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate/dataset"
)

// TransformSpec describes one pair dataset to be boundary-token rewritten.
type TransformSpec struct {
	Src langs.Lang
	Tgt langs.Lang

	// EligibleTargets enables soft language tagging during training: the
	// source boundary token is drawn across these target languages instead of
	// always naming the true target.
	EligibleTargets []langs.Lang
	// SampleTagProb is the probability mass reserved for the non-true target
	// languages, spread uniformly among them.
	SampleTagProb float64

	Train bool
	Seed  int64
}

// Transform wraps ds to rewrite its boundary tokens at fetch time per the
// policy. When the policy is inactive the input dataset is returned
// unchanged.
//
// Soft tagging applies only on the training split, only when the true target
// is among the eligible targets, and only when at least two eligible targets
// exist — with a single target language there is no alternative tag to
// sample, so the deterministic token is used.
func (p Policy) Transform(ds dataset.Dataset, spec TransformSpec) (dataset.Dataset, error) {
	if !p.Active() {
		return ds, nil
	}

	t := &transformed{ds: ds, spec: spec}

	if p.Encoder != EncoderTokenNone {
		tok, err := p.EncoderToken(spec.Src, spec.Tgt)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to resolve encoder token for %s-%s", spec.Src, spec.Tgt)
		}
		t.newSrcEos = tok
		t.rewriteSrc = true

		if spec.Train && spec.SampleTagProb > 0 && len(spec.EligibleTargets) >= 2 {
			var trueIdx = -1
			for i, l := range spec.EligibleTargets {
				if l == spec.Tgt {
					trueIdx = i
				}
			}
			if trueIdx >= 0 {
				t.softTokens = make([]int32, len(spec.EligibleTargets))
				t.softProbs = make([]float64, len(spec.EligibleTargets))
				shared := spec.SampleTagProb / float64(len(spec.EligibleTargets)-1)
				for i, l := range spec.EligibleTargets {
					tok, err := p.EncoderToken(spec.Src, l)
					if err != nil {
						return nil, errors.Wrapf(err, "unable to resolve soft tag for %s-%s", spec.Src, l)
					}
					t.softTokens[i] = tok
					t.softProbs[i] = shared
				}
				t.softProbs[trueIdx] = 1 - spec.SampleTagProb
			}
		}
	}

	if p.Decoder {
		tok, err := p.DecoderToken(spec.Tgt)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to resolve decoder token for %s", spec.Tgt)
		}
		t.newTgtBos = tok
		t.rewriteTgt = true
	}

	return t, nil
}

type transformed struct {
	ds   dataset.Dataset
	spec TransformSpec

	rewriteSrc bool
	newSrcEos  int32

	rewriteTgt bool
	newTgtBos  int32

	softTokens []int32
	softProbs  []float64
}

func (t *transformed) Len() int { return t.ds.Len() }

func (t *transformed) Get(i int) (dataset.Example, error) {
	ex, err := t.ds.Get(i)
	if err != nil {
		return dataset.Example{}, err
	}

	if t.rewriteSrc && len(ex.Source) > 0 {
		src := append([]int32(nil), ex.Source...)
		src[len(src)-1] = t.pickSrcEos(i)
		ex.Source = src
	}
	if t.rewriteTgt {
		ex.TargetBOS = t.newTgtBos
	}
	return ex, nil
}

func (t *transformed) pickSrcEos(i int) int32 {
	if t.softTokens == nil {
		return t.newSrcEos
	}
	r := rand.New(rand.NewSource(t.spec.Seed + int64(i)))
	draw := r.Float64()
	var cum float64
	for j, p := range t.softProbs {
		cum += p
		if draw <= cum {
			return t.softTokens[j]
		}
	}
	return t.softTokens[len(t.softTokens)-1]
}
