// Package task implements the multilingual and back-translation training
// task controllers: dictionary/language-pair ownership, split loading,
// model-contract validation, and the per-step training/validation drive
// loops. The tensor engine, beam search and optimizer math are external
// collaborators behind the interfaces in this file.
package task

import (
	"context"

	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate/dataset"
	"github.com/polyglot-mt/polyglot/translate/langtok"
)

// ModelHandle is an opaque reference to the sub-model serving one language
// pair direction.
type ModelHandle interface {
	PairKey() string
}

// MultiModel exposes one addressable sub-model per language pair. Sub-models
// may share parameters (encoder/decoder towers reused across directions);
// the mapping is fixed once built.
type MultiModel interface {
	Model(pairKey string) (ModelHandle, bool)
	Pairs() []string
}

// ModelSpec is the model-side configuration cross-checked against the task's
// own configuration at build time.
type ModelSpec struct {
	LangPairs      []langs.Pair
	EncoderLangTok langtok.EncoderTokenMode
	DecoderLangTok bool
}

// ModelBuilder constructs the multi-model; the architecture itself is
// external.
type ModelBuilder interface {
	Build(spec ModelSpec) (MultiModel, error)
}

// LogOutput is one step's logging record for a single tracked key.
type LogOutput map[string]float64

// LossResult is the outcome of a criterion invocation.
type LossResult struct {
	Loss       float64
	SampleSize float64
	Log        LogOutput
	// PerExampleNLL carries the per-example loss values when requested; used
	// by the data-actor reward variant.
	PerExampleNLL []float64
}

// Criterion computes a loss for a batch of examples against a sub-model.
// weights, when non-nil, scales each example's contribution.
type Criterion interface {
	Loss(ctx context.Context, model ModelHandle, examples []dataset.Example, weights []float64) (LossResult, error)
	// Aggregate sums per-step logging records for one tracked key.
	Aggregate(logs []LogOutput) LogOutput
}

// Optimizer is the gradient sink. The optimizer step itself is owned by the
// external training-loop driver.
type Optimizer interface {
	Backward(loss float64) error
}

// ParamSnapshot is an opaque copy of the optimizer's parameter state,
// including any accumulated gradients.
type ParamSnapshot interface{}

// DDSOptimizer extends Optimizer with the parameter save/perturb/restore
// sequence required by the experimental data-actor reward variant. The whole
// sequence must run under exclusive access to the optimizer.
//
// The sequence zeroes and re-accumulates gradients between CloneParams and
// RestoreParams, so snapshots must round-trip the accumulated gradients along
// with the parameters: after a restore, the main training step continues from
// gradients as they stood at clone time.
type DDSOptimizer interface {
	Optimizer
	CloneParams() ParamSnapshot
	RestoreParams(ParamSnapshot) error
	// StepAlongGrad moves the parameters a step of size eta along the
	// currently accumulated gradient.
	StepAlongGrad(eta float64) error
	ZeroGrad()
}

// SteppingOptimizer is an optimizer that also owns its step, used for the
// data-actor's separate update.
type SteppingOptimizer interface {
	Optimizer
	Step() error
	ZeroGrad()
}

// StepResult accumulates a training or validation step's totals.
type StepResult struct {
	Loss       float64
	SampleSize float64
	Logs       map[string]LogOutput
}
