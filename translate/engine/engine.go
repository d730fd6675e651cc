// Package engine is a small in-process scoring engine implementing the
// model, criterion, optimizer and generator contracts of the task package.
// It exists so the CLI tools and tests can drive a full training loop
// without an external tensor runtime; each sub-model is a single scalar
// weight and the criterion scores tokens linearly against it.
package engine

import (
	"context"
	"sort"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate/dataset"
	"github.com/polyglot-mt/polyglot/translate/generate"
	"github.com/polyglot-mt/polyglot/translate/task"
	"github.com/polyglot-mt/polyglot/translate/vocab"
)

// Param is one sub-model's trainable state.
type Param struct {
	W    float64
	Grad float64
}

// Model implements task.MultiModel with one scalar parameter per language
// pair direction.
type Model struct {
	params map[string]*Param
}

// Model ...
func (m *Model) Model(pairKey string) (task.ModelHandle, bool) {
	p, ok := m.params[pairKey]
	if !ok {
		return nil, false
	}
	return handle{key: pairKey, p: p}, true
}

// Pairs ...
func (m *Model) Pairs() []string {
	keys := make([]string, 0, len(m.params))
	for k := range m.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Param returns the raw parameter for a pair, for inspection.
func (m *Model) Param(pairKey string) (*Param, bool) {
	p, ok := m.params[pairKey]
	return p, ok
}

type handle struct {
	key string
	p   *Param
}

func (h handle) PairKey() string { return h.key }

// Builder implements task.ModelBuilder.
type Builder struct {
	// InitWeight is the starting value of every sub-model's parameter.
	InitWeight float64
}

// Build ...
func (b Builder) Build(spec task.ModelSpec) (task.MultiModel, error) {
	if len(spec.LangPairs) == 0 {
		return nil, errors.Errorf("model spec names no language pairs")
	}
	params := make(map[string]*Param, len(spec.LangPairs))
	for _, p := range spec.LangPairs {
		params[p.Key()] = &Param{W: b.InitWeight}
	}
	return &Model{params: params}, nil
}

// SGD drives the Model's parameters. It implements task.Optimizer,
// task.DDSOptimizer and task.SteppingOptimizer.
type SGD struct {
	model *Model
	lr    float64
}

// NewSGD ...
func NewSGD(model task.MultiModel, lr float64) (*SGD, error) {
	m, ok := model.(*Model)
	if !ok {
		return nil, errors.Errorf("optimizer requires a model built by this engine")
	}
	if lr <= 0 {
		return nil, errors.Errorf("learning rate is %f, needs to be > 0", lr)
	}
	return &SGD{model: m, lr: lr}, nil
}

// Backward accumulates the loss into every parameter's gradient.
func (o *SGD) Backward(loss float64) error {
	for _, p := range o.model.params {
		p.Grad += loss
	}
	return nil
}

// Step applies one gradient descent update.
func (o *SGD) Step() error {
	for _, p := range o.model.params {
		p.W -= o.lr * p.Grad
	}
	return nil
}

// ZeroGrad ...
func (o *SGD) ZeroGrad() {
	for _, p := range o.model.params {
		p.Grad = 0
	}
}

// CloneParams copies every parameter's weight and accumulated gradient.
func (o *SGD) CloneParams() task.ParamSnapshot {
	snap := make(map[string]Param, len(o.model.params))
	for k, p := range o.model.params {
		snap[k] = *p
	}
	return snap
}

// RestoreParams ...
func (o *SGD) RestoreParams(s task.ParamSnapshot) error {
	snap, ok := s.(map[string]Param)
	if !ok {
		return errors.Errorf("unrecognized parameter snapshot")
	}
	for k, v := range snap {
		p, ok := o.model.params[k]
		if !ok {
			return errors.Errorf("snapshot names unknown sub-model %s", k)
		}
		*p = v
	}
	return nil
}

// StepAlongGrad moves every parameter a step of size eta along its gradient.
func (o *SGD) StepAlongGrad(eta float64) error {
	for _, p := range o.model.params {
		p.W -= eta * p.Grad
	}
	return nil
}

// TokenNLL implements task.Criterion: each example contributes its target
// token count scaled by the sub-model's weight.
type TokenNLL struct{}

// Loss ...
func (TokenNLL) Loss(ctx context.Context, model task.ModelHandle, examples []dataset.Example, weights []float64) (task.LossResult, error) {
	h, ok := model.(handle)
	if !ok {
		return task.LossResult{}, errors.Errorf("criterion requires a sub-model built by this engine")
	}
	if weights != nil && len(weights) != len(examples) {
		return task.LossResult{}, errors.Errorf("got %d weights for %d examples", len(weights), len(examples))
	}

	res := task.LossResult{
		Log:           make(task.LogOutput),
		PerExampleNLL: make([]float64, len(examples)),
	}
	var ntokens float64
	for i, ex := range examples {
		n := len(ex.Target)
		if n == 0 {
			n = len(ex.Source)
		}
		nll := h.p.W * float64(n)
		res.PerExampleNLL[i] = nll

		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		res.Loss += w * nll
		ntokens += float64(n)
	}
	res.SampleSize = ntokens

	res.Log["loss"] = res.Loss
	res.Log["nll_loss"] = res.Loss
	res.Log["ntokens"] = ntokens
	res.Log["nsentences"] = float64(len(examples))
	res.Log["sample_size"] = ntokens
	return res, nil
}

// Aggregate ...
func (TokenNLL) Aggregate(logs []task.LogOutput) task.LogOutput {
	out := make(task.LogOutput)
	for _, l := range logs {
		for k, v := range l {
			out[k] += v
		}
	}
	if _, ok := out["sample_size"]; !ok {
		out["sample_size"] = 0
	}
	if _, ok := out["loss"]; !ok {
		out["loss"] = 0
	}
	return out
}

// Generator implements generate.Generator by echoing the source body, capped
// at the configured maximum length. It stands in for beam search so the
// back-translation pipeline can run end to end.
type Generator struct {
	eos int32
	cfg generate.Config
}

// Generate ...
func (g Generator) Generate(ctx context.Context, req generate.Request, examples []dataset.Example) ([][]generate.Hypothesis, error) {
	out := make([][]generate.Hypothesis, len(examples))
	for i, ex := range examples {
		body := ex.Source
		if len(body) > 0 {
			// strip the boundary token
			body = body[:len(body)-1]
		}
		max := g.cfg.MaxLen(len(ex.Source))
		if max < 1 {
			max = 1
		}

		tokens := make([]int32, 0, len(req.Prefix)+len(body)+1)
		tokens = append(tokens, req.Prefix...)
		tokens = append(tokens, body...)
		if len(tokens) > max-1 {
			tokens = tokens[:max-1]
		}
		tokens = append(tokens, g.eos)

		out[i] = []generate.Hypothesis{{Tokens: tokens, Score: -float64(len(tokens))}}
	}
	return out, nil
}

// Factory implements task.GeneratorFactory for the echo generator.
type Factory struct {
	Dicts map[langs.Lang]*vocab.Dictionary
}

// NewGenerator ...
func (f Factory) NewGenerator(model task.MultiModel, pair langs.Pair, cfg generate.Config) (generate.Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, ok := f.Dicts[pair.Tgt]
	if !ok {
		return nil, errors.Errorf("no dictionary for language %s", pair.Tgt)
	}
	if _, ok := model.(*Model); !ok {
		return nil, errors.Errorf("generator factory requires a model built by this engine")
	}
	return Generator{eos: d.Eos(), cfg: cfg}, nil
}
