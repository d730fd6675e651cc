package task

import (
	"context"
	"log"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate"
	"github.com/polyglot-mt/polyglot/translate/dataset"
	"github.com/polyglot-mt/polyglot/translate/generate"
	"github.com/polyglot-mt/polyglot/translate/langtok"
	"github.com/polyglot-mt/polyglot/translate/vocab"
)

// Prefixes distinguishing the auxiliary objectives' batch keys from the
// supervised pair keys.
const (
	btKeyPrefix        = "bt:"
	denoisingKeyPrefix = "denoising:"
)

// Data-actor reward constants.
const (
	ddsEta          = 1e-7
	ddsBaselineRate = 0.001
	ddsRewardScale  = 1e-4
)

// GeneratorFactory builds a sequence generator for one translation direction
// of an already-built model. Implementations must produce generators that
// read live model parameters at generation time.
type GeneratorFactory interface {
	NewGenerator(model MultiModel, pair langs.Pair, cfg generate.Config) (generate.Generator, error)
}

// HeldOutBatchFn supplies a validation batch for the data-actor reward.
type HeldOutBatchFn func(pairKey string, n int) ([]dataset.Example, error)

// BackTranslationTask extends the multilingual task with two auxiliary
// training objectives over monolingual target-language data: on-the-fly
// back-translation and denoising autoencoding. Each objective's weight
// follows its own schedule as optimizer updates advance.
type BackTranslationTask struct {
	*MultilingualTask

	state     *TrainingState
	registry  *generate.Registry
	genConfig generate.Config

	// btRequests holds the reverse-direction generation request for each
	// forward pair key.
	btRequests map[string]generate.Request

	dataOptimizer SteppingOptimizer
	heldOut       HeldOutBatchFn
	ddsBaseline   float64
}

// SetupBackTranslation loads dictionaries from dictDir and returns the
// configured back-translation task.
func SetupBackTranslation(cfg Config, dictDir string) (*BackTranslationTask, error) {
	parent, err := Setup(cfg, dictDir)
	if err != nil {
		return nil, err
	}
	return newBackTranslation(parent)
}

// SetupBackTranslationWithDicts returns the configured back-translation task
// using already-loaded dictionaries.
func SetupBackTranslationWithDicts(cfg Config, dicts map[langs.Lang]*vocab.Dictionary) (*BackTranslationTask, error) {
	parent, err := SetupWithDicts(cfg, dicts)
	if err != nil {
		return nil, err
	}
	return newBackTranslation(parent)
}

func newBackTranslation(parent *MultilingualTask) (*BackTranslationTask, error) {
	state, err := NewTrainingState(parent.cfg)
	if err != nil {
		return nil, err
	}

	genConfig := generate.Config{
		BeamSize: parent.cfg.BTBeamSize,
		MaxLenA:  parent.cfg.BTMaxLenA,
		MaxLenB:  parent.cfg.BTMaxLenB,
	}
	if err := genConfig.Validate(); err != nil {
		return nil, err
	}

	t := &BackTranslationTask{
		MultilingualTask: parent,
		state:            state,
		registry:         generate.NewRegistry(),
		genConfig:        genConfig,
		btRequests:       make(map[string]generate.Request),
	}

	// the model must expose the reverse directions used for generation and
	// the same-language pairs used for denoising
	seen := make(map[string]bool, len(parent.pairs))
	for _, p := range parent.pairs {
		seen[p.Key()] = true
	}
	extend := func(p langs.Pair) {
		if !seen[p.Key()] {
			seen[p.Key()] = true
			t.modelPairs = append(t.modelPairs, p)
		}
	}
	if parent.training && state.OTFBTPossible() {
		for _, p := range parent.pairs {
			extend(p.Reverse())
		}
	}
	if parent.training && state.DenoisingPossible() {
		for _, p := range parent.pairs {
			extend(langs.Pair{Src: p.Tgt, Tgt: p.Tgt})
		}
	}

	return t, nil
}

// State exposes the scheduled loss-mixing weights.
func (t *BackTranslationTask) State() *TrainingState { return t.state }

// Registry exposes the per-direction generator registry.
func (t *BackTranslationTask) Registry() *generate.Registry { return t.registry }

// SetDataOptimizer installs the separate optimizer driving the data-actor
// update when the experimental reward variant is enabled.
func (t *BackTranslationTask) SetDataOptimizer(opt SteppingOptimizer) { t.dataOptimizer = opt }

// SetHeldOutBatches installs the validation-batch source for the data-actor
// reward.
func (t *BackTranslationTask) SetHeldOutBatches(fn HeldOutBatchFn) { t.heldOut = fn }

// UpdateStep refreshes the scheduled weights after numUpdates optimizer
// updates.
func (t *BackTranslationTask) UpdateStep(numUpdates int) { t.state.UpdateStep(numUpdates) }

// BuildModel builds the multi-model through the parent's contract checks and
// then registers one sequence generator per reverse direction needed for
// on-the-fly back-translation.
func (t *BackTranslationTask) BuildModel(builder ModelBuilder, spec ModelSpec, factory GeneratorFactory) (MultiModel, error) {
	model, err := t.MultilingualTask.BuildModel(builder, spec)
	if err != nil {
		return nil, err
	}

	if !t.training || !t.state.OTFBTPossible() {
		return model, nil
	}
	if factory == nil {
		return nil, translate.ConfigErrorf("back-translation is scheduled but no generator factory was provided")
	}

	var reverse []langs.Pair
	for _, pair := range t.pairs {
		rev := pair.Reverse()

		g, err := factory.NewGenerator(model, rev, t.genConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to build generator for %s", rev.Key())
		}
		t.registry.Register(rev, g)
		reverse = append(reverse, rev)

		// generated text is in the forward pair's source language, so the
		// decoder starts from that language's boundary token
		bos, err := t.policy.DecoderToken(pair.Src)
		if err != nil {
			return nil, err
		}
		t.btRequests[pair.Key()] = generate.Request{
			Pair:         rev,
			BOS:          bos,
			Sampling:     t.cfg.Sampling,
			SamplingTopK: t.cfg.SamplingTopK,
		}
	}

	return model, t.registry.ValidateComplete(reverse)
}

// LoadSplit loads the parallel data like the parent and, for the training
// split, adds a back-translation dataset per pair (when scheduled) and a
// denoising dataset per pair (when scheduled). Monolingual data missing for a
// scheduled objective is fatal.
func (t *BackTranslationTask) LoadSplit(split, dataDir string) (dataset.Composite, error) {
	if !t.training || split != TrainSplit {
		return t.MultilingualTask.LoadSplit(split, dataDir)
	}

	combined := make(map[string]dataset.Dataset)

	if t.state.ParallelPossible() {
		loaded, err := t.loadPairDatasets(split, dataDir, t.pairs)
		if err != nil && errors.Cause(err) != translate.ErrDatasetNotFound {
			return nil, err
		}
		for key, ds := range loaded {
			pair := langs.MustParsePair(key)
			tds, err := t.transformPair(ds, pair, split, false)
			if err != nil {
				return nil, err
			}
			combined[key] = tds
		}
	}

	needBT := t.state.OTFBTPossible()
	needDenoising := t.state.DenoisingPossible()
	if needBT || needDenoising {
		monoByLang, err := t.loadMonolingual(split, dataDir)
		if err != nil {
			return nil, err
		}
		for _, pair := range t.pairs {
			mono := monoByLang[pair.Tgt]
			if needBT {
				bt, err := t.newBTDataset(mono, pair, split)
				if err != nil {
					return nil, err
				}
				combined[btKeyPrefix+pair.Key()] = bt
			}
			if needDenoising {
				den, err := t.newDenoisingDataset(mono, pair, split)
				if err != nil {
					return nil, err
				}
				combined[denoisingKeyPrefix+pair.Key()] = den
			}
		}
	}

	if len(combined) == 0 {
		return nil, translate.DatasetNotFoundErrorf("dataset not found: %s (%s)", split, dataDir)
	}

	composite, err := t.compose(combined, split)
	if err != nil {
		return nil, err
	}
	t.splits[split] = composite
	return composite, nil
}

// loadMonolingual loads the target-side monolingual corpus of each pair,
// deduplicated by language. All of them must exist.
func (t *BackTranslationTask) loadMonolingual(split, dataDir string) (map[langs.Lang]dataset.Dataset, error) {
	out := make(map[langs.Lang]dataset.Dataset)
	for _, pair := range t.pairs {
		l := pair.Tgt
		if _, ok := out[l]; ok {
			continue
		}

		path := monoFilePath(dataDir, split, l)
		if !dataset.Exists(path) {
			return nil, translate.DatasetNotFoundErrorf("monolingual dataset not found: %s", path)
		}
		idx, err := dataset.LoadIndexed(path)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to load monolingual corpus for %s", l)
		}
		ds, err := dataset.NewMonolingualDataset(idx, t.dicts[l])
		if err != nil {
			return nil, err
		}
		log.Printf("| mono-%s %s %s %d examples", dataDir, split, l, ds.Len())
		out[l] = ds
	}
	return out, nil
}

// newBTDataset wraps the clean monolingual corpus so each fetch back-translates
// the target sentence through the reverse-direction generator, then applies
// the forward direction's boundary-token transform to the synthetic pair.
func (t *BackTranslationTask) newBTDataset(mono dataset.Dataset, pair langs.Pair, split string) (dataset.Dataset, error) {
	bt, err := dataset.NewBacktranslation(mono, t.backtranslator(pair))
	if err != nil {
		return nil, err
	}
	return t.transformPair(bt, pair, split, false)
}

// backtranslator returns the generation function for the pair: it tags the
// monolingual sentence with the reverse direction's encoder token, resolves
// the generator against the registry at call time, and keeps the best-scoring
// hypothesis.
func (t *BackTranslationTask) backtranslator(pair langs.Pair) dataset.GenerateFn {
	eos := t.dicts[pair.Tgt].Eos()
	return func(mono dataset.Example) ([]int32, error) {
		req, ok := t.btRequests[pair.Key()]
		if !ok {
			return nil, errors.Errorf("no generator prepared for pair %s; was the model built?", pair.Key())
		}

		input := mono
		if t.policy.Encoder != langtok.EncoderTokenNone {
			tok, err := t.policy.EncoderToken(pair.Tgt, pair.Src)
			if err != nil {
				return nil, err
			}
			src := append([]int32(nil), mono.Source...)
			if len(src) > 0 && src[len(src)-1] == eos {
				src[len(src)-1] = tok
			}
			input.Source = src
		}

		hyps, err := t.registry.Generate(context.Background(), req, []dataset.Example{input})
		if err != nil {
			return nil, err
		}
		if len(hyps) == 0 || len(hyps[0]) == 0 {
			return nil, errors.Errorf("generator returned no hypotheses for direction %s", req.Pair.Key())
		}

		best := hyps[0][0]
		for _, h := range hyps[0][1:] {
			if h.Score > best.Score {
				best = h
			}
		}
		return best.Tokens, nil
	}
}

// newDenoisingDataset wraps the clean monolingual corpus with noise injection
// and the same-language boundary-token transform.
func (t *BackTranslationTask) newDenoisingDataset(mono dataset.Dataset, pair langs.Pair, split string) (dataset.Dataset, error) {
	d := t.dicts[pair.Tgt]
	noised, err := dataset.NewNoising(mono, dataset.NoiseConfig{
		MaxShuffleDistance: t.cfg.MaxWordShuffleDistance,
		DropProb:           t.cfg.WordDropoutProb,
		BlankProb:          t.cfg.WordBlankingProb,
		Seed:               t.cfg.Seed,
	}, d.Unk(), d.Eos())
	if err != nil {
		return nil, err
	}
	return t.policy.Transform(noised, langtok.TransformSpec{
		Src:   pair.Tgt,
		Tgt:   pair.Tgt,
		Train: split == TrainSplit,
		Seed:  t.cfg.Seed,
	})
}

// TrainStep runs the supervised pass over every pair, then the
// back-translation pass, then the denoising pass, each weighted by its
// current lambda. Objectives whose weight is zero are skipped entirely.
func (t *BackTranslationTask) TrainStep(ctx context.Context, batch dataset.Batch, model MultiModel, criterion Criterion, optimizer Optimizer, ignoreGrad bool) (StepResult, error) {
	res := StepResult{Logs: make(map[string]LogOutput)}

	lambdaParallel := t.state.LambdaParallel()
	lambdaBT := t.state.LambdaOTFBT()
	if t.cfg.ForceUnitWeights {
		lambdaParallel, lambdaBT = 1.0, 1.0
	}
	lambdaDenoising := t.state.LambdaDenoising()

	if lambdaParallel > 0 {
		for _, pair := range t.pairs {
			if err := t.forwardBackward(ctx, &res, batch, pair.Key(), pair.Key(), model, criterion, optimizer, lambdaParallel, ignoreGrad); err != nil {
				return StepResult{}, err
			}
		}
	}

	if lambdaBT > 0 || (t.cfg.BTDDS && t.state.OTFBTPossible()) {
		for _, pair := range t.pairs {
			key := btKeyPrefix + pair.Key()
			if t.cfg.BTDDS {
				if err := t.ddsUpdate(ctx, batch, pair, model, criterion, optimizer); err != nil {
					return StepResult{}, err
				}
			}
			if lambdaBT > 0 {
				if err := t.forwardBackward(ctx, &res, batch, key, pair.Key(), model, criterion, optimizer, lambdaBT, ignoreGrad); err != nil {
					return StepResult{}, err
				}
			}
		}
	}

	if lambdaDenoising > 0 {
		for _, pair := range t.pairs {
			key := denoisingKeyPrefix + pair.Key()
			modelKey := langs.Pair{Src: pair.Tgt, Tgt: pair.Tgt}.Key()
			if err := t.forwardBackward(ctx, &res, batch, key, modelKey, model, criterion, optimizer, lambdaDenoising, ignoreGrad); err != nil {
				return StepResult{}, err
			}
		}
	}

	return res, nil
}

// ddsUpdate runs the data-actor reward step for one pair's back-translation
// batch: measure per-example losses, nudge the parameters along the gradient
// of a held-out batch, measure again, and drive the data optimizer with the
// improvement-weighted loss. The parameter perturbation is always rolled
// back, even on failure.
func (t *BackTranslationTask) ddsUpdate(ctx context.Context, batch dataset.Batch, pair langs.Pair, model MultiModel, criterion Criterion, optimizer Optimizer) (err error) {
	examples := batch.Pair(btKeyPrefix + pair.Key())
	if len(examples) == 0 {
		return nil
	}
	if t.dataOptimizer == nil || t.heldOut == nil {
		return translate.ConfigErrorf("bt-dds requires a data optimizer and a held-out batch source")
	}
	ddsOpt, ok := optimizer.(DDSOptimizer)
	if !ok {
		return translate.ConfigErrorf("bt-dds requires an optimizer supporting parameter snapshots")
	}
	sub, ok := model.Model(pair.Key())
	if !ok {
		return translate.ArchitectureErrorf("no sub-model for pair %s", pair.Key())
	}

	snapshot := ddsOpt.CloneParams()
	defer func() {
		if rerr := ddsOpt.RestoreParams(snapshot); rerr != nil {
			err = errors.Combine(err, rerr)
		}
	}()

	base, err := criterion.Loss(ctx, sub, examples, nil)
	if err != nil {
		return errors.Wrapf(err, "dds base loss failed for %s", pair.Key())
	}
	if len(base.PerExampleNLL) != len(examples) {
		return errors.Errorf("criterion returned %d per-example losses for %d examples", len(base.PerExampleNLL), len(examples))
	}

	held, err := t.heldOut(pair.Key(), t.cfg.HeldOutBatchSize)
	if err != nil {
		return errors.Wrapf(err, "unable to fetch held-out batch for %s", pair.Key())
	}
	heldLoss, err := criterion.Loss(ctx, sub, held, nil)
	if err != nil {
		return errors.Wrapf(err, "dds held-out loss failed for %s", pair.Key())
	}

	ddsOpt.ZeroGrad()
	if err := ddsOpt.Backward(heldLoss.Loss); err != nil {
		return err
	}
	if err := ddsOpt.StepAlongGrad(ddsEta); err != nil {
		return err
	}

	perturbed, err := criterion.Loss(ctx, sub, examples, nil)
	if err != nil {
		return errors.Wrapf(err, "dds perturbed loss failed for %s", pair.Key())
	}
	if len(perturbed.PerExampleNLL) != len(examples) {
		return errors.Errorf("criterion returned %d per-example losses for %d examples", len(perturbed.PerExampleNLL), len(examples))
	}

	rewards := make([]float64, len(examples))
	var mean float64
	for i := range rewards {
		rewards[i] = (base.PerExampleNLL[i] - perturbed.PerExampleNLL[i]) / ddsEta
		mean += rewards[i]
	}
	mean /= float64(len(rewards))
	t.ddsBaseline -= ddsBaselineRate * (t.ddsBaseline - mean)

	weights := make([]float64, len(rewards))
	for i, r := range rewards {
		weights[i] = ddsRewardScale * (r - t.ddsBaseline)
	}

	t.dataOptimizer.ZeroGrad()
	weighted, err := criterion.Loss(ctx, sub, examples, weights)
	if err != nil {
		return errors.Wrapf(err, "dds weighted loss failed for %s", pair.Key())
	}
	if err := t.dataOptimizer.Backward(weighted.Loss); err != nil {
		return err
	}
	return t.dataOptimizer.Step()
}

// AggregateLogs sums the per-step logging records across the supervised,
// back-translation and denoising keys.
func (t *BackTranslationTask) AggregateLogs(criterion Criterion, steps []map[string]LogOutput) LogOutput {
	keys := langs.Keys(t.pairs)
	if t.training && t.state.OTFBTPossible() {
		for _, p := range t.pairs {
			keys = append(keys, btKeyPrefix+p.Key())
		}
	}
	if t.training && t.state.DenoisingPossible() {
		for _, p := range t.pairs {
			keys = append(keys, denoisingKeyPrefix+p.Key())
		}
	}
	return aggregateLogs(criterion, steps, keys)
}
