package task

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate"
	"github.com/polyglot-mt/polyglot/translate/dataset"
	"github.com/polyglot-mt/polyglot/translate/generate"
	"github.com/polyglot-mt/polyglot/translate/langtok"
	"github.com/polyglot-mt/polyglot/translate/vocab"
	"github.com/polyglot-mt/polyglot/workerpool"
)

// TrainSplit is the split name that enables training-only dataset features
// (soft tagging, back-translation, denoising).
const TrainSplit = "train"

// MultilingualTask trains one translation direction per configured language
// pair, iterating round-robin over per-pair batches. It owns the
// dictionaries, the language-pair registry and the per-step drive loop; loss
// computation and parameter updates are external.
type MultilingualTask struct {
	cfg      Config
	training bool

	pairs     []langs.Pair
	evalPairs []langs.Pair
	// modelPairs is the set of pairs that must have sub-models; subclasses
	// may extend it beyond pairs.
	modelPairs []langs.Pair
	inferPair  langs.Pair

	dicts  map[langs.Lang]*vocab.Dictionary
	policy langtok.Policy

	splits map[string]dataset.Composite
}

// Setup loads dictionaries from dictDir (dict.{lang}.txt per language) and
// returns the configured task.
func Setup(cfg Config, dictDir string) (*MultilingualTask, error) {
	pairs, _, err := resolvePairs(cfg)
	if err != nil {
		return nil, err
	}

	dicts := make(map[langs.Lang]*vocab.Dictionary)
	for _, l := range langs.Languages(pairs) {
		d, err := vocab.Load(filepath.Join(dictDir, fmt.Sprintf("dict.%s.txt", l)))
		if err != nil {
			return nil, errors.Wrapf(err, "unable to load dictionary for %s", l)
		}
		dicts[l] = d
		log.Printf("| [%s] dictionary: %d types", l, d.Len())
	}

	return SetupWithDicts(cfg, dicts)
}

// SetupWithDicts returns the configured task using already-loaded
// dictionaries, verifying the shared special-token invariant and registering
// boundary-token symbols when a token policy is active.
func SetupWithDicts(cfg Config, dicts map[langs.Lang]*vocab.Dictionary) (*MultilingualTask, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pairs, training, err := resolvePairs(cfg)
	if err != nil {
		return nil, err
	}

	all := langs.Languages(pairs)
	for _, l := range all {
		if _, ok := dicts[l]; !ok {
			return nil, translate.ConfigErrorf("no dictionary provided for language %s", l)
		}
	}

	first := dicts[all[0]]
	for _, l := range all[1:] {
		d := dicts[l]
		if d.Pad() != first.Pad() || d.Eos() != first.Eos() || d.Unk() != first.Unk() {
			return nil, translate.ConfigErrorf(
				"dictionaries for %s and %s disagree on special token indices (pad %d/%d eos %d/%d unk %d/%d)",
				all[0], l, first.Pad(), d.Pad(), first.Eos(), d.Eos(), first.Unk(), d.Unk())
		}
	}

	encMode, err := langtok.ParseEncoderTokenMode(cfg.EncoderLangTok)
	if err != nil {
		return nil, err
	}
	policy := langtok.Policy{Encoder: encMode, Decoder: cfg.DecoderLangTok, Dicts: dicts}

	if policy.Active() {
		for _, d := range dicts {
			for _, l := range all {
				d.AddSymbol(vocab.LangToken(l))
			}
		}
	}

	evalPairs := pairs
	if strings.TrimSpace(cfg.EvalLangPairs) != "" {
		evalPairs, err = langs.ParsePairs(cfg.EvalLangPairs)
		if err != nil {
			return nil, translate.ConfigErrorf("invalid eval-lang-pairs: %v", err)
		}
	}

	inferPair := pairs[0]
	if !training {
		inferPair = langs.Pair{Src: langs.Lang(cfg.SourceLang), Tgt: langs.Lang(cfg.TargetLang)}
	}

	return &MultilingualTask{
		cfg:        cfg,
		training:   training,
		pairs:      pairs,
		evalPairs:  evalPairs,
		modelPairs: pairs,
		inferPair:  inferPair,
		dicts:      dicts,
		policy:     policy,
		splits:     make(map[string]dataset.Composite),
	}, nil
}

func resolvePairs(cfg Config) ([]langs.Pair, bool, error) {
	hasSrc, hasTgt := cfg.SourceLang != "", cfg.TargetLang != ""
	if hasSrc != hasTgt {
		return nil, false, translate.ConfigErrorf("source-lang and target-lang must be set together")
	}
	if hasSrc {
		// inference: the single evaluation pair
		return []langs.Pair{{Src: langs.Lang(cfg.SourceLang), Tgt: langs.Lang(cfg.TargetLang)}}, false, nil
	}
	if strings.TrimSpace(cfg.LangPairs) == "" {
		return nil, false, translate.ConfigErrorf("lang-pairs is required: list all the language pairs in the training objective")
	}
	pairs, err := langs.ParsePairs(cfg.LangPairs)
	if err != nil {
		return nil, false, translate.ConfigErrorf("invalid lang-pairs: %v", err)
	}
	return pairs, true, nil
}

// Training reports whether the task was configured for training rather than
// inference.
func (t *MultilingualTask) Training() bool { return t.training }

// Pairs returns the configured language pairs in training order.
func (t *MultilingualTask) Pairs() []langs.Pair {
	return append([]langs.Pair(nil), t.pairs...)
}

// EvalPairs ...
func (t *MultilingualTask) EvalPairs() []langs.Pair {
	return append([]langs.Pair(nil), t.evalPairs...)
}

// Dict returns the dictionary for a language.
func (t *MultilingualTask) Dict(l langs.Lang) (*vocab.Dictionary, bool) {
	d, ok := t.dicts[l]
	return d, ok
}

// SourceDict returns the inference source language's dictionary.
func (t *MultilingualTask) SourceDict() *vocab.Dictionary { return t.dicts[t.inferPair.Src] }

// TargetDict returns the inference target language's dictionary.
func (t *MultilingualTask) TargetDict() *vocab.Dictionary { return t.dicts[t.inferPair.Tgt] }

// Policy ...
func (t *MultilingualTask) Policy() langtok.Policy { return t.policy }

// Split returns the composite dataset loaded for a split.
func (t *MultilingualTask) Split(name string) (dataset.Composite, bool) {
	c, ok := t.splits[name]
	return c, ok
}

// LoadSplit locates and loads the parallel data for every configured pair
// under dataDir, applies the boundary-token transform, and composes the
// per-pair datasets per the configured dataset type. Pairs with no data are
// skipped; a split with no data at all is fatal.
func (t *MultilingualTask) LoadSplit(split, dataDir string) (dataset.Composite, error) {
	pairs := t.pairs
	if split == "valid" {
		pairs = t.evalPairs
	}

	loaded, err := t.loadPairDatasets(split, dataDir, pairs)
	if err != nil {
		return nil, err
	}

	transformed := make(map[string]dataset.Dataset, len(loaded))
	for key, ds := range loaded {
		pair := langs.MustParsePair(key)
		tds, err := t.transformPair(ds, pair, split, false)
		if err != nil {
			return nil, err
		}
		transformed[key] = tds
	}

	composite, err := t.compose(transformed, split)
	if err != nil {
		return nil, err
	}
	t.splits[split] = composite
	return composite, nil
}

// loadPairDatasets discovers and loads the parallel corpus of each pair,
// trying the (src,tgt) file ordering then (tgt,src). Missing pairs are
// skipped; an empty result is fatal for the split.
func (t *MultilingualTask) loadPairDatasets(split, dataDir string, pairs []langs.Pair) (map[string]dataset.Dataset, error) {
	var m sync.Mutex
	loaded := make(map[string]dataset.Dataset)

	var jobs []workerpool.Job
	for _, pair := range pairs {
		pair := pair
		jobs = append(jobs, workerpool.Job(func() error {
			src, tgt := pair.Src, pair.Tgt

			var prefix string
			if dataset.Exists(pairFilePrefix(dataDir, split, src, tgt) + string(src)) {
				prefix = pairFilePrefix(dataDir, split, src, tgt)
			} else if dataset.Exists(pairFilePrefix(dataDir, split, tgt, src) + string(src)) {
				prefix = pairFilePrefix(dataDir, split, tgt, src)
			} else {
				return nil
			}

			srcIdx, err := dataset.LoadIndexed(prefix + string(src))
			if err != nil {
				return errors.Wrapf(err, "unable to load %s side of %s", src, pair.Key())
			}
			tgtIdx, err := dataset.LoadIndexed(prefix + string(tgt))
			if err != nil {
				return errors.Wrapf(err, "unable to load %s side of %s", tgt, pair.Key())
			}

			ds, err := dataset.NewPairDataset(srcIdx, t.dicts[src], tgtIdx, t.dicts[tgt])
			if err != nil {
				return errors.Wrapf(err, "unable to build pair dataset for %s", pair.Key())
			}

			log.Printf("| parallel-%s %s %s %d examples", dataDir, split, pair.Key(), ds.Len())

			m.Lock()
			defer m.Unlock()
			loaded[pair.Key()] = ds
			return nil
		}))
	}

	pool := workerpool.New(4)
	defer pool.Stop()
	pool.AddBlocking(jobs)
	if err := pool.Wait(); err != nil {
		return nil, errors.Wrapf(err, "error loading split %s", split)
	}

	if len(loaded) == 0 {
		return nil, translate.DatasetNotFoundErrorf("dataset not found: %s (%s)", split, dataDir)
	}
	return loaded, nil
}

func pairFilePrefix(dataDir, split string, a, b langs.Lang) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s.%s-%s.", split, a, b))
}

func monoFilePath(dataDir, split string, l langs.Lang) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s.%s-None.%s", split, l, l))
}

// transformPair applies the boundary-token transform for the pair's
// direction; reverse selects the opposite direction (used for the
// monolingual side of back-translation).
func (t *MultilingualTask) transformPair(ds dataset.Dataset, pair langs.Pair, split string, reverse bool) (dataset.Dataset, error) {
	spec := langtok.TransformSpec{
		Src:   pair.Src,
		Tgt:   pair.Tgt,
		Train: split == TrainSplit,
		Seed:  t.cfg.Seed,
	}
	if reverse {
		spec.Src, spec.Tgt = pair.Tgt, pair.Src
	}
	if t.cfg.SampleTagProb > 0 {
		spec.EligibleTargets = langs.Targets(t.pairs)
		spec.SampleTagProb = t.cfg.SampleTagProb
	}
	return t.policy.Transform(ds, spec)
}

func (t *MultilingualTask) compose(datasets map[string]dataset.Dataset, split string) (dataset.Composite, error) {
	if t.cfg.DatasetType == DatasetRoundRobin || split != TrainSplit {
		var evalKey string
		if !t.training {
			evalKey = t.inferPair.Key()
		}
		return dataset.NewRoundRobinZip(datasets, evalKey)
	}

	switch t.cfg.DatasetType {
	case DatasetMulti:
		return dataset.NewSampled(datasets, dataset.SampledOptions{
			DatasizeT: t.cfg.DatasizeT,
			AlphaP:    t.cfg.AlphaP,
			Seed:      t.cfg.Seed,
		})
	case DatasetTCS:
		dists, err := t.conditioningDistances(datasets)
		if err != nil {
			return nil, err
		}
		return dataset.NewDistanceSampled(datasets, dataset.DistanceWeights(dists), t.cfg.Seed)
	default:
		return nil, translate.ConfigErrorf("unknown dataset-type %s", t.cfg.DatasetType)
	}
}

// conditioningDistances resolves the configured per-pair language distances
// into one distance per constituent dataset, keyed by the conditioning
// language (source or target side per data-condition), aligned with the
// sorted key order NewDistanceSampled expects.
func (t *MultilingualTask) conditioningDistances(datasets map[string]dataset.Dataset) ([]float64, error) {
	dists, err := t.cfg.ParseLanDists()
	if err != nil {
		return nil, err
	}
	if len(dists) != len(t.pairs) {
		return nil, translate.ConfigErrorf("got %d lan-dists for %d lang-pairs", len(dists), len(t.pairs))
	}

	condition := func(p langs.Pair) langs.Lang {
		if t.cfg.DataCondition == "source" {
			return p.Src
		}
		return p.Tgt
	}

	byLang := make(map[langs.Lang]float64, len(t.pairs))
	for i, p := range t.pairs {
		l := condition(p)
		if d, ok := byLang[l]; ok && d != dists[i] {
			return nil, translate.ConfigErrorf("conflicting lan-dists for conditioning language %s: %f vs %f", l, d, dists[i])
		}
		byLang[l] = dists[i]
	}

	keys := make([]string, 0, len(datasets))
	for key := range datasets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]float64, len(keys))
	for i, key := range keys {
		pairKey := strings.TrimPrefix(strings.TrimPrefix(key, btKeyPrefix), denoisingKeyPrefix)
		pair, err := langs.ParsePair(pairKey)
		if err != nil {
			return nil, err
		}
		d, ok := byLang[condition(pair)]
		if !ok {
			return nil, translate.ConfigErrorf("no lan-dist configured for conditioning language %s", condition(pair))
		}
		out[i] = d
	}
	return out, nil
}

// InferenceDataset builds a single-pair composite directly from raw source
// token sequences, with no file I/O.
func (t *MultilingualTask) InferenceDataset(srcTokens [][]int32) (dataset.Composite, error) {
	raw := dataset.NewRawPairDataset(srcTokens, t.SourceDict())
	ds, err := t.transformPair(raw, t.inferPair, "inference", false)
	if err != nil {
		return nil, err
	}
	return dataset.NewRoundRobinZip(map[string]dataset.Dataset{t.inferPair.Key(): ds}, t.inferPair.Key())
}

// BuildModel cross-checks the model spec against the task configuration,
// delegates construction, and verifies the sub-model-per-pair contract.
func (t *MultilingualTask) BuildModel(builder ModelBuilder, spec ModelSpec) (MultiModel, error) {
	if err := t.checkModelSpec(spec); err != nil {
		return nil, err
	}

	model, err := builder.Build(ModelSpec{
		LangPairs:      t.modelPairs,
		EncoderLangTok: t.policy.Encoder,
		DecoderLangTok: t.policy.Decoder,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to build model")
	}

	return model, t.checkModelComplete(model)
}

func (t *MultilingualTask) checkModelSpec(spec ModelSpec) error {
	var messages []string

	want := make(map[string]bool, len(t.pairs))
	for _, p := range t.pairs {
		want[p.Key()] = true
	}
	got := make(map[string]bool, len(spec.LangPairs))
	for _, p := range spec.LangPairs {
		got[p.Key()] = true
	}
	symmetric := false
	for k := range want {
		if !got[k] {
			symmetric = true
		}
	}
	for k := range got {
		if !want[k] {
			symmetric = true
		}
	}
	if symmetric {
		messages = append(messages, fmt.Sprintf("lang-pairs should include all the language pairs %v.", langs.Keys(t.pairs)))
	}
	if spec.EncoderLangTok != t.policy.Encoder {
		messages = append(messages, fmt.Sprintf("encoder-langtok should be %s.", t.policy.Encoder))
	}
	if spec.DecoderLangTok != t.policy.Decoder {
		not := ""
		if !t.policy.Decoder {
			not = "not "
		}
		messages = append(messages, fmt.Sprintf("decoder-langtok should %sbe set.", not))
	}

	if len(messages) > 0 {
		return translate.ConfigMismatchErrorf("%s", strings.Join(messages, " "))
	}
	return nil
}

func (t *MultilingualTask) checkModelComplete(model MultiModel) error {
	var missing []string
	for _, p := range t.modelPairs {
		if _, ok := model.Model(p.Key()); !ok {
			missing = append(missing, p.Key())
		}
	}
	if len(missing) > 0 {
		return translate.ArchitectureErrorf("model does not expose sub-models for pairs %v", missing)
	}
	return nil
}

// TrainStep runs one forward/backward pass per configured language pair
// present in the batch. Absent or empty pairs are skipped. When ignoreGrad is
// set the forward pass still executes (for logging consistency) but the loss
// is zeroed before backward. A criterion failure is fatal for the step.
func (t *MultilingualTask) TrainStep(ctx context.Context, batch dataset.Batch, model MultiModel, criterion Criterion, optimizer Optimizer, ignoreGrad bool) (StepResult, error) {
	res := StepResult{Logs: make(map[string]LogOutput)}
	for _, pair := range t.pairs {
		if err := t.forwardBackward(ctx, &res, batch, pair.Key(), pair.Key(), model, criterion, optimizer, 1.0, ignoreGrad); err != nil {
			return StepResult{}, err
		}
	}
	return res, nil
}

// forwardBackward scores batch's examples under batchKey against the
// sub-model for modelKey, scales by weight, and accumulates into res.
func (t *MultilingualTask) forwardBackward(ctx context.Context, res *StepResult, batch dataset.Batch, batchKey, modelKey string, model MultiModel, criterion Criterion, optimizer Optimizer, weight float64, ignoreGrad bool) error {
	examples := batch.Pair(batchKey)
	if len(examples) == 0 {
		return nil
	}

	sub, ok := model.Model(modelKey)
	if !ok {
		return translate.ArchitectureErrorf("no sub-model for pair %s", modelKey)
	}

	lr, err := criterion.Loss(ctx, sub, examples, nil)
	if err != nil {
		return errors.Wrapf(err, "criterion failed for %s", batchKey)
	}

	loss := lr.Loss
	if ignoreGrad {
		loss = 0
	} else {
		loss *= weight
	}
	if err := optimizer.Backward(loss); err != nil {
		return errors.Wrapf(err, "backward failed for %s", batchKey)
	}

	res.Loss += loss
	res.SampleSize += lr.SampleSize
	res.Logs[batchKey] = lr.Log
	return nil
}

// ValidStep accumulates losses over the evaluation language pairs without
// gradient propagation.
func (t *MultilingualTask) ValidStep(ctx context.Context, batch dataset.Batch, model MultiModel, criterion Criterion) (StepResult, error) {
	res := StepResult{Logs: make(map[string]LogOutput)}
	for _, pair := range t.evalPairs {
		examples := batch.Pair(pair.Key())
		if len(examples) == 0 {
			continue
		}
		sub, ok := model.Model(pair.Key())
		if !ok {
			return StepResult{}, translate.ArchitectureErrorf("no sub-model for pair %s", pair.Key())
		}
		lr, err := criterion.Loss(ctx, sub, examples, nil)
		if err != nil {
			return StepResult{}, errors.Wrapf(err, "criterion failed for %s", pair.Key())
		}
		res.Loss += lr.Loss
		res.SampleSize += lr.SampleSize
		res.Logs[pair.Key()] = lr.Log
	}
	return res, nil
}

// InferenceStep delegates to the external generator, supplying the configured
// decoder boundary token for the inference target language.
func (t *MultilingualTask) InferenceStep(ctx context.Context, g generate.Generator, examples []dataset.Example, prefix []int32) ([][]generate.Hypothesis, error) {
	bos, err := t.policy.DecoderToken(t.inferPair.Tgt)
	if err != nil {
		return nil, err
	}
	return g.Generate(ctx, generate.Request{
		Pair:   t.inferPair,
		BOS:    bos,
		Prefix: prefix,
	}, examples)
}

// AggregateLogs sums the per-step logging records across the tracked
// language-pair keys and flattens them into "pair:metric" entries plus global
// totals.
func (t *MultilingualTask) AggregateLogs(criterion Criterion, steps []map[string]LogOutput) LogOutput {
	return aggregateLogs(criterion, steps, langs.Keys(t.pairs))
}

func aggregateLogs(criterion Criterion, steps []map[string]LogOutput, keys []string) LogOutput {
	perKey := make(map[string]LogOutput, len(keys))
	for _, key := range keys {
		logs := make([]LogOutput, 0, len(steps))
		for _, step := range steps {
			if l, ok := step[key]; ok {
				logs = append(logs, l)
			} else {
				logs = append(logs, LogOutput{})
			}
		}
		perKey[key] = criterion.Aggregate(logs)
	}

	sumOver := func(metric string) float64 {
		var sum float64
		for _, agg := range perKey {
			sum += agg[metric]
		}
		return sum
	}

	flat := make(LogOutput)
	for key, agg := range perKey {
		for metric, v := range agg {
			flat[key+":"+metric] = v
		}
	}
	flat["loss"] = sumOver("loss")
	for _, agg := range perKey {
		if _, ok := agg["nll_loss"]; ok {
			flat["nll_loss"] = sumOver("nll_loss")
			break
		}
	}
	flat["sample_size"] = sumOver("sample_size")
	flat["nsentences"] = sumOver("nsentences")
	flat["ntokens"] = sumOver("ntokens")
	return flat
}
