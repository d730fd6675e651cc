package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate/dataset"
	"github.com/polyglot-mt/polyglot/translate/generate"
	"github.com/polyglot-mt/polyglot/translate/task"
	"github.com/polyglot-mt/polyglot/translate/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDicts(t *testing.T, languages ...langs.Lang) map[langs.Lang]*vocab.Dictionary {
	t.Helper()
	dicts := make(map[langs.Lang]*vocab.Dictionary)
	for _, l := range languages {
		d := vocab.New()
		for _, s := range []string{"aa", "bb", "cc", "dd"} {
			d.AddSymbol(s)
		}
		dicts[l] = d
	}
	return dicts
}

func writeCorpus(t *testing.T, path string, rows ...[]int32) {
	t.Helper()
	w := dataset.NewWriter(path)
	for _, r := range rows {
		w.Write(r)
	}
	require.NoError(t, w.Flush())
}

func TestSGD(t *testing.T) {
	model, err := Builder{InitWeight: 1}.Build(task.ModelSpec{
		LangPairs: []langs.Pair{{Src: "en", Tgt: "de"}},
	})
	require.NoError(t, err)

	opt, err := NewSGD(model, 0.1)
	require.NoError(t, err)

	require.NoError(t, opt.Backward(2))
	require.NoError(t, opt.Step())

	p, ok := model.(*Model).Param("en-de")
	require.True(t, ok)
	assert.InDelta(t, 0.8, p.W, 1e-9)

	opt.ZeroGrad()
	snap := opt.CloneParams()
	require.NoError(t, opt.Backward(1))
	require.NoError(t, opt.StepAlongGrad(0.5))
	assert.InDelta(t, 0.3, p.W, 1e-9)

	require.NoError(t, opt.RestoreParams(snap))
	assert.InDelta(t, 0.8, p.W, 1e-9)
	assert.Equal(t, 0.0, p.Grad)
}

func TestTokenNLL(t *testing.T) {
	model, err := Builder{InitWeight: 0.5}.Build(task.ModelSpec{
		LangPairs: []langs.Pair{{Src: "en", Tgt: "de"}},
	})
	require.NoError(t, err)
	sub, ok := model.Model("en-de")
	require.True(t, ok)

	examples := []dataset.Example{
		{Source: []int32{3, 1}, Target: []int32{4, 5, 1}},
		{Source: []int32{3, 1}, Target: []int32{4, 1}},
	}

	res, err := TokenNLL{}.Loss(context.Background(), sub, examples, nil)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, res.Loss, 1e-9)
	assert.Equal(t, []float64{1.5, 1.0}, res.PerExampleNLL)
	assert.Equal(t, 5.0, res.SampleSize)
	assert.Equal(t, 2.0, res.Log["nsentences"])

	weighted, err := TokenNLL{}.Loss(context.Background(), sub, examples, []float64{2, 0})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, weighted.Loss, 1e-9)

	_, err = TokenNLL{}.Loss(context.Background(), sub, examples, []float64{1})
	assert.Error(t, err)
}

func TestGenerator_CapsLength(t *testing.T) {
	g := Generator{eos: 1, cfg: generate.Config{BeamSize: 1, MaxLenA: 0, MaxLenB: 3}}

	hyps, err := g.Generate(context.Background(), generate.Request{}, []dataset.Example{
		{Source: []int32{5, 6, 7, 8, 1}},
	})
	require.NoError(t, err)
	require.Len(t, hyps, 1)
	tokens := hyps[0][0].Tokens
	assert.Equal(t, 3, len(tokens))
	assert.Equal(t, int32(1), tokens[len(tokens)-1])
}

// end-to-end: supervised + scheduled back-translation through the full task
// stack, with this engine standing in for the tensor runtime.
func TestBackTranslationTraining(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, filepath.Join(dir, "train.en-de.en"), []int32{3, 4}, []int32{5})
	writeCorpus(t, filepath.Join(dir, "train.en-de.de"), []int32{6, 7}, []int32{8})
	writeCorpus(t, filepath.Join(dir, "train.de-None.de"), []int32{6}, []int32{7, 8})

	dicts := newDicts(t, "en", "de")

	cfg := task.DefaultConfig()
	cfg.LangPairs = "en-de"
	cfg.EncoderLangTok = "tgt"
	cfg.DecoderLangTok = true
	cfg.LambdaOTFBTConfig = "0:0,100:1"
	tk, err := task.SetupBackTranslationWithDicts(cfg, dicts)
	require.NoError(t, err)

	builder := Builder{InitWeight: 1}
	model, err := tk.BuildModel(builder, task.ModelSpec{
		LangPairs:      []langs.Pair{{Src: "en", Tgt: "de"}},
		EncoderLangTok: tk.Policy().Encoder,
		DecoderLangTok: true,
	}, Factory{Dicts: dicts})
	require.NoError(t, err)

	// the reverse direction must have been provisioned for generation
	_, ok := model.Model("de-en")
	assert.True(t, ok)
	assert.Equal(t, []string{"de-en"}, tk.Registry().Keys())

	c, err := tk.LoadSplit("train", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"bt:en-de", "en-de"}, c.Keys())

	opt, err := NewSGD(model, 0.01)
	require.NoError(t, err)
	criterion := TokenNLL{}

	batch, err := dataset.FetchBatch(c, 0, 2)
	require.NoError(t, err)

	// synthetic sources carry the forward direction's boundary token
	btExamples := batch.Pair("bt:en-de")
	require.Len(t, btExamples, 2)
	deTok, err := vocab.LangTokenIndex(dicts["en"], "de")
	require.NoError(t, err)
	for _, ex := range btExamples {
		assert.Equal(t, deTok, ex.Source[len(ex.Source)-1])
		wantBOS, err := vocab.LangTokenIndex(dicts["de"], "de")
		require.NoError(t, err)
		assert.Equal(t, wantBOS, ex.TargetBOS)
	}

	// step 0: back-translation weight is zero, only the supervised loss flows
	res, err := tk.TrainStep(context.Background(), batch, model, criterion, opt, false)
	require.NoError(t, err)
	assert.Contains(t, res.Logs, "en-de")
	assert.NotContains(t, res.Logs, "bt:en-de")

	// step 100: the schedule has ramped the weight to 1
	tk.UpdateStep(100)
	assert.Equal(t, 1.0, tk.State().LambdaOTFBT())

	res, err = tk.TrainStep(context.Background(), batch, model, criterion, opt, false)
	require.NoError(t, err)
	assert.Contains(t, res.Logs, "en-de")
	assert.Contains(t, res.Logs, "bt:en-de")
	assert.True(t, res.Loss > 0)

	agg := tk.AggregateLogs(criterion, []map[string]task.LogOutput{res.Logs})
	assert.Contains(t, agg, "en-de:loss")
	assert.Contains(t, agg, "bt:en-de:loss")
	assert.Equal(t, agg["en-de:loss"]+agg["bt:en-de:loss"], agg["loss"])
}

func TestBackTranslation_MonoMissing(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, filepath.Join(dir, "train.en-de.en"), []int32{3})
	writeCorpus(t, filepath.Join(dir, "train.en-de.de"), []int32{6})

	cfg := task.DefaultConfig()
	cfg.LangPairs = "en-de"
	cfg.LambdaOTFBTConfig = "0:0,100:1"
	tk, err := task.SetupBackTranslationWithDicts(cfg, newDicts(t, "en", "de"))
	require.NoError(t, err)

	_, err = tk.LoadSplit("train", dir)
	assert.Error(t, err)
}

func TestDenoisingTraining(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, filepath.Join(dir, "train.en-de.en"), []int32{3, 4})
	writeCorpus(t, filepath.Join(dir, "train.en-de.de"), []int32{6, 7})
	writeCorpus(t, filepath.Join(dir, "train.de-None.de"), []int32{6, 7, 8})

	dicts := newDicts(t, "en", "de")

	cfg := task.DefaultConfig()
	cfg.LangPairs = "en-de"
	cfg.LambdaDenoisingConfig = "0.5"
	tk, err := task.SetupBackTranslationWithDicts(cfg, dicts)
	require.NoError(t, err)

	model, err := tk.BuildModel(Builder{InitWeight: 1}, task.ModelSpec{
		LangPairs: []langs.Pair{{Src: "en", Tgt: "de"}},
	}, Factory{Dicts: dicts})
	require.NoError(t, err)

	// the same-language sub-model backs the denoising objective
	_, ok := model.Model("de-de")
	assert.True(t, ok)

	c, err := tk.LoadSplit("train", dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"denoising:en-de", "en-de"}, c.Keys())

	opt, err := NewSGD(model, 0.01)
	require.NoError(t, err)

	batch, err := dataset.FetchBatch(c, 0, 2)
	require.NoError(t, err)
	res, err := tk.TrainStep(context.Background(), batch, model, TokenNLL{}, opt, false)
	require.NoError(t, err)
	assert.Contains(t, res.Logs, "denoising:en-de")
}

func TestBTDDS_RequiresCollaborators(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, filepath.Join(dir, "train.en-de.en"), []int32{3, 4})
	writeCorpus(t, filepath.Join(dir, "train.en-de.de"), []int32{6, 7})
	writeCorpus(t, filepath.Join(dir, "train.de-None.de"), []int32{6, 7})

	dicts := newDicts(t, "en", "de")

	cfg := task.DefaultConfig()
	cfg.LangPairs = "en-de"
	cfg.LambdaOTFBTConfig = "1.0"
	cfg.BTDDS = true
	tk, err := task.SetupBackTranslationWithDicts(cfg, dicts)
	require.NoError(t, err)

	model, err := tk.BuildModel(Builder{InitWeight: 1}, task.ModelSpec{
		LangPairs: []langs.Pair{{Src: "en", Tgt: "de"}},
	}, Factory{Dicts: dicts})
	require.NoError(t, err)

	c, err := tk.LoadSplit("train", dir)
	require.NoError(t, err)
	batch, err := dataset.FetchBatch(c, 0, 1)
	require.NoError(t, err)

	opt, err := NewSGD(model, 0.01)
	require.NoError(t, err)

	// without a data optimizer and held-out source the step must fail
	_, err = tk.TrainStep(context.Background(), batch, model, TokenNLL{}, opt, false)
	assert.Error(t, err)
}

func TestBTDDS_RestoresParameters(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, filepath.Join(dir, "train.en-de.en"), []int32{3, 4})
	writeCorpus(t, filepath.Join(dir, "train.en-de.de"), []int32{6, 7})
	writeCorpus(t, filepath.Join(dir, "train.de-None.de"), []int32{6, 7})

	dicts := newDicts(t, "en", "de")

	cfg := task.DefaultConfig()
	cfg.LangPairs = "en-de"
	cfg.LambdaOTFBTConfig = "0:0,100:1"
	cfg.BTDDS = true
	tk, err := task.SetupBackTranslationWithDicts(cfg, dicts)
	require.NoError(t, err)

	model, err := tk.BuildModel(Builder{InitWeight: 1}, task.ModelSpec{
		LangPairs: []langs.Pair{{Src: "en", Tgt: "de"}},
	}, Factory{Dicts: dicts})
	require.NoError(t, err)

	c, err := tk.LoadSplit("train", dir)
	require.NoError(t, err)
	batch, err := dataset.FetchBatch(c, 0, 1)
	require.NoError(t, err)

	opt, err := NewSGD(model, 0.01)
	require.NoError(t, err)

	dataModel, err := Builder{InitWeight: 1}.Build(task.ModelSpec{
		LangPairs: []langs.Pair{{Src: "en", Tgt: "de"}},
	})
	require.NoError(t, err)
	dataOpt, err := NewSGD(dataModel, 0.01)
	require.NoError(t, err)
	tk.SetDataOptimizer(dataOpt)
	tk.SetHeldOutBatches(func(pairKey string, n int) ([]dataset.Example, error) {
		return []dataset.Example{{Source: []int32{3, 1}, Target: []int32{6, 1}}}, nil
	})

	before := make(map[string]float64)
	for _, key := range model.(*Model).Pairs() {
		p, _ := model.(*Model).Param(key)
		before[key] = p.W
	}

	// λ_bt is pinned at zero, so the dds pass runs but no bt loss flows;
	// the perturbation must be rolled back
	_, err = tk.TrainStep(context.Background(), batch, model, TokenNLL{}, opt, false)
	require.NoError(t, err)

	for _, key := range model.(*Model).Pairs() {
		p, _ := model.(*Model).Param(key)
		// the supervised pass accumulated gradient but took no step, so the
		// weights must be exactly where the dds snapshot put them back
		assert.Equal(t, before[key], p.W, key)
	}
}

// failingCriterion fails on its nth Loss call and delegates otherwise.
type failingCriterion struct {
	inner  task.Criterion
	failAt int
	calls  int
}

func (c *failingCriterion) Loss(ctx context.Context, model task.ModelHandle, examples []dataset.Example, weights []float64) (task.LossResult, error) {
	c.calls++
	if c.calls == c.failAt {
		return task.LossResult{}, errors.New("engine unavailable")
	}
	return c.inner.Loss(ctx, model, examples, weights)
}

func (c *failingCriterion) Aggregate(logs []task.LogOutput) task.LogOutput {
	return c.inner.Aggregate(logs)
}

func TestBTDDS_RestoresParametersOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, filepath.Join(dir, "train.en-de.en"), []int32{3, 4})
	writeCorpus(t, filepath.Join(dir, "train.en-de.de"), []int32{6, 7})
	writeCorpus(t, filepath.Join(dir, "train.de-None.de"), []int32{6, 7})

	dicts := newDicts(t, "en", "de")

	cfg := task.DefaultConfig()
	cfg.LangPairs = "en-de"
	cfg.LambdaOTFBTConfig = "0:0,100:1"
	cfg.BTDDS = true
	tk, err := task.SetupBackTranslationWithDicts(cfg, dicts)
	require.NoError(t, err)

	model, err := tk.BuildModel(Builder{InitWeight: 1}, task.ModelSpec{
		LangPairs: []langs.Pair{{Src: "en", Tgt: "de"}},
	}, Factory{Dicts: dicts})
	require.NoError(t, err)

	c, err := tk.LoadSplit("train", dir)
	require.NoError(t, err)
	batch, err := dataset.FetchBatch(c, 0, 1)
	require.NoError(t, err)

	opt, err := NewSGD(model, 0.01)
	require.NoError(t, err)

	dataModel, err := Builder{InitWeight: 1}.Build(task.ModelSpec{
		LangPairs: []langs.Pair{{Src: "en", Tgt: "de"}},
	})
	require.NoError(t, err)
	dataOpt, err := NewSGD(dataModel, 0.01)
	require.NoError(t, err)
	tk.SetDataOptimizer(dataOpt)
	tk.SetHeldOutBatches(func(pairKey string, n int) ([]dataset.Example, error) {
		return []dataset.Example{{Source: []int32{3, 1}, Target: []int32{6, 1}}}, nil
	})

	before := make(map[string]float64)
	for _, key := range model.(*Model).Pairs() {
		p, _ := model.(*Model).Param(key)
		before[key] = p.W
	}

	// call 1 is the supervised pass, calls 2 and 3 are the dds base and
	// held-out losses; call 4 is the re-score after the parameters were
	// nudged along the held-out gradient, the worst point to die at
	crit := &failingCriterion{inner: TokenNLL{}, failAt: 4}
	_, err = tk.TrainStep(context.Background(), batch, model, crit, opt, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine unavailable")
	assert.Equal(t, 4, crit.calls)

	for _, key := range model.(*Model).Pairs() {
		p, _ := model.(*Model).Param(key)
		assert.Equal(t, before[key], p.W, key)
	}
}
