package langtok

import (
	"testing"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate"
	"github.com/polyglot-mt/polyglot/translate/dataset"
	"github.com/polyglot-mt/polyglot/translate/vocab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDicts(t *testing.T, languages ...langs.Lang) map[langs.Lang]*vocab.Dictionary {
	t.Helper()
	dicts := make(map[langs.Lang]*vocab.Dictionary)
	for _, l := range languages {
		d := vocab.New()
		for _, s := range []string{"a", "b", "c"} {
			d.AddSymbol(s)
		}
		for _, other := range languages {
			d.AddSymbol(vocab.LangToken(other))
		}
		dicts[l] = d
	}
	return dicts
}

func TestParseEncoderTokenMode(t *testing.T) {
	type tc struct {
		input string
		mode  EncoderTokenMode
		fails bool
	}
	tcs := []tc{
		{input: "", mode: EncoderTokenNone},
		{input: "none", mode: EncoderTokenNone},
		{input: "src", mode: EncoderTokenSrc},
		{input: "tgt", mode: EncoderTokenTgt},
		{input: "both", fails: true},
	}

	for _, tc := range tcs {
		mode, err := ParseEncoderTokenMode(tc.input)
		if tc.fails {
			require.Error(t, err, tc.input)
			assert.Equal(t, translate.ErrConfig, errors.Cause(err), tc.input)
			continue
		}
		require.NoError(t, err, tc.input)
		assert.Equal(t, tc.mode, mode, tc.input)
	}
}

func TestPolicy_Inactive(t *testing.T) {
	dicts := newDicts(t, "en", "de")
	p := Policy{Dicts: dicts}
	assert.False(t, p.Active())

	// with no policy the boundary tokens are plain eos
	tok, err := p.EncoderToken("en", "de")
	require.NoError(t, err)
	assert.Equal(t, dicts["en"].Eos(), tok)

	tok, err = p.DecoderToken("de")
	require.NoError(t, err)
	assert.Equal(t, dicts["de"].Eos(), tok)

	// the transform must be the identity, not a wrapper
	ds := &staticDataset{ex: dataset.Example{Source: []int32{5, dicts["en"].Eos()}}}
	out, err := p.Transform(ds, TransformSpec{Src: "en", Tgt: "de"})
	require.NoError(t, err)
	assert.Equal(t, dataset.Dataset(ds), out)
}

func TestPolicy_TokenSelection(t *testing.T) {
	dicts := newDicts(t, "en", "de")

	srcMode := Policy{Encoder: EncoderTokenSrc, Dicts: dicts}
	tok, err := srcMode.EncoderToken("en", "de")
	require.NoError(t, err)
	assert.Equal(t, dicts["en"].Index(vocab.LangToken("en")), tok)

	tgtMode := Policy{Encoder: EncoderTokenTgt, Dicts: dicts}
	tok, err = tgtMode.EncoderToken("en", "de")
	require.NoError(t, err)
	assert.Equal(t, dicts["en"].Index(vocab.LangToken("de")), tok)

	decoder := Policy{Decoder: true, Dicts: dicts}
	tok, err = decoder.DecoderToken("de")
	require.NoError(t, err)
	assert.Equal(t, dicts["de"].Index(vocab.LangToken("de")), tok)
}

type staticDataset struct {
	ex dataset.Example
}

func (d *staticDataset) Len() int { return 1 }

func (d *staticDataset) Get(i int) (dataset.Example, error) { return d.ex, nil }

func TestTransform_RewritesBoundaries(t *testing.T) {
	dicts := newDicts(t, "en", "de")
	eos := dicts["en"].Eos()

	p := Policy{Encoder: EncoderTokenTgt, Decoder: true, Dicts: dicts}

	ds := &staticDataset{ex: dataset.Example{
		Source:    []int32{5, 6, eos},
		Target:    []int32{7, eos},
		TargetBOS: eos,
	}}

	out, err := p.Transform(ds, TransformSpec{Src: "en", Tgt: "de"})
	require.NoError(t, err)

	ex, err := out.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 6, dicts["en"].Index(vocab.LangToken("de"))}, ex.Source)
	assert.Equal(t, dicts["de"].Index(vocab.LangToken("de")), ex.TargetBOS)

	// the wrapped dataset's example is untouched
	assert.Equal(t, []int32{5, 6, eos}, ds.ex.Source)
}

func TestTransform_SoftTagging(t *testing.T) {
	dicts := newDicts(t, "en", "de", "fr")
	eos := dicts["en"].Eos()

	p := Policy{Encoder: EncoderTokenTgt, Dicts: dicts}
	ds := &staticDataset{ex: dataset.Example{Source: []int32{5, eos}}}

	deTok := dicts["en"].Index(vocab.LangToken("de"))
	frTok := dicts["en"].Index(vocab.LangToken("fr"))

	out, err := p.Transform(ds, TransformSpec{
		Src:             "en",
		Tgt:             "de",
		EligibleTargets: []langs.Lang{"de", "fr"},
		SampleTagProb:   0.5,
		Train:           true,
		Seed:            3,
	})
	require.NoError(t, err)

	// deterministic per index, and only eligible tokens appear
	sawDe, sawFr := false, false
	for i := 0; i < 200; i++ {
		// vary the index via the seed offset encoded in pickSrcEos
		tr := out.(*transformed)
		tok := tr.pickSrcEos(i)
		assert.Equal(t, tok, tr.pickSrcEos(i))
		switch tok {
		case deTok:
			sawDe = true
		case frTok:
			sawFr = true
		default:
			t.Fatalf("unexpected token %d", tok)
		}
	}
	assert.True(t, sawDe)
	assert.True(t, sawFr)
}

func TestTransform_SoftTaggingEdgeCases(t *testing.T) {
	dicts := newDicts(t, "en", "de", "fr")
	eos := dicts["en"].Eos()
	p := Policy{Encoder: EncoderTokenTgt, Dicts: dicts}
	ds := &staticDataset{ex: dataset.Example{Source: []int32{5, eos}}}

	deTok := dicts["en"].Index(vocab.LangToken("de"))

	type tc struct {
		desc string
		spec TransformSpec
	}
	tcs := []tc{
		{desc: "eval split", spec: TransformSpec{Src: "en", Tgt: "de", EligibleTargets: []langs.Lang{"de", "fr"}, SampleTagProb: 0.5}},
		{desc: "single eligible target", spec: TransformSpec{Src: "en", Tgt: "de", EligibleTargets: []langs.Lang{"de"}, SampleTagProb: 0.5, Train: true}},
		{desc: "true target not eligible", spec: TransformSpec{Src: "en", Tgt: "de", EligibleTargets: []langs.Lang{"fr", "en"}, SampleTagProb: 0.5, Train: true}},
		{desc: "zero probability", spec: TransformSpec{Src: "en", Tgt: "de", EligibleTargets: []langs.Lang{"de", "fr"}, Train: true}},
	}

	for _, tc := range tcs {
		out, err := p.Transform(ds, tc.spec)
		require.NoError(t, err, tc.desc)
		for i := 0; i < 20; i++ {
			ex, err := out.Get(0)
			require.NoError(t, err, tc.desc)
			assert.Equal(t, deTok, ex.Source[len(ex.Source)-1], tc.desc)
		}
	}
}
