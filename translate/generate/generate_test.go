package generate

import (
	"context"
	"testing"

	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	calls int
}

func (g *fakeGenerator) Generate(ctx context.Context, req Request, examples []dataset.Example) ([][]Hypothesis, error) {
	g.calls++
	out := make([][]Hypothesis, len(examples))
	for i := range examples {
		out[i] = []Hypothesis{{Tokens: []int32{req.BOS}, Score: 0}}
	}
	return out, nil
}

func TestConfig_Validate(t *testing.T) {
	type tc struct {
		desc   string
		config Config
		fails  bool
	}
	tcs := []tc{
		{desc: "valid", config: Config{BeamSize: 5, MaxLenA: 1.1, MaxLenB: 10}},
		{desc: "zero beam", config: Config{MaxLenA: 1.1, MaxLenB: 10}, fails: true},
		{desc: "negative max-len-a", config: Config{BeamSize: 1, MaxLenA: -1}, fails: true},
		{desc: "negative max-len-b", config: Config{BeamSize: 1, MaxLenB: -1}, fails: true},
	}

	for _, tc := range tcs {
		err := tc.config.Validate()
		if tc.fails {
			assert.Error(t, err, tc.desc)
		} else {
			assert.NoError(t, err, tc.desc)
		}
	}
}

func TestConfig_MaxLen(t *testing.T) {
	c := Config{BeamSize: 1, MaxLenA: 1.1, MaxLenB: 10}
	assert.Equal(t, 32, c.MaxLen(20))
	assert.Equal(t, 10, c.MaxLen(0))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	deEn := langs.Pair{Src: "de", Tgt: "en"}
	frEn := langs.Pair{Src: "fr", Tgt: "en"}

	_, err := r.Lookup(deEn)
	assert.Error(t, err)

	g := &fakeGenerator{}
	r.Register(deEn, g)
	r.Register(frEn, g)
	assert.Equal(t, []string{"de-en", "fr-en"}, r.Keys())

	got, err := r.Lookup(deEn)
	require.NoError(t, err)
	assert.Equal(t, Generator(g), got)

	assert.NoError(t, r.ValidateComplete([]langs.Pair{deEn, frEn}))
	assert.Error(t, r.ValidateComplete([]langs.Pair{{Src: "es", Tgt: "en"}}))

	hyps, err := r.Generate(context.Background(), Request{Pair: deEn, BOS: 9}, []dataset.Example{{Source: []int32{1}}})
	require.NoError(t, err)
	require.Len(t, hyps, 1)
	assert.Equal(t, []int32{9}, hyps[0][0].Tokens)
	assert.Equal(t, 1, g.calls)
}

func TestRegistry_ReplacesBinding(t *testing.T) {
	r := NewRegistry()
	pair := langs.Pair{Src: "de", Tgt: "en"}

	old := &fakeGenerator{}
	replacement := &fakeGenerator{}
	r.Register(pair, old)
	r.Register(pair, replacement)

	_, err := r.Generate(context.Background(), Request{Pair: pair}, []dataset.Example{{}})
	require.NoError(t, err)
	assert.Zero(t, old.calls)
	assert.Equal(t, 1, replacement.calls)
}
