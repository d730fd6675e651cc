package schedule

import (
	"testing"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConstant(t *testing.T) {
	v, sched, err := Parse("3")
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
	assert.Nil(t, sched)
}

func TestParseSchedule(t *testing.T) {
	v, sched, err := Parse("0:1,1000:0")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	require.Equal(t, Schedule{{Step: 0, Value: 1}, {Step: 1000, Value: 0}}, sched)
}

func TestParseMalformed(t *testing.T) {
	type tc struct {
		Desc string
		In   string
	}

	tcs := []tc{
		{Desc: "bare comma list", In: "1,2"},
		{Desc: "non numeric step", In: "a:1,1000:0"},
		{Desc: "non numeric value", In: "0:x,1000:0"},
		{Desc: "steps not increasing", In: "1000:1,0:0"},
		{Desc: "duplicate step", In: "0:1,0:0"},
		{Desc: "dangling pair", In: "0:1,1000"},
		{Desc: "not a number", In: "abc"},
		{Desc: "single checkpoint", In: "0:1"},
		{Desc: "triple colon", In: "0:1:2,1000:0"},
	}

	for i, tc := range tcs {
		_, _, err := Parse(tc.In)
		require.Error(t, err, "test case %d: %s", i, tc.Desc)
		assert.Equal(t, translate.ErrConfig, errors.Cause(err), "test case %d: %s", i, tc.Desc)
	}
}

func TestValueAt(t *testing.T) {
	_, sched, err := Parse("0:1,1000:0")
	require.NoError(t, err)

	assert.Equal(t, 1.0, sched.ValueAt(0))
	assert.Equal(t, 0.5, sched.ValueAt(500))
	assert.Equal(t, 0.0, sched.ValueAt(1000))
	// no extrapolation past the last checkpoint
	assert.Equal(t, 0.0, sched.ValueAt(5000))
}

func TestValueAtFlatThenRise(t *testing.T) {
	v, sched, err := Parse("0:0,1000:0,2000:1")
	require.NoError(t, err)

	assert.Equal(t, 0.0, v)
	assert.Equal(t, 0.0, sched.ValueAt(999))
	assert.Equal(t, 0.5, sched.ValueAt(1500))
	assert.Equal(t, 1.0, sched.ValueAt(2000))
}

func TestValueAtBeforeFirst(t *testing.T) {
	_, sched, err := Parse("100:2,200:4")
	require.NoError(t, err)
	assert.Equal(t, 2.0, sched.ValueAt(0))
}
