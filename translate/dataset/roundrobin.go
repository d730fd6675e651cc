package dataset

import (
	"sort"

	"github.com/polyglot-mt/polyglot/errors"
)

// RoundRobinZip joins keyed datasets by cyclic index alignment: joint example
// i holds, for every constituent, that constituent's example at i modulo its
// length. The composite's length is the longest constituent's length, so one
// pass visits every example of the largest dataset while cycling the others.
//
// When evalKey is set (inference/evaluation), the composite exposes only that
// constituent and takes its length.
type RoundRobinZip struct {
	datasets map[string]Dataset
	keys     []string
	evalKey  string
	length   int
}

// NewRoundRobinZip ...
func NewRoundRobinZip(datasets map[string]Dataset, evalKey string) (*RoundRobinZip, error) {
	if len(datasets) == 0 {
		return nil, errors.Errorf("round-robin composite requires at least one dataset")
	}

	keys := make([]string, 0, len(datasets))
	for key := range datasets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var length int
	if evalKey != "" {
		ds, ok := datasets[evalKey]
		if !ok {
			return nil, errors.Errorf("eval key %s not present in composite", evalKey)
		}
		length = ds.Len()
	} else {
		for _, ds := range datasets {
			if ds.Len() > length {
				length = ds.Len()
			}
		}
	}

	return &RoundRobinZip{
		datasets: datasets,
		keys:     keys,
		evalKey:  evalKey,
		length:   length,
	}, nil
}

// Len ...
func (z *RoundRobinZip) Len() int { return z.length }

// Keys ...
func (z *RoundRobinZip) Keys() []string {
	return append([]string(nil), z.keys...)
}

// Get ...
func (z *RoundRobinZip) Get(i int) (Joint, error) {
	if i < 0 || i >= z.length {
		return nil, errors.Errorf("index %d out of range [0, %d)", i, z.length)
	}

	if z.evalKey != "" {
		ex, err := z.datasets[z.evalKey].Get(i % z.datasets[z.evalKey].Len())
		if err != nil {
			return nil, errors.Wrapf(err, "error fetching %s[%d]", z.evalKey, i)
		}
		return Joint{z.evalKey: ex}, nil
	}

	joint := make(Joint, len(z.keys))
	for _, key := range z.keys {
		ds := z.datasets[key]
		if ds.Len() == 0 {
			continue
		}
		ex, err := ds.Get(i % ds.Len())
		if err != nil {
			return nil, errors.Wrapf(err, "error fetching %s[%d]", key, i%ds.Len())
		}
		joint[key] = ex
	}
	return joint, nil
}
