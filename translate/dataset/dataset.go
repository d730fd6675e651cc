// Package dataset implements the data pipeline for multilingual translation
// training: indexed on-disk corpora, language-pair datasets, the composite
// datasets that join per-pair corpora into joint training batches, and the
// lazy back-translation and noising wrappers.
package dataset

import "github.com/polyglot-mt/polyglot/errors"

// Example is one (source, target) token sequence pair. Target is nil for
// monolingual examples. TargetBOS is the decoder start token the criterion
// should feed when scoring the target; it defaults to the target dictionary's
// eos and is rewritten by the language-token transform.
type Example struct {
	ID        int
	Source    []int32
	Target    []int32
	TargetBOS int32
}

// Dataset is a randomly addressable sequence of examples.
type Dataset interface {
	Len() int
	Get(i int) (Example, error)
}

// Joint is one composite example: per-constituent-key examples drawn for a
// single training slot.
type Joint map[string]Example

// Composite joins keyed constituent datasets into joint examples. The
// constituent key set is fixed at construction.
type Composite interface {
	Len() int
	Get(i int) (Joint, error)
	Keys() []string
}

// Batch is a collated set of joint examples, grouped by constituent key.
type Batch struct {
	Pairs        map[string][]Example
	NumTokens    int
	NumSentences int
}

// Pair returns the examples collated under key, or nil if the key was absent
// from every joint example in the batch.
func (b Batch) Pair(key string) []Example {
	return b.Pairs[key]
}

// Collate groups joint examples by key and accumulates token/sentence counts.
func Collate(joints []Joint) Batch {
	b := Batch{Pairs: make(map[string][]Example)}
	for _, j := range joints {
		for key, ex := range j {
			b.Pairs[key] = append(b.Pairs[key], ex)
			b.NumTokens += len(ex.Source) + len(ex.Target)
			b.NumSentences++
		}
	}
	return b
}

// FetchBatch collates batchSize consecutive joint examples starting at offset,
// wrapping around the composite's length.
func FetchBatch(c Composite, offset, batchSize int) (Batch, error) {
	if c.Len() == 0 {
		return Batch{}, errors.Errorf("cannot batch an empty composite")
	}
	joints := make([]Joint, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		j, err := c.Get((offset + i) % c.Len())
		if err != nil {
			return Batch{}, errors.Wrapf(err, "error fetching joint example %d", offset+i)
		}
		joints = append(joints, j)
	}
	return Collate(joints), nil
}
