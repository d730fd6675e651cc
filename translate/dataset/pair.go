package dataset

import (
	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/translate/vocab"
)

// PairDataset zips aligned source and target corpora into parallel examples.
// tgt may be nil, in which case examples are monolingual (source side only).
type PairDataset struct {
	src *Indexed
	tgt *Indexed

	srcDict *vocab.Dictionary
	tgtDict *vocab.Dictionary
}

// NewPairDataset ...
func NewPairDataset(src *Indexed, srcDict *vocab.Dictionary, tgt *Indexed, tgtDict *vocab.Dictionary) (*PairDataset, error) {
	if src == nil || srcDict == nil {
		return nil, errors.Errorf("pair dataset requires a source corpus and dictionary")
	}
	if tgt != nil && tgt.Len() != src.Len() {
		return nil, errors.Errorf("misaligned pair dataset: %d source rows vs %d target rows", src.Len(), tgt.Len())
	}
	return &PairDataset{src: src, srcDict: srcDict, tgt: tgt, tgtDict: tgtDict}, nil
}

// NewMonolingualDataset wraps a single-language corpus as a source-only
// pair dataset.
func NewMonolingualDataset(src *Indexed, srcDict *vocab.Dictionary) (*PairDataset, error) {
	return NewPairDataset(src, srcDict, nil, nil)
}

// NewRawPairDataset builds a source-only dataset from already tokenized
// sequences, for inference on raw input (no file I/O).
func NewRawPairDataset(srcTokens [][]int32, srcDict *vocab.Dictionary) *PairDataset {
	idx := &Indexed{}
	for _, toks := range srcTokens {
		idx.rows = append(idx.rows, toks)
		idx.sizes = append(idx.sizes, len(toks))
	}
	return &PairDataset{src: idx, srcDict: srcDict}
}

// Len ...
func (d *PairDataset) Len() int { return d.src.Len() }

// Get returns the example at i with a trailing eos guaranteed on each side and
// the decoder start token defaulted to eos.
func (d *PairDataset) Get(i int) (Example, error) {
	if i < 0 || i >= d.src.Len() {
		return Example{}, errors.Errorf("index %d out of range [0, %d)", i, d.src.Len())
	}

	ex := Example{
		ID:        i,
		Source:    withEos(d.src.Row(i), d.srcDict.Eos()),
		TargetBOS: d.srcDict.Eos(),
	}
	if d.tgt != nil {
		ex.Target = withEos(d.tgt.Row(i), d.tgtDict.Eos())
		ex.TargetBOS = d.tgtDict.Eos()
	}
	return ex, nil
}

func withEos(tokens []int32, eos int32) []int32 {
	if len(tokens) > 0 && tokens[len(tokens)-1] == eos {
		return append([]int32(nil), tokens...)
	}
	out := make([]int32, 0, len(tokens)+1)
	out = append(out, tokens...)
	return append(out, eos)
}
