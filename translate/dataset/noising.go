package dataset

import (
	"math/rand"

	"github.com/polyglot-mt/polyglot/errors"
)

// NoiseConfig parameterizes denoising-autoencoding noise injection.
type NoiseConfig struct {
	// MaxShuffleDistance bounds how far a word may move during shuffling.
	MaxShuffleDistance float64
	// DropProb is the per-word dropout probability.
	DropProb float64
	// BlankProb is the per-word probability of replacement with unk.
	BlankProb float64
	Seed      int64
}

// Validate ...
func (c NoiseConfig) Validate() error {
	if c.MaxShuffleDistance < 0 {
		return errors.Errorf("max shuffle distance is %f, needs to be >= 0", c.MaxShuffleDistance)
	}
	if c.DropProb < 0 || c.DropProb >= 1 {
		return errors.Errorf("word dropout probability is %f, needs to be [0, 1)", c.DropProb)
	}
	if c.BlankProb < 0 || c.BlankProb > 1 {
		return errors.Errorf("word blanking probability is %f, needs to be [0, 1]", c.BlankProb)
	}
	return nil
}

// Noising wraps a monolingual dataset so each fetch pairs a noised copy of
// the sentence (as the source) with the clean sentence (as the target),
// yielding denoising-autoencoding training data. Noise is deterministic per
// (seed, index). The trailing eos is never shuffled, dropped or blanked.
type Noising struct {
	ds     Dataset
	config NoiseConfig
	unk    int32
	eos    int32
}

// NewNoising ...
func NewNoising(ds Dataset, config NoiseConfig, unk, eos int32) (*Noising, error) {
	if ds == nil {
		return nil, errors.Errorf("noising dataset requires an underlying corpus")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Noising{ds: ds, config: config, unk: unk, eos: eos}, nil
}

// Len ...
func (n *Noising) Len() int { return n.ds.Len() }

// Get ...
func (n *Noising) Get(i int) (Example, error) {
	ex, err := n.ds.Get(i)
	if err != nil {
		return Example{}, err
	}

	r := rand.New(rand.NewSource(n.config.Seed + int64(i)))
	return Example{
		ID:        ex.ID,
		Source:    n.noise(r, ex.Source),
		Target:    ex.Source,
		TargetBOS: ex.TargetBOS,
	}, nil
}

func (n *Noising) noise(r *rand.Rand, tokens []int32) []int32 {
	// split off the trailing eos so it stays in place
	body := tokens
	var tail []int32
	if len(body) > 0 && body[len(body)-1] == n.eos {
		tail = body[len(body)-1:]
		body = body[:len(body)-1]
	}

	noised := n.shuffle(r, body)
	noised = n.dropAndBlank(r, noised)

	out := make([]int32, 0, len(noised)+len(tail))
	out = append(out, noised...)
	return append(out, tail...)
}

// shuffle permutes words so no word moves further than MaxShuffleDistance
// from its original position.
func (n *Noising) shuffle(r *rand.Rand, tokens []int32) []int32 {
	if n.config.MaxShuffleDistance == 0 || len(tokens) < 2 {
		return append([]int32(nil), tokens...)
	}

	type scored struct {
		token int32
		pos   float64
	}
	perturbed := make([]scored, len(tokens))
	for i, tok := range tokens {
		perturbed[i] = scored{
			token: tok,
			pos:   float64(i) + r.Float64()*n.config.MaxShuffleDistance,
		}
	}
	// stable insertion sort by perturbed position
	for i := 1; i < len(perturbed); i++ {
		for j := i; j > 0 && perturbed[j].pos < perturbed[j-1].pos; j-- {
			perturbed[j], perturbed[j-1] = perturbed[j-1], perturbed[j]
		}
	}

	out := make([]int32, len(perturbed))
	for i, s := range perturbed {
		out[i] = s.token
	}
	return out
}

func (n *Noising) dropAndBlank(r *rand.Rand, tokens []int32) []int32 {
	out := make([]int32, 0, len(tokens))
	for _, tok := range tokens {
		if n.config.DropProb > 0 && r.Float64() < n.config.DropProb {
			continue
		}
		if n.config.BlankProb > 0 && r.Float64() < n.config.BlankProb {
			out = append(out, n.unk)
			continue
		}
		out = append(out, tok)
	}
	// never emit an empty sentence
	if len(out) == 0 && len(tokens) > 0 {
		out = append(out, tokens[r.Intn(len(tokens))])
	}
	return out
}
