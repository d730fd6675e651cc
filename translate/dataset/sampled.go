package dataset

import (
	"math"
	"math/rand"
	"sort"

	"github.com/polyglot-mt/polyglot/errors"
)

// Sampled draws one constituent per joint example according to a fixed weight
// distribution, then a position within it. Its length is the sum of the
// constituent lengths. Draws are deterministic given (seed, index).
type Sampled struct {
	datasets map[string]Dataset
	keys     []string
	cum      []float64
	seed     int64
	length   int
}

// SampledOptions control the constituent weighting of a Sampled composite.
type SampledOptions struct {
	// DatasizeT is the temperature for size-proportional sampling; when 0 the
	// constituents are weighted uniformly.
	DatasizeT int
	// AlphaP in [0, 1] interpolates the size-derived distribution towards
	// uniform.
	AlphaP float64
	Seed   int64
}

// NewSampled ...
func NewSampled(datasets map[string]Dataset, opts SampledOptions) (*Sampled, error) {
	if len(datasets) == 0 {
		return nil, errors.Errorf("sampled composite requires at least one dataset")
	}
	if opts.AlphaP < 0 || opts.AlphaP > 1 {
		return nil, errors.Errorf("alpha-p is %f, needs to be [0, 1]", opts.AlphaP)
	}

	keys := make([]string, 0, len(datasets))
	for key := range datasets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	weights := make([]float64, len(keys))
	var total int
	for i, key := range keys {
		n := datasets[key].Len()
		total += n
		if opts.DatasizeT > 0 {
			weights[i] = math.Pow(float64(n), 1/float64(opts.DatasizeT))
		} else {
			weights[i] = 1
		}
	}

	normalize(weights)
	if opts.AlphaP > 0 {
		uniform := 1 / float64(len(weights))
		for i := range weights {
			weights[i] = (1-opts.AlphaP)*weights[i] + opts.AlphaP*uniform
		}
	}

	return &Sampled{
		datasets: datasets,
		keys:     keys,
		cum:      cumulative(weights),
		seed:     opts.Seed,
		length:   total,
	}, nil
}

// NewDistanceSampled weights each constituent by the configured language
// distance for its conditioning language: dists must align with the sorted
// key order and hold already-normalized exp(d/1000) masses.
func NewDistanceSampled(datasets map[string]Dataset, dists []float64, seed int64) (*Sampled, error) {
	if len(datasets) == 0 {
		return nil, errors.Errorf("distance-sampled composite requires at least one dataset")
	}
	if len(dists) != len(datasets) {
		return nil, errors.Errorf("got %d language distances for %d datasets", len(dists), len(datasets))
	}

	keys := make([]string, 0, len(datasets))
	for key := range datasets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var total int
	for _, key := range keys {
		total += datasets[key].Len()
	}

	weights := append([]float64(nil), dists...)
	normalize(weights)

	return &Sampled{
		datasets: datasets,
		keys:     keys,
		cum:      cumulative(weights),
		seed:     seed,
		length:   total,
	}, nil
}

// DistanceWeights converts raw configured distances into normalized sampling
// masses: exp(d/1000), renormalized.
func DistanceWeights(dists []float64) []float64 {
	weights := make([]float64, len(dists))
	for i, d := range dists {
		weights[i] = math.Exp(d / 1000)
	}
	normalize(weights)
	return weights
}

// Len ...
func (s *Sampled) Len() int { return s.length }

// Keys ...
func (s *Sampled) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Get draws one constituent by weight, then a uniform position within it.
func (s *Sampled) Get(i int) (Joint, error) {
	if i < 0 || i >= s.length {
		return nil, errors.Errorf("index %d out of range [0, %d)", i, s.length)
	}

	r := rand.New(rand.NewSource(s.seed + int64(i)))
	key := s.keys[searchCumulative(s.cum, r.Float64())]
	ds := s.datasets[key]
	if ds.Len() == 0 {
		return Joint{}, nil
	}

	ex, err := ds.Get(r.Intn(ds.Len()))
	if err != nil {
		return nil, errors.Wrapf(err, "error sampling from %s", key)
	}
	return Joint{key: ex}, nil
}

func normalize(weights []float64) {
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum == 0 {
		return
	}
	for i := range weights {
		weights[i] /= sum
	}
}

func cumulative(weights []float64) []float64 {
	cum := make([]float64, 0, len(weights))
	var running float64
	for _, w := range weights {
		running += w
		cum = append(cum, running)
	}
	return cum
}

func searchCumulative(cum []float64, r float64) int {
	for i, c := range cum {
		if r <= c {
			return i
		}
	}
	return len(cum) - 1
}
