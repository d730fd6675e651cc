// Package langs defines the language and language-pair value types that key
// every multilingual dataset and sub-model in the training stack.
package langs

import (
	"sort"
	"strings"

	"github.com/polyglot-mt/polyglot/errors"
)

const pairSep = "-"

// Lang is a language identifier, e.g. "en" or "de".
type Lang string

// Pair is an ordered (source, target) language pair. Its string key is the
// unit of dataset/model multiplexing; identity is the key.
type Pair struct {
	Src Lang
	Tgt Lang
}

// NewPair ...
func NewPair(src, tgt Lang) Pair {
	return Pair{Src: src, Tgt: tgt}
}

// ParsePair parses a "src-tgt" key.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, pairSep)
	if len(parts) != 2 {
		return Pair{}, errors.Errorf("invalid lang pair '%s', must be of the form src%stgt", s, pairSep)
	}
	src := Lang(strings.TrimSpace(parts[0]))
	tgt := Lang(strings.TrimSpace(parts[1]))
	if src == "" || tgt == "" {
		return Pair{}, errors.Errorf("invalid lang pair '%s', empty language", s)
	}
	return Pair{Src: src, Tgt: tgt}, nil
}

// MustParsePair ...
func MustParsePair(s string) Pair {
	p, err := ParsePair(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePairs parses a comma-separated list of pair keys, in order.
func ParsePairs(s string) ([]Pair, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.Errorf("empty lang pair list")
	}

	var pairs []Pair
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		p, err := ParsePair(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if seen[p.Key()] {
			return nil, errors.Errorf("got lang pair %s more than once in %s", p.Key(), s)
		}
		seen[p.Key()] = true
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// Key serializes the pair as "src-tgt".
func (p Pair) Key() string {
	return string(p.Src) + pairSep + string(p.Tgt)
}

// Reverse returns the opposite direction pair.
func (p Pair) Reverse() Pair {
	return Pair{Src: p.Tgt, Tgt: p.Src}
}

// Empty ...
func (p Pair) Empty() bool {
	return p.Src == "" && p.Tgt == ""
}

// Keys returns the pair keys in order.
func Keys(pairs []Pair) []string {
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, p.Key())
	}
	return keys
}

// Languages returns the sorted set of distinct languages appearing in pairs.
func Languages(pairs []Pair) []Lang {
	seen := make(map[Lang]bool)
	var all []Lang
	for _, p := range pairs {
		for _, l := range []Lang{p.Src, p.Tgt} {
			if !seen[l] {
				seen[l] = true
				all = append(all, l)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

// Targets returns the distinct target languages of pairs, in first-seen order.
func Targets(pairs []Pair) []Lang {
	seen := make(map[Lang]bool)
	var tgts []Lang
	for _, p := range pairs {
		if !seen[p.Tgt] {
			seen[p.Tgt] = true
			tgts = append(tgts, p.Tgt)
		}
	}
	return tgts
}
