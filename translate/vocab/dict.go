// Package vocab implements the per-language dictionary consumed by the
// multilingual training tasks: a symbol table with reserved padding,
// end-of-sequence and unknown entries, loadable from dict.{lang}.txt files.
package vocab

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
)

// Reserved symbols. All dictionaries in a run must agree on their indices.
const (
	PadSymbol = "<pad>"
	EosSymbol = "</s>"
	UnkSymbol = "<unk>"
)

// Dictionary maps symbols to dense int32 ids. The zero value is not usable;
// use New or Load.
type Dictionary struct {
	symbols []string
	counts  []int
	indices map[string]int32

	pad, eos, unk int32
}

// New returns a dictionary containing only the reserved symbols.
func New() *Dictionary {
	d := &Dictionary{
		indices: make(map[string]int32),
	}
	d.pad = d.AddSymbol(PadSymbol)
	d.eos = d.AddSymbol(EosSymbol)
	d.unk = d.AddSymbol(UnkSymbol)
	return d
}

// FromSymbols builds a dictionary from an explicit ordered symbol list, for
// callers that manage their own vocabulary layout. The reserved symbols must
// all be present; their positions determine the special indices, so two
// dictionaries built this way may disagree on them.
func FromSymbols(symbols []string) (*Dictionary, error) {
	d := &Dictionary{indices: make(map[string]int32)}
	for _, sym := range symbols {
		if _, ok := d.indices[sym]; ok {
			return nil, errors.Errorf("duplicate symbol %s", sym)
		}
		d.addSymbol(sym, 1)
	}

	var ok bool
	if d.pad, ok = d.indices[PadSymbol]; !ok {
		return nil, errors.Errorf("missing reserved symbol %s", PadSymbol)
	}
	if d.eos, ok = d.indices[EosSymbol]; !ok {
		return nil, errors.Errorf("missing reserved symbol %s", EosSymbol)
	}
	if d.unk, ok = d.indices[UnkSymbol]; !ok {
		return nil, errors.Errorf("missing reserved symbol %s", UnkSymbol)
	}
	return d, nil
}

// AddSymbol registers the symbol if absent and returns its id.
func (d *Dictionary) AddSymbol(sym string) int32 {
	return d.addSymbol(sym, 1)
}

func (d *Dictionary) addSymbol(sym string, count int) int32 {
	if id, ok := d.indices[sym]; ok {
		d.counts[id] += count
		return id
	}
	id := int32(len(d.symbols))
	d.symbols = append(d.symbols, sym)
	d.counts = append(d.counts, count)
	d.indices[sym] = id
	return id
}

// Index returns the id of sym, or the unknown id if sym is not registered.
func (d *Dictionary) Index(sym string) int32 {
	if id, ok := d.indices[sym]; ok {
		return id
	}
	return d.unk
}

// Symbol returns the symbol for id, or the unknown symbol for out-of-range ids.
func (d *Dictionary) Symbol(id int32) string {
	if id < 0 || int(id) >= len(d.symbols) {
		return UnkSymbol
	}
	return d.symbols[id]
}

// Pad ...
func (d *Dictionary) Pad() int32 { return d.pad }

// Eos ...
func (d *Dictionary) Eos() int32 { return d.eos }

// Unk ...
func (d *Dictionary) Unk() int32 { return d.unk }

// Len returns the number of registered symbols.
func (d *Dictionary) Len() int { return len(d.symbols) }

// Load reads a dictionary from path; the format is one "symbol [count]" per
// line, excluding the reserved symbols which are always registered first.
func Load(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open dictionary %s", path)
	}
	defer f.Close()

	d := New()
	scanner := bufio.NewScanner(f)
	var line int
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		count := 1
		if len(fields) > 1 {
			count, err = strconv.Atoi(fields[len(fields)-1])
			if err != nil {
				return nil, errors.Errorf("dictionary %s line %d: invalid count '%s'", path, line, fields[len(fields)-1])
			}
		}
		d.addSymbol(fields[0], count)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "error reading dictionary %s", path)
	}
	return d, nil
}

// Save writes the non-reserved symbols to path in Load's format.
func (d *Dictionary) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "unable to create dictionary %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for id := int(d.unk) + 1; id < len(d.symbols); id++ {
		if _, err := fmt.Fprintf(w, "%s %d\n", d.symbols[id], d.counts[id]); err != nil {
			return errors.Wrapf(err, "error writing dictionary %s", path)
		}
	}
	return w.Flush()
}

// LangToken returns the dedicated boundary symbol for a language, e.g. __de__.
func LangToken(l langs.Lang) string {
	return "__" + string(l) + "__"
}

// LangTokenIndex returns the registered id of the language's boundary symbol.
// It is an error to ask for a token that was never registered.
func LangTokenIndex(d *Dictionary, l langs.Lang) (int32, error) {
	id := d.Index(LangToken(l))
	if id == d.Unk() {
		return 0, errors.Errorf("cannot find language token for lang %s", l)
	}
	return id, nil
}
