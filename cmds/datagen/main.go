package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/alexflint/go-arg"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate/dataset"
	"github.com/polyglot-mt/polyglot/translate/vocab"
)

func maybeQuit(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// datagen writes synthetic dictionaries, parallel corpora and monolingual
// corpora in the layout the training task discovers, for smoke-testing the
// pipeline end to end.
func main() {
	args := struct {
		Out       string
		LangPairs string
		Examples  int
		MonoRatio int `arg:"help:monolingual examples per parallel example"`
		VocabSize int
		MaxLen    int
		Seed      int64
	}{
		Out:       "./data",
		LangPairs: "en-de",
		Examples:  1000,
		MonoRatio: 4,
		VocabSize: 100,
		MaxLen:    20,
		Seed:      42,
	}
	arg.MustParse(&args)

	pairs, err := langs.ParsePairs(args.LangPairs)
	maybeQuit(err)
	maybeQuit(os.MkdirAll(args.Out, 0755))

	r := rand.New(rand.NewSource(args.Seed))

	dicts := make(map[langs.Lang]*vocab.Dictionary)
	for _, l := range langs.Languages(pairs) {
		d := vocab.New()
		for i := 0; i < args.VocabSize; i++ {
			d.AddSymbol(fmt.Sprintf("%s_%04d", l, i))
		}
		maybeQuit(d.Save(filepath.Join(args.Out, fmt.Sprintf("dict.%s.txt", l))))
		dicts[l] = d
		log.Printf("| wrote dictionary for %s: %d types", l, d.Len())
	}

	sentence := func(d *vocab.Dictionary) []int32 {
		n := 1 + r.Intn(args.MaxLen)
		toks := make([]int32, 0, n)
		for i := 0; i < n; i++ {
			// skip the reserved symbols at the front of the dictionary
			toks = append(toks, 3+int32(r.Intn(d.Len()-3)))
		}
		return toks
	}

	writeCorpus := func(path string, d *vocab.Dictionary, n int) {
		w := dataset.NewWriter(path)
		for i := 0; i < n; i++ {
			w.Write(sentence(d))
		}
		maybeQuit(w.Flush())
		log.Printf("| wrote %s: %d examples", path, n)
	}

	for _, split := range []string{"train", "valid"} {
		n := args.Examples
		if split == "valid" {
			n = args.Examples / 10
			if n == 0 {
				n = 1
			}
		}
		for _, pair := range pairs {
			prefix := filepath.Join(args.Out, fmt.Sprintf("%s.%s.", split, pair.Key()))
			writeCorpus(prefix+string(pair.Src), dicts[pair.Src], n)
			writeCorpus(prefix+string(pair.Tgt), dicts[pair.Tgt], n)
		}
	}

	// monolingual target-side corpora for back-translation and denoising
	seen := make(map[langs.Lang]bool)
	for _, pair := range pairs {
		if seen[pair.Tgt] {
			continue
		}
		seen[pair.Tgt] = true
		path := filepath.Join(args.Out, fmt.Sprintf("train.%s-None.%s", pair.Tgt, pair.Tgt))
		writeCorpus(path, dicts[pair.Tgt], args.Examples*args.MonoRatio)
	}
}
