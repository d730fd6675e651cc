package main

import (
	"context"
	"log"

	"github.com/alexflint/go-arg"
	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate"
	"github.com/polyglot-mt/polyglot/translate/dataset"
	"github.com/polyglot-mt/polyglot/translate/engine"
	"github.com/polyglot-mt/polyglot/translate/task"
	"github.com/polyglot-mt/polyglot/translate/vocab"
)

func maybeQuit(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	args := struct {
		Config    string `arg:"help:path to a JSON task config; flags below override nothing in it"`
		DataDir   string
		DictDir   string
		LangPairs string
		Steps     int
		BatchSize int
		LR        float64
		LogEvery  int
	}{
		DataDir:   "./data",
		DictDir:   "./data",
		LangPairs: "en-de",
		Steps:     1000,
		BatchSize: 16,
		LR:        0.001,
		LogEvery:  100,
	}
	arg.MustParse(&args)

	cfg := task.DefaultConfig()
	if args.Config != "" {
		var err error
		cfg, err = task.LoadConfig(args.Config)
		maybeQuit(err)
	} else {
		cfg.LangPairs = args.LangPairs
	}

	tk, err := task.SetupBackTranslation(cfg, args.DictDir)
	maybeQuit(err)

	dicts := make(map[langs.Lang]*vocab.Dictionary)
	for _, l := range langs.Languages(tk.Pairs()) {
		d, ok := tk.Dict(l)
		if !ok {
			maybeQuit(errors.Errorf("no dictionary for language %s", l))
		}
		dicts[l] = d
	}

	model, err := tk.BuildModel(engine.Builder{InitWeight: 1}, task.ModelSpec{
		LangPairs:      tk.Pairs(),
		EncoderLangTok: tk.Policy().Encoder,
		DecoderLangTok: tk.Policy().Decoder,
	}, engine.Factory{Dicts: dicts})
	maybeQuit(err)

	train, err := tk.LoadSplit("train", args.DataDir)
	maybeQuit(err)

	valid, err := tk.LoadSplit("valid", args.DataDir)
	if err != nil {
		if errors.Cause(err) != translate.ErrDatasetNotFound {
			maybeQuit(err)
		}
		log.Printf("| no validation split in %s, skipping validation", args.DataDir)
		valid = nil
	}

	if cfg.BTDDS {
		// the data actor scores training examples against held-out batches,
		// which we draw from the validation split
		if valid == nil {
			maybeQuit(errors.Errorf("bt-dds needs a validation split in %s for held-out batches", args.DataDir))
		}
		dataModel, err := engine.Builder{InitWeight: 1}.Build(task.ModelSpec{LangPairs: tk.Pairs()})
		maybeQuit(err)
		dataOpt, err := engine.NewSGD(dataModel, args.LR)
		maybeQuit(err)
		tk.SetDataOptimizer(dataOpt)

		var heldOutOffset int
		tk.SetHeldOutBatches(func(pairKey string, n int) ([]dataset.Example, error) {
			batch, err := dataset.FetchBatch(valid, heldOutOffset, n)
			if err != nil {
				return nil, err
			}
			heldOutOffset += n
			return batch.Pair(pairKey), nil
		})
	}

	opt, err := engine.NewSGD(model, args.LR)
	maybeQuit(err)
	criterion := engine.TokenNLL{}

	ctx := context.Background()
	var logs []map[string]task.LogOutput
	for step := 0; step < args.Steps; step++ {
		batch, err := dataset.FetchBatch(train, step*args.BatchSize, args.BatchSize)
		maybeQuit(err)

		res, err := tk.TrainStep(ctx, batch, model, criterion, opt, false)
		maybeQuit(err)
		logs = append(logs, res.Logs)

		maybeQuit(opt.Step())
		opt.ZeroGrad()
		tk.UpdateStep(step + 1)

		if (step+1)%args.LogEvery == 0 {
			agg := tk.AggregateLogs(criterion, logs)
			log.Printf("| step %d loss %.4f sample_size %.0f lambda_bt %.3f",
				step+1, agg["loss"], agg["sample_size"], tk.State().LambdaOTFBT())
			logs = logs[:0]
		}
	}

	if valid != nil {
		var validLogs []map[string]task.LogOutput
		for offset := 0; offset < valid.Len(); offset += args.BatchSize {
			batch, err := dataset.FetchBatch(valid, offset, args.BatchSize)
			maybeQuit(err)
			res, err := tk.ValidStep(ctx, batch, model, criterion)
			maybeQuit(err)
			validLogs = append(validLogs, res.Logs)
		}
		agg := tk.AggregateLogs(criterion, validLogs)
		log.Printf("| valid loss %.4f sample_size %.0f", agg["loss"], agg["sample_size"])
	}
}
