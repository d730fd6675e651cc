package task

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/translate"
)

// Dataset composition policies.
const (
	DatasetRoundRobin = "round_robin"
	DatasetMulti      = "multi"
	DatasetTCS        = "tcs"
)

// Config is the full option surface of the multilingual and back-translation
// tasks.
type Config struct {
	// LangPairs is the comma-separated ordered list of language pairs, e.g.
	// "en-de,en-fr". Required for training.
	LangPairs string `json:"lang_pairs"`
	// SourceLang/TargetLang form the single evaluation pair; required for
	// inference, must be unset for training.
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
	// EvalLangPairs overrides the subset of pairs used for validation.
	EvalLangPairs string `json:"eval_lang_pairs"`

	// EncoderLangTok selects the encoder boundary-token policy: "", "src" or
	// "tgt".
	EncoderLangTok string `json:"encoder_langtok"`
	// DecoderLangTok enables the decoder boundary-token policy.
	DecoderLangTok bool `json:"decoder_langtok"`
	// SampleTagProb is the probability mass reserved for boundary tokens
	// naming a language other than the true target.
	SampleTagProb float64 `json:"sample_tag_prob"`

	// DatasetType selects the composite policy: round_robin, multi or tcs.
	DatasetType string `json:"dataset_type"`
	// DatasizeT is the temperature for datasize-proportional sampling
	// (dataset_type=multi).
	DatasizeT int `json:"datasize_t"`
	// AlphaP interpolates the sampling distribution towards uniform.
	AlphaP float64 `json:"alpha_p"`
	// LanDists holds comma-separated language distances, one per configured
	// pair in order (dataset_type=tcs).
	LanDists string `json:"lan_dists"`
	// DataCondition picks the side whose language conditions tcs sampling:
	// source or target. Pairs sharing a conditioning language share a
	// distance.
	DataCondition string `json:"data_condition"`

	LambdaParallelConfig  string `json:"lambda_parallel_config"`
	LambdaOTFBTConfig     string `json:"lambda_otf_bt_config"`
	LambdaDenoisingConfig string `json:"lambda_denoising_config"`

	BTBeamSize int     `json:"bt_beam_size"`
	BTMaxLenA  float64 `json:"bt_max_len_a"`
	BTMaxLenB  float64 `json:"bt_max_len_b"`
	// Sampling switches back-translation generation from greedy/beam to
	// stochastic sampling, optionally restricted to the top k tokens.
	Sampling     bool `json:"sampling"`
	SamplingTopK int  `json:"sampling_topk"`

	MaxWordShuffleDistance float64 `json:"max_word_shuffle_distance"`
	WordDropoutProb        float64 `json:"word_dropout_prob"`
	WordBlankingProb       float64 `json:"word_blanking_prob"`

	// BTDDS enables the experimental data-actor reward variant.
	BTDDS bool `json:"bt_dds"`
	// HeldOutBatchSize is the validation batch size used for the data-actor
	// reward when BTDDS is set.
	HeldOutBatchSize int `json:"held_out_batch_size"`

	// ForceUnitWeights pins the parallel and back-translation loss weights to
	// a constant 1.0 inside the training step, ignoring their schedules.
	ForceUnitWeights bool `json:"force_unit_weights"`

	Seed int64 `json:"seed"`
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		DatasetType:            DatasetRoundRobin,
		DataCondition:          "target",
		SampleTagProb:          -1,
		LambdaParallelConfig:   "1.0",
		LambdaOTFBTConfig:      "0.0",
		LambdaDenoisingConfig:  "0.0",
		BTBeamSize:             1,
		BTMaxLenA:              1.1,
		BTMaxLenB:              10.0,
		MaxWordShuffleDistance: 3.0,
		WordDropoutProb:        0.1,
		WordBlankingProb:       0.2,
		HeldOutBatchSize:       16,
		Seed:                   42,
	}
}

// LoadConfig reads a Config from a JSON file, applying defaults for absent
// fields.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "unable to open config %s", path)
	}
	defer f.Close()

	cfg := DefaultConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, errors.Wrapf(err, "error decoding config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants that must hold for a usable Config.
func (c Config) Validate() error {
	switch c.DatasetType {
	case DatasetRoundRobin, DatasetMulti, DatasetTCS:
	default:
		return translate.ConfigErrorf("dataset-type is '%s', must be one of %s|%s|%s",
			c.DatasetType, DatasetRoundRobin, DatasetMulti, DatasetTCS)
	}
	switch c.DataCondition {
	case "source", "target":
	default:
		return translate.ConfigErrorf("data-condition is '%s', must be source or target", c.DataCondition)
	}
	if c.SampleTagProb > 1 {
		return translate.ConfigErrorf("sample-tag-prob is %f, needs to be <= 1", c.SampleTagProb)
	}
	if c.BTBeamSize <= 0 {
		return translate.ConfigErrorf("bt-beam-size is %d, needs to be > 0", c.BTBeamSize)
	}
	if c.HeldOutBatchSize <= 0 {
		return translate.ConfigErrorf("held-out-batch-size is %d, needs to be > 0", c.HeldOutBatchSize)
	}
	return nil
}

// ParseLanDists parses the configured comma-separated language distances.
func (c Config) ParseLanDists() ([]float64, error) {
	if strings.TrimSpace(c.LanDists) == "" {
		return nil, nil
	}
	var dists []float64
	for _, part := range strings.Split(c.LanDists, ",") {
		d, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, translate.ConfigErrorf("invalid lan-dists entry '%s': not a number", part)
		}
		dists = append(dists, d)
	}
	return dists, nil
}
