// Package langtok implements the language boundary-token policy: which
// special symbol replaces the default end-of-sequence/start token to signal
// source or target language identity to the model, and the fetch-time
// dataset transform that applies it.
package langtok

import (
	"github.com/polyglot-mt/polyglot/errors"
	"github.com/polyglot-mt/polyglot/langs"
	"github.com/polyglot-mt/polyglot/translate"
	"github.com/polyglot-mt/polyglot/translate/vocab"
)

// EncoderTokenMode selects which language's token replaces the source-side
// boundary token.
type EncoderTokenMode int

// Encoder token modes.
const (
	EncoderTokenNone EncoderTokenMode = iota
	EncoderTokenSrc
	EncoderTokenTgt
)

// ParseEncoderTokenMode parses the --encoder-langtok option value.
func ParseEncoderTokenMode(s string) (EncoderTokenMode, error) {
	switch s {
	case "", "none":
		return EncoderTokenNone, nil
	case "src":
		return EncoderTokenSrc, nil
	case "tgt":
		return EncoderTokenTgt, nil
	default:
		return EncoderTokenNone, translate.ConfigErrorf("invalid encoder-langtok '%s', must be src or tgt", s)
	}
}

// String ...
func (m EncoderTokenMode) String() string {
	switch m {
	case EncoderTokenSrc:
		return "src"
	case EncoderTokenTgt:
		return "tgt"
	default:
		return "none"
	}
}

// Policy decides the boundary tokens for each language pair. The zero value
// (no encoder mode, no decoder token) is the inactive policy.
type Policy struct {
	Encoder EncoderTokenMode
	Decoder bool
	Dicts   map[langs.Lang]*vocab.Dictionary
}

// Active reports whether any boundary-token rewriting is configured.
func (p Policy) Active() bool {
	return p.Encoder != EncoderTokenNone || p.Decoder
}

// EncoderToken returns the source-side boundary token for the pair: the
// source dictionary's eos when no encoder policy is configured, otherwise the
// dedicated token of the source or target language.
func (p Policy) EncoderToken(src, tgt langs.Lang) (int32, error) {
	dict, ok := p.Dicts[src]
	if !ok {
		return 0, errors.Errorf("no dictionary for language %s", src)
	}
	switch p.Encoder {
	case EncoderTokenNone:
		return dict.Eos(), nil
	case EncoderTokenSrc:
		return vocab.LangTokenIndex(dict, src)
	default:
		return vocab.LangTokenIndex(dict, tgt)
	}
}

// DecoderToken returns the decoder start token for the target language: eos
// unless the decoder token policy is enabled.
func (p Policy) DecoderToken(tgt langs.Lang) (int32, error) {
	dict, ok := p.Dicts[tgt]
	if !ok {
		return 0, errors.Errorf("no dictionary for language %s", tgt)
	}
	if !p.Decoder {
		return dict.Eos(), nil
	}
	return vocab.LangTokenIndex(dict, tgt)
}
