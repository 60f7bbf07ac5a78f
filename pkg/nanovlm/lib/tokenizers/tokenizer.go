// Copyright 2026 Baseweight, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tokenizers loads the text<->token-id codec a model ships with and
// resolves the reserved vocabulary ids the multimodal pipeline needs.
package tokenizers

import (
	"fmt"
	"os"
	"path/filepath"

	esentencepiece "github.com/eliben/go-sentencepiece"
	hftokenizers "github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// Codec is the text <-> token-id codec the pipeline depends on. It matches
// the go-huggingface tokenizer surface, so loaded tokenizers satisfy it
// directly and tests can substitute fakes.
type Codec interface {
	// Encode returns the text encoded into a sequence of token IDs.
	Encode(text string) []int

	// Decode returns the text from a sequence of token IDs.
	Decode(ids []int) string

	// SpecialTokenID returns the ID for the given special token.
	SpecialTokenID(token api.SpecialToken) (int, error)
}

var _ Codec = hftokenizers.Tokenizer(nil)

// Load loads a tokenizer from a local model directory. It auto-detects the
// tokenizer type (HuggingFace tokenizer.json or SentencePiece
// tokenizer.model).
func Load(modelPath string) (Codec, error) {
	// tokenizer_config.json carries class information when present
	var config *api.Config
	configPath := filepath.Join(modelPath, "tokenizer_config.json")
	if _, err := os.Stat(configPath); err == nil {
		config, err = api.ParseConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("parsing tokenizer config: %w", err)
		}
	}

	// tokenizer.json (HuggingFace Tokenizers format - BPE, WordPiece, etc.)
	tokenizerJSONPath := filepath.Join(modelPath, "tokenizer.json")
	if _, err := os.Stat(tokenizerJSONPath); err == nil {
		tok, err := hftokenizer.NewFromFile(config, tokenizerJSONPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.json: %w", err)
		}
		return tok, nil
	}

	// tokenizer.model (SentencePiece format)
	spModelPath := filepath.Join(modelPath, "tokenizer.model")
	if _, err := os.Stat(spModelPath); err == nil {
		proc, err := esentencepiece.NewProcessorFromPath(spModelPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.model: %w", err)
		}
		return &sentencepieceCodec{
			Processor: proc,
			Info:      proc.ModelInfo(),
		}, nil
	}

	return nil, fmt.Errorf("no tokenizer found in %s (expected tokenizer.json or tokenizer.model)", modelPath)
}

// sentencepieceCodec wraps esentencepiece.Processor to implement Codec.
type sentencepieceCodec struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

var _ Codec = (*sentencepieceCodec)(nil)

func (t *sentencepieceCodec) Encode(text string) []int {
	tokens := t.Processor.Encode(text)
	result := make([]int, len(tokens))
	for i, tok := range tokens {
		result[i] = tok.ID
	}
	return result
}

func (t *sentencepieceCodec) Decode(ids []int) string {
	return t.Processor.Decode(ids)
}

func (t *sentencepieceCodec) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return t.Info.UnknownID, nil
	case api.TokPad:
		return t.Info.PadID, nil
	case api.TokBeginningOfSentence:
		return t.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return t.Info.EndOfSentenceID, nil
	default:
		return 0, fmt.Errorf("unknown special token: %s (%d)", token, int(token))
	}
}
