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

package tokenizers

import (
	"fmt"

	"github.com/gomlx/go-huggingface/tokenizers/api"
)

// SpecialTokens holds the reserved vocabulary ids the multimodal pipeline
// fuses image embeddings against, plus the per-tile placeholder count the
// modality projector emits.
type SpecialTokens struct {
	// ImageTokenID is the per-tile placeholder token.
	ImageTokenID int

	// GlobalImageTokenID marks the downsampled whole-image view.
	GlobalImageTokenID int

	// EOSTokenID terminates generation.
	EOSTokenID int

	// ImageTokenLength is the number of placeholder tokens (and embedding
	// rows) one encoded tile expands to.
	ImageTokenLength int
}

// ResolveSpecialTokens maps the configured token strings to vocabulary ids
// by single-token encoding. Reserved tokens must round-trip to exactly one
// id; anything else means the tokenizer and model config disagree.
func ResolveSpecialTokens(codec Codec, imageToken, globalImageToken string, imageTokenLength int) (SpecialTokens, error) {
	if imageTokenLength <= 0 {
		return SpecialTokens{}, fmt.Errorf("image token length must be positive, got %d", imageTokenLength)
	}

	imageID, err := singleTokenID(codec, imageToken)
	if err != nil {
		return SpecialTokens{}, fmt.Errorf("resolving image token %q: %w", imageToken, err)
	}

	// Models without tiling ship no global-image token; alias it to the
	// per-tile placeholder so fusion treats every placeholder alike.
	globalID := imageID
	if globalImageToken != "" {
		globalID, err = singleTokenID(codec, globalImageToken)
		if err != nil {
			return SpecialTokens{}, fmt.Errorf("resolving global image token %q: %w", globalImageToken, err)
		}
	}

	eosID, err := codec.SpecialTokenID(api.TokEndOfSentence)
	if err != nil {
		return SpecialTokens{}, fmt.Errorf("resolving EOS token: %w", err)
	}

	return SpecialTokens{
		ImageTokenID:       imageID,
		GlobalImageTokenID: globalID,
		EOSTokenID:         eosID,
		ImageTokenLength:   imageTokenLength,
	}, nil
}

func singleTokenID(codec Codec, token string) (int, error) {
	ids := codec.Encode(token)
	if len(ids) != 1 {
		return 0, fmt.Errorf("expected a single reserved id, got %d ids", len(ids))
	}
	return ids[0], nil
}
