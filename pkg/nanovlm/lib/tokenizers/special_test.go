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
	"testing"

	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapCodec encodes known strings to fixed id sequences and everything else
// byte by byte.
type mapCodec struct {
	known map[string][]int
	eos   int
}

func (c mapCodec) Encode(text string) []int {
	if ids, ok := c.known[text]; ok {
		return ids
	}
	ids := make([]int, len(text))
	for i := range text {
		ids[i] = int(text[i])
	}
	return ids
}

func (c mapCodec) Decode(ids []int) string { return fmt.Sprint(ids) }

func (c mapCodec) SpecialTokenID(token api.SpecialToken) (int, error) {
	if token == api.TokEndOfSentence {
		return c.eos, nil
	}
	return 0, fmt.Errorf("no id for %v", token)
}

func TestResolveSpecialTokens(t *testing.T) {
	codec := mapCodec{
		known: map[string][]int{
			"<|image|>":        {49152},
			"<|global_image|>": {49153},
		},
		eos: 2,
	}

	st, err := ResolveSpecialTokens(codec, "<|image|>", "<|global_image|>", 64)
	require.NoError(t, err)

	assert.Equal(t, 49152, st.ImageTokenID)
	assert.Equal(t, 49153, st.GlobalImageTokenID)
	assert.Equal(t, 2, st.EOSTokenID)
	assert.Equal(t, 64, st.ImageTokenLength)
}

func TestResolveSpecialTokensEmptyGlobalAliases(t *testing.T) {
	codec := mapCodec{
		known: map[string][]int{"<|image|>": {49152}},
		eos:   2,
	}

	st, err := ResolveSpecialTokens(codec, "<|image|>", "", 16)
	require.NoError(t, err)
	assert.Equal(t, st.ImageTokenID, st.GlobalImageTokenID)
}

func TestResolveSpecialTokensRejectsMultiIDToken(t *testing.T) {
	codec := mapCodec{known: map[string][]int{}, eos: 2}

	// "<img>" falls through to byte encoding, several ids.
	_, err := ResolveSpecialTokens(codec, "<img>", "", 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single reserved id")
}

func TestResolveSpecialTokensRejectsBadLength(t *testing.T) {
	codec := mapCodec{known: map[string][]int{"<|image|>": {1}}, eos: 2}

	_, err := ResolveSpecialTokens(codec, "<|image|>", "", 0)
	require.Error(t, err)
}
