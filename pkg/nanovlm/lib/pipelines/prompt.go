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

package pipelines

import (
	"fmt"
	"strings"
)

// PromptBuilder assembles the chat-formatted prompt string, including the
// image placeholder block that the embedding fusion step later rewrites.
type PromptBuilder struct {
	ImageToken       string
	GlobalImageToken string
	ImageTokenLength int
}

// NewPromptBuilder builds a PromptBuilder from a resolved model config.
func NewPromptBuilder(cfg *VLMModelConfig) PromptBuilder {
	return PromptBuilder{
		ImageToken:       cfg.ImageToken,
		GlobalImageToken: cfg.GlobalImageToken,
		ImageTokenLength: cfg.ImageTokenLength,
	}
}

// ImageString renders the placeholder block for a tiled image.
//
// A single-tile image produces ImageTokenLength placeholder tokens with no
// positional markers. A multi-tile image leads with the global-image token
// and its placeholders, then one <row_R_col_C> marker (1-based) followed by
// placeholders for each tile in row-major order.
func (b PromptBuilder) ImageString(gridH, gridW int) string {
	var sb strings.Builder
	placeholders := strings.Repeat(b.ImageToken, b.ImageTokenLength)

	if gridH <= 1 && gridW <= 1 {
		sb.WriteString(placeholders)
		return sb.String()
	}

	sb.WriteString(b.GlobalImageToken)
	sb.WriteString(placeholders)
	for r := 1; r <= gridH; r++ {
		for c := 1; c <= gridW; c++ {
			fmt.Fprintf(&sb, "<row_%d_col_%d>", r, c)
			sb.WriteString(placeholders)
		}
	}
	return sb.String()
}

// BuildChatPrompt wraps the user content in the chat template and opens the
// assistant turn. imageStr may be empty for text-only prompts.
func (b PromptBuilder) BuildChatPrompt(imageStr, userPrompt string) string {
	return "<|im_start|>user\n" + imageStr + userPrompt + "<|im_end|>\n<|im_start|>assistant\n"
}
