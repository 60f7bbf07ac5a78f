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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testPromptBuilder() PromptBuilder {
	return PromptBuilder{
		ImageToken:       "<|image|>",
		GlobalImageToken: "<|global_image|>",
		ImageTokenLength: 3,
	}
}

func TestImageStringSingleTile(t *testing.T) {
	b := testPromptBuilder()
	s := b.ImageString(1, 1)

	assert.Equal(t, strings.Repeat("<|image|>", 3), s)
	assert.NotContains(t, s, "<|global_image|>")
	assert.NotContains(t, s, "<row_")
}

func TestImageStringGrid(t *testing.T) {
	b := testPromptBuilder()
	s := b.ImageString(2, 2)

	placeholders := strings.Repeat("<|image|>", 3)
	want := "<|global_image|>" + placeholders +
		"<row_1_col_1>" + placeholders +
		"<row_1_col_2>" + placeholders +
		"<row_2_col_1>" + placeholders +
		"<row_2_col_2>" + placeholders
	assert.Equal(t, want, s)
}

func TestImageStringPlaceholderCount(t *testing.T) {
	b := testPromptBuilder()

	// Global view plus six tiles, each with ImageTokenLength placeholders.
	s := b.ImageString(2, 3)
	assert.Equal(t, 7*3, strings.Count(s, "<|image|>"))
	assert.Equal(t, 1, strings.Count(s, "<|global_image|>"))
}

func TestBuildChatPrompt(t *testing.T) {
	b := testPromptBuilder()

	got := b.BuildChatPrompt("IMG", "describe this")
	assert.Equal(t, "<|im_start|>user\nIMGdescribe this<|im_end|>\n<|im_start|>assistant\n", got)

	textOnly := b.BuildChatPrompt("", "hello")
	assert.Equal(t, "<|im_start|>user\nhello<|im_end|>\n<|im_start|>assistant\n", textOnly)
}
