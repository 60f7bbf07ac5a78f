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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigJSON = `{
	"lm_vocab_size": 49280,
	"lm_hidden_dim": 576,
	"lm_n_blocks": 30,
	"lm_n_heads": 9,
	"lm_n_kv_heads": 3,
	"vit_img_size": 512,
	"mp_image_token_length": 64,
	"max_img_size": 2048,
	"splitted_image_size": 512,
	"resize_to_max_side_len": false,
	"vlm_extra_tokens": {
		"image_token": "<|image|>",
		"global_image_token": "<|global_image|>"
	},
	"image_token_id": 49190,
	"eos_token_id": 2
}`

func writeTestModelDir(t *testing.T, graphs ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(testConfigJSON), 0o644))
	for _, g := range graphs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, g), []byte("onnx"), 0o644))
	}
	return dir
}

func TestLoadVLMModelConfigMergedDecoder(t *testing.T) {
	dir := writeTestModelDir(t,
		"vision_encoder.onnx", "modality_projector.onnx",
		"token_embedding.onnx", "lm_head.onnx", "decoder_model_merged.onnx")

	cfg, err := LoadVLMModelConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 49280, cfg.VocabSize)
	assert.Equal(t, 576, cfg.HiddenDim)
	assert.Equal(t, 30, cfg.NumLayers)
	assert.Equal(t, 9, cfg.NumHeads)
	assert.Equal(t, 3, cfg.NumKVHeads)
	assert.Equal(t, 64, cfg.HeadDim)
	assert.Equal(t, 64, cfg.ImageTokenLength)
	assert.Equal(t, "<|image|>", cfg.ImageToken)
	assert.Equal(t, 49190, cfg.ImageTokenID)
	assert.Equal(t, 0, cfg.GlobalImageTokenID)
	assert.Equal(t, 2, cfg.EOSTokenID)
	assert.Equal(t, 2048, cfg.Preprocess.MaxSideLen)
	assert.Equal(t, 512, cfg.Preprocess.PatchSize)

	assert.True(t, cfg.MergedDecoder())
	assert.NotEmpty(t, cfg.LMHeadPath)
	assert.Empty(t, cfg.PrefillPath)
}

func TestLoadVLMModelConfigSplitDecoder(t *testing.T) {
	dir := writeTestModelDir(t,
		"vision_encoder.onnx", "modality_projector.onnx",
		"token_embedding.onnx", "decoder_prefill.onnx", "decoder_decode.onnx")

	cfg, err := LoadVLMModelConfig(dir)
	require.NoError(t, err)

	assert.False(t, cfg.MergedDecoder())
	assert.NotEmpty(t, cfg.PrefillPath)
	assert.NotEmpty(t, cfg.DecodePath)
	assert.Empty(t, cfg.LMHeadPath)
}

func TestLoadVLMModelConfigMissingDecoder(t *testing.T) {
	dir := writeTestModelDir(t,
		"vision_encoder.onnx", "modality_projector.onnx", "token_embedding.onnx")

	_, err := LoadVLMModelConfig(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadVLMModelConfigMissingVisionEncoder(t *testing.T) {
	dir := writeTestModelDir(t, "modality_projector.onnx", "decoder_model_merged.onnx")

	_, err := LoadVLMModelConfig(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadVLMModelConfigPreprocessorNormalization(t *testing.T) {
	dir := writeTestModelDir(t,
		"vision_encoder.onnx", "modality_projector.onnx",
		"token_embedding.onnx", "decoder_model_merged.onnx")
	preproc := `{
		"do_normalize": true,
		"rescale_factor": 0.00392156862745098,
		"image_mean": [0.5, 0.5, 0.5],
		"image_std": [0.5, 0.5, 0.5]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "preprocessor_config.json"), []byte(preproc), 0o644))

	cfg, err := LoadVLMModelConfig(dir)
	require.NoError(t, err)

	assert.True(t, cfg.Preprocess.Norm.MeanStd)
	assert.Equal(t, float32(0.5), cfg.Preprocess.Norm.Mean[0])
	assert.InDelta(t, 1.0/255.0, cfg.Preprocess.Norm.RescaleFactor, 1e-9)
}

func TestLoadVLMModelConfigRejectsMissingDimensions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"vlm_extra_tokens": {"image_token": "<|image|>"}}`), 0o644))

	_, err := LoadVLMModelConfig(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestIsVLMModel(t *testing.T) {
	dir := writeTestModelDir(t, "vision_encoder.onnx", "modality_projector.onnx")
	assert.True(t, IsVLMModel(dir))
	assert.False(t, IsVLMModel(t.TempDir()))
}

func TestFirstNonZero(t *testing.T) {
	assert.Equal(t, 3, FirstNonZero(0, 0, 3, 5))
	assert.Equal(t, 0, FirstNonZero(0, 0))
}
