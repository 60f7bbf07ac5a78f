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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/imageproc"
)

// VLMModelConfig is the resolved configuration for a vision-language model
// directory. It merges config.json and preprocessor_config.json and records
// the discovered ONNX graph paths.
type VLMModelConfig struct {
	ModelPath string

	// Language model architecture.
	HiddenDim  int
	NumLayers  int
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	VocabSize  int

	// Vision tower and modality projector.
	VisionInputSize  int
	ImageTokenLength int

	// Placeholder token strings resolved against the tokenizer at load time.
	ImageToken       string
	GlobalImageToken string

	// Explicit reserved ids from config.json. Zero means the id comes from
	// encoding the token string instead.
	ImageTokenID       int
	GlobalImageTokenID int
	EOSTokenID         int

	// Image preprocessing.
	Preprocess imageproc.Config

	// Discovered graph paths. VisionEncoderPath, ProjectorPath,
	// TokenEmbeddingPath and one decoder shape are mandatory; LMHeadPath is
	// empty when the decoder emits logits directly.
	VisionEncoderPath  string
	ProjectorPath      string
	TokenEmbeddingPath string
	LMHeadPath         string

	// Either MergedDecoderPath is set (one graph serves prefill and decode,
	// fed cache tensors from step zero), or PrefillPath and DecodePath are.
	MergedDecoderPath string
	PrefillPath       string
	DecodePath        string
}

// MergedDecoder reports whether a single decoder graph serves both the
// prefill and the per-token decode steps.
func (c *VLMModelConfig) MergedDecoder() bool {
	return c.MergedDecoderPath != ""
}

// rawVLMConfig represents the model's config.json structure.
type rawVLMConfig struct {
	VocabSize  int `json:"lm_vocab_size"`
	HiddenDim  int `json:"lm_hidden_dim"`
	NumLayers  int `json:"lm_n_blocks"`
	NumHeads   int `json:"lm_n_heads"`
	NumKVHeads int `json:"lm_n_kv_heads"`

	VisionImageSize  int `json:"vit_img_size"`
	ImageTokenLength int `json:"mp_image_token_length"`

	MaxImageSize     int  `json:"max_img_size"`
	SplitImageSize   int  `json:"splitted_image_size"`
	ResizeToMaxSide  bool `json:"resize_to_max_side_len"`

	ExtraTokens struct {
		ImageToken       string `json:"image_token"`
		GlobalImageToken string `json:"global_image_token"`
	} `json:"vlm_extra_tokens"`

	ImageTokenID       int `json:"image_token_id"`
	GlobalImageTokenID int `json:"global_image_token_id"`
	EOSTokenID         int `json:"eos_token_id"`

	// Fallbacks used by transformers-style exports.
	HFVocabSize  int `json:"vocab_size"`
	HFHiddenSize int `json:"hidden_size"`
	HFNumLayers  int `json:"num_hidden_layers"`
	HFNumHeads   int `json:"num_attention_heads"`
	HFNumKVHeads int `json:"num_key_value_heads"`
}

// rawVLMPreprocessorConfig represents preprocessor_config.json.
type rawVLMPreprocessorConfig struct {
	ImageMean     []float32 `json:"image_mean"`
	ImageStd      []float32 `json:"image_std"`
	DoNormalize   bool      `json:"do_normalize"`
	DoRescale     bool      `json:"do_rescale"`
	RescaleFactor float32   `json:"rescale_factor"`
}

// LoadVLMModelConfig loads and validates the configuration for the model
// directory at modelPath.
func LoadVLMModelConfig(modelPath string) (*VLMModelConfig, error) {
	raw, err := loadRawVLMConfig(modelPath)
	if err != nil {
		return nil, err
	}
	preproc := loadVLMPreprocessorConfig(modelPath)

	cfg := &VLMModelConfig{
		ModelPath:        modelPath,
		VocabSize:        FirstNonZero(raw.VocabSize, raw.HFVocabSize),
		HiddenDim:        FirstNonZero(raw.HiddenDim, raw.HFHiddenSize),
		NumLayers:        FirstNonZero(raw.NumLayers, raw.HFNumLayers),
		NumHeads:         FirstNonZero(raw.NumHeads, raw.HFNumHeads),
		NumKVHeads:       FirstNonZero(raw.NumKVHeads, raw.HFNumKVHeads, raw.NumHeads, raw.HFNumHeads),
		VisionInputSize:  FirstNonZero(raw.VisionImageSize, 512),
		ImageTokenLength: FirstNonZero(raw.ImageTokenLength, 64),
		ImageToken:       raw.ExtraTokens.ImageToken,
		GlobalImageToken: raw.ExtraTokens.GlobalImageToken,

		ImageTokenID:       raw.ImageTokenID,
		GlobalImageTokenID: raw.GlobalImageTokenID,
		EOSTokenID:         raw.EOSTokenID,
	}

	if cfg.VocabSize <= 0 || cfg.HiddenDim <= 0 || cfg.NumLayers <= 0 || cfg.NumHeads <= 0 {
		return nil, fmt.Errorf("%w: config.json missing language model dimensions (vocab=%d hidden=%d layers=%d heads=%d)",
			ErrConfiguration, cfg.VocabSize, cfg.HiddenDim, cfg.NumLayers, cfg.NumHeads)
	}
	if cfg.HiddenDim%cfg.NumHeads != 0 {
		return nil, fmt.Errorf("%w: hidden dim %d not divisible by %d heads", ErrConfiguration, cfg.HiddenDim, cfg.NumHeads)
	}
	cfg.HeadDim = cfg.HiddenDim / cfg.NumHeads
	if cfg.ImageToken == "" {
		return nil, fmt.Errorf("%w: config.json missing vlm_extra_tokens.image_token", ErrConfiguration)
	}

	cfg.Preprocess = imageproc.Config{
		MaxSideLen:  FirstNonZero(raw.MaxImageSize, 2048),
		PatchSize:   FirstNonZero(raw.SplitImageSize, cfg.VisionInputSize),
		ResizeToMax: raw.ResizeToMaxSide,
		Norm:        buildNormalization(preproc),
	}

	if err := discoverGraphs(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRawVLMConfig(path string) (*rawVLMConfig, error) {
	configPath := filepath.Join(path, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config.json: %w", err)
	}

	var config rawVLMConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}
	return &config, nil
}

func loadVLMPreprocessorConfig(path string) *rawVLMPreprocessorConfig {
	configPath := filepath.Join(path, "preprocessor_config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil
	}

	var config rawVLMPreprocessorConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil
	}
	return &config
}

// buildNormalization derives the pixel normalization scheme. Absent a
// preprocessor config the pipeline rescales to [0,1] and stops there;
// mean/std standardization must be requested explicitly.
func buildNormalization(preproc *rawVLMPreprocessorConfig) imageproc.Normalization {
	norm := imageproc.DefaultNormalization()
	if preproc == nil {
		return norm
	}
	if preproc.RescaleFactor != 0 {
		norm.RescaleFactor = preproc.RescaleFactor
	}
	if preproc.DoNormalize && len(preproc.ImageMean) == 3 && len(preproc.ImageStd) == 3 {
		norm.MeanStd = true
		copy(norm.Mean[:], preproc.ImageMean)
		copy(norm.Std[:], preproc.ImageStd)
	}
	return norm
}

// discoverGraphs locates the ONNX graphs in the model directory.
func discoverGraphs(cfg *VLMModelConfig) error {
	cfg.VisionEncoderPath = FindONNXFile(cfg.ModelPath, []string{
		"vision_encoder.onnx",
		"vision_model.onnx",
	})
	if cfg.VisionEncoderPath == "" {
		return fmt.Errorf("%w: no vision encoder graph in %s", ErrConfiguration, cfg.ModelPath)
	}

	cfg.ProjectorPath = FindONNXFile(cfg.ModelPath, []string{
		"modality_projector.onnx",
		"projector.onnx",
	})
	if cfg.ProjectorPath == "" {
		return fmt.Errorf("%w: no modality projector graph in %s", ErrConfiguration, cfg.ModelPath)
	}

	cfg.TokenEmbeddingPath = FindONNXFile(cfg.ModelPath, []string{
		"token_embedding.onnx",
		"embed_tokens.onnx",
	})
	if cfg.TokenEmbeddingPath == "" {
		return fmt.Errorf("%w: no token embedding graph in %s", ErrConfiguration, cfg.ModelPath)
	}

	// Optional: some exports fold the head into the decoder.
	cfg.LMHeadPath = FindONNXFile(cfg.ModelPath, []string{
		"lm_head.onnx",
	})

	cfg.MergedDecoderPath = FindONNXFile(cfg.ModelPath, []string{
		"decoder_model_merged.onnx",
		"decoder_merged.onnx",
	})
	if cfg.MergedDecoderPath != "" {
		return nil
	}

	cfg.PrefillPath = FindONNXFile(cfg.ModelPath, []string{
		"decoder_prefill.onnx",
		"prefill.onnx",
	})
	cfg.DecodePath = FindONNXFile(cfg.ModelPath, []string{
		"decoder_decode.onnx",
		"decode.onnx",
	})
	if cfg.PrefillPath == "" || cfg.DecodePath == "" {
		return fmt.Errorf("%w: no decoder graphs in %s (want decoder_model_merged.onnx or decoder_prefill.onnx+decoder_decode.onnx)",
			ErrConfiguration, cfg.ModelPath)
	}
	return nil
}

// IsVLMModel checks if a model path contains a vision-language model.
func IsVLMModel(path string) bool {
	encoder := FindONNXFile(path, []string{"vision_encoder.onnx", "vision_model.onnx"})
	projector := FindONNXFile(path, []string{"modality_projector.onnx", "projector.onnx"})
	return encoder != "" && projector != ""
}

// FindONNXFile returns the first of candidates that exists under dir, or "".
func FindONNXFile(dir string, candidates []string) string {
	for _, name := range candidates {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// FirstNonZero returns the first non-zero value, or 0 if all are zero.
func FirstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
