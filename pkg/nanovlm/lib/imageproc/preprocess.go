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

package imageproc

import "fmt"

// Normalization declares how pixel bytes map to encoder input floats.
// Which scheme is correct depends on how the paired vision encoder was
// trained: some exports expect plain rescale to [0,1], others expect
// per-channel mean/std on top of it.
type Normalization struct {
	// RescaleFactor multiplies each byte value. Typically 1/255.
	RescaleFactor float32

	// MeanStd enables per-channel standardization after rescaling.
	MeanStd bool
	Mean    [3]float32
	Std     [3]float32
}

// DefaultNormalization rescales to [0, 1] with no standardization.
func DefaultNormalization() Normalization {
	return Normalization{RescaleFactor: 1.0 / 255.0}
}

// Config holds the preprocessing parameters for one vision encoder.
type Config struct {
	// MaxSideLen bounds the long side of the resized image.
	MaxSideLen int

	// PatchSize is the tile edge length; resized dimensions are multiples
	// of it and each emitted tensor is PatchSize x PatchSize.
	PatchSize int

	// ResizeToMax forces the long side to exactly MaxSideLen instead of
	// stopping at the patch-aligned original size.
	ResizeToMax bool

	// Norm is the declared normalization scheme.
	Norm Normalization
}

// Tensor is a CHW float32 image tensor.
type Tensor struct {
	Data     []float32
	Channels int
	Height   int
	Width    int
}

// Result is the ordered output of preprocessing one image: the global view
// first (only when the grid is larger than 1x1), then row-major tiles.
type Result struct {
	Tiles []Tensor
	GridH int
	GridW int
}

// TileCount returns the number of grid tiles, excluding the global view.
func (r *Result) TileCount() int {
	return r.GridH * r.GridW
}

// HasGlobalView reports whether Tiles[0] is the downsampled whole-image view.
func (r *Result) HasGlobalView() bool {
	return r.GridH > 1 || r.GridW > 1
}

// Preprocessor turns raw RGB images into batches of encoder input tensors.
type Preprocessor struct {
	cfg Config
}

// NewPreprocessor validates the configuration and returns a Preprocessor.
func NewPreprocessor(cfg Config) (*Preprocessor, error) {
	if cfg.PatchSize <= 0 {
		return nil, fmt.Errorf("patch size must be positive, got %d", cfg.PatchSize)
	}
	if cfg.MaxSideLen < cfg.PatchSize {
		return nil, fmt.Errorf("max side length %d smaller than patch size %d", cfg.MaxSideLen, cfg.PatchSize)
	}
	if cfg.Norm.RescaleFactor == 0 {
		cfg.Norm.RescaleFactor = 1.0 / 255.0
	}
	return &Preprocessor{cfg: cfg}, nil
}

// Process resizes, tiles and normalizes one image.
//
// The image is bicubically resized to patch-aligned dimensions (see
// ComputeDynamicResize). When the resulting grid is a single tile, exactly
// one tensor is emitted and no global view. Otherwise a global view
// (the resized image downsampled to one patch) is emitted first, followed
// by grid_h*grid_w row-major crops.
func (p *Preprocessor) Process(img Image) (*Result, error) {
	if img.Width < 1 || img.Height < 1 {
		return nil, fmt.Errorf("empty image %dx%d", img.Width, img.Height)
	}

	newH, newW := ComputeDynamicResize(img.Height, img.Width, p.cfg.MaxSideLen, p.cfg.PatchSize, p.cfg.ResizeToMax)
	resized := ResizeBicubic(img, newW, newH)

	gridH := newH / p.cfg.PatchSize
	gridW := newW / p.cfg.PatchSize

	result := &Result{GridH: gridH, GridW: gridW}

	if gridH == 1 && gridW == 1 {
		result.Tiles = []Tensor{p.toCHW(resized)}
		return result, nil
	}

	result.Tiles = make([]Tensor, 0, 1+gridH*gridW)

	global := ResizeBicubic(resized, p.cfg.PatchSize, p.cfg.PatchSize)
	result.Tiles = append(result.Tiles, p.toCHW(global))

	for row := 0; row < gridH; row++ {
		for col := 0; col < gridW; col++ {
			tile, err := Crop(resized, col*p.cfg.PatchSize, row*p.cfg.PatchSize, p.cfg.PatchSize, p.cfg.PatchSize)
			if err != nil {
				return nil, fmt.Errorf("cropping tile (%d,%d): %w", row, col, err)
			}
			result.Tiles = append(result.Tiles, p.toCHW(tile))
		}
	}

	return result, nil
}

// ProcessARGB preprocesses a raw ARGB8888 buffer (alpha stripped).
func (p *Preprocessor) ProcessARGB(buf []byte, width, height int) (*Result, error) {
	img, err := FromARGB(buf, width, height)
	if err != nil {
		return nil, err
	}
	return p.Process(img)
}

// toCHW converts HWC bytes to a CHW float32 tensor under the configured
// normalization scheme.
func (p *Preprocessor) toCHW(img Image) Tensor {
	norm := p.cfg.Norm
	plane := img.Height * img.Width

	t := Tensor{
		Data:     make([]float32, 3*plane),
		Channels: 3,
		Height:   img.Height,
		Width:    img.Width,
	}

	for c := 0; c < 3; c++ {
		for px := 0; px < plane; px++ {
			v := float32(img.Pix[px*3+c]) * norm.RescaleFactor
			if norm.MeanStd {
				v = (v - norm.Mean[c]) / norm.Std[c]
			}
			t.Data[c*plane+px] = v
		}
	}

	return t
}
