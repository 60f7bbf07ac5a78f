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

// Package imageproc prepares raw images for the vision encoder: dynamic
// resize to patch-aligned dimensions, bicubic resampling, tiling with an
// optional global view, and HWC-to-CHW float conversion under a declared
// normalization scheme.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/webp"
)

// Image is a packed 8-bit RGB image, rows top to bottom.
type Image struct {
	Width  int
	Height int
	// Pix holds interleaved RGB bytes, length 3*Width*Height.
	Pix []uint8
}

// NewImage allocates a zeroed RGB image.
func NewImage(width, height int) Image {
	return Image{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, 3*width*height),
	}
}

// Decode reads an encoded image (png, jpeg or webp) and converts it to RGB.
func Decode(r io.Reader) (Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Image{}, fmt.Errorf("decoding image: %w", err)
	}
	return FromImage(img), nil
}

// DecodeBytes decodes an in-memory encoded image.
func DecodeBytes(data []byte) (Image, error) {
	return Decode(bytes.NewReader(data))
}

// LoadFile reads and decodes an image file.
func LoadFile(path string) (Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("opening image %s: %w", path, err)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return Image{}, fmt.Errorf("reading image %s: %w", path, err)
	}
	return img, nil
}

// FromImage converts a stdlib image to packed RGB, dropping alpha.
func FromImage(src image.Image) Image {
	bounds := src.Bounds()
	out := NewImage(bounds.Dx(), bounds.Dy())
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := src.At(x, y).RGBA()
			out.Pix[i] = uint8(r >> 8)
			out.Pix[i+1] = uint8(g >> 8)
			out.Pix[i+2] = uint8(b >> 8)
			i += 3
		}
	}
	return out
}

// FromARGB converts a packed ARGB8888 buffer (4 bytes per pixel, alpha
// first) to RGB. This is the entry point for camera/screen captures handed
// over as raw buffers.
func FromARGB(buf []byte, width, height int) (Image, error) {
	if len(buf) < 4*width*height {
		return Image{}, fmt.Errorf("ARGB buffer too short: have %d bytes, need %d", len(buf), 4*width*height)
	}
	out := NewImage(width, height)
	for p := 0; p < width*height; p++ {
		src := p * 4
		dst := p * 3
		out.Pix[dst] = buf[src+1]
		out.Pix[dst+1] = buf[src+2]
		out.Pix[dst+2] = buf[src+3]
	}
	return out, nil
}

// Crop returns the w x h region of src with top-left corner (x, y).
func Crop(src Image, x, y, w, h int) (Image, error) {
	if x < 0 || y < 0 || x+w > src.Width || y+h > src.Height {
		return Image{}, fmt.Errorf("crop region (%d,%d %dx%d) out of bounds for %dx%d image",
			x, y, w, h, src.Width, src.Height)
	}

	dst := NewImage(w, h)
	for row := 0; row < h; row++ {
		srcOff := ((y+row)*src.Width + x) * 3
		dstOff := row * w * 3
		copy(dst.Pix[dstOff:dstOff+w*3], src.Pix[srcOff:srcOff+w*3])
	}
	return dst, nil
}
