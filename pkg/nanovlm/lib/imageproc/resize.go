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

import "math"

func clip(x, lower, upper int) int {
	if x < lower {
		return lower
	}
	if x > upper {
		return upper
	}
	return x
}

// alignUp rounds x up to the nearest multiple of n.
func alignUp(x, n int) int {
	return ((x + n - 1) / n) * n
}

// ComputeDynamicResize returns the (height, width) an origH x origW image
// should be resized to so that both sides are multiples of patchSize.
//
// The long side becomes maxSideLen when resizeToMax is set, otherwise the
// smaller of maxSideLen and the long side aligned up to patchSize. The short
// side scales proportionally, rounded up to a patch multiple and never below
// one patch. The orientation of the original image is preserved.
func ComputeDynamicResize(origH, origW, maxSideLen, patchSize int, resizeToMax bool) (int, int) {
	longSide := origW
	shortSide := origH
	if origH > origW {
		longSide, shortSide = origH, origW
	}

	var targetLong int
	if resizeToMax {
		targetLong = maxSideLen
	} else {
		targetLong = alignUp(longSide, patchSize)
		if targetLong > maxSideLen {
			targetLong = maxSideLen
		}
	}

	scale := float64(targetLong) / float64(longSide)

	// Ceiling keeps the short side from undershooting a patch boundary.
	targetShort := int(math.Ceil(float64(shortSide)*scale/float64(patchSize))) * patchSize
	if targetShort < patchSize {
		targetShort = patchSize
	}

	if origW >= origH {
		return targetShort, targetLong
	}
	return targetLong, targetShort
}

// ResizeBicubic resamples src to targetWidth x targetHeight using a 4-tap
// cubic-convolution kernel with edge-clamped source indexing. Each channel
// of each output pixel is rounded and clamped to [0, 255].
//
// This is the difference-form cubic convolution the paired vision encoders
// were exported against, not a general-purpose library resize; changing the
// kernel shifts pixel values enough to perturb encoder outputs. Samples and
// polynomial terms stay in single precision while the coefficients fold
// through double before truncating back; both matter for byte-exact output.
func ResizeBicubic(src Image, targetWidth, targetHeight int) Image {
	nx := src.Width
	ny := src.Height

	dst := NewImage(targetWidth, targetHeight)

	tx := float32(nx) / float32(targetWidth)
	ty := float32(ny) / float32(targetHeight)

	sample := func(x, y, c int) float32 {
		return float32(src.Pix[(clip(y, 0, ny-1)*nx+clip(x, 0, nx-1))*3+c])
	}

	var col [4]float32
	for i := 0; i < targetHeight; i++ {
		for j := 0; j < targetWidth; j++ {
			x := int(tx * float32(j))
			y := int(ty * float32(i))

			dx := tx*float32(j) - float32(x)
			dy := ty*float32(i) - float32(y)

			for c := 0; c < 3; c++ {
				// Horizontal pass: interpolate each of the four rows
				// around y at fractional offset dx.
				for jj := 0; jj <= 3; jj++ {
					row := y - 1 + jj
					a0 := sample(x, row, c)
					d0 := sample(x-1, row, c) - a0
					d2 := sample(x+1, row, c) - a0
					d3 := sample(x+2, row, c) - a0

					a1 := float32(-1.0/3*float64(d0) + float64(d2) - 1.0/6*float64(d3))
					a2 := float32(1.0/2*float64(d0) + 1.0/2*float64(d2))
					a3 := float32(-1.0/6*float64(d0) - 1.0/2*float64(d2) + 1.0/6*float64(d3))
					col[jj] = a0 + a1*dx + a2*dx*dx + a3*dx*dx*dx
				}

				// Vertical pass over the four row samples at offset dy.
				d0 := col[0] - col[1]
				d2 := col[2] - col[1]
				d3 := col[3] - col[1]
				a0 := col[1]
				a1 := float32(-1.0/3*float64(d0) + float64(d2) - 1.0/6*float64(d3))
				a2 := float32(1.0/2*float64(d0) + 1.0/2*float64(d2))
				a3 := float32(-1.0/6*float64(d0) - 1.0/2*float64(d2) + 1.0/6*float64(d3))
				v := a0 + a1*dy + a2*dy*dy + a3*dy*dy*dy

				r := float32(math.Round(float64(v)))
				if r < 0 {
					r = 0
				} else if r > 255 {
					r = 255
				}
				dst.Pix[(i*targetWidth+j)*3+c] = uint8(r)
			}
		}
	}

	return dst
}
