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

	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/backends"
)

// KVCache holds the decoder's per-layer key/value history as a flat slice of
// tensors indexed by layer, key tensors at even positions and value tensors
// at odd ones. Each tensor has shape [1, numKVHeads, seqLen, headDim].
//
// One KVCache belongs to exactly one generation; it is allocated at prefill
// and released when the generation reaches a terminal state. It is not safe
// for concurrent use.
type KVCache struct {
	numLayers  int
	numKVHeads int
	headDim    int
	seqLen     int64
	entries    []backends.NamedTensor
}

// NewKVCache allocates an empty cache with zero-length sequence tensors, so
// a merged decoder graph can consume it on the prefill step.
func NewKVCache(numLayers, numKVHeads, headDim int) *KVCache {
	c := &KVCache{
		numLayers:  numLayers,
		numKVHeads: numKVHeads,
		headDim:    headDim,
		entries:    make([]backends.NamedTensor, 0, 2*numLayers),
	}
	for layer := 0; layer < numLayers; layer++ {
		c.entries = append(c.entries,
			backends.NamedTensor{
				Name:  fmt.Sprintf("past_key_values.%d.key", layer),
				Shape: []int64{1, int64(numKVHeads), 0, int64(headDim)},
				Data:  []float32{},
			},
			backends.NamedTensor{
				Name:  fmt.Sprintf("past_key_values.%d.value", layer),
				Shape: []int64{1, int64(numKVHeads), 0, int64(headDim)},
				Data:  []float32{},
			})
	}
	return c
}

// NumLayers returns the number of decoder layers the cache covers.
func (c *KVCache) NumLayers() int { return c.numLayers }

// SeqLen returns the current cached sequence length.
func (c *KVCache) SeqLen() int64 { return c.seqLen }

// Inputs returns the cache tensors in decoder input order
// (key then value per layer).
func (c *KVCache) Inputs() []backends.NamedTensor { return c.entries }

// UpdateFromPrefill replaces the cache with the present tensors of a prefill
// run. outputs is the decoder's full output list; index 0 is the hidden
// states or logits and each layer contributes a key and a value after it.
func (c *KVCache) UpdateFromPrefill(outputs []backends.NamedTensor) error {
	presents, err := c.presentTensors(outputs)
	if err != nil {
		return err
	}
	seqLen, err := c.presentSeqLen(presents)
	if err != nil {
		return err
	}
	copy(c.entries, presents)
	c.rename()
	c.seqLen = seqLen
	return nil
}

// UpdateFromDecode folds the present tensors of a single decode step into
// the cache. Exports differ in what the decoder returns: some emit the full
// history (cache length grows to the returned length), others emit only the
// new positions, which are appended along the sequence axis. The returned
// sequence length disambiguates the two.
func (c *KVCache) UpdateFromDecode(outputs []backends.NamedTensor) error {
	presents, err := c.presentTensors(outputs)
	if err != nil {
		return err
	}
	seqLen, err := c.presentSeqLen(presents)
	if err != nil {
		return err
	}

	if seqLen > c.seqLen {
		// Full history returned; take it wholesale.
		copy(c.entries, presents)
		c.rename()
		c.seqLen = seqLen
		return nil
	}

	for i, p := range presents {
		appended, err := concatSeq(c.entries[i], p)
		if err != nil {
			return err
		}
		appended.Name = c.entries[i].Name
		c.entries[i] = appended
	}
	c.seqLen += seqLen
	return nil
}

// Release drops the cached tensors. The cache must not be reused afterwards.
func (c *KVCache) Release() {
	c.entries = nil
	c.seqLen = 0
}

// presentTensors validates output arity and peels off the 2*numLayers
// present tensors following the logits/hidden output.
func (c *KVCache) presentTensors(outputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	want := 2*c.numLayers + 1
	if len(outputs) != want {
		return nil, fmt.Errorf("%w: decoder returned %d outputs, want %d (logits plus key/value for %d layers)",
			ErrSchemaMismatch, len(outputs), want, c.numLayers)
	}
	return outputs[1:], nil
}

// presentSeqLen extracts the shared sequence length from the present
// tensors, checking layout consistency across layers.
func (c *KVCache) presentSeqLen(presents []backends.NamedTensor) (int64, error) {
	var seqLen int64 = -1
	for i, p := range presents {
		if len(p.Shape) != 4 {
			return 0, fmt.Errorf("%w: present tensor %d has rank %d, want 4", ErrSchemaMismatch, i, len(p.Shape))
		}
		if p.Shape[1] != int64(c.numKVHeads) || p.Shape[3] != int64(c.headDim) {
			return 0, fmt.Errorf("%w: present tensor %d has shape %v, want [1 %d seq %d]",
				ErrSchemaMismatch, i, p.Shape, c.numKVHeads, c.headDim)
		}
		if p.Float32Data() == nil {
			return 0, fmt.Errorf("%w: present tensor %d is not float32", ErrSchemaMismatch, i)
		}
		if seqLen == -1 {
			seqLen = p.Shape[2]
		} else if p.Shape[2] != seqLen {
			return 0, fmt.Errorf("%w: present tensors disagree on sequence length (%d vs %d)",
				ErrSchemaMismatch, seqLen, p.Shape[2])
		}
	}
	return seqLen, nil
}

func (c *KVCache) rename() {
	for layer := 0; layer < c.numLayers; layer++ {
		c.entries[2*layer].Name = fmt.Sprintf("past_key_values.%d.key", layer)
		c.entries[2*layer+1].Name = fmt.Sprintf("past_key_values.%d.value", layer)
	}
}

// concatSeq appends b to a along the sequence axis of a [1, heads, seq, dim]
// tensor. Data for each head is contiguous, so the per-head blocks of both
// tensors are interleaved.
func concatSeq(a, b backends.NamedTensor) (backends.NamedTensor, error) {
	heads := a.Shape[1]
	dim := a.Shape[3]
	aSeq, bSeq := a.Shape[2], b.Shape[2]
	aData, bData := a.Float32Data(), b.Float32Data()
	if aData == nil {
		return backends.NamedTensor{}, fmt.Errorf("%w: cache tensor %s is not float32", ErrSchemaMismatch, a.Name)
	}

	aBlock := int(aSeq * dim)
	bBlock := int(bSeq * dim)
	out := make([]float32, int(heads)*(aBlock+bBlock))
	for h := 0; h < int(heads); h++ {
		dst := out[h*(aBlock+bBlock):]
		copy(dst, aData[h*aBlock:(h+1)*aBlock])
		copy(dst[aBlock:], bData[h*bBlock:(h+1)*bBlock])
	}
	return backends.NamedTensor{
		Shape: []int64{1, heads, aSeq + bSeq, dim},
		Data:  out,
	}, nil
}
