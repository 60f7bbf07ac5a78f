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

import "fmt"

// FuseEmbeddings overwrites the rows of tokenEmbeds that correspond to image
// placeholder tokens with consecutive rows of imageEmbeds.
//
// tokenEmbeds is a flattened [len(tokenIDs) x hiddenDim] matrix and is
// modified in place. imageEmbeds is a flattened [rows x hiddenDim] matrix
// whose rows are consumed strictly in order, one per placeholder occurrence
// of imageTokenID or globalImageTokenID. Consuming more rows than imageEmbeds
// holds is a configuration error; leftover rows are ignored.
func FuseEmbeddings(tokenIDs []int, tokenEmbeds, imageEmbeds []float32, hiddenDim int, imageTokenID, globalImageTokenID int) error {
	if hiddenDim <= 0 {
		return fmt.Errorf("%w: non-positive hidden dim %d", ErrConfiguration, hiddenDim)
	}
	if len(tokenEmbeds) != len(tokenIDs)*hiddenDim {
		return fmt.Errorf("%w: token embedding length %d does not match %d tokens x %d dims",
			ErrSchemaMismatch, len(tokenEmbeds), len(tokenIDs), hiddenDim)
	}
	if len(imageEmbeds)%hiddenDim != 0 {
		return fmt.Errorf("%w: image embedding length %d not a multiple of hidden dim %d",
			ErrSchemaMismatch, len(imageEmbeds), hiddenDim)
	}

	imageRows := len(imageEmbeds) / hiddenDim
	next := 0
	for pos, id := range tokenIDs {
		if id != imageTokenID && id != globalImageTokenID {
			continue
		}
		if next >= imageRows {
			return fmt.Errorf("%w: prompt has more image placeholder tokens than the %d image embedding rows available",
				ErrConfiguration, imageRows)
		}
		copy(tokenEmbeds[pos*hiddenDim:(pos+1)*hiddenDim], imageEmbeds[next*hiddenDim:(next+1)*hiddenDim])
		next++
	}
	return nil
}

// CountPlaceholders returns the number of image placeholder tokens in ids.
func CountPlaceholders(ids []int, imageTokenID, globalImageTokenID int) int {
	n := 0
	for _, id := range ids {
		if id == imageTokenID || id == globalImageTokenID {
			n++
		}
	}
	return n
}
