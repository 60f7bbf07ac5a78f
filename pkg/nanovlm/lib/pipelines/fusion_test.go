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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testImageTokenID       = 1000
	testGlobalImageTokenID = 1001
)

func TestFuseEmbeddingsRewritesPlaceholderRows(t *testing.T) {
	// Tokens: text, placeholder, text, global placeholder.
	ids := []int{5, testImageTokenID, 6, testGlobalImageTokenID}
	tokenEmbeds := []float32{
		1, 1, // text row, must survive
		0, 0, // placeholder row
		2, 2, // text row, must survive
		0, 0, // placeholder row
	}
	imageEmbeds := []float32{10, 11, 20, 21}

	require.NoError(t, FuseEmbeddings(ids, tokenEmbeds, imageEmbeds, 2, testImageTokenID, testGlobalImageTokenID))

	assert.Equal(t, []float32{1, 1, 10, 11, 2, 2, 20, 21}, tokenEmbeds)
}

func TestFuseEmbeddingsConsumesRowsInOrder(t *testing.T) {
	ids := []int{testImageTokenID, testImageTokenID, testImageTokenID}
	tokenEmbeds := make([]float32, 3)
	imageEmbeds := []float32{7, 8, 9}

	require.NoError(t, FuseEmbeddings(ids, tokenEmbeds, imageEmbeds, 1, testImageTokenID, testGlobalImageTokenID))
	assert.Equal(t, []float32{7, 8, 9}, tokenEmbeds)
}

func TestFuseEmbeddingsLeftoverRowsIgnored(t *testing.T) {
	ids := []int{testImageTokenID, 5}
	tokenEmbeds := []float32{0, 1}
	imageEmbeds := []float32{7, 8, 9} // two rows unused beyond the first

	require.NoError(t, FuseEmbeddings(ids, tokenEmbeds, imageEmbeds, 1, testImageTokenID, testGlobalImageTokenID))
	assert.Equal(t, []float32{7, 1}, tokenEmbeds)
}

func TestFuseEmbeddingsOverrun(t *testing.T) {
	ids := []int{testImageTokenID, testImageTokenID}
	tokenEmbeds := make([]float32, 2)
	imageEmbeds := []float32{7} // one row for two placeholders

	err := FuseEmbeddings(ids, tokenEmbeds, imageEmbeds, 1, testImageTokenID, testGlobalImageTokenID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestFuseEmbeddingsShapeMismatch(t *testing.T) {
	err := FuseEmbeddings([]int{5}, []float32{1, 2, 3}, nil, 2, testImageTokenID, testGlobalImageTokenID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestCountPlaceholders(t *testing.T) {
	ids := []int{1, testImageTokenID, 2, testGlobalImageTokenID, testImageTokenID}
	assert.Equal(t, 3, CountPlaceholders(ids, testImageTokenID, testGlobalImageTokenID))
	assert.Equal(t, 0, CountPlaceholders([]int{1, 2, 3}, testImageTokenID, testGlobalImageTokenID))
}
