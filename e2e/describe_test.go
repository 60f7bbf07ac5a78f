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

package e2e

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baseweight/nanovlm/pkg/nanovlm"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/backends"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/imageproc"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/pipelines"
)

// modelDirEnv names a local model directory with the exported ONNX graphs
// and tokenizer. The tests skip when it is unset, so the suite stays green
// on machines without model weights or an ONNX runtime.
const modelDirEnv = "NANOVLM_E2E_MODEL"

func loadE2EModel(t *testing.T) *nanovlm.Model {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}
	modelDir := os.Getenv(modelDirEnv)
	if modelDir == "" {
		t.Skipf("Skipping: %s not set", modelDirEnv)
	}

	factory, err := backends.DefaultSessionFactory()
	if err != nil {
		t.Skipf("Skipping: %v", err)
	}

	model, err := nanovlm.Load(modelDir, factory, nanovlm.Options{
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, model.Close())
	})
	return model
}

// testImagePNG renders a small synthetic scene: a red square on white.
func testImagePNG(t *testing.T) imageproc.Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			c := color.RGBA{255, 255, 255, 255}
			if x >= 64 && x < 192 && y >= 64 && y < 192 {
				c = color.RGBA{220, 30, 30, 255}
			}
			img.Set(x, y, c)
		}
	}

	// Round-trip through PNG so the decode path is exercised too.
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	decoded, err := imageproc.DecodeBytes(buf.Bytes())
	require.NoError(t, err)
	return decoded
}

func TestDescribeImageE2E(t *testing.T) {
	model := loadE2EModel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	require.NoError(t, model.ProcessImage(ctx, testImagePNG(t)))

	result, err := model.Generate(ctx, "What color is the square?", pipelines.GenerateOptions{
		MaxTokens: 32,
	})
	require.NoError(t, err)

	assert.Equal(t, pipelines.StateCompleted, result.State)
	assert.NotEmpty(t, result.Text)
	assert.NotEmpty(t, result.TokenIDs)
	t.Logf("model answered: %q", result.Text)
}

func TestDescribeSingleTokenE2E(t *testing.T) {
	model := loadE2EModel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	require.NoError(t, model.ProcessImage(ctx, testImagePNG(t)))

	// A budget of one decode stops right after the prefill-sampled token.
	result, err := model.Generate(ctx, "Describe this image.", pipelines.GenerateOptions{
		MaxTokens: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, pipelines.StateCompleted, result.State)
	assert.Len(t, result.TokenIDs, 1)
}

func TestTextOnlyGenerationE2E(t *testing.T) {
	model := loadE2EModel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := model.Generate(ctx, "Say hello.", pipelines.GenerateOptions{
		MaxTokens: 16,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.TokenIDs)
}

func TestStreamingMatchesBlockingE2E(t *testing.T) {
	model := loadE2EModel(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	require.NoError(t, model.ProcessImage(ctx, testImagePNG(t)))

	tokens, done, err := model.GenerateStream(ctx, "Describe this image.", pipelines.GenerateOptions{
		MaxTokens: 16,
	})
	require.NoError(t, err)

	var streamed []int
	for delta := range tokens {
		streamed = append(streamed, delta.ID)
	}
	end := <-done
	require.NoError(t, end.Err)

	// Greedy decoding is deterministic: the streamed ids are exactly the
	// result's ids, in order.
	assert.Equal(t, end.Result.TokenIDs, streamed)
}
