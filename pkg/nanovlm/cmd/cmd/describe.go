// Copyright 2026 Baseweight, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/baseweight/nanovlm/pkg/nanovlm"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/backends"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/pipelines"
)

var (
	describeModelDir string
	describeImage    string
	describePrompt   string
	describeStream   bool
	describeSample   bool
	temperature      float64
	topK             int
	topP             float64
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Generate text about an image (or from a plain prompt)",
	Long: `Load a vision-language model, optionally encode an image, and run a
prefill+decode generation. Without --image the generation is text-only.`,
	RunE: runDescribe,
}

func init() {
	rootCmd.AddCommand(describeCmd)

	describeCmd.Flags().StringVar(&describeModelDir, "model", "", "model directory (required)")
	describeCmd.Flags().StringVar(&describeImage, "image", "", "image file to describe (png, jpeg, webp)")
	describeCmd.Flags().StringVar(&describePrompt, "prompt", "What do you see in this image?", "user prompt")
	describeCmd.Flags().Int("max-tokens", 256, "maximum number of generated tokens")
	describeCmd.Flags().BoolVar(&describeStream, "stream", false, "print tokens as they decode")
	describeCmd.Flags().BoolVar(&describeSample, "sample", false, "sample instead of greedy decoding")
	describeCmd.Flags().Float64Var(&temperature, "temperature", 1.0, "sampling temperature")
	describeCmd.Flags().IntVar(&topK, "top-k", 0, "top-k sampling cutoff (0 = disabled)")
	describeCmd.Flags().Float64Var(&topP, "top-p", 0, "nucleus sampling threshold (0 = disabled)")
	_ = describeCmd.MarkFlagRequired("model")
	mustBindPFlag("max_tokens", describeCmd.Flags().Lookup("max-tokens"))
}

func runDescribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(viper.GetString("log.level"), viper.GetString("log.style"))
	defer func() {
		_ = logger.Sync()
	}()

	factory, err := backends.DefaultSessionFactory()
	if err != nil {
		return err
	}

	model, err := nanovlm.Load(describeModelDir, factory, nanovlm.Options{
		Logger: logger,
		Session: []backends.SessionOption{
			backends.WithSessionGPUMode(backends.GPUMode(viper.GetString("gpu"))),
		},
	})
	if err != nil {
		return fmt.Errorf("loading model: %w", err)
	}
	defer func() {
		_ = model.Close()
	}()

	// Cancel the decode loop cooperatively on the first signal; a second
	// signal kills the process via the restored default handler.
	go func() {
		<-ctx.Done()
		model.Cancel()
	}()

	if describeImage != "" {
		if err := model.ProcessImageFile(ctx, describeImage); err != nil {
			return fmt.Errorf("processing image: %w", err)
		}
	}

	opts := pipelines.GenerateOptions{
		MaxTokens: viper.GetInt("max_tokens"),
		Sampling: pipelines.SamplingConfig{
			DoSample:    describeSample,
			Temperature: float32(temperature),
			TopK:        topK,
			TopP:        float32(topP),
		},
	}

	if describeStream {
		return streamGeneration(ctx, model, opts)
	}

	result, err := model.Generate(ctx, describePrompt, opts)
	if err != nil {
		return err
	}
	fmt.Println(result.Text)
	logger.Debug("generation stats",
		zap.Int("tokens", len(result.TokenIDs)),
		zap.String("state", result.State.String()),
		zap.Bool("eos", result.StoppedAtEOS))
	return nil
}

func streamGeneration(ctx context.Context, model *nanovlm.Model, opts pipelines.GenerateOptions) error {
	tokens, done, err := model.GenerateStream(ctx, describePrompt, opts)
	if err != nil {
		return err
	}
	for delta := range tokens {
		fmt.Print(delta.Text)
		_ = os.Stdout.Sync()
	}
	fmt.Println()

	end := <-done
	if end.Err != nil {
		return end.Err
	}
	if end.Result.State == pipelines.StateCancelled {
		fmt.Fprintln(os.Stderr, "generation cancelled")
	}
	return nil
}
