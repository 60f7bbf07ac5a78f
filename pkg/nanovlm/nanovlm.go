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

// Package nanovlm loads ONNX-exported vision-language models and runs the
// image -> prefill -> decode inference loop on-device.
//
// A Model is owned by its caller: nothing is process-global, so several
// models can be loaded side by side. All inference for one model runs on a
// single lane; concurrent calls queue up behind it.
package nanovlm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/backends"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/imageproc"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/pipelines"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/tokenizers"
)

// ErrModelClosed is returned for calls on a closed Model.
var ErrModelClosed = errors.New("model is closed")

// Options configures model loading.
type Options struct {
	Logger *zap.Logger

	// Lane bounds callers waiting for the model's inference lane.
	Lane LaneConfig

	// Session options are passed to the backend when creating each
	// inference session.
	Session []backends.SessionOption
}

// Model is one loaded vision-language model: its sessions, tokenizer,
// pipeline and inference lane.
type Model struct {
	name     string
	cfg      *pipelines.VLMModelConfig
	pipeline *pipelines.VLMPipeline
	lane     *InferenceLane
	sessions []backends.Session
	logger   *zap.Logger
	closed   atomic.Bool
}

// Load builds a Model from the model directory at modelPath using factory
// for session creation. The returned Model must be closed by the caller.
func Load(modelPath string, factory backends.SessionFactory, opts Options) (*Model, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: nil session factory", pipelines.ErrConfiguration)
	}

	cfg, err := pipelines.LoadVLMModelConfig(modelPath)
	if err != nil {
		return nil, err
	}

	codec, err := tokenizers.Load(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: loading tokenizer: %v", pipelines.ErrConfiguration, err)
	}

	m := &Model{
		name:   filepath.Base(modelPath),
		cfg:    cfg,
		lane:   NewInferenceLane(opts.Lane, logger),
		logger: logger,
	}

	nets, err := m.createSessions(factory, opts.Session)
	if err != nil {
		m.closeSessions()
		return nil, err
	}

	pipeline, err := pipelines.NewVLMPipeline(cfg, codec, nets, logger)
	if err != nil {
		m.closeSessions()
		return nil, err
	}
	m.pipeline = pipeline

	logger.Info("Model loaded",
		zap.String("model", m.name),
		zap.String("backend", string(factory.Backend())),
		zap.Int("layers", cfg.NumLayers),
		zap.Int("hidden_dim", cfg.HiddenDim),
		zap.Bool("merged_decoder", cfg.MergedDecoder()))
	return m, nil
}

func (m *Model) createSessions(factory backends.SessionFactory, opts []backends.SessionOption) (pipelines.Networks, error) {
	var nets pipelines.Networks

	open := func(path, role string) (backends.Session, error) {
		s, err := factory.CreateSession(path, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating %s session from %s: %w", role, filepath.Base(path), err)
		}
		m.sessions = append(m.sessions, s)
		return s, nil
	}

	var err error
	if nets.VisionEncoder, err = open(m.cfg.VisionEncoderPath, "vision encoder"); err != nil {
		return nets, err
	}
	if nets.Projector, err = open(m.cfg.ProjectorPath, "modality projector"); err != nil {
		return nets, err
	}
	if nets.TokenEmbedding, err = open(m.cfg.TokenEmbeddingPath, "token embedding"); err != nil {
		return nets, err
	}
	if m.cfg.LMHeadPath != "" {
		if nets.LMHead, err = open(m.cfg.LMHeadPath, "lm head"); err != nil {
			return nets, err
		}
	}
	if m.cfg.MergedDecoder() {
		if nets.Prefill, err = open(m.cfg.MergedDecoderPath, "decoder"); err != nil {
			return nets, err
		}
		return nets, nil
	}
	if nets.Prefill, err = open(m.cfg.PrefillPath, "decoder prefill"); err != nil {
		return nets, err
	}
	if nets.Decode, err = open(m.cfg.DecodePath, "decoder decode"); err != nil {
		return nets, err
	}
	return nets, nil
}

// Name returns the model's name (the base of its directory path).
func (m *Model) Name() string { return m.name }

// Config returns the resolved model configuration.
func (m *Model) Config() *pipelines.VLMModelConfig { return m.cfg }

// State returns the pipeline's current lifecycle state.
func (m *Model) State() pipelines.State { return m.pipeline.State() }

// LaneStats returns statistics of the model's inference lane.
func (m *Model) LaneStats() LaneStats { return m.lane.Stats() }

// Cancel requests cooperative cancellation of the in-flight generation.
// It does not go through the lane, so it takes effect while a generation
// holds it.
func (m *Model) Cancel() {
	if !m.closed.Load() {
		m.pipeline.Cancel()
	}
}

// ProcessImage stages img for the next generation.
func (m *Model) ProcessImage(ctx context.Context, img imageproc.Image) error {
	if m.closed.Load() {
		return ErrModelClosed
	}
	start := time.Now()
	err := m.lane.Run(ctx, func() error {
		return m.pipeline.ProcessImage(ctx, img)
	})
	m.recordImage(err, time.Since(start))
	return err
}

// ProcessImageFile decodes the image at path and stages it.
func (m *Model) ProcessImageFile(ctx context.Context, path string) error {
	img, err := imageproc.LoadFile(path)
	if err != nil {
		m.recordImage(err, 0)
		return fmt.Errorf("%w: %v", pipelines.ErrImageDecode, err)
	}
	return m.ProcessImage(ctx, img)
}

// ProcessImageARGB stages a raw alpha-first pixel buffer.
func (m *Model) ProcessImageARGB(ctx context.Context, buf []byte, width, height int) error {
	if m.closed.Load() {
		return ErrModelClosed
	}
	start := time.Now()
	err := m.lane.Run(ctx, func() error {
		return m.pipeline.ProcessImageARGB(ctx, buf, width, height)
	})
	m.recordImage(err, time.Since(start))
	return err
}

// Generate runs a full generation for prompt and blocks until a terminal
// state.
func (m *Model) Generate(ctx context.Context, prompt string, opts pipelines.GenerateOptions) (*pipelines.GenerateResult, error) {
	if m.closed.Load() {
		return nil, ErrModelClosed
	}
	start := time.Now()
	var result *pipelines.GenerateResult
	err := m.lane.Run(ctx, func() error {
		var genErr error
		result, genErr = m.pipeline.Generate(ctx, prompt, opts)
		return genErr
	})
	m.recordGeneration(result, time.Since(start))
	return result, err
}

// GenerateStream runs a generation with per-token delivery. The lane is
// held until the terminal StreamEnd has been produced.
func (m *Model) GenerateStream(ctx context.Context, prompt string, opts pipelines.GenerateOptions) (<-chan pipelines.TokenDelta, <-chan *pipelines.StreamEnd, error) {
	if m.closed.Load() {
		return nil, nil, ErrModelClosed
	}
	release, err := m.lane.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	tokens, done := m.pipeline.GenerateStream(ctx, prompt, opts)
	out := make(chan *pipelines.StreamEnd, 1)
	go func() {
		end := <-done
		release()
		m.recordGeneration(end.Result, time.Since(start))
		out <- end
	}()
	return tokens, out, nil
}

// Close tears the model down: it waits for the in-flight inference call on
// the lane, then closes every session. The Model must not be used after.
func (m *Model) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Claim the lane so no inference call is mid-flight while sessions
	// are destroyed underneath it.
	err := m.lane.Run(context.Background(), func() error {
		return m.closeSessions()
	})
	m.logger.Info("Model closed", zap.String("model", m.name))
	return err
}

func (m *Model) closeSessions() error {
	var firstErr error
	for _, s := range m.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.sessions = nil
	return firstErr
}

func (m *Model) recordImage(err error, dur time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	imagesProcessed.WithLabelValues(m.name, status).Inc()
	if err == nil {
		imageDuration.WithLabelValues(m.name).Observe(dur.Seconds())
	}
	laneQueueDepth.WithLabelValues(m.name).Set(float64(m.lane.Stats().CurrentQueued))
}

func (m *Model) recordGeneration(result *pipelines.GenerateResult, dur time.Duration) {
	state := pipelines.StateFailed
	if result != nil {
		state = result.State
		tokensGenerated.WithLabelValues(m.name).Add(float64(len(result.TokenIDs)))
	}
	generationsTotal.WithLabelValues(m.name, state.String()).Inc()
	generationDuration.WithLabelValues(m.name).Observe(dur.Seconds())
	laneQueueDepth.WithLabelValues(m.name).Set(float64(m.lane.Stats().CurrentQueued))
}
