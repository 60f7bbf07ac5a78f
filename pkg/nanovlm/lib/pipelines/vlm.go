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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/backends"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/imageproc"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/tokenizers"
)

// State is the observable lifecycle of a VLMPipeline.
type State int32

const (
	StateIdle State = iota
	StateImageReady
	StatePrefill
	StateDecoding
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateImageReady:
		return "image_ready"
	case StatePrefill:
		return "prefill"
	case StateDecoding:
		return "decoding"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the state ends a generation.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Networks bundles the inference sessions of one loaded model. Decode may be
// nil, in which case Prefill is a merged graph serving both steps and is fed
// (initially empty) cache tensors from the first step on.
type Networks struct {
	VisionEncoder  backends.Session
	Projector      backends.Session
	TokenEmbedding backends.Session
	LMHead         backends.Session // nil when the decoder emits logits directly
	Prefill        backends.Session
	Decode         backends.Session
}

// GenerateOptions controls a single generation.
type GenerateOptions struct {
	// MaxTokens bounds the number of generated tokens, counting the token
	// sampled from the prefill logits. Zero means DefaultMaxTokens.
	MaxTokens int

	Sampling SamplingConfig
}

// DefaultMaxTokens bounds generations that do not set an explicit limit.
const DefaultMaxTokens = 256

// GenerateResult is the outcome of a generation, terminal-state included.
// On an inference failure the result still carries the tokens produced
// before the failure.
type GenerateResult struct {
	Text         string
	TokenIDs     []int
	State        State
	StoppedAtEOS bool
}

// TokenDelta is one streamed token.
type TokenDelta struct {
	// Index is the position in the generated sequence, starting at 0.
	Index int
	ID    int
	Text  string
}

// VLMPipeline drives one vision-language model through the
// image -> prefill -> decode lifecycle. The caller owns the instance; no
// global state is involved, so several pipelines can coexist in a process.
//
// A pipeline runs at most one ProcessImage or Generate call at a time;
// concurrent calls are rejected rather than queued. Cancel and State are
// safe to call from any goroutine.
type VLMPipeline struct {
	cfg     *VLMModelConfig
	codec   tokenizers.Codec
	special tokenizers.SpecialTokens
	prompt  PromptBuilder
	nets    Networks
	pre     *imageproc.Preprocessor
	logger  *zap.Logger

	state     atomic.Int32
	cancelled atomic.Bool
	busy      atomic.Bool

	// Image embeddings survive across generations until the next
	// ProcessImage call, so one image can answer several prompts.
	mu          sync.Mutex
	imageEmbeds []float32
	gridH       int
	gridW       int
}

// NewVLMPipeline assembles a pipeline from its resolved parts. The sessions
// in nets remain owned by the caller.
func NewVLMPipeline(cfg *VLMModelConfig, codec tokenizers.Codec, nets Networks, logger *zap.Logger) (*VLMPipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nets.VisionEncoder == nil || nets.Projector == nil || nets.TokenEmbedding == nil || nets.Prefill == nil {
		return nil, fmt.Errorf("%w: pipeline requires vision encoder, projector, token embedding and decoder sessions", ErrConfiguration)
	}

	special, err := tokenizers.ResolveSpecialTokens(codec, cfg.ImageToken, cfg.GlobalImageToken, cfg.ImageTokenLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	// Explicit ids in config.json win over the encoded token strings.
	if cfg.ImageTokenID != 0 {
		special.ImageTokenID = cfg.ImageTokenID
	}
	if cfg.GlobalImageTokenID != 0 {
		special.GlobalImageTokenID = cfg.GlobalImageTokenID
	}
	if cfg.EOSTokenID != 0 {
		special.EOSTokenID = cfg.EOSTokenID
	}

	pre, err := imageproc.NewPreprocessor(cfg.Preprocess)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	return &VLMPipeline{
		cfg:     cfg,
		codec:   codec,
		special: special,
		prompt:  NewPromptBuilder(cfg),
		nets:    nets,
		pre:     pre,
		logger:  logger,
	}, nil
}

// State returns the pipeline's current lifecycle state.
func (p *VLMPipeline) State() State {
	return State(p.state.Load())
}

// Cancel requests cooperative cancellation of the in-flight generation. The
// decode loop observes the flag at the next step boundary; tokens produced
// before that point are kept. Calling Cancel with nothing in flight is a
// no-op.
func (p *VLMPipeline) Cancel() {
	p.cancelled.Store(true)
}

// HasImage reports whether image embeddings are staged for the next
// generation.
func (p *VLMPipeline) HasImage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.imageEmbeds) > 0
}

// ProcessImage tiles img, encodes every tile through the vision encoder and
// modality projector, and stages the resulting embeddings for the next
// Generate call. Any previously staged image is replaced.
func (p *VLMPipeline) ProcessImage(ctx context.Context, img imageproc.Image) error {
	if !p.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: pipeline busy (state %s)", ErrConfiguration, p.State())
	}
	defer p.busy.Store(false)

	start := time.Now()
	result, err := p.pre.Process(img)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageDecode, err)
	}

	hidden := p.cfg.HiddenDim
	wantRows := p.cfg.ImageTokenLength
	embeds := make([]float32, 0, len(result.Tiles)*wantRows*hidden)

	for i, tile := range result.Tiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := p.encodeTile(tile)
		if err != nil {
			return fmt.Errorf("encoding tile %d/%d: %w", i+1, len(result.Tiles), err)
		}
		if len(rows) != wantRows*hidden {
			return fmt.Errorf("%w: projector returned %d values for tile %d, want %d tokens x %d dims",
				ErrSchemaMismatch, len(rows), i, wantRows, hidden)
		}
		embeds = append(embeds, rows...)
	}

	p.mu.Lock()
	p.imageEmbeds = embeds
	p.gridH = result.GridH
	p.gridW = result.GridW
	p.mu.Unlock()
	p.state.Store(int32(StateImageReady))

	p.logger.Debug("image encoded",
		zap.Int("tiles", result.TileCount()),
		zap.Int("grid_h", result.GridH),
		zap.Int("grid_w", result.GridW),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// ProcessImageARGB is ProcessImage for a raw alpha-first pixel buffer, the
// layout Android bitmaps hand over.
func (p *VLMPipeline) ProcessImageARGB(ctx context.Context, buf []uint8, width, height int) error {
	img, err := imageproc.FromARGB(buf, width, height)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	return p.ProcessImage(ctx, img)
}

// encodeTile runs one CHW tile through the vision encoder and projector and
// returns the flattened [ImageTokenLength x HiddenDim] embedding rows.
func (p *VLMPipeline) encodeTile(tile imageproc.Tensor) ([]float32, error) {
	visionOut, err := p.nets.VisionEncoder.Run([]backends.NamedTensor{{
		Name:  firstInputName(p.nets.VisionEncoder, "pixel_values"),
		Shape: []int64{1, int64(tile.Channels), int64(tile.Height), int64(tile.Width)},
		Data:  tile.Data,
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: vision encoder: %v", ErrInference, err)
	}
	if len(visionOut) == 0 || visionOut[0].Float32Data() == nil {
		return nil, fmt.Errorf("%w: vision encoder returned no float32 output", ErrSchemaMismatch)
	}

	projOut, err := p.nets.Projector.Run([]backends.NamedTensor{{
		Name:  firstInputName(p.nets.Projector, visionOut[0].Name),
		Shape: visionOut[0].Shape,
		Data:  visionOut[0].Data,
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: modality projector: %v", ErrInference, err)
	}
	if len(projOut) == 0 || projOut[0].Float32Data() == nil {
		return nil, fmt.Errorf("%w: modality projector returned no float32 output", ErrSchemaMismatch)
	}
	return projOut[0].Float32Data(), nil
}

// Generate runs a full prefill+decode generation for prompt and blocks until
// a terminal state. If an image is staged its placeholder block is prepended
// to the prompt; otherwise the generation is text-only.
func (p *VLMPipeline) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*GenerateResult, error) {
	return p.generate(ctx, prompt, opts, nil)
}

// GenerateStream is Generate with per-token delivery. Tokens arrive on the
// first channel in generation order; the token channel is closed at the
// terminal state and then exactly one value (possibly nil) is sent on the
// error channel along with the final result.
func (p *VLMPipeline) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan TokenDelta, <-chan *StreamEnd) {
	tokens := make(chan TokenDelta, 8)
	done := make(chan *StreamEnd, 1)

	go func() {
		defer close(tokens)
		result, err := p.generate(ctx, prompt, opts, func(delta TokenDelta) bool {
			select {
			case tokens <- delta:
				return true
			case <-ctx.Done():
				return false
			}
		})
		done <- &StreamEnd{Result: result, Err: err}
	}()

	return tokens, done
}

// StreamEnd carries the terminal result of a streamed generation.
type StreamEnd struct {
	Result *GenerateResult
	Err    error
}

func (p *VLMPipeline) generate(ctx context.Context, prompt string, opts GenerateOptions, onToken func(TokenDelta) bool) (*GenerateResult, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: pipeline busy (state %s)", ErrConfiguration, p.State())
	}
	defer p.busy.Store(false)
	// The cancel flag only covers one in-flight generation: a flag set
	// while the pipeline was idle is stale and must not pre-cancel this
	// call, and a late Cancel must not leak into the next one.
	p.cancelled.Store(false)
	defer p.cancelled.Store(false)

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	p.mu.Lock()
	imageEmbeds := p.imageEmbeds
	gridH, gridW := p.gridH, p.gridW
	p.mu.Unlock()

	fullPrompt := p.buildPrompt(prompt, len(imageEmbeds) > 0, gridH, gridW)
	ids := p.codec.Encode(fullPrompt)
	if len(ids) == 0 {
		p.state.Store(int32(StateFailed))
		return nil, fmt.Errorf("%w: prompt encoded to zero tokens", ErrTokenization)
	}

	start := time.Now()
	p.state.Store(int32(StatePrefill))
	p.logger.Debug("prefill",
		zap.Int("prompt_tokens", len(ids)),
		zap.Int("max_tokens", maxTokens),
		zap.Bool("has_image", len(imageEmbeds) > 0))

	result, err := p.runGeneration(ctx, ids, imageEmbeds, maxTokens, opts.Sampling, onToken)
	if err != nil {
		p.state.Store(int32(StateFailed))
		return result, err
	}

	p.state.Store(int32(result.State))
	p.logger.Debug("generation finished",
		zap.String("state", result.State.String()),
		zap.Int("tokens", len(result.TokenIDs)),
		zap.Bool("eos", result.StoppedAtEOS),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

func (p *VLMPipeline) buildPrompt(userPrompt string, hasImage bool, gridH, gridW int) string {
	imageStr := ""
	if hasImage {
		imageStr = p.prompt.ImageString(gridH, gridW)
	}
	return p.prompt.BuildChatPrompt(imageStr, userPrompt)
}

// runGeneration executes the prefill and the decode loop. The returned
// result is non-nil even on error, carrying any tokens produced before the
// failure.
func (p *VLMPipeline) runGeneration(ctx context.Context, ids []int, imageEmbeds []float32, maxTokens int, sampling SamplingConfig, onToken func(TokenDelta) bool) (*GenerateResult, error) {
	hidden := p.cfg.HiddenDim
	result := &GenerateResult{State: StateFailed}

	// The global-image and row/col tokens are section markers that keep
	// their own embeddings; only the placeholder runs after them are
	// rewritten. Each staged view contributes exactly one run, so
	// placeholder count and embedding rows line up. Validate the counts
	// before any inference call runs.
	placeholders := CountPlaceholders(ids, p.special.ImageTokenID, p.special.ImageTokenID)
	if placeholders > 0 && len(imageEmbeds) == 0 {
		return result, fmt.Errorf("%w: prompt contains %d image placeholder tokens but no image is staged", ErrConfiguration, placeholders)
	}
	if placeholders > len(imageEmbeds)/hidden {
		return result, fmt.Errorf("%w: prompt has %d image placeholder tokens but only %d image embedding rows are staged",
			ErrConfiguration, placeholders, len(imageEmbeds)/hidden)
	}

	tokenEmbeds, err := p.embedTokens(ids)
	if err != nil {
		return result, err
	}
	if len(imageEmbeds) > 0 {
		if err := FuseEmbeddings(ids, tokenEmbeds, imageEmbeds, hidden, p.special.ImageTokenID, p.special.ImageTokenID); err != nil {
			return result, err
		}
	}

	seqLen := len(ids)
	kv := NewKVCache(p.cfg.NumLayers, p.cfg.NumKVHeads, p.cfg.HeadDim)
	defer kv.Release()

	inputs := []backends.NamedTensor{
		{Name: "inputs_embeds", Shape: []int64{1, int64(seqLen), int64(hidden)}, Data: tokenEmbeds},
		{Name: "attention_mask", Shape: []int64{1, int64(seqLen)}, Data: onesInt64(seqLen)},
		{Name: "position_ids", Shape: []int64{1, int64(seqLen)}, Data: rangeInt64(0, seqLen)},
	}
	if p.mergedDecoder() {
		inputs = append(inputs, kv.Inputs()...)
	}

	outputs, err := p.nets.Prefill.Run(inputs)
	if err != nil {
		return result, fmt.Errorf("%w: prefill: %v", ErrInference, err)
	}
	if err := kv.UpdateFromPrefill(outputs); err != nil {
		return result, err
	}

	logits, err := p.logitsAt(outputs[0], seqLen-1)
	if err != nil {
		return result, err
	}

	generated := make([]int, 0, maxTokens)
	next := SelectNextToken(sampling, logits, generated)
	if err := p.checkTokenRange(next); err != nil {
		return result, err
	}
	generated = append(generated, next)
	result.TokenIDs = generated
	if onToken != nil && !onToken(TokenDelta{Index: 0, ID: next, Text: p.codec.Decode([]int{next})}) {
		result.State = StateCancelled
		result.Text = p.codec.Decode(generated)
		return result, nil
	}

	p.state.Store(int32(StateDecoding))
	curSeq := seqLen

	for {
		// Stop conditions, in priority order: cancellation, end of
		// sequence, token budget.
		if p.cancelled.Load() || ctx.Err() != nil {
			result.State = StateCancelled
			break
		}
		if generated[len(generated)-1] == p.special.EOSTokenID {
			result.State = StateCompleted
			result.StoppedAtEOS = true
			break
		}
		if len(generated) >= maxTokens {
			result.State = StateCompleted
			break
		}

		stepEmbeds, err := p.embedTokens(generated[len(generated)-1:])
		if err != nil {
			result.TokenIDs = generated
			result.Text = p.codec.Decode(generated)
			return result, err
		}

		stepInputs := []backends.NamedTensor{
			{Name: "inputs_embeds", Shape: []int64{1, 1, int64(hidden)}, Data: stepEmbeds},
			{Name: "attention_mask", Shape: []int64{1, int64(curSeq + 1)}, Data: onesInt64(curSeq + 1)},
			{Name: "position_ids", Shape: []int64{1, 1}, Data: []int64{int64(curSeq)}},
		}
		stepInputs = append(stepInputs, kv.Inputs()...)

		outputs, err := p.decodeSession().Run(stepInputs)
		if err != nil {
			result.TokenIDs = generated
			result.Text = p.codec.Decode(generated)
			return result, fmt.Errorf("%w: decode step %d: %v", ErrInference, len(generated), err)
		}
		if err := kv.UpdateFromDecode(outputs); err != nil {
			result.TokenIDs = generated
			result.Text = p.codec.Decode(generated)
			return result, err
		}

		logits, err := p.logitsAt(outputs[0], 0)
		if err != nil {
			result.TokenIDs = generated
			result.Text = p.codec.Decode(generated)
			return result, err
		}

		next := SelectNextToken(sampling, logits, generated)
		if err := p.checkTokenRange(next); err != nil {
			result.TokenIDs = generated
			result.Text = p.codec.Decode(generated)
			return result, err
		}
		generated = append(generated, next)
		curSeq++

		if onToken != nil && !onToken(TokenDelta{Index: len(generated) - 1, ID: next, Text: p.codec.Decode([]int{next})}) {
			result.State = StateCancelled
			break
		}
	}

	result.TokenIDs = generated
	result.Text = p.codec.Decode(generated)
	return result, nil
}

// embedTokens runs the token embedding graph and returns a flattened
// [len(ids) x HiddenDim] matrix.
func (p *VLMPipeline) embedTokens(ids []int) ([]float32, error) {
	idData := make([]int64, len(ids))
	for i, id := range ids {
		idData[i] = int64(id)
	}

	outputs, err := p.nets.TokenEmbedding.Run([]backends.NamedTensor{{
		Name:  firstInputName(p.nets.TokenEmbedding, "input_ids"),
		Shape: []int64{1, int64(len(ids))},
		Data:  idData,
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: token embedding: %v", ErrInference, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: token embedding returned no outputs", ErrSchemaMismatch)
	}
	data := outputs[0].Float32Data()
	if data == nil || len(data) != len(ids)*p.cfg.HiddenDim {
		return nil, fmt.Errorf("%w: token embedding returned %d values for %d tokens x %d dims",
			ErrSchemaMismatch, len(data), len(ids), p.cfg.HiddenDim)
	}
	// Copy so fusion can rewrite rows without aliasing backend buffers.
	embeds := make([]float32, len(data))
	copy(embeds, data)
	return embeds, nil
}

// logitsAt returns the vocabulary logits for one sequence position of a
// decoder output with shape [1, seq, X]. When an LM head graph is present
// the decoder output holds hidden states and the head maps the selected row
// to logits; otherwise the output holds logits directly.
func (p *VLMPipeline) logitsAt(out backends.NamedTensor, pos int) ([]float32, error) {
	data := out.Float32Data()
	if data == nil || len(out.Shape) != 3 {
		return nil, fmt.Errorf("%w: decoder output has shape %v, want rank-3 float32", ErrSchemaMismatch, out.Shape)
	}
	seq := int(out.Shape[1])
	width := int(out.Shape[2])
	if pos < 0 || pos >= seq || len(data) < seq*width {
		return nil, fmt.Errorf("%w: position %d out of range for decoder output %v", ErrSchemaMismatch, pos, out.Shape)
	}
	row := data[pos*width : (pos+1)*width]

	if p.nets.LMHead == nil {
		return row, nil
	}

	headOut, err := p.nets.LMHead.Run([]backends.NamedTensor{{
		Name:  firstInputName(p.nets.LMHead, "hidden_states"),
		Shape: []int64{1, 1, int64(width)},
		Data:  row,
	}})
	if err != nil {
		return nil, fmt.Errorf("%w: lm head: %v", ErrInference, err)
	}
	if len(headOut) == 0 || headOut[0].Float32Data() == nil {
		return nil, fmt.Errorf("%w: lm head returned no float32 output", ErrSchemaMismatch)
	}
	return headOut[0].Float32Data(), nil
}

// checkTokenRange rejects sampled ids outside the configured vocabulary.
// A decoder whose logits are wider than the vocabulary is broken; surfacing
// the error beats silently substituting a stop token.
func (p *VLMPipeline) checkTokenRange(id int) error {
	if id < 0 || id >= p.cfg.VocabSize {
		return fmt.Errorf("%w: sampled token %d outside vocabulary of %d", ErrInference, id, p.cfg.VocabSize)
	}
	return nil
}

func (p *VLMPipeline) mergedDecoder() bool {
	return p.nets.Decode == nil
}

func (p *VLMPipeline) decodeSession() backends.Session {
	if p.nets.Decode != nil {
		return p.nets.Decode
	}
	return p.nets.Prefill
}

// firstInputName returns the session's first declared input name, or
// fallback when the backend exposes no metadata.
func firstInputName(s backends.Session, fallback string) string {
	if infos := s.InputInfo(); len(infos) > 0 && infos[0].Name != "" {
		return infos[0].Name
	}
	return fallback
}

func onesInt64(n int) []int64 {
	v := make([]int64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func rangeInt64(start, end int) []int64 {
	v := make([]int64, 0, end-start)
	for i := start; i < end; i++ {
		v = append(v, int64(i))
	}
	return v
}
