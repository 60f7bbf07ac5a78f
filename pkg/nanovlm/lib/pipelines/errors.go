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

import "errors"

// Error categories for the multimodal pipeline. Callers match them with
// errors.Is; the wrapped message carries the backend detail verbatim.
var (
	// ErrConfiguration marks an inconsistency between model config,
	// tokenizer and inputs (e.g. more image placeholders than embeddings).
	ErrConfiguration = errors.New("configuration error")

	// ErrSchemaMismatch marks a network returning a tensor layout other
	// than the one its config declares (wrong output arity, wrong dtype).
	ErrSchemaMismatch = errors.New("model output schema mismatch")

	// ErrInference marks a backend inference failure or an invalid sampled
	// token. It aborts the in-progress generation; partial output produced
	// before the failure is still returned alongside.
	ErrInference = errors.New("inference failed")

	// ErrTokenization marks encode/decode failures of the token codec.
	ErrTokenization = errors.New("tokenization failed")

	// ErrImageDecode marks an unreadable or malformed image source.
	ErrImageDecode = errors.New("image decode failed")
)

// Cancellation is not in this list: a cooperative cancel is a normal
// terminal state (StateCancelled) carried in the result, not an error.
