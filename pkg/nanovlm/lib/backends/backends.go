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

// Package backends provides the low-level inference session abstraction the
// nanovlm pipeline runs on. A backend wraps a neural-network runtime (ONNX
// Runtime in the default build) and hands out Sessions: pure tensor-in,
// tensor-out inference functions with no knowledge of model semantics.
package backends

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// BackendType identifies an inference runtime.
type BackendType string

const (
	// BackendONNX is ONNX Runtime via github.com/yalue/onnxruntime_go.
	BackendONNX BackendType = "onnx"
)

// GPUMode controls GPU acceleration for a backend.
type GPUMode string

const (
	// GPUModeAuto enables GPU acceleration when the runtime detects support.
	GPUModeAuto GPUMode = "auto"
	// GPUModeCuda forces CUDA.
	GPUModeCuda GPUMode = "cuda"
	// GPUModeOff forces CPU execution.
	GPUModeOff GPUMode = "off"
)

// ShouldUseGPU resolves a GPUMode against the environment.
// NANOVLM_GPU=off disables acceleration regardless of mode.
func ShouldUseGPU(mode GPUMode) bool {
	if os.Getenv("NANOVLM_GPU") == "off" {
		return false
	}
	switch mode {
	case GPUModeCuda:
		return true
	case GPUModeOff:
		return false
	default:
		return os.Getenv("NANOVLM_GPU") == "cuda"
	}
}

// Backend is a registered inference runtime.
type Backend interface {
	// Type returns the backend identifier.
	Type() BackendType

	// Name returns a human-readable name for logging.
	Name() string

	// Available reports whether the backend can run in this build/environment.
	Available() bool

	// Priority orders backend selection; lower wins.
	Priority() int

	// SessionFactory returns a factory for creating inference sessions.
	SessionFactory() SessionFactory
}

var (
	registryMu sync.RWMutex
	registry   []Backend
)

// RegisterBackend adds a backend to the registry. Called from init() in
// build-tagged backend files.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, b)
	sort.SliceStable(registry, func(i, j int) bool {
		return registry[i].Priority() < registry[j].Priority()
	})
}

// DefaultSessionFactory returns the session factory of the highest-priority
// available backend. It errors when the build includes no backend, which is
// the case for pure-Go test builds.
func DefaultSessionFactory() (SessionFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, b := range registry {
		if b.Available() {
			return b.SessionFactory(), nil
		}
	}
	return nil, fmt.Errorf("no inference backend compiled in (build with -tags 'onnx ORT')")
}
