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

package nanovlm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/backends"
	"github.com/baseweight/nanovlm/pkg/nanovlm/lib/pipelines"
)

type stubFactory struct{}

func (stubFactory) CreateSession(modelPath string, opts ...backends.SessionOption) (backends.Session, error) {
	return nil, assert.AnError
}

func (stubFactory) Backend() backends.BackendType { return backends.BackendONNX }

func TestLoadRequiresFactory(t *testing.T) {
	_, err := Load(t.TempDir(), nil, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, pipelines.ErrConfiguration)
}

func TestLoadMissingConfig(t *testing.T) {
	_, err := Load(t.TempDir(), stubFactory{}, Options{})
	require.Error(t, err)
}
