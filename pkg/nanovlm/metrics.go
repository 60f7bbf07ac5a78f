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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the inference pipeline
var (
	imagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanovlm_images_processed_total",
			Help: "Images encoded through the vision tower, by status",
		},
		[]string{"model", "status"},
	)

	generationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanovlm_generations_total",
			Help: "Generations by terminal state (completed, cancelled, failed)",
		},
		[]string{"model", "state"},
	)

	tokensGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nanovlm_tokens_generated_total",
			Help: "Total tokens produced by the decode loop",
		},
		[]string{"model"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nanovlm_generation_duration_seconds",
			Help:    "Wall time of a full prefill+decode generation",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	imageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nanovlm_image_duration_seconds",
			Help:    "Wall time of image preprocessing and encoding",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"model"},
	)

	laneQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nanovlm_lane_queue_depth",
			Help: "Callers waiting for the inference lane",
		},
		[]string{"model"},
	)
)
