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
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrLaneFull is returned when the lane's wait queue is at capacity.
	ErrLaneFull = errors.New("inference lane queue is full")

	// ErrLaneTimeout is returned when a caller waited longer than the
	// configured timeout for the lane.
	ErrLaneTimeout = errors.New("inference lane wait timeout exceeded")
)

// InferenceLane serializes access to a model's inference sessions. The
// underlying runtime holds per-session scratch state, so at most one
// inference call may be in flight; everyone else waits in a bounded queue.
type InferenceLane struct {
	maxQueueSize int64
	timeout      time.Duration

	sem chan struct{}

	currentQueued  atomic.Int64
	totalProcessed atomic.Int64
	totalRejected  atomic.Int64
	totalTimedOut  atomic.Int64

	logger *zap.Logger
}

// LaneConfig holds configuration for an inference lane.
type LaneConfig struct {
	// MaxQueueSize bounds callers waiting for the lane (0 = unlimited).
	MaxQueueSize int

	// WaitTimeout bounds how long a caller waits for the lane
	// (0 = no timeout).
	WaitTimeout time.Duration
}

// NewInferenceLane creates a lane with a single execution slot.
func NewInferenceLane(config LaneConfig, logger *zap.Logger) *InferenceLane {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InferenceLane{
		maxQueueSize: int64(config.MaxQueueSize),
		timeout:      config.WaitTimeout,
		sem:          make(chan struct{}, 1),
		logger:       logger,
	}
}

// Acquire claims the lane. It returns a release function that must be
// called when the inference call is done, or an error when the queue is
// full, the wait timed out, or ctx was cancelled.
func (l *InferenceLane) Acquire(ctx context.Context) (release func(), err error) {
	// The deadline bounds only the wait for the lane, not the inference
	// call that follows, so the derived context is released on every
	// return path.
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	select {
	case l.sem <- struct{}{}:
		return l.makeRelease(), nil
	default:
	}

	// Reserve a queue slot with a CAS loop so concurrent callers cannot
	// all pass the capacity check before any of them increments.
	if l.maxQueueSize > 0 {
		for {
			queued := l.currentQueued.Load()
			if queued >= l.maxQueueSize {
				l.totalRejected.Add(1)
				l.logger.Warn("Inference rejected: lane queue full",
					zap.Int64("queued", queued),
					zap.Int64("max_queue", l.maxQueueSize))
				return nil, ErrLaneFull
			}
			if l.currentQueued.CompareAndSwap(queued, queued+1) {
				break
			}
		}
	} else {
		l.currentQueued.Add(1)
	}
	waitStart := time.Now()

	l.logger.Debug("Inference queued",
		zap.Int64("queue_depth", l.currentQueued.Load()))

	select {
	case l.sem <- struct{}{}:
		l.currentQueued.Add(-1)
		l.logger.Debug("Inference dequeued",
			zap.Duration("wait_time", time.Since(waitStart)))
		return l.makeRelease(), nil

	case <-ctx.Done():
		l.currentQueued.Add(-1)
		if ctx.Err() == context.DeadlineExceeded {
			l.totalTimedOut.Add(1)
			l.logger.Warn("Inference timed out waiting for lane",
				zap.Duration("wait_time", time.Since(waitStart)),
				zap.Duration("timeout", l.timeout))
			return nil, ErrLaneTimeout
		}
		return nil, ctx.Err()
	}
}

// Run claims the lane for the duration of fn.
func (l *InferenceLane) Run(ctx context.Context, fn func() error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (l *InferenceLane) makeRelease() func() {
	return func() {
		l.totalProcessed.Add(1)
		<-l.sem
	}
}

// Stats returns current lane statistics.
func (l *InferenceLane) Stats() LaneStats {
	return LaneStats{
		CurrentQueued:  l.currentQueued.Load(),
		TotalProcessed: l.totalProcessed.Load(),
		TotalRejected:  l.totalRejected.Load(),
		TotalTimedOut:  l.totalTimedOut.Load(),
		MaxQueueSize:   l.maxQueueSize,
	}
}

// LaneStats holds lane statistics.
type LaneStats struct {
	CurrentQueued  int64 `json:"current_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalTimedOut  int64 `json:"total_timed_out"`
	MaxQueueSize   int64 `json:"max_queue_size"`
}
