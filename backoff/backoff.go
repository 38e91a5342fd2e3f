// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package backoff implements the retry/backoff policy evaluated by the job
// processor after a handler failure: pure functions of an attempt context
// that return the next retry delay, or nil to stop retrying.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Context is passed to a Strategy on every failed attempt.
type Context struct {
	// Attempt is the 1-based failure count (job.FailCount after this
	// failure was recorded).
	Attempt int
	// Err is the error returned by the failed handler invocation.
	Err error
	// LastDelay carries the delay of a previous retry to strategies that
	// want it. The job processor does not record previous delays and
	// leaves it zero in every Context it builds.
	LastDelay time.Duration
}

// Strategy maps a failure context to the next retry delay, or nil to signal
// "stop retrying" (retry exhausted).
type Strategy func(ctx Context) *time.Duration

func delay(d time.Duration) *time.Duration { return &d }

// Constant retries at a fixed delay up to maxRetries times.
func Constant(d time.Duration, maxRetries int) Strategy {
	return func(ctx Context) *time.Duration {
		if ctx.Attempt > maxRetries {
			return nil
		}
		return delay(d)
	}
}

// Linear increases the delay by increment on every attempt, up to
// maxRetries times.
func Linear(base, increment time.Duration, maxRetries int) Strategy {
	return func(ctx Context) *time.Duration {
		if ctx.Attempt > maxRetries {
			return nil
		}
		return delay(base + increment*time.Duration(ctx.Attempt-1))
	}
}

// Exponential doubles (or scales by factor) the delay on every attempt up to
// maxRetries times, applying +/-jitter*delay of uniform jitter. jitter must
// be in [0,1]; values outside are clamped.
func Exponential(base time.Duration, factor float64, maxRetries int, jitter float64) Strategy {
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}

	return func(ctx Context) *time.Duration {
		if ctx.Attempt > maxRetries {
			return nil
		}

		scaled := float64(base) * math.Pow(factor, float64(ctx.Attempt-1))

		if jitter > 0 {
			// 1 +/- U(0,jitter)
			spread := (rand.Float64()*2 - 1) * jitter
			scaled *= 1 + spread
		}

		if scaled < 0 {
			scaled = 0
		}

		return delay(time.Duration(scaled))
	}
}

// Preset backoff policies, matching the engine's built-in retry presets.
var (
	// Aggressive retries 3 times starting at 100ms, doubling each attempt.
	Aggressive = Exponential(100*time.Millisecond, 2, 3, 0)
	// Standard retries 5 times starting at 500ms, doubling each attempt.
	Standard = Exponential(500*time.Millisecond, 2, 5, 0)
	// Relaxed retries 8 times starting at 1s, doubling each attempt.
	Relaxed = Exponential(time.Second, 2, 8, 0)
)

// Combine evaluates strategies in order and returns the first non-nil
// delay, or nil if all strategies decline to retry.
func Combine(strategies ...Strategy) Strategy {
	return func(ctx Context) *time.Duration {
		for _, s := range strategies {
			if d := s(ctx); d != nil {
				return d
			}
		}
		return nil
	}
}

// When gates a strategy on a predicate evaluated against the same context;
// when the predicate is false, retrying stops regardless of the wrapped
// strategy's own decision.
func When(predicate func(Context) bool, strategy Strategy) Strategy {
	return func(ctx Context) *time.Duration {
		if !predicate(ctx) {
			return nil
		}
		return strategy(ctx)
	}
}
