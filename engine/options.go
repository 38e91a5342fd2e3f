// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package engine

import (
	"time"

	"github.com/seakee/jobengine/event"
	"github.com/seakee/jobengine/internal/telemetry"
	"github.com/seakee/jobengine/notify"
	"github.com/seakee/jobengine/processor"
)

// Option configures an Engine at construction time, in the style of
// sk-pkg/redis.WithXxx and sk-pkg/logger.WithXxx functional options.
type Option func(*Engine)

// WithName sets the worker identity recorded as Job.LastModifiedBy and used
// as the processor's lock-renewal owner.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithProcessEvery sets the poll period between ticks.
func WithProcessEvery(d time.Duration) Option {
	return func(e *Engine) { e.processEvery = d }
}

// WithDefaultConcurrency sets the per-name concurrency applied to
// definitions that don't set their own.
func WithDefaultConcurrency(n int) Option {
	return func(e *Engine) { e.defaultConcurrency = n }
}

// WithMaxConcurrency bounds the total number of simultaneously running
// handlers across all names.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = n }
}

// WithDefaultLockLimit sets the per-name lock limit applied to definitions
// that don't set their own.
func WithDefaultLockLimit(n int) Option {
	return func(e *Engine) { e.defaultLockLimit = n }
}

// WithMaxLockLimit bounds the total number of simultaneously locked jobs
// across all names.
func WithMaxLockLimit(n int) Option {
	return func(e *Engine) { e.maxLockLimit = n }
}

// WithDefaultLockLifetime sets the lease duration applied to definitions
// that don't set their own.
func WithDefaultLockLifetime(d time.Duration) Option {
	return func(e *Engine) { e.defaultLockLifetime = d }
}

// WithNotificationChannel attaches a notify.Channel used both to wake the
// processor on newly-due jobs and to publish JobNotifications after
// Now/Schedule/Every saves.
func WithNotificationChannel(ch notify.Channel) Option {
	return func(e *Engine) { e.channel = ch }
}

// WithForkHelper attaches the fork-mode executor used for definitions
// registered with Fork: true.
func WithForkHelper(f processor.Forker) Option {
	return func(e *Engine) { e.forker = f }
}

// WithTelemetry attaches a logging facade; omit to use telemetry.NewNop().
func WithTelemetry(tel *telemetry.Manager) Option {
	return func(e *Engine) { e.tel = tel }
}

// WithClock overrides the processor's time source, for deterministic tests.
func WithClock(c processor.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithEventBus attaches a pre-built event.Bus instead of letting New create
// one, useful for sharing a bus across multiple engines in a test.
func WithEventBus(bus *event.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}
