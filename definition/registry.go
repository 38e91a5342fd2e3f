// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package definition maps a job name to its handler and per-name scheduling
// options: concurrency, lock limit, lock lifetime, default priority,
// backoff policy, and fork mode. It is the authoritative source the
// processor consults for concurrency and lock-limit decisions.
package definition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seakee/jobengine/backoff"
	"github.com/seakee/jobengine/job"
)

// Handler executes one job and returns an error on failure. It must be
// safe to invoke concurrently for distinct jobs of the same name, up to
// the definition's Concurrency.
type Handler func(ctx context.Context, j *job.Job) error

// Options configures a single job definition.
type Options struct {
	Concurrency  int // 0 means "use the engine default"
	LockLimit    int // 0 means "use the engine default" (a default of 0 is unbounded)
	LockLifetime time.Duration
	Priority     any
	Backoff      backoff.Strategy
	Fork         bool
}

// Definition is the registered shape of one job name, with live counters
// maintained by the processor.
type Definition struct {
	Name    string
	Handler Handler
	Options Options

	runningCount int64
	lockedCount  int64
}

// RunningCount returns the current number of in-flight handler invocations
// for this definition.
func (d *Definition) RunningCount() int { return int(atomic.LoadInt64(&d.runningCount)) }

// LockedCount returns the current number of claimed-but-not-yet-running
// jobs for this definition.
func (d *Definition) LockedCount() int { return int(atomic.LoadInt64(&d.lockedCount)) }

func (d *Definition) incRunning() int64 { return atomic.AddInt64(&d.runningCount, 1) }
func (d *Definition) decRunning() int64 { return atomic.AddInt64(&d.runningCount, -1) }
func (d *Definition) incLocked() int64  { return atomic.AddInt64(&d.lockedCount, 1) }
func (d *Definition) decLocked() int64  { return atomic.AddInt64(&d.lockedCount, -1) }

// Registry stores job definitions keyed by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition

	defaultConcurrency  int
	defaultLockLimit    int
	defaultLockLifetime time.Duration
}

// New creates a registry with process-wide defaults applied to any
// definition that doesn't set its own concurrency/lockLimit/lockLifetime.
func New(defaultConcurrency, defaultLockLimit int, defaultLockLifetime time.Duration) *Registry {
	return &Registry{
		defs:                make(map[string]*Definition),
		defaultConcurrency:  defaultConcurrency,
		defaultLockLimit:    defaultLockLimit,
		defaultLockLifetime: defaultLockLifetime,
	}
}

// Define upserts a job definition. Redefinition replaces the previous
// Definition outright, handler, options and live counters alike: the new
// Definition's running and locked counters start at zero.
func (r *Registry) Define(name string, h Handler, opts Options) *Definition {
	if opts.Concurrency <= 0 {
		opts.Concurrency = r.defaultConcurrency
	}
	if opts.LockLimit <= 0 {
		opts.LockLimit = r.defaultLockLimit
	}
	if opts.LockLifetime <= 0 {
		opts.LockLifetime = r.defaultLockLifetime
	}

	d := &Definition{Name: name, Handler: h, Options: opts}

	r.mu.Lock()
	r.defs[name] = d
	r.mu.Unlock()

	return d
}

// Get returns the definition for name, or (nil, false) if undefined.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Names returns a snapshot of all currently defined job names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	return names
}

// DefaultLockLimit returns the engine-wide default lock limit applied to
// definitions that don't set their own.
func (r *Registry) DefaultLockLimit() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultLockLimit
}

// TryAcquireRunSlot attempts to reserve a running slot for name, honoring
// its per-name Concurrency. Returns false if the definition is full.
func (d *Definition) TryAcquireRunSlot() bool {
	if d.Options.Concurrency <= 0 {
		d.incRunning()
		return true
	}
	for {
		cur := atomic.LoadInt64(&d.runningCount)
		if int(cur) >= d.Options.Concurrency {
			return false
		}
		if atomic.CompareAndSwapInt64(&d.runningCount, cur, cur+1) {
			return true
		}
	}
}

// ReleaseRunSlot releases a slot reserved by TryAcquireRunSlot.
func (d *Definition) ReleaseRunSlot() { d.decRunning() }

// TryAcquireLockSlot attempts to reserve a lock slot for name, honoring its
// per-name LockLimit (0 = unbounded). Returns false if full.
func (d *Definition) TryAcquireLockSlot() bool {
	if d.Options.LockLimit <= 0 {
		d.incLocked()
		return true
	}
	for {
		cur := atomic.LoadInt64(&d.lockedCount)
		if int(cur) >= d.Options.LockLimit {
			return false
		}
		if atomic.CompareAndSwapInt64(&d.lockedCount, cur, cur+1) {
			return true
		}
	}
}

// ReleaseLockSlot releases a slot reserved by TryAcquireLockSlot.
func (d *Definition) ReleaseLockSlot() { d.decLocked() }
