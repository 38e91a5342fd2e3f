// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package processor implements the job processor's core algorithm: the
// periodic tick/claim/dispatch loop, lease renewal, completion handling,
// wake-on-notification, and graceful shutdown/drain. It generalizes the
// single-job lock/handler/renewal/unlock lifecycle of app/pkg/schedule.Job
// into a multi-name, priority-ordered scheduler.
package processor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seakee/jobengine/backoff"
	"github.com/seakee/jobengine/definition"
	"github.com/seakee/jobengine/errs"
	"github.com/seakee/jobengine/event"
	"github.com/seakee/jobengine/internal/telemetry"
	"github.com/seakee/jobengine/interval"
	"github.com/seakee/jobengine/job"
	"github.com/seakee/jobengine/notify"
	"github.com/seakee/jobengine/repository"
)

// Forker executes a job out-of-process when its definition requests
// fork:true. Implemented by engine/fork.Runner; kept as an interface here so
// processor never imports os/exec directly.
type Forker interface {
	Run(ctx context.Context, name string, j *job.Job) error
}

// DrainResult reports the outcome of Drain.
type DrainResult struct {
	TimedOut bool
	Running  int
}

// Options configures a Processor. New replaces a zero ProcessEvery,
// MaxConcurrency or Clock with 5s, 20 and RealClock respectively.
type Options struct {
	WorkerName     string
	ProcessEvery   time.Duration
	MaxConcurrency int
	// MaxLockLimit bounds the total number of simultaneously locked jobs
	// across all names; 0 means unbounded ("lockLimit").
	MaxLockLimit int
	Clock        Clock
}

// Processor drives the claim/dispatch/completion loop against a Repository
// and a Registry of definitions.
type Processor struct {
	repo     repository.Repository
	registry *definition.Registry
	channel  notify.Channel
	bus      *event.Bus
	tel      *telemetry.Manager
	clock    Clock
	forker   Forker

	workerName     string
	processEvery   time.Duration
	maxConcurrency int
	maxLockLimit   int

	mu      sync.Mutex
	queue   []*job.Job
	locked  map[string]*job.Job // keyed by job ID
	running map[string]*job.Job // keyed by job ID

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	unsubscribe notify.Unsubscribe
}

// New builds a Processor. bus and tel may be nil, in which case events and
// logs are silently dropped.
func New(repo repository.Repository, registry *definition.Registry, channel notify.Channel, bus *event.Bus, tel *telemetry.Manager, opts Options) *Processor {
	if opts.ProcessEvery <= 0 {
		opts.ProcessEvery = 5 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 20
	}
	if opts.Clock == nil {
		opts.Clock = RealClock
	}
	if bus == nil {
		bus = event.NewBus()
	}

	return &Processor{
		repo:           repo,
		registry:       registry,
		channel:        channel,
		bus:            bus,
		tel:            tel,
		clock:          opts.Clock,
		workerName:     opts.WorkerName,
		processEvery:   opts.ProcessEvery,
		maxConcurrency: opts.MaxConcurrency,
		maxLockLimit:   opts.MaxLockLimit,
		locked:         map[string]*job.Job{},
		running:        map[string]*job.Job{},
		stopCh:         make(chan struct{}),
	}
}

// SetForker attaches the fork-mode executor used for definitions with
// Options.Fork set. Optional: fork-mode jobs fail immediately if unset.
func (p *Processor) SetForker(f Forker) { p.forker = f }

// Events returns the bus events are emitted on, for the engine facade to
// delegate On() calls to.
func (p *Processor) Events() *event.Bus { return p.bus }

// Start subscribes to the notification channel (if present), runs one tick
// immediately, then ticks every ProcessEvery until Stop/Drain.
func (p *Processor) Start(ctx context.Context) error {
	if p.channel != nil {
		if err := p.channel.Connect(ctx); err != nil {
			p.bus.Emit(event.Event{Name: event.Error, Err: errs.NewNotificationError("connect", err)})
		} else {
			p.unsubscribe = p.channel.Subscribe(p.onNotification(ctx))
		}
	}

	p.wg.Add(1)
	go p.loop(ctx)

	p.bus.Emit(event.Event{Name: event.Ready})
	return nil
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	p.tick(ctx)
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.clock.After(p.processEvery):
			p.tick(ctx)
		}
	}
}

// tick claims due jobs for every registered name
// up to each name's lock limit and the processor's global lock limit, then
// invoke the dispatcher.
func (p *Processor) tick(ctx context.Context) {
	now := p.clock.Now()
	nextScanAt := now.Add(p.processEvery)

	for _, name := range p.registry.Names() {
		def, ok := p.registry.Get(name)
		if !ok {
			continue
		}
		p.claimFor(ctx, def, nextScanAt, now)
	}

	p.dispatch(ctx)
}

func (p *Processor) claimFor(ctx context.Context, def *definition.Definition, nextScanAt, now time.Time) {
	for {
		if p.maxLockLimit > 0 && p.lockedCount() >= p.maxLockLimit {
			return
		}
		if !def.TryAcquireLockSlot() {
			return
		}

		lockDeadline := now.Add(-def.Options.LockLifetime)
		j, err := p.repo.GetNextJobToRun(ctx, def.Name, nextScanAt, lockDeadline, now)
		if err != nil {
			def.ReleaseLockSlot()
			p.logError(ctx, "tick: get next job to run", err)
			p.bus.Emit(event.Event{Name: event.Error, Err: errs.NewRepositoryError("getNextJobToRun", err)})
			return
		}
		if j == nil {
			def.ReleaseLockSlot()
			return
		}

		p.enqueue(j)
	}
}

func (p *Processor) enqueue(j *job.Job) {
	p.mu.Lock()
	p.locked[j.ID] = j
	p.queue = append(p.queue, j)
	p.mu.Unlock()
}

func (p *Processor) lockedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locked)
}

func (p *Processor) runningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

func (p *Processor) lockedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.locked))
	for id := range p.locked {
		ids = append(ids, id)
	}
	return ids
}

// dispatch pops queued jobs and runs them subject
// to per-name and global concurrency gates. Jobs whose nextRunAt is still in
// the future are deferred via a single timer rather than busy-polling. The
// queue pop and the global running-slot reservation happen under the same
// lock, so a job is never handed to a goroutine until it is already counted
// against maxConcurrency; relying on the goroutine to record itself after
// the fact would let a second dispatch iteration race ahead of it.
func (p *Processor) dispatch(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]

		def, ok := p.registry.Get(j.Name)
		if !ok {
			p.queue = p.queue[1:]
			delete(p.locked, j.ID)
			p.mu.Unlock()
			p.bus.EmitScoped(event.Event{Name: event.Error, Err: errs.ErrDefinitionMissing, Job: j}, j.Name)
			if err := p.repo.UnlockJob(ctx, j); err != nil {
				p.logError(ctx, "dispatch: unlock undefined job", err)
			}
			continue
		}

		if len(p.running) >= p.maxConcurrency {
			p.mu.Unlock()
			return
		}
		if !def.TryAcquireRunSlot() {
			p.mu.Unlock()
			return
		}

		p.queue = p.queue[1:]
		p.running[j.ID] = j
		p.mu.Unlock()

		now := p.clock.Now()
		if j.NextRunAt != nil && j.NextRunAt.After(now) {
			delay := j.NextRunAt.Sub(now)
			p.wg.Add(1)
			go func(def *definition.Definition, j *job.Job, delay time.Duration) {
				defer p.wg.Done()
				select {
				case <-p.clock.After(delay):
					p.runJob(ctx, def, j)
				case <-p.stopCh:
					def.ReleaseRunSlot()
					p.forget(j)
				}
			}(def, j, delay)
			continue
		}

		p.wg.Add(1)
		go func(def *definition.Definition, j *job.Job) {
			defer p.wg.Done()
			p.runJob(ctx, def, j)
		}(def, j)
	}
}

func (p *Processor) forget(j *job.Job) {
	p.mu.Lock()
	delete(p.locked, j.ID)
	delete(p.running, j.ID)
	p.mu.Unlock()
}

// runJob executes one claimed job: emits start, runs a lease-renewal timer
// at 80% of lockLifetime, invokes the handler (or fork runner), and hands
// off to complete.
func (p *Processor) runJob(ctx context.Context, def *definition.Definition, j *job.Job) {
	runCtx := telemetry.WithTrace(ctx, def.Name)
	now := p.clock.Now()
	j.LastRunAt = &now

	p.bus.EmitScoped(event.Event{Name: event.Start, Job: j}, def.Name)

	renewalStop := make(chan struct{})
	renewalDone := make(chan struct{})
	go p.renewLease(runCtx, def, j, renewalStop, renewalDone)

	err := p.invoke(runCtx, def, j)

	close(renewalStop)
	<-renewalDone

	p.complete(runCtx, def, j, err)
}

func (p *Processor) invoke(ctx context.Context, def *definition.Definition, j *job.Job) error {
	if def.Options.Fork || j.Fork {
		if p.forker == nil {
			return errs.NewHandlerFailure(def.Name, j.ID, errs.ErrConfigurationInvalid)
		}
		return p.forker.Run(ctx, def.Name, j)
	}
	return def.Handler(ctx, j)
}

// renewLease refreshes LockedAt at 80% of lockLifetime while the handler
// runs, per the engine's lease renewal discipline.
func (p *Processor) renewLease(ctx context.Context, def *definition.Definition, j *job.Job, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	renewEvery := time.Duration(float64(def.Options.LockLifetime) * 0.8)
	if renewEvery <= 0 {
		return
	}

	for {
		select {
		case <-stop:
			return
		case <-p.clock.After(renewEvery):
			now := p.clock.Now()
			j.LockedAt = &now
			if err := p.repo.SaveJobState(ctx, j, repository.SaveOpts{LastModifiedBy: p.workerName}); err != nil {
				p.logError(ctx, "lease renewal", err)
				return
			}
		}
	}
}

// complete finalizes a finished handler invocation: records the outcome,
// computes the next run, persists state, and refills dispatch slots.
func (p *Processor) complete(ctx context.Context, def *definition.Definition, j *job.Job, handlerErr error) {
	now := p.clock.Now()
	j.LastFinishedAt = &now

	if handlerErr != nil {
		j.Fail(handlerErr.Error())
	} else {
		j.FailCount = 0
		j.FailedAt = nil
		j.FailReason = ""
	}

	switch {
	case j.RepeatInterval != "":
		ref := now
		if j.LastRunAt != nil {
			ref = *j.LastRunAt
		}
		next, err := interval.Next(ref, j.RepeatInterval, j.RepeatTimezone)
		if err != nil {
			p.logError(ctx, "complete: resolve repeatInterval", err)
			j.NextRunAt = nil
		} else {
			j.NextRunAt = &next
		}
	case j.RepeatAt != "":
		next, err := interval.NextClockTime(now, j.RepeatAt, j.RepeatTimezone)
		if err != nil {
			p.logError(ctx, "complete: resolve repeatAt", err)
			j.NextRunAt = nil
		} else {
			j.NextRunAt = &next
		}
	case handlerErr != nil && def.Options.Backoff != nil:
		d := def.Options.Backoff(backoffContext(j, handlerErr))
		if d != nil {
			next := now.Add(*d)
			j.NextRunAt = &next
			p.bus.EmitScoped(event.Event{Name: event.Retry, Job: j, Attempt: j.FailCount, Delay: *d}, def.Name)
		} else {
			j.NextRunAt = nil
			p.bus.EmitScoped(event.Event{Name: event.RetryExhausted, Job: j, Err: handlerErr}, def.Name)
		}
	default:
		j.NextRunAt = nil
	}

	j.LockedAt = nil
	if err := p.repo.SaveJobState(ctx, j, repository.SaveOpts{LastModifiedBy: p.workerName}); err != nil {
		p.logError(ctx, "complete: save job state", err)
	}

	def.ReleaseRunSlot()
	def.ReleaseLockSlot()
	p.forget(j)

	if handlerErr != nil {
		p.bus.EmitScoped(event.Event{Name: event.Fail, Job: j, Err: handlerErr}, def.Name)
	} else {
		p.bus.EmitScoped(event.Event{Name: event.Success, Job: j}, def.Name)
	}
	p.bus.EmitScoped(event.Event{Name: event.Complete, Job: j}, def.Name)

	p.dispatch(ctx)
}

func backoffContext(j *job.Job, err error) backoff.Context {
	return backoff.Context{Attempt: j.FailCount, Err: err}
}

// onNotification implements wake-on-notification: a targeted claim attempt
// triggered by an external JobNotification instead of the periodic tick.
func (p *Processor) onNotification(ctx context.Context) notify.Handler {
	return func(n notify.JobNotification) {
		def, ok := p.registry.Get(n.JobName)
		if !ok {
			return
		}
		now := p.clock.Now()
		if n.NextRunAt.After(now.Add(p.processEvery)) {
			return
		}
		if !def.TryAcquireLockSlot() {
			return
		}

		candidate := &job.Job{ID: n.JobID, Name: n.JobName, NextRunAt: &n.NextRunAt}
		locked, err := p.repo.LockJob(ctx, candidate, repository.SaveOpts{LastModifiedBy: p.workerName})
		if err != nil {
			def.ReleaseLockSlot()
			p.logError(ctx, "wake-on-notification: lock job", err)
			return
		}
		if locked == nil {
			def.ReleaseLockSlot()
			return
		}

		p.enqueue(locked)
		p.dispatch(ctx)
	}
}

// Stop halts the processor immediately, without waiting. Jobs still
// locked are unlocked so other workers may reclaim them.
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	if p.unsubscribe != nil {
		p.unsubscribe()
	}

	ids := p.lockedIDs()
	if len(ids) > 0 {
		if err := p.repo.UnlockJobs(ctx, ids); err != nil {
			p.logError(ctx, "stop: unlock jobs", err)
			return err
		}
	}

	if p.channel != nil {
		return p.channel.Disconnect(ctx)
	}
	return nil
}

// Drain stops accepting new ticks, awaits
// in-flight handlers, and on timeout force-unlock whatever is still running.
func (p *Processor) Drain(ctx context.Context, timeout time.Duration) (DrainResult, error) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.unsubscribe != nil {
		p.unsubscribe()
	}

	waitDone := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		if p.channel != nil {
			_ = p.channel.Disconnect(ctx)
		}
		return DrainResult{}, nil
	case <-time.After(timeout):
		n := p.runningCount()
		ids := p.lockedIDs()
		var err error
		if len(ids) > 0 {
			err = p.repo.UnlockJobs(ctx, ids)
		}
		return DrainResult{TimedOut: true, Running: n}, err
	}
}

func (p *Processor) logError(ctx context.Context, op string, err error) {
	if p.tel == nil {
		return
	}
	p.tel.Error(ctx, "processor: "+op, zap.Error(err))
}
