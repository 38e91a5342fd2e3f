// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package engine is the facade an embedding application talks to: it wires
// a repository.Repository, an optional notify.Channel, and a
// definition.Registry into a processor.Processor and exposes the
// scheduling verbs (Create, Now, Schedule, Every, Cancel, Disable, Enable,
// Purge) plus lifecycle control (Start, Stop, Drain) and the event bus.
// Construction mirrors bootstrap.NewApp(config) (*App, error); Start mirrors
// App.Start's "launch every background subsystem as its own goroutine"
// shape.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/seakee/jobengine/definition"
	"github.com/seakee/jobengine/errs"
	"github.com/seakee/jobengine/event"
	"github.com/seakee/jobengine/interval"
	"github.com/seakee/jobengine/internal/telemetry"
	"github.com/seakee/jobengine/job"
	"github.com/seakee/jobengine/notify"
	"github.com/seakee/jobengine/processor"
	"github.com/seakee/jobengine/repository"
)

// Engine is the top-level scheduling facade.
type Engine struct {
	repo     repository.Repository
	store    *repository.Store
	registry *definition.Registry
	proc     *processor.Processor
	channel  notify.Channel
	bus      *event.Bus
	tel      *telemetry.Manager
	forker   processor.Forker
	clock    processor.Clock

	name                string
	processEvery        time.Duration
	defaultConcurrency  int
	maxConcurrency      int
	defaultLockLimit    int
	maxLockLimit        int
	defaultLockLifetime time.Duration

	mu      sync.Mutex
	started bool
}

// New builds an Engine over repo, applying opts. The registry, processor,
// and store are constructed here; Start must be called separately once all
// job definitions are registered via Define.
func New(repo repository.Repository, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("engine: repository is required")
	}

	e := &Engine{
		repo:                repo,
		processEvery:        5 * time.Second,
		defaultConcurrency:  5,
		maxConcurrency:      20,
		defaultLockLimit:    0,
		maxLockLimit:        0,
		defaultLockLifetime: 600 * time.Second,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.tel == nil {
		e.tel = telemetry.NewNop()
	}
	if e.bus == nil {
		e.bus = event.NewBus()
	}
	if e.name == "" {
		e.name = "jobengine"
	}

	e.registry = definition.New(e.defaultConcurrency, e.defaultLockLimit, e.defaultLockLifetime)
	e.store = repository.NewStore(repo, e.name)

	e.proc = processor.New(e.repo, e.registry, e.channel, e.bus, e.tel, processor.Options{
		WorkerName:     e.name,
		ProcessEvery:   e.processEvery,
		MaxConcurrency: e.maxConcurrency,
		MaxLockLimit:   e.maxLockLimit,
		Clock:          e.clock,
	})
	if e.forker != nil {
		e.proc.SetForker(e.forker)
	}

	return e, nil
}

// Define registers a job handler and its per-name options. It must be
// called before Start; calling it afterward returns ErrStarted.
func (e *Engine) Define(name string, h definition.Handler, opts definition.Options) (*definition.Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil, errs.ErrStarted
	}
	return e.registry.Define(name, h, opts), nil
}

// On subscribes h to every event named name, including name-scoped variants
// emitted as name+":"+jobName.
func (e *Engine) On(name string, h event.Handler) event.Unsubscribe {
	return e.bus.On(name, h)
}

// Create builds an unsaved job attached to this engine's store.
func (e *Engine) Create(name string, data any) *job.Job {
	return job.New(name, data).WithStore(e.store)
}

// Now creates and immediately saves a job due right away.
func (e *Engine) Now(ctx context.Context, name string, data any) (*job.Job, error) {
	j := e.Create(name, data)
	now := e.now()
	j.Schedule(now)
	if err := j.Save(ctx); err != nil {
		return nil, err
	}
	e.notifyCreated(ctx, j)
	return j, nil
}

// Schedule creates and saves a job due at when.
func (e *Engine) Schedule(ctx context.Context, when time.Time, name string, data any) (*job.Job, error) {
	j := e.Create(name, data)
	j.Schedule(when)
	if err := j.Save(ctx); err != nil {
		return nil, err
	}
	e.notifyCreated(ctx, j)
	return j, nil
}

// ScheduleHuman creates and saves a job due after the relative delay
// described by human (e.g. "in 5 minutes", "2h"), per interval.ParseHuman.
func (e *Engine) ScheduleHuman(ctx context.Context, human, name string, data any) (*job.Job, error) {
	delay, ok := interval.ParseHuman(human)
	if !ok {
		return nil, errors.Wrapf(errs.ErrConfigurationInvalid, "engine: unrecognized interval %q", human)
	}
	return e.Schedule(ctx, e.now().Add(delay), name, data)
}

// EveryOptions mirrors job.EveryOptions for the Every scheduling verb.
type EveryOptions = job.EveryOptions

// Every creates a singleton, recurring job for name on spec (cron
// expression or human interval) and saves it. Saving a second Every job for
// the same name upserts the existing row instead of creating a duplicate,
// per the Single-type save discriminator.
func (e *Engine) Every(ctx context.Context, spec, name string, data any, opts EveryOptions) (*job.Job, error) {
	j := e.Create(name, data)
	if _, err := j.EveryWithOptions(spec, opts); err != nil {
		return nil, err
	}
	if err := j.Save(ctx); err != nil {
		return nil, err
	}
	e.notifyCreated(ctx, j)
	return j, nil
}

// Cancel removes every job matching sel and returns the count removed.
// Cancellation is observed by in-flight handlers the next time they call
// Touch, since IsCanceled reports true once the row is gone.
func (e *Engine) Cancel(ctx context.Context, sel repository.Selector) (int64, error) {
	return e.repo.RemoveJobs(ctx, sel)
}

// Disable marks every job matching sel so the processor never claims it.
func (e *Engine) Disable(ctx context.Context, sel repository.Selector) (int64, error) {
	return e.repo.DisableJobs(ctx, sel)
}

// Enable clears Disabled on every job matching sel.
func (e *Engine) Enable(ctx context.Context, sel repository.Selector) (int64, error) {
	return e.repo.EnableJobs(ctx, sel)
}

// Purge removes every job in the store. It is a thin, explicit wrapper over
// Cancel with a selector matching everything, kept separate so callers
// cannot purge by constructing an empty Selector (which Cancel treats as a
// no-op).
func (e *Engine) Purge(ctx context.Context) (int64, error) {
	names, err := e.repo.GetDistinctJobNames(ctx)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}
	return e.repo.RemoveJobs(ctx, repository.Selector{Names: names})
}

// QueryJobs, GetJobsOverview, GetJobByID, GetDistinctJobNames, and
// GetQueueSize pass through to the repository for read-only diagnostics.

func (e *Engine) QueryJobs(ctx context.Context, opts repository.QueryOpts) ([]repository.JobWithState, int64, error) {
	return e.repo.QueryJobs(ctx, opts)
}

func (e *Engine) GetJobsOverview(ctx context.Context) ([]repository.Overview, error) {
	return e.repo.GetJobsOverview(ctx)
}

func (e *Engine) GetJobByID(ctx context.Context, id string) (*job.Job, error) {
	return e.repo.GetJobByID(ctx, id)
}

func (e *Engine) GetDistinctJobNames(ctx context.Context) ([]string, error) {
	return e.repo.GetDistinctJobNames(ctx)
}

func (e *Engine) GetQueueSize(ctx context.Context) (int64, error) {
	return e.repo.GetQueueSize(ctx)
}

// Start connects the repository, launches the processor loop, and marks the
// engine started. Define may no longer be called after this succeeds.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errs.ErrStarted
	}
	e.started = true
	e.mu.Unlock()

	if err := e.repo.Connect(ctx); err != nil {
		return errors.Wrap(err, "engine: connect repository")
	}

	go e.runProcessor(ctx)

	return nil
}

func (e *Engine) runProcessor(ctx context.Context) {
	if err := e.proc.Start(ctx); err != nil {
		e.bus.Emit(event.Event{Name: event.Error, Err: err})
	}
}

// Stop halts the processor immediately and disconnects the repository. The
// two shutdown steps run concurrently via errgroup since they are
// independent I/O, and the first error from either is returned.
func (e *Engine) Stop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.proc.Stop(gctx) })
	g.Go(func() error { return e.repo.Disconnect(gctx) })
	return g.Wait()
}

// Drain stops accepting new ticks, waits up to timeout for in-flight
// handlers to finish naturally, and disconnects the repository. On timeout
// it force-unlocks whatever is still running, mirroring processor.Drain's
// result.
func (e *Engine) Drain(ctx context.Context, timeout time.Duration) (processor.DrainResult, error) {
	var result processor.DrainResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		result, err = e.proc.Drain(gctx, timeout)
		return err
	})
	g.Go(func() error { return e.repo.Disconnect(gctx) })

	return result, g.Wait()
}

func (e *Engine) now() time.Time {
	if e.clock != nil {
		return e.clock.Now()
	}
	return time.Now()
}

// notifyCreated publishes a best-effort JobNotification so any processor
// subscribed to the same channel can wake immediately instead of waiting
// for its next poll tick. Publish failures are reported on the event bus,
// never returned to the caller: a save must never fail because the
// notification transport is down.
func (e *Engine) notifyCreated(ctx context.Context, j *job.Job) {
	if e.channel == nil || j.NextRunAt == nil {
		return
	}
	n := notify.JobNotification{
		JobID:     j.ID,
		JobName:   j.Name,
		NextRunAt: *j.NextRunAt,
		Priority:  j.Priority,
		Timestamp: e.now(),
		Source:    e.name,
	}
	if err := e.channel.Publish(ctx, n); err != nil {
		e.bus.Emit(event.Event{Name: event.Error, Err: errs.NewNotificationError("publish", err)})
	}
}
