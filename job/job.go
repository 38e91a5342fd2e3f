// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package job defines the in-memory representation of a persisted job:
// its attribute set, builder operations, lifecycle state predicates, and
// the save/touch/fail operations that round-trip through a repository.
package job

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/seakee/jobengine/errs"
	"github.com/seakee/jobengine/interval"
	"github.com/seakee/jobengine/priority"
)

// Type discriminates between ordinary jobs and singleton ("single") jobs,
// of which at most one row may exist per name.
type Type string

const (
	TypeNormal Type = "normal"
	TypeSingle Type = "single"
)

// DebounceStrategy selects how repeated unique-saves within a debounce
// window are coalesced.
type DebounceStrategy string

const (
	DebounceTrailing DebounceStrategy = "trailing"
	DebounceLeading  DebounceStrategy = "leading"
)

// UniqueOpts controls upsert behavior for a unique-keyed save.
type UniqueOpts struct {
	InsertOnly bool
	Debounce   *DebounceOpts
}

// DebounceOpts configures the debounce window applied on unique saves, per
// the trailing/leading rules.
type DebounceOpts struct {
	Delay    time.Duration
	Strategy DebounceStrategy
	MaxWait  time.Duration // zero means unbounded
}

// Job is the persisted record manipulated by the engine, the processor, and
// handler code via Touch/Fail.
type Job struct {
	ID   string
	Name string
	Data any

	Priority int
	Type     Type

	NextRunAt      *time.Time
	LastRunAt      *time.Time
	LastFinishedAt *time.Time
	FailedAt       *time.Time
	LockedAt       *time.Time

	FailCount  int
	FailReason string

	RepeatInterval string
	RepeatTimezone *time.Location
	RepeatAt       string

	Disabled bool
	Progress *int

	// Fork marks this job to run in a forked child process instead of
	// in-process, overriding its definition's default for this one job.
	Fork bool

	Unique     map[string]any
	UniqueOpts *UniqueOpts

	DebounceStartedAt *time.Time

	LastModifiedBy string

	// canceled is set by an external Cancel call observed through the
	// repository; Touch consults it to stop a running handler cooperatively.
	canceled bool

	store store
}

// store is the minimal persistence surface a Job needs to save/touch/fail
// itself. It is satisfied by the repository.Store adapter without job
// importing that package, avoiding an import cycle between job and
// repository.
type store interface {
	SaveJob(ctx context.Context, j *Job, lastModifiedBy string) (*Job, error)
	SaveJobState(ctx context.Context, j *Job, lastModifiedBy string) error
	IsCanceled(ctx context.Context, id string) (bool, error)
}

// New creates an unsaved job for name with the given opaque payload. This
// mirrors the engine facade's Create verb but lives here so Job's builder
// methods have a natural constructor independent of the engine.
func New(name string, data any) *Job {
	return &Job{
		Name:     name,
		Data:     data,
		Priority: priority.Normal,
		Type:     TypeNormal,
	}
}

// WithStore attaches the persistence backend used by Save/Touch/Fail/Remove.
// Called by the engine facade and the processor when handing a Job to
// handler code; jobs built directly via New are store-less until attached.
func (j *Job) WithStore(s store) *Job {
	j.store = s
	return j
}

// Schedule sets NextRunAt to an explicit instant.
func (j *Job) Schedule(at time.Time) *Job {
	t := at
	j.NextRunAt = &t
	return j
}

// RepeatEvery sets the job's recurrence interval (cron expression or human
// duration) and optional timezone.
func (j *Job) RepeatEvery(spec string, tz *time.Location) *Job {
	j.RepeatInterval = spec
	j.RepeatTimezone = tz
	return j
}

// RepeatAtTime sets a daily wall-clock recurrence time-of-day.
func (j *Job) RepeatAtTime(clockTime string) *Job {
	j.RepeatAt = clockTime
	return j
}

// EveryOptions configures a recurring job created through EveryWithOptions.
type EveryOptions struct {
	Timezone      *time.Location
	SkipImmediate bool
	Fork          bool
}

// EveryWithOptions marks the job Single, attaches a recurrence spec (cron
// expression or human interval) in opts.Timezone, and resolves the first
// NextRunAt. When opts.SkipImmediate is set, the would-be first occurrence
// is recorded as LastRunAt and NextRunAt is recomputed from there, so the
// job's first real run is one interval later instead of immediate.
func (j *Job) EveryWithOptions(spec string, opts EveryOptions) (*Job, error) {
	j.Type = TypeSingle
	j.RepeatInterval = spec
	j.RepeatTimezone = opts.Timezone
	j.Fork = opts.Fork

	next, err := interval.Next(time.Now(), spec, opts.Timezone)
	if err != nil {
		return nil, errors.Wrap(err, "job: resolve repeat interval")
	}

	if opts.SkipImmediate {
		last := next
		j.LastRunAt = &last
		next, err = interval.Next(next, spec, opts.Timezone)
		if err != nil {
			return nil, errors.Wrap(err, "job: resolve repeat interval after skipImmediate")
		}
	}

	j.NextRunAt = &next
	return j, nil
}

// SetPriority resolves and stores a symbolic or numeric priority.
func (j *Job) SetPriority(v any) *Job {
	j.Priority = priority.Parse(v)
	return j
}

// UniqueBy marks the job for unique-keyed upsert on save.
func (j *Job) UniqueBy(selector map[string]any, opts *UniqueOpts) *Job {
	j.Unique = selector
	j.UniqueOpts = opts
	return j
}

// Disable marks the job so the processor never claims it.
func (j *Job) Disable() *Job {
	j.Disabled = true
	return j
}

// Enable clears Disabled.
func (j *Job) Enable() *Job {
	j.Disabled = false
	return j
}

// Single marks the job as a singleton for its name.
func (j *Job) Single() *Job {
	j.Type = TypeSingle
	return j
}

// IsRunning reports whether the job is currently locked with an active
// (non-stale) lease and has not yet recorded a later finish.
//
// Parameters:
//   - lockLifetime: the lease duration configured for this job's name.
//   - now: the instant to evaluate against.
func (j *Job) IsRunning(lockLifetime time.Duration, now time.Time) bool {
	if j.LockedAt == nil {
		return false
	}
	if now.Sub(*j.LockedAt) >= lockLifetime {
		return false // lease is stale, reclaimable
	}
	if j.LastRunAt == nil {
		return true
	}
	return j.LastFinishedAt == nil || j.LastFinishedAt.Before(*j.LastRunAt)
}

// IsExpired reports whether the job's lease is stale and reclaimable.
func (j *Job) IsExpired(lockLifetime time.Duration, now time.Time) bool {
	if j.LockedAt == nil {
		return false
	}
	return now.Sub(*j.LockedAt) >= lockLifetime
}

// Save persists the job through its attached store, applying the
// insert/upsert/unique/debounce discriminator documented on
// repository.Repository.SaveJob.
func (j *Job) Save(ctx context.Context) error {
	if j.store == nil {
		return errors.New("job: Save called on a job with no attached store")
	}
	saved, err := j.store.SaveJob(ctx, j, j.LastModifiedBy)
	if err != nil {
		return errors.Wrap(err, "job: save")
	}
	s := j.store
	*j = *saved
	j.store = s
	return nil
}

// Touch refreshes the lease (LockedAt = now) and optionally records
// progress, via a state-only save. If the job has been externally canceled,
// Touch returns errs.ErrJobCanceled instead of refreshing the lease, so a
// cooperating handler can stop.
//
// Parameters:
//   - ctx: context for the state save and cancellation check.
//   - progress: 0-100, or nil to leave Progress unchanged.
func (j *Job) Touch(ctx context.Context, progress *int) error {
	if j.store == nil {
		return errors.New("job: Touch called on a job with no attached store")
	}

	canceled, err := j.store.IsCanceled(ctx, j.ID)
	if err != nil {
		return errors.Wrap(err, "job: touch cancellation check")
	}
	if canceled {
		j.canceled = true
		return errs.ErrJobCanceled
	}

	now := time.Now()
	j.LockedAt = &now
	if progress != nil {
		j.Progress = progress
	}

	if err := j.store.SaveJobState(ctx, j, j.LastModifiedBy); err != nil {
		return errors.Wrap(err, "job: touch")
	}
	return nil
}

// Fail records a failure: sets FailReason, increments FailCount, and sets
// FailedAt to now.
func (j *Job) Fail(reason string) *Job {
	now := time.Now()
	j.FailedAt = &now
	j.FailReason = reason
	j.FailCount++
	return j
}

// Canceled reports whether this in-memory Job instance has observed an
// external cancellation via Touch. Handler code may poll this cooperatively
// between Touch calls.
func (j *Job) Canceled() bool { return j.canceled }

// Remove deletes the persisted row for this job by calling remover with the
// job's ID; a job without an ID is left alone and nil is returned. The
// attached store is not used. The engine facade performs removal instead
// of Job itself in the common case; this method exists for parity with the
// builder-style operations on Job described in the scheduling verbs.
func (j *Job) Remove(ctx context.Context, remover func(ctx context.Context, id string) error) error {
	if j.ID == "" {
		return nil
	}
	return remover(ctx, j.ID)
}
