// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package repository defines the persistence contract the job processor
// relies on for atomic claim, lease renewal, and bulk state transitions.
// Durability, atomicity of claim, and ordering guarantees belong to
// concrete implementations (repository/gormrepo, repository/memrepo); this
// package only fixes the interface.
package repository

import (
	"context"
	"time"

	"github.com/seakee/jobengine/job"
)

// SaveOpts carries the identity of the process performing a save, recorded
// as Job.LastModifiedBy.
type SaveOpts struct {
	LastModifiedBy string
}

// Selector identifies a set of jobs for bulk operations (remove, disable,
// enable). A zero-value Selector matches nothing — bulk operations must
// treat an empty selector as a no-op, never "match everything".
type Selector struct {
	ID       string
	IDs      []string
	Name     string
	Names    []string
	NotNames []string
	Data     map[string]any
}

// Empty reports whether the selector carries no matching criteria.
func (s Selector) Empty() bool {
	return s.ID == "" && len(s.IDs) == 0 && s.Name == "" &&
		len(s.Names) == 0 && len(s.NotNames) == 0 && len(s.Data) == 0
}

// QueryOpts controls pagination and ordering for QueryJobs.
type QueryOpts struct {
	Name   string
	Limit  int
	Offset int
}

// JobWithState pairs a persisted Job with its derived lifecycle state, per
// the state predicates in the data model (scheduled/queued/running/
// completed/failed/repeating).
type JobWithState struct {
	Job   *job.Job
	State string
}

// Overview summarizes job counts per name, used by read-side diagnostics.
type Overview struct {
	Name      string
	Total     int64
	Running   int64
	Failed    int64
	Scheduled int64
}

// Repository is the storage driver contract. All methods accept or return
// domain job.Job records; they must never block the caller on anything but
// the underlying store's I/O.
type Repository interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetJobByID(ctx context.Context, id string) (*job.Job, error)
	QueryJobs(ctx context.Context, opts QueryOpts) ([]JobWithState, int64, error)
	GetJobsOverview(ctx context.Context) ([]Overview, error)
	GetDistinctJobNames(ctx context.Context) ([]string, error)
	GetQueueSize(ctx context.Context) (int64, error)

	// SaveJob inserts or upserts j per the discriminator: explicit ID wins,
	// then single-type upsert, then unique-selector upsert (with debounce),
	// else plain insert. Returns the persisted row, including an assigned
	// ID on insert.
	SaveJob(ctx context.Context, j *job.Job, opts SaveOpts) (*job.Job, error)

	// SaveJobState persists only the processor-owned fields: LockedAt,
	// NextRunAt, LastRunAt, LastFinishedAt, FailedAt, FailReason,
	// FailCount, Progress, LastModifiedBy. Must match {id, name}; returns
	// an error if the row is gone.
	SaveJobState(ctx context.Context, j *job.Job, opts SaveOpts) error

	// GetNextJobToRun atomically finds and locks the single best-ranked
	// due, unlocked-or-stale-locked, non-disabled job for name. Ranking is
	// nextRunAt ASC, priority DESC. Returns (nil, nil) when none qualify.
	GetNextJobToRun(ctx context.Context, name string, nextScanAt, lockDeadline, now time.Time) (*job.Job, error)

	// LockJob attempts to claim a specific id whose current state still
	// matches j's expected NextRunAt and an unset LockedAt. Returns (nil,
	// nil) when the race is lost.
	LockJob(ctx context.Context, j *job.Job, opts SaveOpts) (*job.Job, error)

	UnlockJob(ctx context.Context, j *job.Job) error
	UnlockJobs(ctx context.Context, ids []string) error

	RemoveJobs(ctx context.Context, sel Selector) (int64, error)
	DisableJobs(ctx context.Context, sel Selector) (int64, error)
	EnableJobs(ctx context.Context, sel Selector) (int64, error)

	// IsCanceled reports whether id has been marked canceled (removed or
	// explicitly flagged) since it was claimed, consulted by Job.Touch.
	IsCanceled(ctx context.Context, id string) (bool, error)
}
