// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package memrepo implements repository.Repository as an in-memory,
// mutex-guarded map. It is a single-process backend: atomicity of claim is
// real within one process but confers no cross-process guarantee, which is
// acceptable for its two uses — the processor's own test suite, and a
// single-worker embedded deployment of the engine.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seakee/jobengine/job"
	"github.com/seakee/jobengine/repository"
)

// Repo is an in-memory repository.Repository implementation.
type Repo struct {
	mu       sync.Mutex
	jobs     map[string]*job.Job
	canceled map[string]bool
}

// New creates an empty in-memory repository.
func New() *Repo {
	return &Repo{
		jobs:     make(map[string]*job.Job),
		canceled: make(map[string]bool),
	}
}

func (r *Repo) Connect(context.Context) error    { return nil }
func (r *Repo) Disconnect(context.Context) error { return nil }

func clone(j *job.Job) *job.Job {
	cp := *j
	return &cp
}

func (r *Repo) GetJobByID(_ context.Context, id string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return clone(j), nil
}

func (r *Repo) QueryJobs(_ context.Context, opts repository.QueryOpts) ([]repository.JobWithState, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*job.Job
	for _, j := range r.jobs {
		if opts.Name != "" && j.Name != opts.Name {
			continue
		}
		matched = append(matched, j)
	}

	sort.Slice(matched, func(i, k int) bool { return matched[i].ID < matched[k].ID })

	total := int64(len(matched))

	if opts.Offset > 0 && opts.Offset < len(matched) {
		matched = matched[opts.Offset:]
	} else if opts.Offset >= len(matched) {
		matched = nil
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	out := make([]repository.JobWithState, 0, len(matched))
	now := time.Now()
	for _, j := range matched {
		out = append(out, repository.JobWithState{Job: clone(j), State: deriveState(j, now)})
	}

	return out, total, nil
}

func deriveState(j *job.Job, now time.Time) string {
	switch {
	case j.Disabled:
		return "disabled"
	case j.LockedAt != nil && now.Sub(*j.LockedAt) < 24*time.Hour && (j.LastFinishedAt == nil || (j.LastRunAt != nil && j.LastFinishedAt.Before(*j.LastRunAt))):
		return "running"
	case j.FailedAt != nil && (j.LastFinishedAt == nil || j.FailedAt.After(*j.LastFinishedAt)):
		return "failed"
	case j.NextRunAt != nil && j.NextRunAt.After(now):
		return "scheduled"
	case j.NextRunAt != nil && !j.NextRunAt.After(now):
		return "queued"
	case j.RepeatInterval != "" || j.RepeatAt != "":
		return "repeating"
	default:
		return "completed"
	}
}

func (r *Repo) GetJobsOverview(_ context.Context) ([]repository.Overview, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := map[string]*repository.Overview{}
	now := time.Now()
	for _, j := range r.jobs {
		ov, ok := byName[j.Name]
		if !ok {
			ov = &repository.Overview{Name: j.Name}
			byName[j.Name] = ov
		}
		ov.Total++
		switch deriveState(j, now) {
		case "running":
			ov.Running++
		case "failed":
			ov.Failed++
		case "scheduled", "queued":
			ov.Scheduled++
		}
	}

	out := make([]repository.Overview, 0, len(byName))
	for _, ov := range byName {
		out = append(out, *ov)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (r *Repo) GetDistinctJobNames(_ context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]struct{}{}
	for _, j := range r.jobs {
		seen[j.Name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Repo) GetQueueSize(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var n int64
	for _, j := range r.jobs {
		if !j.Disabled && j.LockedAt == nil && j.NextRunAt != nil && !j.NextRunAt.After(now) {
			n++
		}
	}
	return n, nil
}

// SaveJob implements the insert/upsert discriminator documented on
// repository.Repository.
func (r *Repo) SaveJob(_ context.Context, in *job.Job, opts repository.SaveOpts) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	j := clone(in)
	j.LastModifiedBy = opts.LastModifiedBy

	switch {
	case j.ID != "":
		existing, ok := r.jobs[j.ID]
		if !ok || existing.Name != j.Name {
			return clone(in), nil // row vanished: return input unchanged
		}
		r.jobs[j.ID] = j
		return clone(j), nil

	case j.Type == job.TypeSingle:
		for _, existing := range r.jobs {
			if existing.Name == j.Name && existing.Type == job.TypeSingle {
				// Protect a past-or-equal NextRunAt (insert-only for that field).
				if existing.NextRunAt != nil && !existing.NextRunAt.After(now) {
					j.NextRunAt = existing.NextRunAt
				}
				j.ID = existing.ID
				r.jobs[j.ID] = j
				return clone(j), nil
			}
		}
		j.ID = uuid.NewString()
		r.jobs[j.ID] = j
		return clone(j), nil

	case j.Unique != nil:
		existing := r.findByUnique(j.Name, j.Unique)
		if existing == nil {
			j.ID = uuid.NewString()
			if j.UniqueOpts != nil && j.UniqueOpts.Debounce != nil {
				applyDebounceOnInsert(j, now)
			}
			r.jobs[j.ID] = j
			return clone(j), nil
		}

		if j.UniqueOpts != nil && j.UniqueOpts.Debounce != nil {
			applyDebounceOnUpdate(j, existing, now)
			r.jobs[j.ID] = j
			return clone(j), nil
		}

		if j.UniqueOpts != nil && j.UniqueOpts.InsertOnly {
			return clone(existing), nil // no-op: leave existing row unchanged
		}

		j.ID = existing.ID
		r.jobs[j.ID] = j
		return clone(j), nil

	default:
		j.ID = uuid.NewString()
		r.jobs[j.ID] = j
		return clone(j), nil
	}
}

func (r *Repo) findByUnique(name string, selector map[string]any) *job.Job {
	for _, existing := range r.jobs {
		if existing.Name != name {
			continue
		}
		if matchesUnique(existing, selector) {
			return existing
		}
	}
	return nil
}

// matchesUnique compares selector keys of the form "data.<field>" against
// the job's Data when it is a map[string]any; any other selector key
// compares against exported Job fields is out of scope for this reference
// backend and simply never matches.
func matchesUnique(j *job.Job, selector map[string]any) bool {
	data, ok := j.Data.(map[string]any)
	if !ok {
		return false
	}
	for k, v := range selector {
		const prefix = "data."
		if len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			return false
		}
		field := k[len(prefix):]
		if data[field] != v {
			return false
		}
	}
	return true
}

func applyDebounceOnInsert(j *job.Job, now time.Time) {
	opts := j.UniqueOpts.Debounce
	started := now
	j.DebounceStartedAt = &started

	if opts.Strategy == job.DebounceLeading {
		// First save runs immediately; NextRunAt is left as the creator set it.
		if j.NextRunAt == nil {
			j.NextRunAt = &now
		}
		return
	}

	next := now.Add(opts.Delay)
	j.NextRunAt = &next
}

func applyDebounceOnUpdate(j, existing *job.Job, now time.Time) {
	opts := j.UniqueOpts.Debounce
	j.DebounceStartedAt = existing.DebounceStartedAt
	j.ID = existing.ID

	if opts.Strategy == job.DebounceLeading {
		// Subsequent saves within the window keep the existing NextRunAt.
		j.NextRunAt = existing.NextRunAt
		return
	}

	next := now.Add(opts.Delay)
	if opts.MaxWait > 0 && existing.DebounceStartedAt != nil && now.Sub(*existing.DebounceStartedAt) >= opts.MaxWait {
		next = now
		j.DebounceStartedAt = nil
	}
	j.NextRunAt = &next
}

func (r *Repo) SaveJobState(_ context.Context, in *job.Job, opts repository.SaveOpts) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.jobs[in.ID]
	if !ok || existing.Name != in.Name {
		return repoErrGone
	}

	existing.LockedAt = in.LockedAt
	existing.NextRunAt = in.NextRunAt
	existing.LastRunAt = in.LastRunAt
	existing.LastFinishedAt = in.LastFinishedAt
	existing.FailedAt = in.FailedAt
	existing.FailReason = in.FailReason
	existing.FailCount = in.FailCount
	existing.Progress = in.Progress
	existing.LastModifiedBy = opts.LastModifiedBy

	return nil
}

// GetNextJobToRun finds and locks the single best-ranked candidate for
// name: nextRunAt ASC, priority DESC among unlocked-or-stale rows. An
// unlocked row is eligible once it is due by nextScanAt, not just by now,
// so a tick can claim and hold jobs that will come due before its next
// poll instead of only ones already due this instant.
func (r *Repo) GetNextJobToRun(_ context.Context, name string, nextScanAt, lockDeadline, now time.Time) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *job.Job
	for _, j := range r.jobs {
		if j.Name != name || j.Disabled {
			continue
		}
		if j.NextRunAt == nil {
			continue
		}
		eligible := (j.LockedAt == nil && !j.NextRunAt.After(nextScanAt)) || (j.LockedAt != nil && !j.LockedAt.After(lockDeadline))
		if !eligible {
			continue
		}
		if best == nil || j.NextRunAt.Before(*best.NextRunAt) ||
			(j.NextRunAt.Equal(*best.NextRunAt) && j.Priority > best.Priority) {
			best = j
		}
	}

	if best == nil {
		return nil, nil
	}

	lockedNow := now
	best.LockedAt = &lockedNow
	return clone(best), nil
}

// LockJob attempts a targeted claim, used on notification wake-up.
func (r *Repo) LockJob(_ context.Context, in *job.Job, _ repository.SaveOpts) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.jobs[in.ID]
	if !ok {
		return nil, nil
	}
	if existing.LockedAt != nil {
		return nil, nil // lost the race
	}
	if existing.NextRunAt == nil || in.NextRunAt == nil || !existing.NextRunAt.Equal(*in.NextRunAt) {
		return nil, nil
	}

	now := time.Now()
	existing.LockedAt = &now
	return clone(existing), nil
}

func (r *Repo) UnlockJob(_ context.Context, in *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.jobs[in.ID]
	if !ok {
		return nil
	}
	existing.LockedAt = nil
	return nil
}

func (r *Repo) UnlockJobs(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if j, ok := r.jobs[id]; ok {
			j.LockedAt = nil
		}
	}
	return nil
}

func (r *Repo) RemoveJobs(_ context.Context, sel repository.Selector) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, j := range r.jobs {
		if !selectorMatches(j, sel) {
			continue
		}
		delete(r.jobs, id)
		r.canceled[id] = true
		n++
	}
	return n, nil
}

func (r *Repo) DisableJobs(_ context.Context, sel repository.Selector) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, j := range r.jobs {
		if selectorMatches(j, sel) && !j.Disabled {
			j.Disabled = true
			n++
		}
	}
	return n, nil
}

func (r *Repo) EnableJobs(_ context.Context, sel repository.Selector) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, j := range r.jobs {
		if selectorMatches(j, sel) && j.Disabled {
			j.Disabled = false
			n++
		}
	}
	return n, nil
}

func (r *Repo) IsCanceled(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled[id], nil
}

func selectorMatches(j *job.Job, sel repository.Selector) bool {
	if sel.ID != "" && j.ID != sel.ID {
		return false
	}
	if len(sel.IDs) > 0 && !contains(sel.IDs, j.ID) {
		return false
	}
	if sel.Name != "" && j.Name != sel.Name {
		return false
	}
	if len(sel.Names) > 0 && !contains(sel.Names, j.Name) {
		return false
	}
	if len(sel.NotNames) > 0 && contains(sel.NotNames, j.Name) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

type repoError string

func (e repoError) Error() string { return string(e) }

const repoErrGone repoError = "memrepo: job state save target no longer exists"
