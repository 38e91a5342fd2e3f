// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package memrepo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seakee/jobengine/job"
	"github.com/seakee/jobengine/repository"
)

func TestSaveJobInsertAssignsID(t *testing.T) {
	r := New()
	ctx := context.Background()

	j := job.New("greet", nil)
	saved, err := r.SaveJob(ctx, j, repository.SaveOpts{LastModifiedBy: "worker-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, "worker-1", saved.LastModifiedBy)
}

// TestSingleUpsertKeepsOneRow verifies that a save of type=single for a given
// name always results in exactly one persisted row for that name.
func TestSingleUpsertKeepsOneRow(t *testing.T) {
	r := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		j := job.New("tick", nil).Single()
		_, err := r.SaveJob(ctx, j, repository.SaveOpts{})
		require.NoError(t, err)
	}

	jobs, total, err := r.QueryJobs(ctx, repository.QueryOpts{Name: "tick"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, jobs, 1)
}

// TestUniqueInsertOnlyLeavesExistingRowUnchanged verifies insert-only upserts
// never move an existing row's fields.
func TestUniqueInsertOnlyLeavesExistingRowUnchanged(t *testing.T) {
	r := New()
	ctx := context.Background()

	first := time.Now().Add(time.Hour)
	j1 := job.New("order", map[string]any{"id": "X"}).
		UniqueBy(map[string]any{"data.id": "X"}, &job.UniqueOpts{InsertOnly: true}).
		Schedule(first)
	saved1, err := r.SaveJob(ctx, j1, repository.SaveOpts{})
	require.NoError(t, err)

	j2 := job.New("order", map[string]any{"id": "X"}).
		UniqueBy(map[string]any{"data.id": "X"}, &job.UniqueOpts{InsertOnly: true}).
		Schedule(time.Now().Add(2 * time.Hour))
	saved2, err := r.SaveJob(ctx, j2, repository.SaveOpts{})
	require.NoError(t, err)

	assert.Equal(t, saved1.ID, saved2.ID)
	assert.True(t, saved2.NextRunAt.Equal(first), "insert-only save must not move an existing row's nextRunAt")

	_, total, err := r.QueryJobs(ctx, repository.QueryOpts{Name: "order"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

// TestTrailingDebounceCoalesces covers the debounce trailing strategy and
// its maxWait escape hatch.
func TestTrailingDebounceCoalesces(t *testing.T) {
	r := New()
	ctx := context.Background()

	opts := &job.UniqueOpts{Debounce: &job.DebounceOpts{Delay: 100 * time.Millisecond, Strategy: job.DebounceTrailing}}

	j1 := job.New("index", map[string]any{"doc": "A"}).UniqueBy(map[string]any{"data.doc": "A"}, opts)
	saved1, err := r.SaveJob(ctx, j1, repository.SaveOpts{})
	require.NoError(t, err)
	require.NotNil(t, saved1.NextRunAt)
	firstNext := *saved1.NextRunAt

	j2 := job.New("index", map[string]any{"doc": "A"}).UniqueBy(map[string]any{"data.doc": "A"}, opts)
	saved2, err := r.SaveJob(ctx, j2, repository.SaveOpts{})
	require.NoError(t, err)

	assert.Equal(t, saved1.ID, saved2.ID)
	assert.True(t, saved2.NextRunAt.After(firstNext) || saved2.NextRunAt.Equal(firstNext))
	assert.Equal(t, saved1.DebounceStartedAt, saved2.DebounceStartedAt, "debounceStartedAt must be retained across trailing saves")
}

func TestLeadingDebounceRunsFirstSaveImmediately(t *testing.T) {
	r := New()
	ctx := context.Background()

	opts := &job.UniqueOpts{Debounce: &job.DebounceOpts{Delay: time.Hour, Strategy: job.DebounceLeading}}
	before := time.Now()

	j1 := job.New("index", map[string]any{"doc": "A"}).UniqueBy(map[string]any{"data.doc": "A"}, opts)
	saved1, err := r.SaveJob(ctx, j1, repository.SaveOpts{})
	require.NoError(t, err)
	require.NotNil(t, saved1.NextRunAt)
	assert.WithinDuration(t, before, *saved1.NextRunAt, time.Second, "leading strategy must run first save immediately")

	j2 := job.New("index", map[string]any{"doc": "A"}).UniqueBy(map[string]any{"data.doc": "A"}, opts)
	saved2, err := r.SaveJob(ctx, j2, repository.SaveOpts{})
	require.NoError(t, err)
	assert.Equal(t, *saved1.NextRunAt, *saved2.NextRunAt, "subsequent leading saves must keep the existing nextRunAt")
}

// TestGetNextJobToRunConcurrentClaim verifies that among concurrent claimants
// for the same due job, at most one observes it returned.
func TestGetNextJobToRunConcurrentClaim(t *testing.T) {
	r := New()
	ctx := context.Background()

	past := time.Now().Add(-time.Second)
	j := job.New("work", nil).Schedule(past)
	saved, err := r.SaveJob(ctx, j, repository.SaveOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)

	const claimants = 20
	var wg sync.WaitGroup
	claims := make([]*job.Job, claimants)

	now := time.Now()
	lockDeadline := now.Add(-10 * time.Minute)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			got, err := r.GetNextJobToRun(ctx, "work", now, lockDeadline, now)
			require.NoError(t, err)
			claims[idx] = got
		}(i)
	}
	wg.Wait()

	var winners int
	for _, c := range claims {
		if c != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one claimant should win the lock")
}

func TestDisableThenEnableRestoresState(t *testing.T) {
	r := New()
	ctx := context.Background()

	j := job.New("greet", nil)
	saved, err := r.SaveJob(ctx, j, repository.SaveOpts{})
	require.NoError(t, err)

	n, err := r.DisableJobs(ctx, repository.Selector{ID: saved.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := r.GetJobByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, got.Disabled)

	n, err = r.EnableJobs(ctx, repository.Selector{ID: saved.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err = r.GetJobByID(ctx, saved.ID)
	require.NoError(t, err)
	assert.False(t, got.Disabled)
}

func TestRemoveJobsEmptySelectorIsNoop(t *testing.T) {
	r := New()
	ctx := context.Background()

	_, err := r.SaveJob(ctx, job.New("greet", nil), repository.SaveOpts{})
	require.NoError(t, err)

	n, err := r.RemoveJobs(ctx, repository.Selector{})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, total, err := r.QueryJobs(ctx, repository.QueryOpts{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestNowThenCancelLeavesNoRows(t *testing.T) {
	r := New()
	ctx := context.Background()

	saved, err := r.SaveJob(ctx, job.New("greet", nil).Schedule(time.Now()), repository.SaveOpts{})
	require.NoError(t, err)

	n, err := r.RemoveJobs(ctx, repository.Selector{ID: saved.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, total, err := r.QueryJobs(ctx, repository.QueryOpts{})
	require.NoError(t, err)
	assert.Zero(t, total)

	canceled, err := r.IsCanceled(ctx, saved.ID)
	require.NoError(t, err)
	assert.True(t, canceled)
}
