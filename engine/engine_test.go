// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package engine_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seakee/jobengine/definition"
	"github.com/seakee/jobengine/engine"
	"github.com/seakee/jobengine/event"
	"github.com/seakee/jobengine/job"
	"github.com/seakee/jobengine/repository"
	"github.com/seakee/jobengine/repository/memrepo"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	repo := memrepo.New()
	e, err := engine.New(repo,
		engine.WithName("engine-test"),
		engine.WithProcessEvery(15*time.Millisecond),
		engine.WithMaxConcurrency(10),
	)
	require.NoError(t, err)
	return e
}

func TestEngineCreateIsUnsaved(t *testing.T) {
	e := newTestEngine(t)
	j := e.Create("greet", map[string]any{"name": "ada"})
	require.Empty(t, j.ID)
	require.Equal(t, "greet", j.Name)
}

func TestEngineNowRunsImmediately(t *testing.T) {
	e := newTestEngine(t)

	var ran int32
	_, err := e.Define("greet", func(_ context.Context, j *job.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, definition.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop(context.Background())

	j, err := e.Now(ctx, "greet", nil)
	require.NoError(t, err)
	require.NotEmpty(t, j.ID)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngineScheduleRunsAtTheGivenTime(t *testing.T) {
	e := newTestEngine(t)

	startedAt := make(chan time.Time, 1)
	_, err := e.Define("later", func(_ context.Context, j *job.Job) error {
		startedAt <- time.Now()
		return nil
	}, definition.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop(context.Background())

	when := time.Now().Add(80 * time.Millisecond)
	_, err = e.Schedule(ctx, when, "later", nil)
	require.NoError(t, err)

	select {
	case got := <-startedAt:
		require.True(t, !got.Before(when.Add(-5*time.Millisecond)))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduled job to run")
	}
}

func TestEngineScheduleHumanRejectsUnparseableInterval(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ScheduleHuman(context.Background(), "not an interval", "greet", nil)
	require.Error(t, err)
}

func TestEngineEveryCreatesASingleRecurringJob(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Define("tick", func(_ context.Context, j *job.Job) error { return nil }, definition.Options{})
	require.NoError(t, err)

	first, err := e.Every(context.Background(), "@every 1h", "tick", nil, engine.EveryOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := e.Every(context.Background(), "@every 1h", "tick", nil, engine.EveryOptions{})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "a second Every for the same name should upsert, not duplicate")
}

func TestEngineDefineAfterStartIsRejected(t *testing.T) {
	e := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop(context.Background())

	_, err := e.Define("late", func(context.Context, *job.Job) error { return nil }, definition.Options{})
	require.Error(t, err)
}

func TestEngineCancelDisableEnablePurge(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Define("sweepable", func(context.Context, *job.Job) error { return nil }, definition.Options{})
	require.NoError(t, err)

	ctx := context.Background()
	far := time.Now().Add(time.Hour)
	j1, err := e.Schedule(ctx, far, "sweepable", nil)
	require.NoError(t, err)
	_, err = e.Schedule(ctx, far, "sweepable", nil)
	require.NoError(t, err)

	n, err := e.Disable(ctx, repository.Selector{ID: j1.ID})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	reloaded, err := e.GetJobByID(ctx, j1.ID)
	require.NoError(t, err)
	require.True(t, reloaded.Disabled)

	n, err = e.Enable(ctx, repository.Selector{ID: j1.ID})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = e.Cancel(ctx, repository.Selector{ID: j1.ID})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	gone, err := e.GetJobByID(ctx, j1.ID)
	require.NoError(t, err)
	require.Nil(t, gone)

	n, err = e.Purge(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	names, err := e.GetDistinctJobNames(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestEngineOnSubscribesToProcessorEvents(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Define("notify-me", func(context.Context, *job.Job) error { return nil }, definition.Options{})
	require.NoError(t, err)

	successCh := make(chan event.Event, 1)
	e.On(event.Success, func(ev event.Event) { successCh <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop(context.Background())

	_, err = e.Now(ctx, "notify-me", nil)
	require.NoError(t, err)

	select {
	case <-successCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for success event via On")
	}
}

func TestEngineDrainWaitsForInFlightHandler(t *testing.T) {
	e := newTestEngine(t)

	started := make(chan struct{})
	release := make(chan struct{})
	_, err := e.Define("long", func(context.Context, *job.Job) error {
		close(started)
		<-release
		return nil
	}, definition.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))

	_, err = e.Now(ctx, "long", nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler to start")
	}

	close(release)

	result, err := e.Drain(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, result.TimedOut)
}
