// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package processor_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seakee/jobengine/backoff"
	"github.com/seakee/jobengine/definition"
	"github.com/seakee/jobengine/event"
	"github.com/seakee/jobengine/job"
	"github.com/seakee/jobengine/notify"
	"github.com/seakee/jobengine/processor"
	"github.com/seakee/jobengine/repository"
	"github.com/seakee/jobengine/repository/memrepo"
)

func newTestProcessor(t *testing.T, registry *definition.Registry, bus *event.Bus) (*processor.Processor, *memrepo.Repo) {
	t.Helper()
	repo := memrepo.New()
	opts := processor.Options{
		WorkerName:     "test-worker",
		ProcessEvery:   15 * time.Millisecond,
		MaxConcurrency: 20,
	}
	p := processor.New(repo, registry, nil, bus, nil, opts)
	return p, repo
}

func startAndStop(t *testing.T, p *processor.Processor) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = p.Stop(context.Background())
	})
	return ctx
}

func TestProcessorRunsAnImmediatelyDueJob(t *testing.T) {
	registry := definition.New(0, 0, time.Second)
	bus := event.NewBus()

	var ran int32
	registry.Define("greet", func(_ context.Context, j *job.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, definition.Options{})

	p, repo := newTestProcessor(t, registry, bus)

	successCh := make(chan event.Event, 1)
	bus.On(event.Success, func(e event.Event) { successCh <- e })

	startAndStop(t, p)

	saved, err := repo.SaveJob(context.Background(), job.New("greet", nil).Schedule(time.Now()), repository.SaveOpts{})
	require.NoError(t, err)

	select {
	case e := <-successCh:
		require.Equal(t, saved.ID, e.Job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for success event")
	}

	require.EqualValues(t, 1, atomic.LoadInt32(&ran))

	reloaded, err := repo.GetJobByID(context.Background(), saved.ID)
	require.NoError(t, err)
	require.Nil(t, reloaded.NextRunAt)
	require.NotNil(t, reloaded.LastFinishedAt)
}

func TestProcessorRetriesThenExhausts(t *testing.T) {
	registry := definition.New(0, 0, time.Second)
	bus := event.NewBus()

	registry.Define("flaky", func(_ context.Context, j *job.Job) error {
		return assertErr
	}, definition.Options{Backoff: backoff.Constant(10*time.Millisecond, 2)})

	p, repo := newTestProcessor(t, registry, bus)

	exhaustedCh := make(chan event.Event, 1)
	var retries int32
	bus.On(event.Retry, func(e event.Event) { atomic.AddInt32(&retries, 1) })
	bus.On(event.RetryExhausted, func(e event.Event) { exhaustedCh <- e })

	startAndStop(t, p)

	_, err := repo.SaveJob(context.Background(), job.New("flaky", nil).Schedule(time.Now()), repository.SaveOpts{})
	require.NoError(t, err)

	select {
	case <-exhaustedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for retry exhausted")
	}

	require.EqualValues(t, 2, atomic.LoadInt32(&retries))
}

func TestProcessorEnforcesMaxConcurrency(t *testing.T) {
	registry := definition.New(0, 0, time.Second)
	bus := event.NewBus()

	var current, maxObserved int32
	release := make(chan struct{})
	registry.Define("slow", func(_ context.Context, j *job.Job) error {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&current, -1)
		return nil
	}, definition.Options{})

	repo := memrepo.New()
	p := processor.New(repo, registry, nil, bus, nil, processor.Options{
		WorkerName:     "test-worker",
		ProcessEvery:   15 * time.Millisecond,
		MaxConcurrency: 1,
	})

	startAndStop(t, p)

	for i := 0; i < 3; i++ {
		_, err := repo.SaveJob(context.Background(), job.New("slow", nil).Schedule(time.Now()), repository.SaveOpts{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&current) == 1 }, time.Second, 5*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool { return atomic.LoadInt32(&current) == 0 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&maxObserved))
}

func TestProcessorDrainTimesOutAndForceUnlocks(t *testing.T) {
	registry := definition.New(0, 0, time.Second)
	bus := event.NewBus()

	started := make(chan struct{})
	block := make(chan struct{})
	registry.Define("stuck", func(_ context.Context, j *job.Job) error {
		close(started)
		<-block
		return nil
	}, definition.Options{})

	repo := memrepo.New()
	p := processor.New(repo, registry, nil, bus, nil, processor.Options{
		WorkerName:   "test-worker",
		ProcessEvery: 15 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	saved, err := repo.SaveJob(context.Background(), job.New("stuck", nil).Schedule(time.Now()), repository.SaveOpts{})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to start")
	}

	result, err := p.Drain(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, result.TimedOut)
	require.Equal(t, 1, result.Running)

	reloaded, err := repo.GetJobByID(context.Background(), saved.ID)
	require.NoError(t, err)
	require.Nil(t, reloaded.LockedAt)

	close(block)
}

func TestProcessorWakesOnNotification(t *testing.T) {
	registry := definition.New(0, 0, time.Second)
	bus := event.NewBus()

	var ran int32
	registry.Define("wake", func(_ context.Context, j *job.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, definition.Options{})

	repo := memrepo.New()
	channel := newFakeChannel()
	p := processor.New(repo, registry, channel, bus, nil, processor.Options{
		WorkerName:   "test-worker",
		ProcessEvery: time.Hour, // effectively disables the periodic tick
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(context.Background())

	saved, err := repo.SaveJob(context.Background(), job.New("wake", nil).Schedule(time.Now()), repository.SaveOpts{})
	require.NoError(t, err)

	require.NotNil(t, saved.NextRunAt)
	channel.deliver(notify.JobNotification{JobID: saved.ID, JobName: "wake", NextRunAt: *saved.NextRunAt})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&ran) == 1 }, time.Second, 5*time.Millisecond)
}

var assertErr = testError("handler failed")

type testError string

func (e testError) Error() string { return string(e) }

// fakeChannel is a minimal notify.Channel that delivers notifications
// synchronously on demand, for exercising onNotification without a real
// transport.
type fakeChannel struct {
	mu       sync.Mutex
	handlers []notify.Handler
}

func newFakeChannel() *fakeChannel { return &fakeChannel{} }

func (c *fakeChannel) Connect(context.Context) error    { return nil }
func (c *fakeChannel) Disconnect(context.Context) error { return nil }

func (c *fakeChannel) Publish(context.Context, notify.JobNotification) error { return nil }

func (c *fakeChannel) Subscribe(h notify.Handler) notify.Unsubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	return func() {}
}

func (c *fakeChannel) PublishState(context.Context, notify.JobStateNotification) error { return nil }

func (c *fakeChannel) SubscribeState(notify.StateHandler) notify.Unsubscribe {
	return func() {}
}

func (c *fakeChannel) State() notify.State { return notify.Connected }

func (c *fakeChannel) deliver(n notify.JobNotification) {
	c.mu.Lock()
	handlers := append([]notify.Handler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(n)
	}
}
