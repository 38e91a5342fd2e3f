// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seakee/jobengine/errs"
)

type fakeStore struct {
	canceled    bool
	savedState  int
	saveJobFn   func(*Job) (*Job, error)
	saveStateFn func(*Job) error
}

func (f *fakeStore) SaveJob(_ context.Context, j *Job, _ string) (*Job, error) {
	if f.saveJobFn != nil {
		return f.saveJobFn(j)
	}
	cp := *j
	cp.ID = "generated-id"
	return &cp, nil
}

func (f *fakeStore) SaveJobState(_ context.Context, j *Job, _ string) error {
	f.savedState++
	if f.saveStateFn != nil {
		return f.saveStateFn(j)
	}
	return nil
}

func (f *fakeStore) IsCanceled(_ context.Context, _ string) (bool, error) {
	return f.canceled, nil
}

func TestBuilderChain(t *testing.T) {
	j := New("greet", map[string]string{"who": "world"}).
		SetPriority("high").
		Single().
		Disable().
		Enable()

	if j.Priority != 10 {
		t.Fatalf("priority = %d, want 10", j.Priority)
	}
	if j.Type != TypeSingle {
		t.Fatalf("type = %q, want single", j.Type)
	}
	if j.Disabled {
		t.Fatal("expected Enable() to clear Disabled")
	}
}

func TestIsRunning(t *testing.T) {
	now := time.Now()
	lockLifetime := 10 * time.Second

	lockedAt := now.Add(-2 * time.Second)
	lastRun := now.Add(-2 * time.Second)
	j := &Job{LockedAt: &lockedAt, LastRunAt: &lastRun}

	if !j.IsRunning(lockLifetime, now) {
		t.Fatal("expected running job to report IsRunning")
	}

	staleLockedAt := now.Add(-20 * time.Second)
	stale := &Job{LockedAt: &staleLockedAt, LastRunAt: &lastRun}
	if stale.IsRunning(lockLifetime, now) {
		t.Fatal("expected stale lease to report not running")
	}

	finishedAfter := now
	finished := &Job{LockedAt: &lockedAt, LastRunAt: &lastRun, LastFinishedAt: &finishedAfter}
	if finished.IsRunning(lockLifetime, now) {
		t.Fatal("expected job finished after last run to report not running")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	lockLifetime := 5 * time.Second

	fresh := now.Add(-1 * time.Second)
	j := &Job{LockedAt: &fresh}
	if j.IsExpired(lockLifetime, now) {
		t.Fatal("expected fresh lease not expired")
	}

	stale := now.Add(-10 * time.Second)
	j2 := &Job{LockedAt: &stale}
	if !j2.IsExpired(lockLifetime, now) {
		t.Fatal("expected stale lease to be expired")
	}
}

func TestTouchRefreshesLease(t *testing.T) {
	fs := &fakeStore{}
	j := New("greet", nil).WithStore(fs)
	j.ID = "job-1"

	before := time.Now()
	if err := j.Touch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.LockedAt == nil || j.LockedAt.Before(before) {
		t.Fatal("expected Touch to set LockedAt to now")
	}
	if fs.savedState != 1 {
		t.Fatalf("expected one state save, got %d", fs.savedState)
	}
}

func TestTouchCanceled(t *testing.T) {
	fs := &fakeStore{canceled: true}
	j := New("greet", nil).WithStore(fs)
	j.ID = "job-1"

	err := j.Touch(context.Background(), nil)
	if !errors.Is(err, errs.ErrJobCanceled) {
		t.Fatalf("expected ErrJobCanceled, got %v", err)
	}
	if !j.Canceled() {
		t.Fatal("expected Canceled() to report true after cancellation observed")
	}
}

func TestFailIncrementsCount(t *testing.T) {
	j := New("greet", nil)
	j.Fail("boom")
	j.Fail("boom again")

	if j.FailCount != 2 {
		t.Fatalf("FailCount = %d, want 2", j.FailCount)
	}
	if j.FailReason != "boom again" {
		t.Fatalf("FailReason = %q, want latest reason", j.FailReason)
	}
	if j.FailedAt == nil {
		t.Fatal("expected FailedAt to be set")
	}
}
