// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package notify defines the Notification Channel contract the processor
// uses to wake on newly-due jobs without waiting for the next poll tick,
// and a minimal reconnecting state machine concrete adapters can embed.
package notify

import (
	"context"
	"sync"
	"time"
)

// State is one point in the channel's connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// JobNotification announces that a job has become (or will become) due.
type JobNotification struct {
	JobID     string
	JobName   string
	NextRunAt time.Time
	Priority  int
	Timestamp time.Time
	Source    string
}

// JobStateNotification announces a lifecycle transition (locked, completed,
// failed, ...) for jobs that want to observe siblings across workers.
type JobStateNotification struct {
	JobID     string
	JobName   string
	State     string
	Timestamp time.Time
}

// Handler receives delivered notifications. Delivery is at-most-once per
// attempt but duplicates across reconnects are possible; handlers must
// tolerate them.
type Handler func(JobNotification)

// StateHandler receives delivered state notifications.
type StateHandler func(JobStateNotification)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// Channel is the abstract contract a concrete transport (Redis, NATS, ...)
// implements. Publishing is fire-and-forget: failures are reported through
// the channel's error sink, never by failing the caller's save.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Publish(ctx context.Context, n JobNotification) error
	Subscribe(h Handler) Unsubscribe

	PublishState(ctx context.Context, n JobStateNotification) error
	SubscribeState(h StateHandler) Unsubscribe

	State() State
}

// Reconnector drives the disconnected → connecting → connected →
// reconnecting state machine shared by concrete adapters. It owns no
// transport; callers supply a dial function and call Failed when the
// transport reports an error while connected.
type Reconnector struct {
	mu    sync.Mutex
	state State

	dial       func(ctx context.Context) error
	maxRetries int
	backoff    func(attempt int) time.Duration

	stopCh chan struct{}
}

// NewReconnector builds a Reconnector. backoff computes the delay before
// the (1-indexed) attempt'th reconnect try; maxRetries <= 0 means unlimited.
func NewReconnector(dial func(ctx context.Context) error, maxRetries int, backoff func(attempt int) time.Duration) *Reconnector {
	return &Reconnector{
		state:      Disconnected,
		dial:       dial,
		maxRetries: maxRetries,
		backoff:    backoff,
		stopCh:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (rc *Reconnector) State() State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *Reconnector) setState(s State) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

// Connect performs the initial dial, moving disconnected → connecting →
// connected (or back to disconnected on failure).
func (rc *Reconnector) Connect(ctx context.Context) error {
	rc.setState(Connecting)
	if err := rc.dial(ctx); err != nil {
		rc.setState(Disconnected)
		return err
	}
	rc.setState(Connected)
	return nil
}

// Disconnect marks the channel disconnected and stops any in-flight
// reconnection loop. It does not close the underlying transport; concrete
// adapters do that themselves before or after calling this.
func (rc *Reconnector) Disconnect() {
	select {
	case <-rc.stopCh:
	default:
		close(rc.stopCh)
	}
	rc.setState(Disconnected)
}

// Failed reports a transport error observed while connected, triggering a
// background reconnection loop with exponential backoff and jitter. No
// registered handlers are dropped: the caller's Subscribe registry is
// untouched by reconnection.
func (rc *Reconnector) Failed(ctx context.Context) {
	rc.mu.Lock()
	if rc.state == Reconnecting {
		rc.mu.Unlock()
		return
	}
	rc.state = Reconnecting
	rc.stopCh = make(chan struct{})
	stopCh := rc.stopCh
	rc.mu.Unlock()

	go rc.reconnectLoop(ctx, stopCh)
}

func (rc *Reconnector) reconnectLoop(ctx context.Context, stopCh chan struct{}) {
	attempt := 0
	for {
		attempt++
		if rc.maxRetries > 0 && attempt > rc.maxRetries {
			rc.setState(Disconnected)
			return
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			rc.setState(Disconnected)
			return
		case <-time.After(rc.backoff(attempt)):
		}

		if err := rc.dial(ctx); err == nil {
			rc.setState(Connected)
			return
		}
	}
}
