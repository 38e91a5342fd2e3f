// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package errs defines the error kinds of the job scheduling engine, as
// specified by the error handling design: handler failures, lease timeouts,
// cancellation, missing definitions, repository/notification transport
// errors, and configuration errors.
package errs

import "github.com/pkg/errors"

// Sentinel error kinds. Wrap with errors.Wrap/Wrapf and compare with
// errors.Is; callers that need the underlying cause should unwrap through
// github.com/pkg/errors.Cause.
var (
	// ErrJobCanceled is returned by Job.Touch when the job has been
	// canceled out from under the running handler.
	ErrJobCanceled = errors.New("jobengine: job canceled")

	// ErrDefinitionMissing is reported when a queued job has no registered
	// handler for its name.
	ErrDefinitionMissing = errors.New("jobengine: definition missing")

	// ErrConfigurationInvalid covers invalid intervals, invalid priority
	// literals, and calling configuration setters after Start.
	ErrConfigurationInvalid = errors.New("jobengine: invalid configuration")

	// ErrJobNotFound is returned by repository lookups that find no row.
	ErrJobNotFound = errors.New("jobengine: job not found")

	// ErrLockLost is surfaced when a lease-renewal or completion save finds
	// the row has been reclaimed by another worker.
	ErrLockLost = errors.New("jobengine: lock lost")

	// ErrStarted is returned when a configuration setter is invoked after
	// the engine has started.
	ErrStarted = errors.New("jobengine: engine already started")
)

// HandlerFailure wraps an error returned by a job handler. It is subject to
// the job definition's backoff policy.
type HandlerFailure struct {
	JobName string
	JobID   string
	Cause   error
}

func (e *HandlerFailure) Error() string {
	return "jobengine: handler failure for " + e.JobName + " (" + e.JobID + "): " + e.Cause.Error()
}

func (e *HandlerFailure) Unwrap() error { return e.Cause }

// NewHandlerFailure wraps a handler error with job identity for logging and
// backoff context.
func NewHandlerFailure(jobName, jobID string, cause error) *HandlerFailure {
	return &HandlerFailure{JobName: jobName, JobID: jobID, Cause: cause}
}

// RepositoryError wraps an error returned by a Repository call, surfaced on
// the engine event bus as "error" without propagating out of the tick.
type RepositoryError struct {
	Op    string
	Cause error
}

func (e *RepositoryError) Error() string { return "jobengine: repository " + e.Op + ": " + e.Cause.Error() }
func (e *RepositoryError) Unwrap() error { return e.Cause }

// NewRepositoryError wraps a repository failure with the operation name.
func NewRepositoryError(op string, cause error) *RepositoryError {
	if cause == nil {
		return nil
	}
	return &RepositoryError{Op: op, Cause: cause}
}

// NotificationError wraps an error from the notification channel transport.
// Publishing is best-effort: a NotificationError never fails a save.
type NotificationError struct {
	Op    string
	Cause error
}

func (e *NotificationError) Error() string {
	return "jobengine: notification " + e.Op + ": " + e.Cause.Error()
}
func (e *NotificationError) Unwrap() error { return e.Cause }

// NewNotificationError wraps a notification channel failure with the
// operation name.
func NewNotificationError(op string, cause error) *NotificationError {
	if cause == nil {
		return nil
	}
	return &NotificationError{Op: op, Cause: cause}
}
