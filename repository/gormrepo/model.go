// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package gormrepo implements repository.Repository on top of GORM and
// MySQL. Atomic claim is implemented
// as a transaction that SELECT ... FOR UPDATEs the best-ranked candidate
// row and then updates it, rather than relying on a single
// UPDATE ... RETURNING statement that MySQL's dialect doesn't support.
package gormrepo

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/seakee/jobengine/job"
)

// jobRow is the GORM model backing the "jobs" table.
type jobRow struct {
	ID             string         `gorm:"primaryKey;column:id;size:36"`
	Name           string         `gorm:"column:name;index:idx_name_next_run"`
	Data           datatypes.JSON `gorm:"column:data"`
	Priority       int            `gorm:"column:priority"`
	Type           string         `gorm:"column:type"`
	NextRunAt      *time.Time     `gorm:"column:next_run_at;index:idx_name_next_run"`
	LastRunAt      *time.Time     `gorm:"column:last_run_at"`
	LastFinishedAt *time.Time     `gorm:"column:last_finished_at"`
	FailedAt       *time.Time     `gorm:"column:failed_at"`
	LockedAt       *time.Time     `gorm:"column:locked_at"`
	FailCount      int            `gorm:"column:fail_count"`
	FailReason     string         `gorm:"column:fail_reason"`
	RepeatInterval string         `gorm:"column:repeat_interval"`
	RepeatTimezone string         `gorm:"column:repeat_timezone"`
	RepeatAt       string         `gorm:"column:repeat_at"`
	Disabled       bool           `gorm:"column:disabled"`
	Progress       *int           `gorm:"column:progress"`
	UniqueKey      datatypes.JSON `gorm:"column:unique_key"`
	UniqueOpts     datatypes.JSON `gorm:"column:unique_opts"`
	DebounceStart  *time.Time     `gorm:"column:debounce_started_at"`
	LastModifiedBy string         `gorm:"column:last_modified_by"`
	CanceledAt     *time.Time     `gorm:"column:canceled_at"`
}

// TableName returns the physical table name for jobRow.
func (jobRow) TableName() string { return "jobs" }

// toDomain converts a persisted row into the engine's domain Job type.
func (r *jobRow) toDomain() *job.Job {
	j := &job.Job{
		ID:                r.ID,
		Name:              r.Name,
		Priority:          r.Priority,
		Type:              job.Type(r.Type),
		NextRunAt:         r.NextRunAt,
		LastRunAt:         r.LastRunAt,
		LastFinishedAt:    r.LastFinishedAt,
		FailedAt:          r.FailedAt,
		LockedAt:          r.LockedAt,
		FailCount:         r.FailCount,
		FailReason:        r.FailReason,
		RepeatInterval:    r.RepeatInterval,
		RepeatAt:          r.RepeatAt,
		Disabled:          r.Disabled,
		Progress:          r.Progress,
		DebounceStartedAt: r.DebounceStart,
		LastModifiedBy:    r.LastModifiedBy,
	}

	if r.RepeatTimezone != "" {
		if loc, err := time.LoadLocation(r.RepeatTimezone); err == nil {
			j.RepeatTimezone = loc
		}
	}

	if len(r.Data) > 0 {
		var data any
		if err := json.Unmarshal(r.Data, &data); err == nil {
			j.Data = data
		}
	}

	if len(r.UniqueKey) > 0 {
		var sel map[string]any
		if err := json.Unmarshal(r.UniqueKey, &sel); err == nil {
			j.Unique = sel
		}
	}

	if len(r.UniqueOpts) > 0 {
		var opts job.UniqueOpts
		if err := json.Unmarshal(r.UniqueOpts, &opts); err == nil {
			j.UniqueOpts = &opts
		}
	}

	return j
}

// fromDomain converts an engine Job into its persisted row representation.
func fromDomain(j *job.Job) (*jobRow, error) {
	row := &jobRow{
		ID:             j.ID,
		Name:           j.Name,
		Priority:       j.Priority,
		Type:           string(j.Type),
		NextRunAt:      j.NextRunAt,
		LastRunAt:      j.LastRunAt,
		LastFinishedAt: j.LastFinishedAt,
		FailedAt:       j.FailedAt,
		LockedAt:       j.LockedAt,
		FailCount:      j.FailCount,
		FailReason:     j.FailReason,
		RepeatInterval: j.RepeatInterval,
		RepeatAt:       j.RepeatAt,
		Disabled:       j.Disabled,
		Progress:       j.Progress,
		DebounceStart:  j.DebounceStartedAt,
		LastModifiedBy: j.LastModifiedBy,
	}

	if j.RepeatTimezone != nil {
		row.RepeatTimezone = j.RepeatTimezone.String()
	}

	if j.Data != nil {
		b, err := json.Marshal(j.Data)
		if err != nil {
			return nil, err
		}
		row.Data = b
	}

	if j.Unique != nil {
		b, err := json.Marshal(j.Unique)
		if err != nil {
			return nil, err
		}
		row.UniqueKey = b
	}

	if j.UniqueOpts != nil {
		b, err := json.Marshal(j.UniqueOpts)
		if err != nil {
			return nil, err
		}
		row.UniqueOpts = b
	}

	return row, nil
}

// AutoMigrate creates or updates the jobs table, a convenience for demos
// and tests; production deployments should manage schema through their own
// migration tool.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&jobRow{})
}
