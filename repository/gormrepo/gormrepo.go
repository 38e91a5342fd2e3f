// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package gormrepo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seakee/jobengine/job"
	"github.com/seakee/jobengine/repository"
)

// Repo is a MySQL-backed repository.Repository implementation: a thin
// struct wrapping *gorm.DB behind the package's own interface.
type Repo struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB. Connect/Disconnect are no-ops
// because GORM's connection pool is owned by the caller: connections are
// opened once at application bootstrap and shared across repositories.
func New(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Connect(context.Context) error    { return nil }
func (r *Repo) Disconnect(context.Context) error { return nil }

// GetJobByID returns the job with the given id, or (nil, nil) if absent.
func (r *Repo) GetJobByID(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "gormrepo: get job by id")
	}
	return row.toDomain(), nil
}

// QueryJobs returns a page of jobs for opts.Name (or all names when empty),
// along with their derived lifecycle state and the total matching count.
func (r *Repo) QueryJobs(ctx context.Context, opts repository.QueryOpts) ([]repository.JobWithState, int64, error) {
	q := r.db.WithContext(ctx).Model(&jobRow{})
	if opts.Name != "" {
		q = q.Where("name = ?", opts.Name)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "gormrepo: count jobs")
	}

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var rows []jobRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, 0, errors.Wrap(err, "gormrepo: query jobs")
	}

	now := time.Now()
	out := make([]repository.JobWithState, 0, len(rows))
	for i := range rows {
		out = append(out, repository.JobWithState{Job: rows[i].toDomain(), State: deriveState(&rows[i], now)})
	}
	return out, total, nil
}

func deriveState(r *jobRow, now time.Time) string {
	switch {
	case r.Disabled:
		return "disabled"
	case r.LockedAt != nil && (r.LastFinishedAt == nil || (r.LastRunAt != nil && r.LastFinishedAt.Before(*r.LastRunAt))):
		return "running"
	case r.FailedAt != nil && (r.LastFinishedAt == nil || r.FailedAt.After(*r.LastFinishedAt)):
		return "failed"
	case r.NextRunAt != nil && r.NextRunAt.After(now):
		return "scheduled"
	case r.NextRunAt != nil:
		return "queued"
	case r.RepeatInterval != "" || r.RepeatAt != "":
		return "repeating"
	default:
		return "completed"
	}
}

// GetJobsOverview aggregates per-name counts for the diagnostics surface.
func (r *Repo) GetJobsOverview(ctx context.Context) ([]repository.Overview, error) {
	var rows []jobRow
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "gormrepo: jobs overview")
	}

	byName := map[string]*repository.Overview{}
	now := time.Now()
	for i := range rows {
		row := &rows[i]
		ov, ok := byName[row.Name]
		if !ok {
			ov = &repository.Overview{Name: row.Name}
			byName[row.Name] = ov
		}
		ov.Total++
		switch deriveState(row, now) {
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
	return out, nil
}

// GetDistinctJobNames returns every name currently present in the jobs table.
func (r *Repo) GetDistinctJobNames(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).Model(&jobRow{}).Distinct().Pluck("name", &names).Error
	if err != nil {
		return nil, errors.Wrap(err, "gormrepo: distinct job names")
	}
	return names, nil
}

// GetQueueSize counts jobs due now that are neither disabled nor locked.
func (r *Repo) GetQueueSize(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&jobRow{}).
		Where("disabled = ?", false).
		Where("locked_at IS NULL").
		Where("next_run_at IS NOT NULL AND next_run_at <= ?", time.Now()).
		Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "gormrepo: queue size")
	}
	return n, nil
}

// SaveJob implements the insert/upsert discriminator: explicit id wins,
// then single-type upsert (protecting a past-or-equal nextRunAt), then
// unique-selector upsert (with debounce), else a plain insert.
//
// Parameters:
//   - j: the job to persist.
//   - opts: carries the saving worker's identity for LastModifiedBy.
//
// Returns:
//   - *job.Job: the persisted row, with an assigned ID on insert.
//   - error: wrapped database error.
func (r *Repo) SaveJob(ctx context.Context, j *job.Job, opts repository.SaveOpts) (*job.Job, error) {
	row, err := fromDomain(j)
	if err != nil {
		return nil, errors.Wrap(err, "gormrepo: encode job")
	}
	row.LastModifiedBy = opts.LastModifiedBy

	switch {
	case j.ID != "":
		return r.saveByID(ctx, row)
	case j.Type == job.TypeSingle:
		return r.saveSingle(ctx, row)
	case j.Unique != nil:
		return r.saveUnique(ctx, j, row)
	default:
		row.ID = uuid.NewString()
		if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
			return nil, errors.Wrap(err, "gormrepo: insert job")
		}
		return row.toDomain(), nil
	}
}

func (r *Repo) saveByID(ctx context.Context, row *jobRow) (*job.Job, error) {
	var existing jobRow
	err := r.db.WithContext(ctx).Where("id = ? AND name = ?", row.ID, row.Name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row.toDomain(), nil // row vanished: return input unchanged
	}
	if err != nil {
		return nil, errors.Wrap(err, "gormrepo: load job by id")
	}

	if err := r.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND name = ?", row.ID, row.Name).
		Select("*").Updates(row).Error; err != nil {
		return nil, errors.Wrap(err, "gormrepo: update job by id")
	}
	return row.toDomain(), nil
}

func (r *Repo) saveSingle(ctx context.Context, row *jobRow) (*job.Job, error) {
	var result *jobRow
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing jobRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ? AND type = ?", row.Name, string(job.TypeSingle)).
			First(&existing).Error

		now := time.Now()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row.ID = uuid.NewString()
			if err := tx.Create(row).Error; err != nil {
				return errors.Wrap(err, "insert single job")
			}
			result = row
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "load existing single job")
		}

		if existing.NextRunAt != nil && !existing.NextRunAt.After(now) {
			row.NextRunAt = existing.NextRunAt // protect past-or-equal nextRunAt
		}
		row.ID = existing.ID

		if err := tx.Model(&jobRow{}).Where("id = ?", existing.ID).Select("*").Updates(row).Error; err != nil {
			return errors.Wrap(err, "update single job")
		}
		result = row
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "gormrepo: save single job")
	}
	return result.toDomain(), nil
}

func (r *Repo) saveUnique(ctx context.Context, j *job.Job, row *jobRow) (*job.Job, error) {
	selJSON, err := json.Marshal(j.Unique)
	if err != nil {
		return nil, errors.Wrap(err, "gormrepo: encode unique selector")
	}

	var result *jobRow
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing jobRow
		findErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ? AND unique_key = ?", j.Name, selJSON).
			First(&existing).Error

		now := time.Now()

		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			row.ID = uuid.NewString()
			if j.UniqueOpts != nil && j.UniqueOpts.Debounce != nil {
				applyDebounceOnInsert(row, j.UniqueOpts.Debounce, now)
			}
			if err := tx.Create(row).Error; err != nil {
				return errors.Wrap(err, "insert unique job")
			}
			result = row
			return nil
		}
		if findErr != nil {
			return errors.Wrap(findErr, "load existing unique job")
		}

		if j.UniqueOpts != nil && j.UniqueOpts.Debounce != nil {
			applyDebounceOnUpdate(row, &existing, j.UniqueOpts.Debounce, now)
			row.ID = existing.ID
			if err := tx.Model(&jobRow{}).Where("id = ?", existing.ID).Select("*").Updates(row).Error; err != nil {
				return errors.Wrap(err, "update debounced job")
			}
			result = row
			return nil
		}

		if j.UniqueOpts != nil && j.UniqueOpts.InsertOnly {
			result = &existing // no-op: leave existing row unchanged
			return nil
		}

		row.ID = existing.ID
		if err := tx.Model(&jobRow{}).Where("id = ?", existing.ID).Select("*").Updates(row).Error; err != nil {
			return errors.Wrap(err, "update unique job")
		}
		result = row
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "gormrepo: save unique job")
	}
	return result.toDomain(), nil
}

func applyDebounceOnInsert(row *jobRow, opts *job.DebounceOpts, now time.Time) {
	started := now
	row.DebounceStart = &started

	if opts.Strategy == job.DebounceLeading {
		if row.NextRunAt == nil {
			row.NextRunAt = &now
		}
		return
	}

	next := now.Add(opts.Delay)
	row.NextRunAt = &next
}

func applyDebounceOnUpdate(row *jobRow, existing *jobRow, opts *job.DebounceOpts, now time.Time) {
	row.DebounceStart = existing.DebounceStart

	if opts.Strategy == job.DebounceLeading {
		row.NextRunAt = existing.NextRunAt
		return
	}

	next := now.Add(opts.Delay)
	if opts.MaxWait > 0 && existing.DebounceStart != nil && now.Sub(*existing.DebounceStart) >= opts.MaxWait {
		next = now
		row.DebounceStart = nil
	}
	row.NextRunAt = &next
}

// SaveJobState persists only the processor-owned fields of j.
func (r *Repo) SaveJobState(ctx context.Context, j *job.Job, opts repository.SaveOpts) error {
	updates := map[string]any{
		"locked_at":        j.LockedAt,
		"next_run_at":      j.NextRunAt,
		"last_run_at":      j.LastRunAt,
		"last_finished_at": j.LastFinishedAt,
		"failed_at":        j.FailedAt,
		"fail_reason":      j.FailReason,
		"fail_count":       j.FailCount,
		"progress":         j.Progress,
		"last_modified_by": opts.LastModifiedBy,
	}

	res := r.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND name = ?", j.ID, j.Name).
		Updates(updates)
	if res.Error != nil {
		return errors.Wrap(res.Error, "gormrepo: save job state")
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("gormrepo: job %s (%s) no longer exists", j.ID, j.Name)
	}
	return nil
}

// GetNextJobToRun atomically finds and locks the best-ranked due candidate
// for name using SELECT ... FOR UPDATE SKIP LOCKED, so concurrent workers
// never double-claim the same row. An unlocked row is eligible once it is
// due by nextScanAt, not just by now, so a tick can claim and hold jobs
// that will come due before its next poll.
func (r *Repo) GetNextJobToRun(ctx context.Context, name string, nextScanAt, lockDeadline, now time.Time) (*job.Job, error) {
	var result *jobRow

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidate jobRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("name = ? AND disabled = ?", name, false).
			Where("(locked_at IS NULL AND next_run_at <= ?) OR locked_at <= ?", nextScanAt, lockDeadline).
			Order("next_run_at ASC, priority DESC").
			Limit(1).
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "select next job")
		}

		if err := tx.Model(&jobRow{}).Where("id = ?", candidate.ID).Update("locked_at", now).Error; err != nil {
			return errors.Wrap(err, "lock next job")
		}
		candidate.LockedAt = &now
		result = &candidate
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "gormrepo: get next job to run")
	}
	if result == nil {
		return nil, nil
	}
	return result.toDomain(), nil
}

// LockJob attempts a targeted claim of a specific id for notification-driven
// wake-up; it loses gracefully (returns nil, nil) when another worker
// already holds the row or its nextRunAt has since changed.
func (r *Repo) LockJob(ctx context.Context, j *job.Job, _ repository.SaveOpts) (*job.Job, error) {
	now := time.Now()

	res := r.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND locked_at IS NULL AND next_run_at = ?", j.ID, j.NextRunAt).
		Update("locked_at", now)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "gormrepo: lock job")
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	return r.GetJobByID(ctx, j.ID)
}

func (r *Repo) UnlockJob(ctx context.Context, j *job.Job) error {
	err := r.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND next_run_at IS NOT NULL", j.ID).
		Update("locked_at", nil).Error
	return errors.Wrap(err, "gormrepo: unlock job")
}

func (r *Repo) UnlockJobs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&jobRow{}).
		Where("id IN ?", ids).
		Update("locked_at", nil).Error
	return errors.Wrap(err, "gormrepo: unlock jobs")
}

func (r *Repo) RemoveJobs(ctx context.Context, sel repository.Selector) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}
	q := applySelector(r.db.WithContext(ctx), sel)
	res := q.Delete(&jobRow{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "gormrepo: remove jobs")
	}
	return res.RowsAffected, nil
}

func (r *Repo) DisableJobs(ctx context.Context, sel repository.Selector) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}
	q := applySelector(r.db.WithContext(ctx), sel)
	res := q.Model(&jobRow{}).Update("disabled", true)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "gormrepo: disable jobs")
	}
	return res.RowsAffected, nil
}

func (r *Repo) EnableJobs(ctx context.Context, sel repository.Selector) (int64, error) {
	if sel.Empty() {
		return 0, nil
	}
	q := applySelector(r.db.WithContext(ctx), sel)
	res := q.Model(&jobRow{}).Update("disabled", false)
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "gormrepo: enable jobs")
	}
	return res.RowsAffected, nil
}

func applySelector(q *gorm.DB, sel repository.Selector) *gorm.DB {
	if sel.ID != "" {
		q = q.Where("id = ?", sel.ID)
	}
	if len(sel.IDs) > 0 {
		q = q.Where("id IN ?", sel.IDs)
	}
	if sel.Name != "" {
		q = q.Where("name = ?", sel.Name)
	}
	if len(sel.Names) > 0 {
		q = q.Where("name IN ?", sel.Names)
	}
	if len(sel.NotNames) > 0 {
		q = q.Where("name NOT IN ?", sel.NotNames)
	}
	return q
}

// IsCanceled reports whether id has been marked canceled since it was
// claimed: either the row is gone (removed) or carries a canceled_at stamp.
func (r *Repo) IsCanceled(ctx context.Context, id string) (bool, error) {
	var row jobRow
	err := r.db.WithContext(ctx).Select("canceled_at").Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "gormrepo: is canceled")
	}
	return row.CanceledAt != nil, nil
}
