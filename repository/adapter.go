// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package repository

import (
	"context"

	"github.com/seakee/jobengine/job"
)

// Store adapts a Repository to the minimal, unexported persistence surface
// job.Job needs for Save/Touch (a consumer-defined interface living in the
// job package to avoid an import cycle). Handing a job.Job a *Store via
// WithStore lets handler code call Save/Touch without the job package ever
// importing this one.
type Store struct {
	Repo           Repository
	LastModifiedBy string
}

// NewStore builds a Store bound to repo and the worker identity recorded as
// LastModifiedBy on every save.
func NewStore(repo Repository, lastModifiedBy string) *Store {
	return &Store{Repo: repo, LastModifiedBy: lastModifiedBy}
}

func (s *Store) SaveJob(ctx context.Context, j *job.Job, lastModifiedBy string) (*job.Job, error) {
	if lastModifiedBy == "" {
		lastModifiedBy = s.LastModifiedBy
	}
	return s.Repo.SaveJob(ctx, j, SaveOpts{LastModifiedBy: lastModifiedBy})
}

func (s *Store) SaveJobState(ctx context.Context, j *job.Job, lastModifiedBy string) error {
	if lastModifiedBy == "" {
		lastModifiedBy = s.LastModifiedBy
	}
	return s.Repo.SaveJobState(ctx, j, SaveOpts{LastModifiedBy: lastModifiedBy})
}

func (s *Store) IsCanceled(ctx context.Context, id string) (bool, error) {
	return s.Repo.IsCanceled(ctx, id)
}
