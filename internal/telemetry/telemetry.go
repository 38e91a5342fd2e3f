// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

// Package telemetry wraps sk-pkg/logger and threads it through the whole
// application: every call site takes a trace-bearing context.Context,
// never a bare *zap.Logger.
package telemetry

import (
	"context"

	"github.com/sk-pkg/logger"
	"go.uber.org/zap"

	"github.com/seakee/jobengine/internal/trace"
)

// Manager is the engine-wide logging facade.
type Manager struct {
	l *logger.Manager
}

// New wraps an already-configured *logger.Manager, built once at
// application bootstrap and threaded everywhere.
func New(l *logger.Manager) *Manager {
	return &Manager{l: l}
}

// NewNop returns a Manager that discards everything, for tests and for
// embedding the engine without an owning application logger.
func NewNop() *Manager {
	m, _ := logger.New(logger.WithLevel("panic"))
	return &Manager{l: m}
}

// WithTrace returns a context carrying a fresh trace ID, for attaching at
// the top of a request or tick so every log line it produces can be
// correlated.
func WithTrace(ctx context.Context, prefix string) context.Context {
	return trace.New(ctx, prefix)
}

func (m *Manager) Info(ctx context.Context, msg string, fields ...zap.Field) {
	if m == nil || m.l == nil {
		return
	}
	m.l.Info(ctx, msg, fields...)
}

func (m *Manager) Warn(ctx context.Context, msg string, fields ...zap.Field) {
	if m == nil || m.l == nil {
		return
	}
	m.l.Warn(ctx, msg, fields...)
}

func (m *Manager) Error(ctx context.Context, msg string, fields ...zap.Field) {
	if m == nil || m.l == nil {
		return
	}
	m.l.Error(ctx, msg, fields...)
}
