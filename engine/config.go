// Copyright 2024 Seakee.  All rights reserved.
// Use of this source code is governed by a MIT style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sk-pkg/logger"
	"github.com/sk-pkg/redis"
	"go.uber.org/zap"
	gmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/seakee/jobengine/internal/telemetry"
	"github.com/seakee/jobengine/notify/redisnotify"
	"github.com/seakee/jobengine/repository/gormrepo"
)

// Config is the root, JSON-loadable configuration for processes that want
// file-based config instead of wiring an Engine by hand, mirroring
// app.Config's shape.
type Config struct {
	System SystemConfig `json:"system"`
	Log    LogConfig    `json:"log"`
	Mysql  MysqlConfig  `json:"mysql"`
	Redis  RedisConfig  `json:"redis"`
}

// SystemConfig controls processor tuning and worker identity.
type SystemConfig struct {
	Name                string        `json:"name"`                  // Worker identity recorded as LastModifiedBy.
	ProcessEvery        time.Duration `json:"process_every"`         // Poll period in seconds.
	DefaultConcurrency  int           `json:"default_concurrency"`   // Per-name concurrency default.
	MaxConcurrency      int           `json:"max_concurrency"`       // Global concurrency ceiling.
	DefaultLockLimit    int           `json:"default_lock_limit"`    // Per-name lock limit default.
	MaxLockLimit        int           `json:"max_lock_limit"`        // Global lock limit ceiling.
	DefaultLockLifetime time.Duration `json:"default_lock_lifetime"` // Lease duration in seconds.
}

// LogConfig controls logger driver and severity level.
type LogConfig struct {
	Driver  string `json:"driver"`
	Level   string `json:"level"`
	LogPath string `json:"path"`
}

// MysqlConfig carries connection settings for the jobs table database.
type MysqlConfig struct {
	Host                 string        `json:"host"`
	Name                 string        `json:"name"`
	Username             string        `json:"username"`
	Password             string        `json:"password"`
	MaxIdleConn          int           `json:"max_idle_conn"`
	MaxOpenConn          int           `json:"max_open_conn"`
	MaxLifetime          time.Duration `json:"max_lifetime"`           // Hours.
	ConnectRetryCount    int           `json:"connect_retry_count"`    // Defaults to 3.
	ConnectRetryInterval time.Duration `json:"connect_retry_interval"` // Seconds; defaults to 3.
	DebugMode            bool          `json:"debug_mode"`
}

// RedisConfig carries connection settings for the notification channel.
type RedisConfig struct {
	Enable              bool          `json:"enable"`
	Host                string        `json:"host"`
	Auth                string        `json:"auth"`
	Prefix              string        `json:"prefix"`
	DB                  int           `json:"db"`
	MaxIdle             int           `json:"max_idle"`
	MaxActive           int           `json:"max_active"`
	IdleTimeout         time.Duration `json:"idle_timeout"`          // Minutes.
	MaxReconnectRetries int           `json:"max_reconnect_retries"` // <= 0 means unlimited.
}

// LoadConfig reads and decodes a Config from path.
func LoadConfig(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "engine: read config")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, errors.Wrap(err, "engine: parse config")
	}
	return &cfg, nil
}

// NewFromConfig builds a fully wired Engine from cfg: a logger, a MySQL
// repository (with a bounded connect retry), and, if enabled, a Redis
// notification channel. extra Options are applied after the config-derived
// ones, so callers can override individual settings or register a Forker.
func NewFromConfig(ctx context.Context, cfg *Config, extra ...Option) (*Engine, error) {
	logManager, err := logger.New(
		logger.WithLevel(cfg.Log.Level),
		logger.WithDriver(cfg.Log.Driver),
		logger.WithLogPath(cfg.Log.LogPath),
	)
	if err != nil {
		return nil, errors.Wrap(err, "engine: init logger")
	}
	tel := telemetry.New(logManager)

	db, err := connectMysqlWithRetry(ctx, cfg.Mysql, tel)
	if err != nil {
		return nil, err
	}
	if err := gormrepo.AutoMigrate(db); err != nil {
		return nil, errors.Wrap(err, "engine: migrate jobs table")
	}
	repo := gormrepo.New(db)

	opts := []Option{
		WithName(cfg.System.Name),
		WithProcessEvery(cfg.System.ProcessEvery * time.Second),
		WithDefaultConcurrency(cfg.System.DefaultConcurrency),
		WithMaxConcurrency(cfg.System.MaxConcurrency),
		WithDefaultLockLimit(cfg.System.DefaultLockLimit),
		WithMaxLockLimit(cfg.System.MaxLockLimit),
		WithDefaultLockLifetime(cfg.System.DefaultLockLifetime * time.Second),
		WithTelemetry(tel),
	}

	if cfg.Redis.Enable {
		redisManager, err := redis.New(
			redis.WithPrefix(cfg.Redis.Prefix),
			redis.WithAddress(cfg.Redis.Host),
			redis.WithPassword(cfg.Redis.Auth),
			redis.WithIdleTimeout(cfg.Redis.IdleTimeout*time.Minute),
			redis.WithMaxActive(cfg.Redis.MaxActive),
			redis.WithMaxIdle(cfg.Redis.MaxIdle),
			redis.WithDB(cfg.Redis.DB),
		)
		if err != nil {
			return nil, errors.Wrap(err, "engine: init redis")
		}
		opts = append(opts, WithNotificationChannel(redisnotify.New(redisManager, logManager, cfg.Redis.Host, cfg.Redis.MaxReconnectRetries)))
	}

	opts = append(opts, extra...)

	return New(repo, opts...)
}

// connectMysqlWithRetry opens db with cfg's retry policy, logging a warning
// between attempts, following newMysqlDBWithRetry's shape.
func connectMysqlWithRetry(ctx context.Context, cfg MysqlConfig, tel *telemetry.Manager) (*gorm.DB, error) {
	retryCount := cfg.ConnectRetryCount
	if retryCount <= 0 {
		retryCount = 3
	}
	retryInterval := cfg.ConnectRetryInterval * time.Second
	if retryInterval <= 0 {
		retryInterval = 3 * time.Second
	}

	dsn := cfg.Username + ":" + cfg.Password + "@tcp(" + cfg.Host + ")/" + cfg.Name +
		"?charset=utf8mb4&parseTime=True&loc=Local"

	var (
		db  *gorm.DB
		err error
	)
	for attempt := 1; attempt <= retryCount; attempt++ {
		db, err = gorm.Open(gmysql.Open(dsn), &gorm.Config{})
		if err == nil {
			sqlDB, sqlErr := db.DB()
			if sqlErr == nil {
				sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
				sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
				sqlDB.SetConnMaxLifetime(cfg.MaxLifetime * time.Hour)
			}
			if cfg.DebugMode {
				db = db.Debug()
			}
			return db, nil
		}

		if attempt == retryCount {
			break
		}

		tel.Warn(ctx, "engine: mysql connection failed, retrying",
			zap.String("host", cfg.Host),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", retryCount),
			zap.Duration("retryAfter", retryInterval),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	return nil, errors.Wrap(err, "engine: connect mysql")
}
