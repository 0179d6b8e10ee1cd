package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/JohanCodinha/qatrack/internal/config"
	"github.com/JohanCodinha/qatrack/internal/diagnose"
	"github.com/JohanCodinha/qatrack/internal/jira"
	"github.com/JohanCodinha/qatrack/internal/logger"
	"github.com/JohanCodinha/qatrack/internal/status"
	"github.com/JohanCodinha/qatrack/internal/store"
	"github.com/JohanCodinha/qatrack/internal/sync"
	"github.com/JohanCodinha/qatrack/internal/telemetry"
	"github.com/JohanCodinha/qatrack/internal/zephyr"
)

// app holds the components a command runs against.
type app struct {
	cfg      config.Config
	db       *store.DB
	jira     *jira.Client
	statuses status.Store
	resolver *diagnose.Resolver
	runner   *sync.Runner
	resetter *sync.Resetter
	cycles   bool

	closers []func() error
}

// loadConfig reads the configuration and applies command-line overrides.
// Local commands skip the Jira checks.
func loadConfig(opts *cliOptions, local bool) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.dbPath != "" {
		cfg.Database.Path = opts.dbPath
	}

	if local {
		err = cfg.ValidateLocal()
	} else {
		err = cfg.Validate()
	}
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) error {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.SetFormat(logger.Format(cfg.Format))
	if cfg.File != "" {
		if err := logger.SetLogFile(cfg.File); err != nil {
			return err
		}
	}
	return nil
}

// newApp wires the store, the remote clients and the sync pipeline.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := setupLogging(cfg.Log); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { logger.Close(); return nil })

	shutdown, err := telemetry.InitTracing(cfg.Tracing.Exporter, "qatrack", os.Stderr)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := store.Open(cfg.Database.Path, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	statuses, closeStatuses, err := newStatusStore(ctx, cfg.Status)
	if err != nil {
		return nil, err
	}
	a.statuses = statuses
	a.closers = append(a.closers, closeStatuses)
	a.resetter = sync.NewResetter(a.db, a.statuses, cfg.Sync.BackupDir)

	if cfg.Jira.BaseURL == "" || cfg.Jira.Token == "" {
		logger.Debug("jira is not configured; remote commands are unavailable")
		ok = true
		return a, nil
	}

	a.jira = jira.New(jira.Options{
		BaseURL: cfg.Jira.BaseURL,
		Email:   cfg.Jira.Email,
		Token:   cfg.Jira.Token,
		Timeouts: jira.Timeouts{
			Short:  cfg.Timeouts.Short,
			Medium: cfg.Timeouts.Medium,
			Long:   cfg.Timeouts.Long,
		},
		PageSize:       cfg.Sync.PageSize,
		QuickLimit:     cfg.Sync.QuickLimit,
		SafetyCeiling:  cfg.Sync.SafetyCeiling,
		GoneThreshold:  cfg.Sync.GoneThreshold,
		RecencyWindows: cfg.Sync.RecencyWindows,
	})
	a.resolver = diagnose.New(a.jira)
	rec := sync.NewReconciler(a.db, a.jira, a.resolver, sync.Options{
		BatchSize:    cfg.Sync.BatchSize,
		MaxSelection: cfg.Sync.MaxSelection,
	})

	var cycles *sync.CycleSyncer
	if cfg.Zephyr.Token != "" {
		z := zephyr.New(cfg.Zephyr.Token, cfg.Zephyr.BaseURL, cfg.Timeouts.Medium)
		cycles = sync.NewCycleSyncer(a.db, z, a.jira)
		a.cycles = true
	}
	a.runner = sync.NewRunner(rec, cycles, a.statuses)
	ok = true
	return a, nil
}

// newStatusStore returns the configured status board and its closer.
func newStatusStore(ctx context.Context, cfg config.StatusConfig) (status.Store, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return status.NewMemoryStore(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("status: using redis at %s", cfg.RedisAddr)
		return status.NewRedisStore(client, cfg.KeyPrefix, cfg.TTL), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown status backend %q", cfg.Backend)
}

func (a *app) requireJira() error {
	if a.jira == nil {
		return errors.New("jira is not configured: set jira.base_url and jira.token")
	}
	return nil
}

// Close releases everything newApp opened, last opened first. Background
// runs are waited for before the store closes.
func (a *app) Close() error {
	if a.runner != nil {
		a.runner.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
