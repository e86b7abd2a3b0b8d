package main

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"streamwise/chat"
	"streamwise/db"
	"streamwise/llm"
	"streamwise/settings"
	"streamwise/utils"
)

// app holds everything a command needs after startup
type app struct {
	config   *utils.Config
	logger   *utils.Logger
	store    db.Store
	sqlite   *db.SQLiteStore // nil when the primary backend could not be opened
	settings *settings.Service
	engine   *chat.Engine
}

// openApp loads configuration, opens storage and hydrates settings and
// conversations. logLevel overrides the configured level when set.
func openApp(ctx context.Context, logLevel string) (*app, error) {
	path, err := utils.EnsureDefaultConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create default config: %w", err)
	}
	config, err := utils.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	level := config.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if verbose {
		level = "debug"
	}
	logger, err := utils.NewLogger(level, config.Log.Format, config.Log.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug("Using config file: %s", path)

	a := &app{config: config, logger: logger}
	if err := a.openStore(ctx); err != nil {
		logger.Close()
		return nil, err
	}

	client := llm.NewDefaultRouter(llm.Config{
		BaseURL: config.OpenAI.BaseURL,
		Timeout: config.OpenAI.TimeoutSeconds,
	})
	a.settings = settings.NewService(a.store, logger)
	a.engine = chat.NewEngine(a.store, client, a.settings, logger)

	// Create the config record up front so the two loaders never race to create it
	if _, err := db.EnsureConfig(ctx, a.store); err != nil {
		logger.Warn("Failed to initialize app config: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.settings.Load(gctx)
	})
	g.Go(func() error {
		return a.engine.LoadAll(gctx)
	})
	if err := g.Wait(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	return a, nil
}

// openStore combines the SQLite primary with the configured key-value secondary
func (a *app) openStore(ctx context.Context) error {
	secondary, err := a.openSecondary(ctx)
	if err != nil {
		return err
	}

	primary, err := db.NewSQLiteStore(a.config.Data.DBPath)
	if err != nil {
		a.logger.Warn("Primary store unavailable, using %s storage only: %v", a.config.Data.FallbackDriver, err)
		a.store = secondary
		return nil
	}

	a.logger.Info("Database initialized: %s", a.config.Data.DBPath)
	a.sqlite = primary
	a.store = db.NewFallback(primary, secondary, a.logger)
	return nil
}

func (a *app) openSecondary(ctx context.Context) (db.Store, error) {
	if a.config.Data.FallbackDriver == "redis" {
		kv, err := db.NewRedisKV(ctx, db.RedisOptions{
			Addr:     a.config.Redis.Addr,
			Password: a.config.Redis.Password,
			DB:       a.config.Redis.DB,
			Prefix:   a.config.Redis.Prefix,
		})
		if err == nil {
			return db.NewKVStore(kv), nil
		}
		a.logger.Warn("Redis fallback unavailable, using files in %s: %v", a.config.Data.FallbackDir, err)
	}

	kv, err := db.NewFileKV(a.config.Data.FallbackDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback storage: %w", err)
	}
	return db.NewKVStore(kv), nil
}

// Close releases storage and flushes the logger
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close store: %v", err)
	}
	a.logger.Close()
}
