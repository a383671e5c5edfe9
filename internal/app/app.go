// Package app wires a workspace into a ready engine: database, schema,
// configuration, locks, event publishing and the guard table.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/engine"
	"taskflow/internal/events"
	"taskflow/internal/guard"
	"taskflow/internal/lock"
	"taskflow/internal/migrate"
	"taskflow/internal/repo"
)

type App struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Engine    engine.Engine
	Log       *zap.Logger

	closers []func() error
}

// Bootstrap opens the workspace database, applies migrations and builds
// the engine from cfg. A nil cfg is loaded from the workspace, falling
// back to defaults.
func Bootstrap(ctx context.Context, workspace string, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(workspace); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a := &App{Workspace: workspace, DB: conn, Repo: repo.Repo{DB: conn}, Config: cfg, Log: log}
	a.closers = append(a.closers, conn.Close)
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	if err := migrate.Migrate(ctx, a.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(a.DB, a.Config)
	eng.Log = a.Log

	if path := a.Config.Guard.TableFile; path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.Workspace, path)
		}
		table, err := guard.LoadTable(path)
		if err != nil {
			return fmt.Errorf("guard table %s: %w", path, err)
		}
		eng.Guard = guard.New(table)
	}

	if a.Config.Locks.Backend == config.LockBackendRedis {
		rdb := lock.NewRedisClient(a.Config.Locks.RedisAddr)
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", a.Config.Locks.RedisAddr, err)
		}
		eng.Locks = lock.NewRedisLocker(rdb, a.Config.Locks.TTL, a.Log)
	}

	if url := a.Config.Events.AMQPURL; url != "" {
		pub, err := events.NewAMQPPublisher(url, a.Config.Events.Exchange)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pub.Close)
		eng.Publisher = pub
	}

	a.Engine = eng
	a.Log.Debug("workspace ready", zap.String("workspace", a.Workspace), zap.String("locks", a.Config.Locks.Backend),
		zap.Bool("amqp", a.Config.Events.AMQPURL != ""))
	return nil
}

// Close releases everything Bootstrap opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
