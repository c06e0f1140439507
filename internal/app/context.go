// Package app wires a workspace into a ready engine: database, migrations,
// rota.yml, logger and the seeded rule catalogue.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rotaguard/internal/config"
	"rotaguard/internal/db"
	"rotaguard/internal/engine"
	"rotaguard/internal/logging"
	"rotaguard/internal/migrate"
)

const serviceName = "rota"

type Options struct {
	Workspace string
	Driver    string
	DSN       string
	ActorID   string
	LogLevel  string
	LogFormat string
}

// ResolveConfig loads rota.yml from the workspace, falling back to the
// built-in defaults when the file does not exist.
func ResolveConfig(workspace string) (*config.Config, bool, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, false, err
	}
	if cfg == nil {
		return config.Default(""), false, nil
	}
	return cfg, true, nil
}

// Open returns an engine for the workspace and a release func that closes
// the database and flushes the logger. Rules from the config are upserted on
// every open so rota.yml stays the source of truth for activation.
func Open(ctx context.Context, opts Options) (engine.Engine, func(), error) {
	logger, err := logging.New(opts.LogLevel, opts.LogFormat, serviceName)
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("build logger: %w", err)
	}
	cfg, fromFile, err := ResolveConfig(opts.Workspace)
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if !fromFile {
		logger.Debug("no rota.yml found, using defaults", zap.String("path", config.Path(opts.Workspace)))
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Driver: opts.Driver, DSN: opts.DSN})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	release := func() {
		conn.Close()
		_ = logger.Sync()
	}
	dialect := db.DialectFor(opts.Driver)
	if err := migrate.Migrate(conn, dialect); err != nil {
		release()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, dialect, cfg)
	e.Logger = logger
	if _, err := e.SeedRules(ctx, opts.ActorID); err != nil {
		release()
		return engine.Engine{}, nil, fmt.Errorf("seed rules: %w", err)
	}
	return e, release, nil
}
