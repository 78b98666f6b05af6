package commands

import (
	"database/sql"
	"fmt"
	"log/slog"

	"counselbot/internal/config"
	"counselbot/internal/logger"
	"counselbot/internal/storage"
)

// env is the configuration and database every subcommand starts from.
type env struct {
	cfg    *config.Config
	db     *sql.DB
	dbType string
	store  *storage.Store
}

func setup(ro *RootOptions) (*env, error) {
	cfg, err := config.Load(ro.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.Setup(cfg)

	db, err := storage.Open(ro.DBType, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, ro.DBType); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	store, err := storage.NewStore(db, ro.DBType)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database ready", "db", ro.DBType)
	return &env{cfg: cfg, db: db, dbType: ro.DBType, store: store}, nil
}

func (e *env) Close() {
	if err := e.db.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
}
