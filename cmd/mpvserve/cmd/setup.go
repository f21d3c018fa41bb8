package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mpvserve/mpvserve/internal/config"
	"github.com/mpvserve/mpvserve/internal/database"
	mongostore "github.com/mpvserve/mpvserve/internal/database/mongo"
	"github.com/mpvserve/mpvserve/internal/progress"
)

// progressStore is what the commands need from a storage backend
type progressStore interface {
	progress.Store
	ListRecent(ctx context.Context, limit int) ([]*database.ProgressRecord, error)
	Delete(ctx context.Context, key string) error
}

// storeHandle owns the connection behind a progress store
type storeHandle struct {
	progressStore
	close func(ctx context.Context) error
}

func (h *storeHandle) Close(ctx context.Context) error {
	return h.close(ctx)
}

// initializeStore connects to the configured backend and brings its schema
// up to date
func initializeStore(ctx context.Context, cfg *config.Config) (*storeHandle, error) {
	switch cfg.Database.Type {
	case config.DatabaseTypeMongo:
		client, err := mongostore.Connect(ctx, cfg.Database.MongoURI)
		if err != nil {
			return nil, err
		}

		store := mongostore.NewStore(client, cfg.Database.MongoDatabase)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("failed to create mongo indexes: %w", err)
		}

		slog.InfoContext(ctx, "Using mongo progress store", "database", cfg.Database.MongoDatabase)
		return &storeHandle{progressStore: store, close: client.Disconnect}, nil

	default:
		db, err := initializeDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}

		slog.InfoContext(ctx, "Using sqlite progress store", "path", cfg.Database.Path)
		return &storeHandle{
			progressStore: database.NewRepository(db),
			close:         func(context.Context) error { return db.Close() },
		}, nil
	}
}

// initializeDatabase opens the SQLite database and runs pending migrations
func initializeDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	if err := database.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
