package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"iocpipe/config"
	"iocpipe/storage"
)

const storeConnectAttempts = 3

// InitStore opens the configured indicator store. MongoDB connections are
// retried with exponential backoff since the database often starts alongside
// the first scheduled run.
func InitStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (storage.IOCStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return initSQLiteStore(cfg, sugar)
	case config.BackendMongoDB, "":
		return initMongoStore(ctx, cfg, sugar)
	}
	return nil, fmt.Errorf("%w: %q", storage.ErrUnsupportedBackend, cfg.Storage.Backend)
}

func initSQLiteStore(cfg *config.Config, sugar *zap.SugaredLogger) (storage.IOCStore, error) {
	sqlite, err := storage.NewSQLite(cfg.SQLite.Path, sugar)
	if err != nil {
		printFatal("SQLite Initialization Failed", ClassifySQLiteError(err, cfg.SQLite.Path))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	store, err := storage.NewSQLiteIOCStore(sqlite, sugar)
	if err != nil {
		_ = sqlite.Close()
		return nil, err
	}
	sugar.Info("SQLite store initialized successfully")
	return store, nil
}

func initMongoStore(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (storage.IOCStore, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), storeConnectAttempts-1), ctx)

	var mongoDB *storage.MongoDB
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		mongoDB, err = storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.MongoDB.MaxPoolSize, sugar)
		if err != nil {
			sugar.Warnw("MongoDB connection attempt failed",
				"attempt", attempt,
				"max_attempts", storeConnectAttempts,
				"error", err)
		}
		return err
	}, policy)
	if err != nil {
		printFatal("MongoDB Connection Failed", ClassifyConnectionError(err, "MongoDB", cfg.MongoDB.Database))
		return nil, fmt.Errorf("failed to connect to MongoDB after %d attempts: %w", attempt, err)
	}

	sugar.Infow("MongoDB store initialized successfully", "collection", cfg.MongoDB.Collection)
	return storage.NewMongoIOCStore(mongoDB, cfg.MongoDB.Collection, sugar), nil
}

func printFatal(title, msg string) {
	fmt.Fprintf(os.Stderr, "\n========================================\n")
	fmt.Fprintf(os.Stderr, "FATAL: %s\n", title)
	fmt.Fprintf(os.Stderr, "========================================\n")
	fmt.Fprintf(os.Stderr, "%s\n", msg)
	fmt.Fprintf(os.Stderr, "========================================\n\n")
}

// closeTimeout bounds how long Shutdown waits on each component.
const closeTimeout = 5 * time.Second
