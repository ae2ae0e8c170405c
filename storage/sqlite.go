package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"iocpipe/core"
)

// SQLite holds the embedded database connection
type SQLite struct {
	DB     *sql.DB
	Path   string
	Logger *zap.SugaredLogger
}

// NewSQLite opens (creating if needed) a WAL-mode SQLite database
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, err
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Single writer; the store never reads concurrently with itself.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	logger.Infow("Opened SQLite database", "path", dbPath)

	return &SQLite{DB: db, Path: dbPath, Logger: logger}, nil
}

// Close closes the database
func (s *SQLite) Close() error {
	return s.DB.Close()
}

func validateDatabasePath(dbPath string) error {
	switch {
	case dbPath == "":
		return fmt.Errorf("%w: empty", ErrInvalidDatabasePath)
	case strings.Contains(dbPath, "\x00"):
		return fmt.Errorf("%w: null byte", ErrInvalidDatabasePath)
	case strings.Contains(dbPath, ".."):
		return fmt.Errorf("%w: path traversal not allowed (..): %s", ErrInvalidDatabasePath, dbPath)
	}
	return nil
}

// =============================================================================
// SQLite IOC Store
// =============================================================================

const iocSchema = `
CREATE TABLE IF NOT EXISTS iocs (
	value       TEXT NOT NULL,
	info        TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL DEFAULT '',
	timestamp   INTEGER NOT NULL DEFAULT 0,
	category    TEXT NOT NULL DEFAULT '',
	comment     TEXT NOT NULL DEFAULT '',
	uuid        TEXT NOT NULL DEFAULT '',
	to_ids      INTEGER NOT NULL DEFAULT 0,
	url         TEXT NOT NULL DEFAULT '',
	link        TEXT NOT NULL DEFAULT '',
	provider    TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '[]',
	create_date INTEGER NOT NULL,
	modify_date INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_iocs_type ON iocs(type);
CREATE INDEX IF NOT EXISTS idx_iocs_modify_date ON iocs(modify_date);
`

// iocColumns is the insert column order. create_date and modify_date follow.
var iocColumns = []string{
	"value", "info", "type", "timestamp", "category", "comment", "uuid",
	"to_ids", "url", "link", "provider", "tags",
}

// SQLiteIOCStore upserts records into the iocs table. Dates are stored as
// unix milliseconds.
type SQLiteIOCStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
	now    func() time.Time

	indexMu sync.Mutex
	indexed map[string]bool
}

// NewSQLiteIOCStore creates the iocs table if needed
func NewSQLiteIOCStore(sqlite *SQLite, logger *zap.SugaredLogger) (*SQLiteIOCStore, error) {
	if _, err := sqlite.DB.Exec(iocSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure iocs table: %w", err)
	}
	return &SQLiteIOCStore{
		sqlite:  sqlite,
		logger:  logger,
		now:     time.Now,
		indexed: make(map[string]bool),
	}, nil
}

// Persist upserts records in one transaction. A failing statement only
// fails its own record.
func (s *SQLiteIOCStore) Persist(ctx context.Context, records []*core.Record, key core.MatchKey) *PersistOutcome {
	if len(records) == 0 {
		return &PersistOutcome{Empty: true}
	}

	cols, err := matchColumns(key)
	if err != nil {
		return &PersistOutcome{Failed: len(records), Err: err}
	}
	if err := s.ensureIndex(ctx, cols); err != nil {
		return &PersistOutcome{Failed: len(records), Err: err}
	}

	batch := batchFrom(ctx, s.now)
	stamp := batch.Stamp.UnixMilli()

	tx, err := s.sqlite.DB.BeginTx(ctx, nil)
	if err != nil {
		return &PersistOutcome{Failed: len(records), Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertStatement(cols))
	if err != nil {
		return &PersistOutcome{Failed: len(records), Err: fmt.Errorf("failed to prepare upsert: %w", err)}
	}
	defer stmt.Close()

	outcome := &PersistOutcome{}
	var lastErr error
	for _, r := range records {
		_, values, ok := core.MatchKey(cols).Extract(r)
		if !ok {
			outcome.Failed++
			continue
		}

		tags, err := json.Marshal(nonNilTags(r.Tags))
		if err != nil {
			outcome.Failed++
			lastErr = err
			continue
		}

		var created int64
		err = stmt.QueryRowContext(ctx,
			r.Value, r.Info, r.Type, r.Timestamp, r.Category, r.Comment, r.UUID,
			r.ToIDs, r.URL, r.Link, r.Provider, string(tags), stamp, stamp,
		).Scan(&created)
		if err != nil {
			outcome.Failed++
			lastErr = err
			s.logger.Debugw("Upsert failed", "value", r.Value, "error", err)
			continue
		}

		// A row whose createDate is this batch was inserted by it, unless an
		// earlier record of the same batch carried the same key.
		if first := batch.firstSight(strings.Join(values, "\x00")); created == stamp && first {
			outcome.Inserted++
		} else {
			outcome.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistOutcome{Failed: len(records), Err: fmt.Errorf("failed to commit batch: %w", err)}
	}
	if lastErr != nil {
		outcome.Err = fmt.Errorf("%d of %d records failed, last error: %w", outcome.Failed, len(records), lastErr)
	}

	s.logger.Debugw("Persisted batch",
		"records", len(records),
		"inserted", outcome.Inserted,
		"updated", outcome.Updated,
		"failed", outcome.Failed)

	return outcome
}

// FindByValue returns every stored record with the given value
func (s *SQLiteIOCStore) FindByValue(ctx context.Context, value string) ([]*core.Record, error) {
	rows, err := s.sqlite.DB.QueryContext(ctx,
		`SELECT `+strings.Join(iocColumns, ", ")+`, create_date, modify_date FROM iocs WHERE value = ?`, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query iocs: %w", err)
	}
	defer rows.Close()

	var out []*core.Record
	for rows.Next() {
		var (
			r                core.Record
			tags             string
			created, updated int64
		)
		if err := rows.Scan(&r.Value, &r.Info, &r.Type, &r.Timestamp, &r.Category, &r.Comment, &r.UUID,
			&r.ToIDs, &r.URL, &r.Link, &r.Provider, &tags, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan ioc: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
		r.CreateDate = time.UnixMilli(created).UTC()
		r.ModifyDate = time.UnixMilli(updated).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Count returns the number of stored records
func (s *SQLiteIOCStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.sqlite.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM iocs`).Scan(&n)
	return n, err
}

// Close closes the database
func (s *SQLiteIOCStore) Close(context.Context) error {
	return s.sqlite.Close()
}

// ensureIndex creates the unique index ON CONFLICT needs for this key.
// Column names come from core.MatchableFields only.
func (s *SQLiteIOCStore) ensureIndex(ctx context.Context, cols []string) error {
	name := "idx_iocs_match_" + strings.Join(cols, "_")

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.indexed[name] {
		return nil
	}
	ddl := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON iocs(%s)", name, strings.Join(cols, ", "))
	if _, err := s.sqlite.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create match index %s: %w", name, err)
	}
	s.indexed[name] = true
	return nil
}

func upsertStatement(cols []string) string {
	insertCols := append(append([]string{}, iocColumns...), "create_date", "modify_date")
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(insertCols)), ", ")

	var set []string
	for _, c := range append(append([]string{}, iocColumns...), "modify_date") {
		if !slices.Contains(cols, c) {
			set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	return fmt.Sprintf(
		"INSERT INTO iocs (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s RETURNING create_date",
		strings.Join(insertCols, ", "), placeholders, strings.Join(cols, ", "), strings.Join(set, ", "))
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
