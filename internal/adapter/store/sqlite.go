package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"mosaic-ai/internal/domain"
)

// SQLiteStore persists records in a single SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, domain.NewSubSystemError(subsystem, "NewSQLiteStore", domain.ErrConfiguration, "store path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open record db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate record db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			kind       TEXT NOT NULL,
			id         TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		)
	`)
	return err
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Put(ctx context.Context, rec domain.Record) error {
	if rec.Kind == "" || rec.ID == "" {
		return domain.NewSubSystemError(subsystem, "SQLiteStore.Put", domain.ErrInvalidInput, "kind and id are required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (kind, id, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		rec.Kind, rec.ID, payload, rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return storeErr("SQLiteStore.Put", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, kind, id string) (*domain.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT kind, id, payload, updated_at FROM records WHERE kind = ? AND id = ?", kind, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("SQLiteStore.Get", kind, id)
	}
	if err != nil {
		return nil, storeErr("SQLiteStore.Get", err)
	}
	return rec, nil
}

// List returns every record of kind ordered by id.
func (s *SQLiteStore) List(ctx context.Context, kind string) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, id, payload, updated_at FROM records WHERE kind = ? ORDER BY id", kind)
	if err != nil {
		return nil, storeErr("SQLiteStore.List", err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeErr("SQLiteStore.List", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("SQLiteStore.List", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, kind, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE kind = ? AND id = ?", kind, id)
	if err != nil {
		return storeErr("SQLiteStore.Delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("SQLiteStore.Delete", kind, id)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.Record, error) {
	var (
		rec              domain.Record
		payload, updated string
	)
	if err := row.Scan(&rec.Kind, &rec.ID, &payload, &updated); err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}

var _ domain.RecordStore = (*SQLiteStore)(nil)
