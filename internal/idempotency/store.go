// Package idempotency records which event identifiers have already been
// processed, backed by a PostgreSQL table. Existence of a row is the sole
// truth for "already handled".
package idempotency

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultRetention is how long a ProcessedEvent row is kept before the
// cleanup sweep may delete it.
const DefaultRetention = 30 * 24 * time.Hour

// ProcessedEvent is one row of the processed_events table.
type ProcessedEvent struct {
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	ProcessedAt time.Time  `json:"processed_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Store implements the idempotency record over PostgreSQL.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

// New opens a connection to the database, configures the pool, and runs any
// pending migrations. retention <= 0 falls back to DefaultRetention.
func New(databaseURL string, retention time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return NewWithDB(db, retention), nil
}

// NewWithDB wraps an existing database handle without running migrations.
func NewWithDB(db *sql.DB, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{db: db, retention: retention}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exists reports whether eventID has already been processed. Safe to call
// concurrently with MarkProcessed for other ids.
func (s *Store) Exists(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = $1`, eventID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency exists: %w", err)
	}
	return true, nil
}

// MarkProcessed upserts the row for eventID with expiry = now + retention.
// The upsert is keyed by event id and idempotent by construction: concurrent
// redelivery of the same id across consumer instances cannot corrupt state,
// and re-marking an existing row is a no-op.
func (s *Store) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at, expires_at)
		VALUES ($1, $2, now(), now() + $3::interval)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, intervalArg(s.retention),
	)
	if err != nil {
		return fmt.Errorf("idempotency mark processed: %w", err)
	}
	return nil
}

// CleanupExpired deletes all rows whose expiry is strictly in the past and
// returns how many were removed. Intended to run on a periodic schedule.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup rows affected: %w", err)
	}
	return count, nil
}

// ExpiredRows returns the rows the next CleanupExpired call would delete,
// for archival before the sweep.
func (s *Store) ExpiredRows(ctx context.Context) ([]ProcessedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, processed_at, expires_at
		FROM processed_events
		WHERE expires_at IS NOT NULL AND expires_at < now()
		ORDER BY processed_at`)
	if err != nil {
		return nil, fmt.Errorf("idempotency expired rows: %w", err)
	}
	defer rows.Close()

	var out []ProcessedEvent
	for rows.Next() {
		var ev ProcessedEvent
		var expires sql.NullTime
		if err := rows.Scan(&ev.EventID, &ev.EventType, &ev.ProcessedAt, &expires); err != nil {
			return nil, fmt.Errorf("idempotency scan: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			ev.ExpiresAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// intervalArg renders a duration as a Postgres interval literal.
func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
