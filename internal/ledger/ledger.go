// Package ledger persists upload outcomes and the pending-retry queue in an
// embedded SQLite database. Every request that reaches a terminal state is
// recorded in the uploads table; local-fallback writes are additionally
// queued in the pending table until the retry watcher confirms a cloud copy.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Upload is one row of the audit trail.
type Upload struct {
	ID          string
	VolunteerID string
	Filename    string
	RemoteName  string
	SizeBytes   int64
	Kind        string
	Location    string
	Provider    string
	CreatedAt   time.Time
}

// Pending is one locally-fallen-back file awaiting a cloud retry.
type Pending struct {
	ID          string
	VolunteerID string
	Filename    string
	LocalPath   string
	Kind        string
	Attempts    int
	CreatedAt   time.Time
}

// Store wraps the SQLite database. Tests should point it at a file under
// t.TempDir(): with ":memory:" each pooled connection would open its own
// empty database, losing the migrated schema.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens the database at dbPath, configures WAL mode, and applies any
// pending schema migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening upload ledger", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("ledger: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("ledger: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("ledger: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// RecordUpload inserts one audit row. A missing ID or timestamp is filled in.
func (s *Store) RecordUpload(ctx context.Context, u Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, volunteer_id, filename, remote_name, size_bytes, kind, location, provider, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.VolunteerID, u.Filename, u.RemoteName, u.SizeBytes, u.Kind, u.Location, u.Provider,
		u.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("ledger: recording upload: %w", err)
	}

	return nil
}

// RecentUploads returns up to limit audit rows, newest first.
func (s *Store) RecentUploads(ctx context.Context, limit int) ([]Upload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, volunteer_id, filename, remote_name, size_bytes, kind, location, provider, created_at
		 FROM uploads ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing uploads: %w", err)
	}
	defer rows.Close()

	var uploads []Upload

	for rows.Next() {
		var (
			u  Upload
			ts string
		)

		if err := rows.Scan(&u.ID, &u.VolunteerID, &u.Filename, &u.RemoteName,
			&u.SizeBytes, &u.Kind, &u.Location, &u.Provider, &ts); err != nil {
			return nil, fmt.Errorf("ledger: scanning upload row: %w", err)
		}

		u.CreatedAt, _ = time.Parse(time.RFC3339, ts) //nolint:errcheck // written by us in RFC3339

		uploads = append(uploads, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating uploads: %w", err)
	}

	return uploads, nil
}

// AddPending queues a local-fallback file for cloud retry. Re-queuing the
// same local path replaces the existing row (the file was overwritten).
func (s *Store) AddPending(ctx context.Context, p Pending) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending (id, volunteer_id, filename, local_path, kind, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(local_path) DO UPDATE SET
		   volunteer_id = excluded.volunteer_id,
		   filename     = excluded.filename,
		   kind         = excluded.kind,
		   attempts     = 0,
		   created_at   = excluded.created_at`,
		p.ID, p.VolunteerID, p.Filename, p.LocalPath, p.Kind,
		p.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("ledger: queueing pending file: %w", err)
	}

	return nil
}

// ListPending returns the retry queue, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Pending, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, volunteer_id, filename, local_path, kind, attempts, created_at
		 FROM pending ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing pending files: %w", err)
	}
	defer rows.Close()

	var pendings []Pending

	for rows.Next() {
		var (
			p  Pending
			ts string
		)

		if err := rows.Scan(&p.ID, &p.VolunteerID, &p.Filename, &p.LocalPath,
			&p.Kind, &p.Attempts, &ts); err != nil {
			return nil, fmt.Errorf("ledger: scanning pending row: %w", err)
		}

		p.CreatedAt, _ = time.Parse(time.RFC3339, ts) //nolint:errcheck // written by us in RFC3339

		pendings = append(pendings, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating pending rows: %w", err)
	}

	return pendings, nil
}

// MarkAttempt increments a pending row's attempt counter.
func (s *Store) MarkAttempt(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pending SET attempts = attempts + 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ledger: marking attempt: %w", err)
	}

	return nil
}

// DeletePending removes a row from the retry queue.
func (s *Store) DeletePending(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM pending WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ledger: deleting pending row: %w", err)
	}

	return nil
}
