// Package ledger records completed downloads per user in an embedded
// SQLite database, so repeated batch runs can report what was fetched
// before even when the files have since been moved off the output
// directory.
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

// Record is one completed download.
type Record struct {
	ID           string
	UserID       string
	ProductID    string
	Path         string
	DownloadedAt time.Time
}

// Ledger is the download history store. Use ":memory:" as the path in
// tests.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the ledger database and applies pending
// schema migrations.
func Open(dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: set WAL mode: %w", err)
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("download ledger ready", slog.String("path", dbPath))

	return &Ledger{db: db, logger: logger}, nil
}

// runMigrations applies all pending schema migrations using the goose
// v3 Provider API (no global state, context-aware).
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
		logger.Debug("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// MarkDownloaded records a completed download. Re-downloading the same
// product updates the existing record's path and timestamp.
func (l *Ledger) MarkDownloaded(ctx context.Context, userID, productID, path string) error {
	const q = `
		INSERT INTO downloads (id, user_id, product_id, path, downloaded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, product_id)
		DO UPDATE SET path = excluded.path, downloaded_at = excluded.downloaded_at`

	_, err := l.db.ExecContext(ctx, q,
		uuid.NewString(), userID, productID, path, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ledger: recording download: %w", err)
	}

	return nil
}

// IsDownloaded reports whether a product was previously downloaded by
// this user.
func (l *Ledger) IsDownloaded(ctx context.Context, userID, productID string) (bool, error) {
	const q = `SELECT COUNT(1) FROM downloads WHERE user_id = ? AND product_id = ?`

	var n int
	if err := l.db.QueryRowContext(ctx, q, userID, productID).Scan(&n); err != nil {
		return false, fmt.Errorf("ledger: checking download: %w", err)
	}

	return n > 0, nil
}

// List returns a user's download history, most recent first.
func (l *Ledger) List(ctx context.Context, userID string) ([]Record, error) {
	const q = `
		SELECT id, user_id, product_id, path, downloaded_at
		FROM downloads WHERE user_id = ?
		ORDER BY downloaded_at DESC`

	rows, err := l.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing downloads: %w", err)
	}
	defer rows.Close()

	var records []Record

	for rows.Next() {
		var (
			r  Record
			ts string
		)

		if err := rows.Scan(&r.ID, &r.UserID, &r.ProductID, &r.Path, &ts); err != nil {
			return nil, fmt.Errorf("ledger: scanning download row: %w", err)
		}

		r.DownloadedAt, _ = time.Parse(time.RFC3339, ts)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterating download rows: %w", err)
	}

	return records, nil
}
