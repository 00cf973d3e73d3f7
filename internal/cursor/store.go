package cursor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"pabot/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.CursorStore using SQLite. One row per source;
// positions are stored as text so integer UIDs and float timestamps round-trip
// exactly. Writes go through a transaction so a crash never leaves a cursor
// half-written or moved backward.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cursors (
		source_id   TEXT PRIMARY KEY,
		position    TEXT NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Load returns the stored position for a source. ok is false when no cursor
// has ever been saved, which is distinct from a cursor at position zero.
func (s *SQLiteStore) Load(ctx context.Context, sourceID string) (domain.Position, bool, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM cursors WHERE source_id = ?`, sourceID,
	).Scan(&text)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor %s: %w", sourceID, err)
	}

	pos, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cursor %s (%q): %w", sourceID, text, err)
	}
	return domain.Position(pos), true, nil
}

// Save persists a new position. A position lower than the stored one is a
// no-op: cursors never roll back except through Reset.
func (s *SQLiteStore) Save(ctx context.Context, sourceID string, pos domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", sourceID, err)
	}
	defer tx.Rollback()

	var text string
	err = tx.QueryRowContext(ctx,
		`SELECT position FROM cursors WHERE source_id = ?`, sourceID,
	).Scan(&text)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("save cursor %s: %w", sourceID, err)
	}
	if err == nil {
		current, perr := strconv.ParseFloat(text, 64)
		if perr == nil && domain.Position(current) > pos {
			s.logger.Debug("refusing cursor regression",
				"source", sourceID, "stored", current, "requested", float64(pos))
			return nil
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cursors (source_id, position, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		sourceID, formatPosition(pos), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", sourceID, err)
	}
	return tx.Commit()
}

// Reset clears the stored cursor, forcing a full resync on the next poll.
func (s *SQLiteStore) Reset(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cursors WHERE source_id = ?`, sourceID)
	if err != nil {
		return fmt.Errorf("reset cursor %s: %w", sourceID, err)
	}
	s.logger.Info("cursor reset", "source", sourceID)
	return nil
}

// List returns all stored cursors keyed by source ID.
func (s *SQLiteStore) List(ctx context.Context) (map[string]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, position FROM cursors ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Position)
	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, err
		}
		pos, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt cursor %s (%q): %w", id, text, err)
		}
		out[id] = domain.Position(pos)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatPosition(pos domain.Position) string {
	return strconv.FormatFloat(float64(pos), 'g', -1, 64)
}
