// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/history/revocation persistence with schema creation on open

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			client_id      TEXT PRIMARY KEY,
			engine_id      TEXT NOT NULL DEFAULT '',
			user_id        TEXT NOT NULL DEFAULT '',
			agent          TEXT NOT NULL DEFAULT '',
			first_message  TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			last_active_at TEXT NOT NULL,
			turn_count     INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_engine ON sessions(engine_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at DESC);

		CREATE TABLE IF NOT EXISTS history (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT UNIQUE NOT NULL,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			tool_id    TEXT NOT NULL DEFAULT '',
			tool_name  TEXT NOT NULL DEFAULT '',
			is_error   INTEGER NOT NULL DEFAULT 0,
			metadata   TEXT,
			created_at TEXT NOT NULL,

			CHECK (role IN ('user', 'assistant', 'tool_use', 'tool_result'))
		);

		CREATE INDEX IF NOT EXISTS idx_history_session ON history(session_id, seq);

		CREATE TABLE IF NOT EXISTS revoked_tokens (
			token_id   TEXT PRIMARY KEY,
			expires_at TEXT NOT NULL,
			revoked_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_revoked_expires ON revoked_tokens(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertSession inserts or replaces the session metadata row.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (client_id, engine_id, user_id, agent, first_message, created_at, last_active_at, turn_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			engine_id      = excluded.engine_id,
			user_id        = excluded.user_id,
			agent          = excluded.agent,
			first_message  = excluded.first_message,
			last_active_at = excluded.last_active_at,
			turn_count     = excluded.turn_count
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ClientID,
		session.EngineID,
		session.UserID,
		session.Agent,
		session.FirstMessage,
		session.CreatedAt.UTC().Format(time.RFC3339),
		session.LastActiveAt.UTC().Format(time.RFC3339),
		session.TurnCount,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}

	s.logger.Debug("upserted session", "client_id", session.ClientID, "turn_count", session.TurnCount)
	return nil
}

// GetSession retrieves session metadata by client id.
// Returns ErrNotFound if no row exists.
func (s *SQLiteStore) GetSession(ctx context.Context, clientID string) (*Session, error) {
	query := `
		SELECT client_id, engine_id, user_id, agent, first_message, created_at, last_active_at, turn_count
		FROM sessions
		WHERE client_id = ?
	`

	var sess Session
	var createdAtStr, lastActiveStr string

	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&sess.ClientID,
		&sess.EngineID,
		&sess.UserID,
		&sess.Agent,
		&sess.FirstMessage,
		&createdAtStr,
		&lastActiveStr,
		&sess.TurnCount,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	sess.LastActiveAt, err = time.Parse(time.RFC3339, lastActiveStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_active_at: %w", err)
	}

	return &sess, nil
}

// SetEngineID records the engine-assigned id for a client id.
// Returns ErrNotFound if the session row doesn't exist.
func (s *SQLiteStore) SetEngineID(ctx context.Context, clientID, engineID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET engine_id = ? WHERE client_id = ?`, engineID, clientID)
	if err != nil {
		return fmt.Errorf("updating engine id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns session rows ordered by most recent activity.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT client_id, engine_id, user_id, agent, first_message, created_at, last_active_at, turn_count
		FROM sessions
		ORDER BY last_active_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var createdAtStr, lastActiveStr string
		if err := rows.Scan(
			&sess.ClientID,
			&sess.EngineID,
			&sess.UserID,
			&sess.Agent,
			&sess.FirstMessage,
			&createdAtStr,
			&lastActiveStr,
			&sess.TurnCount,
		); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if sess.LastActiveAt, err = time.Parse(time.RFC3339, lastActiveStr); err != nil {
			return nil, fmt.Errorf("parsing last_active_at: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes the session row and its entire history log.
// Returns ErrNotFound if the session row doesn't exist.
func (s *SQLiteStore) DeleteSession(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE session_id = ?`, clientID); err != nil {
		return fmt.Errorf("deleting history: %w", err)
	}

	s.logger.Debug("deleted session", "client_id", clientID)
	return nil
}

// AppendHistory appends one entry to the session's transcript log.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *HistoryEntry) error {
	var metadata any
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		metadata = string(b)
	}

	query := `
		INSERT INTO history (id, session_id, role, content, tool_id, tool_name, is_error, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.SessionID,
		entry.Role,
		entry.Content,
		entry.ToolID,
		entry.ToolName,
		entry.IsError,
		metadata,
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("appending history entry: %w", err)
	}
	return nil
}

// GetHistory returns the session's entries in append order.
func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, session_id, role, content, tool_id, tool_name, is_error, metadata, created_at
		FROM history
		WHERE session_id = ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var metadata sql.NullString
		var createdAtStr string
		if err := rows.Scan(
			&entry.ID,
			&entry.SessionID,
			&entry.Role,
			&entry.Content,
			&entry.ToolID,
			&entry.ToolName,
			&entry.IsError,
			&metadata,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		if entry.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// RevokeToken records a token id as revoked until its expiry.
// Revoking an already revoked token is a no-op.
func (s *SQLiteStore) RevokeToken(ctx context.Context, tokenID string, expiresAt time.Time) error {
	query := `
		INSERT INTO revoked_tokens (token_id, expires_at, revoked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(token_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		tokenID,
		expiresAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}

	s.logger.Info("revoked token", "token_id", tokenID)
	return nil
}

// IsTokenRevoked reports whether the token id has been revoked.
func (s *SQLiteStore) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revoked_tokens WHERE token_id = ?`, tokenID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying revocation: %w", err)
	}
	return true, nil
}

// PruneRevocations deletes revocation rows whose token expiry is before the
// cutoff. Expired tokens fail validation on their own, so the row is dead
// weight once the expiry passes.
func (s *SQLiteStore) PruneRevocations(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM revoked_tokens WHERE expires_at < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("pruning revocations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}
