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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/rag-support/internal/domain"
	"github.com/ashureev/rag-support/internal/shared"
)

const (
	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while the conversation logger writes.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chat_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		meta_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_events_session ON chat_events(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_chat_events_created ON chat_events(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendChatEvent inserts one transcript line, retrying on lock contention.
func (s *SQLiteStore) AppendChatEvent(ctx context.Context, event *domain.ChatEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var metaJSON any
	if len(event.Meta) > 0 {
		b, err := json.Marshal(event.Meta)
		if err != nil {
			return fmt.Errorf("marshal chat event meta: %w", err)
		}
		metaJSON = string(b)
	}

	query := `
		INSERT INTO chat_events (id, session_id, user_id, role, content, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := shared.RetryOnBusy(ctx, "append_chat_event", busyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			event.ID, event.SessionID, event.UserID, event.Role,
			event.Content, metaJSON, event.CreatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert chat event: %w", err)
	}
	return nil
}

// ListChatEvents returns a session transcript oldest first.
func (s *SQLiteStore) ListChatEvents(ctx context.Context, sessionID string, limit int) ([]*domain.ChatEvent, error) {
	query := `
		SELECT id, session_id, user_id, role, content, meta_json, created_at
		FROM chat_events WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat event rows", "error", closeErr)
		}
	}()

	var events []*domain.ChatEvent
	for rows.Next() {
		var (
			ev        domain.ChatEvent
			metaJSON  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(
			&ev.ID, &ev.SessionID, &ev.UserID, &ev.Role,
			&ev.Content, &metaJSON, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan chat event row: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &ev.Meta); err != nil {
				slog.Warn("discarding malformed chat event meta", "id", ev.ID, "error", err)
			}
		}
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat events: %w", err)
	}
	return events, nil
}

// DeleteChatEventsBefore prunes transcript lines older than t.
func (s *SQLiteStore) DeleteChatEventsBefore(ctx context.Context, t time.Time) (int64, error) {
	var affected int64
	err := shared.RetryOnBusy(ctx, "delete_chat_events", busyRetries, busyBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM chat_events WHERE created_at < ?`, t.UnixMilli())
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete chat events: %w", err)
	}
	return affected, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
