// Copyright 2024-2026 Aiku AI

// Package mappingstore provides the durable SQLite implementation of the
// relay core's mapping-store contract. The relay works fully in memory;
// this store adds crash persistence and warm start across restarts.
package mappingstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aiku/relaybridge/pkg/relay"
)

const schema = `
CREATE TABLE IF NOT EXISTS mappings (
	id TEXT PRIMARY KEY,
	original_platform TEXT NOT NULL,
	original_message_id TEXT NOT NULL,
	author TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	reply_to TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_mappings_timestamp ON mappings (timestamp);
CREATE INDEX IF NOT EXISTS idx_mappings_reply_to ON mappings (reply_to);

CREATE TABLE IF NOT EXISTS platform_messages (
	mapping_id TEXT NOT NULL REFERENCES mappings (id) ON DELETE CASCADE,
	platform TEXT NOT NULL,
	native_id TEXT NOT NULL,
	channel_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (mapping_id, platform)
);
CREATE INDEX IF NOT EXISTS idx_platform_messages_lookup
	ON platform_messages (platform, native_id);
`

// SQLiteStore implements relay.Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ relay.Store = (*SQLiteStore)(nil)

// Open creates or opens the database at path, applying WAL mode and the
// schema.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveMapping replaces the mapping row and its platform-message index
// entries in one transaction.
func (s *SQLiteStore) SaveMapping(ctx context.Context, m *relay.Mapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO mappings
			(id, original_platform, original_message_id, author, content, timestamp, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OriginalPlatform, m.OriginalMessageID, m.Author, m.Content,
		m.Timestamp.UnixMilli(), m.ReplyTo)
	if err != nil {
		return fmt.Errorf("failed to save mapping: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM platform_messages WHERE mapping_id = ?`, m.ID); err != nil {
		return fmt.Errorf("failed to clear platform messages: %w", err)
	}
	for platform, nativeID := range m.PlatformMessages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO platform_messages (mapping_id, platform, native_id, channel_id)
			VALUES (?, ?, ?, ?)`,
			m.ID, platform, nativeID, m.PlatformChannels[platform])
		if err != nil {
			return fmt.Errorf("failed to save platform message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteMapping(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mappings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMapping(ctx context.Context, id string) (*relay.Mapping, error) {
	return s.queryOne(ctx, `
		SELECT id, original_platform, original_message_id, author, content, timestamp, reply_to
		FROM mappings WHERE id = ?`, id)
}

func (s *SQLiteStore) GetByPlatformMessage(ctx context.Context, platform, nativeID string) (*relay.Mapping, error) {
	return s.queryOne(ctx, `
		SELECT m.id, m.original_platform, m.original_message_id, m.author, m.content, m.timestamp, m.reply_to
		FROM mappings m
		JOIN platform_messages p ON p.mapping_id = m.id
		WHERE p.platform = ? AND p.native_id = ?`, platform, nativeID)
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*relay.Mapping, error) {
	return s.queryMany(ctx, `
		SELECT id, original_platform, original_message_id, author, content, timestamp, reply_to
		FROM mappings ORDER BY timestamp DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) ListReplies(ctx context.Context, id string) ([]*relay.Mapping, error) {
	return s.queryMany(ctx, `
		SELECT id, original_platform, original_message_id, author, content, timestamp, reply_to
		FROM mappings WHERE reply_to = ? ORDER BY timestamp DESC`, id)
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, args ...any) (*relay.Mapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadPlatformMessages(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) queryMany(ctx context.Context, query string, args ...any) ([]*relay.Mapping, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var out []*relay.Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mappings: %w", err)
	}
	for _, m := range out {
		if err := s.loadPlatformMessages(ctx, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *SQLiteStore) loadPlatformMessages(ctx context.Context, m *relay.Mapping) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, native_id, channel_id
		FROM platform_messages WHERE mapping_id = ?`, m.ID)
	if err != nil {
		return fmt.Errorf("failed to query platform messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var platform, nativeID, channelID string
		if err := rows.Scan(&platform, &nativeID, &channelID); err != nil {
			return fmt.Errorf("failed to scan platform message: %w", err)
		}
		m.PlatformMessages[platform] = nativeID
		if channelID != "" {
			m.PlatformChannels[platform] = channelID
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (*relay.Mapping, error) {
	m := &relay.Mapping{
		PlatformMessages: make(map[string]string),
		PlatformChannels: make(map[string]string),
	}
	var ts int64
	err := row.Scan(&m.ID, &m.OriginalPlatform, &m.OriginalMessageID,
		&m.Author, &m.Content, &ts, &m.ReplyTo)
	if err != nil {
		return nil, err
	}
	m.Timestamp = time.UnixMilli(ts)
	return m, nil
}
