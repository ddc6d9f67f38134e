package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
-- Chat messages, including inline file transfers
CREATE TABLE IF NOT EXISTS message (
    id TEXT PRIMARY KEY,
    sender TEXT NOT NULL,
    receiver TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'text' CHECK (kind IN ('text', 'file', 'notification', 'system')),
    file_name TEXT NOT NULL DEFAULT '',
    file_size INTEGER NOT NULL DEFAULT 0,
    file_mime TEXT NOT NULL DEFAULT '',
    file_data BLOB,
    read INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_pair ON message(sender, receiver, created_at);
CREATE INDEX IF NOT EXISTS idx_message_unread ON message(receiver, read);
`

// SQLite is the default Store, good for a single relay process. It keeps
// timestamps as RFC3339 text so records survive driver changes.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path and bootstraps the
// schema. Safe to call on an existing database.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %q: %w", path, err)
	}
	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{
		db:     db,
		logger: logger.With(slog.String("component", "store_sqlite")),
	}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) CreateMessage(ctx context.Context, m *Message) (*Message, error) {
	out := *m
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Kind == "" {
		out.Kind = "text"
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message (id, sender, receiver, content, kind, file_name, file_size, file_mime, file_data, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.Sender, out.Receiver, out.Content, out.Kind,
		out.FileName, out.FileSize, out.FileMime, out.FileData,
		boolToInt(out.Read), out.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &out, nil
}

func (s *SQLite) MessagesBetween(ctx context.Context, a, b string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, receiver, content, kind, file_name, file_size, file_mime, file_data, read, created_at
		FROM message
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY created_at ASC, id ASC`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages between %q and %q: %w", a, b, err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLite) MarkRead(ctx context.Context, receiver string, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark-read: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sender, receiver, content, kind, file_name, file_size, file_mime, file_data, read, created_at
		FROM message WHERE id IN (`+placeholders(len(ids))+`)`,
		toAny(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages for mark-read: %w", err)
	}
	found, err := scanMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Ownership is checked before anything is applied: the request either
	// fully succeeds or is rejected whole.
	var toMark []string
	var changed []Message
	for _, m := range found {
		if m.Receiver != receiver {
			return nil, fmt.Errorf("mark read %s: %w", m.ID, ErrNotReceiver)
		}
		if m.Read {
			continue // already read: success with no change
		}
		m.Read = true
		toMark = append(toMark, m.ID)
		changed = append(changed, m)
	}

	if len(toMark) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE message SET read = 1 WHERE id IN (`+placeholders(len(toMark))+`)`,
			toAny(toMark)...,
		); err != nil {
			return nil, fmt.Errorf("mark read: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark-read: %w", err)
	}
	return changed, nil
}

func (s *SQLite) MarkAllRead(ctx context.Context, receiver, sender string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE message SET read = 1
		WHERE receiver = ? AND sender = ? AND read = 0`,
		receiver, sender,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all read from %q: %w", sender, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all read rows: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) RecentConversations(ctx context.Context, user string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender, receiver, content, kind, file_name, file_size, file_mime, file_data, read, created_at
		FROM message
		WHERE sender = ? OR receiver = ?
		ORDER BY created_at DESC, id DESC`,
		user, user,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations for %q: %w", user, err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	byPeer := make(map[string]*Conversation)
	var order []string
	for _, m := range msgs {
		peer := m.Sender
		if peer == user {
			peer = m.Receiver
		}
		if peer == "" {
			continue // broadcast notifications have no conversation peer
		}
		conv, ok := byPeer[peer]
		if !ok {
			conv = &Conversation{Peer: peer, Last: m}
			byPeer[peer] = conv
			order = append(order, peer)
		}
		if m.Receiver == user && !m.Read {
			conv.Unread++
		}
	}

	out := make([]Conversation, 0, len(order))
	for _, peer := range order {
		out = append(out, *byPeer[peer])
	}
	return out, nil
}

func (s *SQLite) AllUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender AS u FROM message
		UNION
		SELECT receiver AS u FROM message WHERE receiver != ''`,
	)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var read int
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &m.Kind,
			&m.FileName, &m.FileSize, &m.FileMime, &m.FileData, &read, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Read = read != 0
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse message timestamp %q: %w", createdAt, err)
		}
		m.CreatedAt = ts
		out = append(out, m)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
