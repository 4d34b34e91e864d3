// Package sqlite persists conversations and messages in a local SQLite file,
// for offline use of the voice client.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-voice/pkg/voice/store"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db          *sql.DB
	reuseWindow time.Duration
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens path with foreign keys enabled. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	return &Store{db: db, reuseWindow: store.DefaultReuseWindow, now: time.Now}, nil
}

// SetReuseWindow sets how long an idle conversation is picked up again
// instead of starting a new one. Zero always starts a new one.
func (s *Store) SetReuseWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.reuseWindow = d
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *Store) CreateOrGetConversation(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", &store.ConstraintError{Constraint: "conversations.user_id"}
	}
	now := s.now().UTC()
	cutoff := now.Add(-s.reuseWindow)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM conversations
		 WHERE user_id = ? AND updated_at > ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		userID, cutoff,
	).Scan(&id)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, id); err != nil {
			return "", mapError("touch conversation", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		id = store.NewConversationID()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversations (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			id, userID, now, now,
		); err != nil {
			return "", mapError("create conversation", err)
		}
	default:
		return "", fmt.Errorf("lookup conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func (s *Store) InsertMessage(ctx context.Context, conversationID string, role types.Role, content string) (types.Message, error) {
	now := s.now().UTC()
	msg := types.Message{
		ID:             store.NewMessageID(now),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(role), content, now,
	); err != nil {
		return types.Message{}, mapError("insert message", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID); err != nil {
		return types.Message{}, mapError("touch conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return types.Message{}, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

func (s *Store) Messages(ctx context.Context, conversationID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = types.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func mapError(op string, err error) error {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint {
		return &store.ConstraintError{Constraint: sqErr.ExtendedCode.Error(), Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
