// Package postgres persists conversations and messages in PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-voice/pkg/voice/store"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLSTATE classes mapped to store.ConstraintError.
const (
	pgCheckViolation      = "23514"
	pgForeignKeyViolation = "23503"
	pgNotNullViolation    = "23502"
)

type Store struct {
	pool        *pgxpool.Pool
	reuseWindow time.Duration
	now         func() time.Time
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(pool), nil
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, reuseWindow: store.DefaultReuseWindow, now: time.Now}
}

// SetReuseWindow sets how long an idle conversation is picked up again
// instead of starting a new one. Zero always starts a new one.
func (s *Store) SetReuseWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.reuseWindow = d
}

func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *Store) CreateOrGetConversation(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", &store.ConstraintError{Constraint: "conversations_user_id_check"}
	}
	now := s.now()
	cutoff := now.Add(-s.reuseWindow)

	var id string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serializes find-or-create per user across processes until commit.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "vai-voice:conversation:"+userID); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			`SELECT id FROM conversations
			 WHERE user_id = $1 AND updated_at > $2
			 ORDER BY updated_at DESC
			 LIMIT 1
			 FOR UPDATE`,
			userID, cutoff,
		).Scan(&id)
		if err == nil {
			_, err = tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, id, now)
			return err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		id = store.NewConversationID()
		_, err = tx.Exec(ctx,
			`INSERT INTO conversations (id, user_id, created_at, updated_at) VALUES ($1, $2, $3, $3)`,
			id, userID, now,
		)
		return err
	})
	if err != nil {
		return "", mapError("create or get conversation", err)
	}
	return id, nil
}

func (s *Store) InsertMessage(ctx context.Context, conversationID string, role types.Role, content string) (types.Message, error) {
	now := s.now()
	msg := types.Message{
		ID:             store.NewMessageID(now),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING created_at`,
			msg.ID, conversationID, string(role), content, now,
		).Scan(&msg.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, conversationID, now)
		return err
	})
	if err != nil {
		return types.Message{}, mapError("insert message", err)
	}
	return msg, nil
}

// Messages lists a conversation's messages in insert order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]types.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = $1
		 ORDER BY created_at, id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		var role string
		if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return types.Message{}, err
		}
		m.Role = types.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return out, nil
}

func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgCheckViolation, pgForeignKeyViolation, pgNotNullViolation:
			return &store.ConstraintError{Constraint: pgErr.ConstraintName, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
