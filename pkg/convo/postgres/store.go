package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/verba-ai/verba/pkg/convo"
)

// Compile-time assertion that Store satisfies the convo.Store interface.
var _ convo.Store = (*Store)(nil)

// defaultTitle is the title given to a freshly created context until the
// surrounding application renames it.
const defaultTitle = "New conversation"

// Store is the PostgreSQL-backed conversation store. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// verifies connectivity, and runs [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Suitable as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateContext implements [convo.Store.CreateContext].
func (s *Store) CreateContext(ctx context.Context) (string, error) {
	id := uuid.NewString()

	const q = `INSERT INTO conversation_contexts (id, title) VALUES ($1, $2)`
	if _, err := s.pool.Exec(ctx, q, id, defaultTitle); err != nil {
		return "", fmt.Errorf("postgres store: create context: %w", err)
	}
	return id, nil
}

// AppendMessages implements [convo.Store.AppendMessages]. All messages are
// inserted in one transaction; on any failure the whole turn is rolled back.
func (s *Store) AppendMessages(ctx context.Context, contextID string, msgs []convo.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	const checkQ = `SELECT EXISTS (SELECT 1 FROM conversation_contexts WHERE id = $1)`
	if err := tx.QueryRow(ctx, checkQ, contextID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres store: check context: %w", err)
	}
	if !exists {
		return fmt.Errorf("postgres store: append to %q: %w", contextID, convo.ErrNotFound)
	}

	const insertQ = `
		INSERT INTO conversation_messages (id, context_id, role, text, timestamp)
		VALUES ($1, $2, $3, $4, $5)`
	for _, m := range msgs {
		if _, err := tx.Exec(ctx, insertQ, m.ID, contextID, string(m.Role), m.Text, m.Timestamp); err != nil {
			return fmt.Errorf("postgres store: insert message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit append: %w", err)
	}
	return nil
}

// RenameContext implements [convo.Store.RenameContext].
func (s *Store) RenameContext(ctx context.Context, contextID, title string) error {
	const q = `UPDATE conversation_contexts SET title = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, contextID, title)
	if err != nil {
		return fmt.Errorf("postgres store: rename context: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: rename %q: %w", contextID, convo.ErrNotFound)
	}
	return nil
}
