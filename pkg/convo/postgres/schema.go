// Package postgres provides a PostgreSQL-backed implementation of
// [convo.Store].
//
// Contexts and messages live in two tables joined by a foreign key; each
// turn's messages are appended in a single transaction so a turn is either
// fully persisted or not at all. [Migrate] runs automatically on store
// creation and is idempotent.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.CreateContext(ctx)
//	_ = store.AppendMessages(ctx, id, msgs)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlContexts = `
CREATE TABLE IF NOT EXISTS conversation_contexts (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    id          TEXT         PRIMARY KEY,
    context_id  TEXT         NOT NULL REFERENCES conversation_contexts (id) ON DELETE CASCADE,
    seq         BIGSERIAL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_context
    ON conversation_messages (context_id, seq);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
//
// Messages carry a BIGSERIAL sequence column so that append order survives
// even when all messages of a turn share one wall-clock timestamp.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlContexts, ddlMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
