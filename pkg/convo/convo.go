// Package convo defines the conversation data model and the persistence
// contract used by the live-session pipeline.
//
// A conversation context is an append-only container of [Message] records.
// The session core only ever appends: it creates a context lazily when the
// first turn completes, appends the finalized messages of each turn, and
// optionally renames the context once a title has been generated. It never
// reads persisted state back.
//
// The [Aggregator] turns streamed transcript fragments into finalized
// messages; [Store] implementations (in-memory, PostgreSQL) persist them.
//
// Every [Store] implementation must be safe for concurrent use.
package convo

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Store] operations that reference a conversation
// context that does not exist.
var ErrNotFound = errors.New("conversation context not found")

// Role identifies which side of the conversation produced a message.
type Role string

const (
	// RoleUser marks a message transcribed from the user's speech or typed input.
	RoleUser Role = "user"

	// RoleAssistant marks a message produced by the assistant.
	RoleAssistant Role = "assistant"
)

// Message is one finalized conversational utterance. Messages are immutable
// once created: the aggregator constructs them at a turn boundary and hands
// ownership to the [Store].
type Message struct {
	// ID is the unique identifier for this message (a UUID).
	ID string

	// Role is the side of the conversation that produced the text.
	Role Role

	// Text is the full, trimmed utterance text.
	Text string

	// Timestamp is when the message was finalized.
	Timestamp time.Time
}

// Store persists conversation contexts and their messages.
//
// The session core treats the store as write-only: contexts are created,
// messages appended, titles renamed — nothing is read back. Read access is
// the concern of the surrounding application.
type Store interface {
	// CreateContext creates a new, empty conversation context and returns
	// its unique identifier. Implementations choose the initial title.
	CreateContext(ctx context.Context) (string, error)

	// AppendMessages appends msgs to the context in one atomic operation:
	// either all messages are persisted or none are. Appending an empty
	// slice is a no-op. Returns an error when the context does not exist.
	AppendMessages(ctx context.Context, contextID string, msgs []Message) error

	// RenameContext replaces the context's title. Returns an error when the
	// context does not exist.
	RenameContext(ctx context.Context, contextID, title string) error
}
