package convo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Aggregator accumulates streamed transcript fragments into per-turn text
// buffers and finalizes them into [Message] records at each turn boundary.
//
// A turn is one conversational exchange: a user utterance (possibly empty,
// e.g. silence) paired with an assistant reply (possibly empty, e.g. a
// suppressed response). Fragments for one side apply in arrival order;
// side-to-side interleaving does not matter because the two sides accumulate
// independently.
//
// The conversation context is created lazily: the first turn that produces at
// least one message creates a context in the [Store], and later turns append
// to it until [Aggregator.Reset] starts a fresh one. Turns that produce no
// messages never touch the store.
//
// Aggregator is safe for concurrent use.
type Aggregator struct {
	store Store

	mu        sync.Mutex
	contextID string
	input     strings.Builder
	output    strings.Builder
}

// NewAggregator constructs an Aggregator that persists finalized turns to
// store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// OnInputFragment appends a user-side transcript fragment to the current turn.
func (a *Aggregator) OnInputFragment(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input.WriteString(text)
}

// OnOutputFragment appends an assistant-side transcript fragment to the
// current turn.
func (a *Aggregator) OnOutputFragment(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.output.WriteString(text)
}

// OnTurnComplete finalizes the current turn. Both accumulators are trimmed;
// each side whose trimmed text is non-empty becomes one [Message] (user
// before assistant) with a fresh UUID and the current wall-clock time. The
// resulting 0–2 messages are appended to the store in one atomic call,
// creating the conversation context first if none exists yet.
//
// The accumulators are cleared unconditionally — before any store call, and
// even when the turn produces no messages — so a store failure never leaks
// text into the next turn. On failure the messages are returned alongside the
// error; the context, if one already exists, is kept for the next turn.
func (a *Aggregator) OnTurnComplete(ctx context.Context) ([]Message, error) {
	a.mu.Lock()
	in := strings.TrimSpace(a.input.String())
	out := strings.TrimSpace(a.output.String())
	a.input.Reset()
	a.output.Reset()
	contextID := a.contextID
	a.mu.Unlock()

	now := time.Now()
	var msgs []Message
	if in != "" {
		msgs = append(msgs, Message{ID: uuid.NewString(), Role: RoleUser, Text: in, Timestamp: now})
	}
	if out != "" {
		msgs = append(msgs, Message{ID: uuid.NewString(), Role: RoleAssistant, Text: out, Timestamp: now})
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	if contextID == "" {
		created, err := a.store.CreateContext(ctx)
		if err != nil {
			return msgs, fmt.Errorf("create context: %w", err)
		}
		contextID = created
		a.mu.Lock()
		a.contextID = contextID
		a.mu.Unlock()
	}

	if err := a.store.AppendMessages(ctx, contextID, msgs); err != nil {
		return msgs, fmt.Errorf("append turn: %w", err)
	}
	return msgs, nil
}

// ContextID returns the identifier of the lazily created conversation
// context, or "" when no turn has been persisted yet.
func (a *Aggregator) ContextID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.contextID
}

// Reset discards any accumulated fragments and detaches from the current
// context. The next completing turn will create a fresh context.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input.Reset()
	a.output.Reset()
	a.contextID = ""
}
