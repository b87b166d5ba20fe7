// Package memstore provides a thread-safe, in-memory implementation of
// [convo.Store]. It is suitable for development, tests, and running without
// a database; contents are lost on process exit.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verba-ai/verba/pkg/convo"
)

// Compile-time assertion that Store satisfies the convo.Store interface.
var _ convo.Store = (*Store)(nil)

// defaultTitle is the title given to a freshly created context until the
// surrounding application renames it.
const defaultTitle = "New conversation"

// record is one stored conversation context.
type record struct {
	title    string
	created  time.Time
	messages []convo.Message
}

// Store is an in-memory [convo.Store]. Use [New] to construct one.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*record
	order    []string
}

// New returns an initialised [Store].
func New() *Store {
	return &Store{contexts: make(map[string]*record)}
}

// CreateContext implements [convo.Store.CreateContext].
func (s *Store) CreateContext(_ context.Context) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[id] = &record{title: defaultTitle, created: time.Now()}
	s.order = append(s.order, id)
	return id, nil
}

// AppendMessages implements [convo.Store.AppendMessages].
func (s *Store) AppendMessages(_ context.Context, contextID string, msgs []convo.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.contexts[contextID]
	if !ok {
		return convo.ErrNotFound
	}
	rec.messages = append(rec.messages, msgs...)
	return nil
}

// RenameContext implements [convo.Store.RenameContext].
func (s *Store) RenameContext(_ context.Context, contextID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.contexts[contextID]
	if !ok {
		return convo.ErrNotFound
	}
	rec.title = title
	return nil
}

// ContextIDs returns the identifiers of all contexts in creation order.
func (s *Store) ContextIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Title returns the title of the given context.
func (s *Store) Title(contextID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.contexts[contextID]
	if !ok {
		return "", false
	}
	return rec.title, true
}

// Messages returns a copy of the messages appended to the given context, in
// append order.
func (s *Store) Messages(contextID string) ([]convo.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.contexts[contextID]
	if !ok {
		return nil, false
	}
	msgs := make([]convo.Message, len(rec.messages))
	copy(msgs, rec.messages)
	return msgs, true
}
