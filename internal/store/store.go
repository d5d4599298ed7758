// Package store persists conversations, messages, and the append-only
// stream-event log. Storage backends hang off a Driver interface with
// hand-written SQL per dialect.
package store

import (
	"context"
	"errors"
)

// ErrNotFound reports an update or lookup against a missing record.
var ErrNotFound = errors.New("store: not found")

// Driver is implemented per database dialect.
type Driver interface {
	EnsureSchema(ctx context.Context) error

	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)
	DeleteConversation(ctx context.Context, uid string) error

	CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)

	AppendEvents(ctx context.Context, events []*CreateEvent) error
	ListEvents(ctx context.Context, find *FindEvent) ([]*Event, error)

	Close() error
}

// Store is the façade the rest of the service talks to.
type Store struct {
	driver Driver
}

func New(driver Driver) *Store {
	return &Store{driver: driver}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.driver.EnsureSchema(ctx)
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// CreateConversation creates a new conversation container.
func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	return s.driver.CreateConversation(ctx, create)
}

// ListConversations lists conversations matching the filter, newest first.
func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

// GetConversation returns the first conversation matching the filter, or nil.
func (s *Store) GetConversation(ctx context.Context, find *FindConversation) (*Conversation, error) {
	list, err := s.driver.ListConversations(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// UpdateConversation updates a conversation's mutable fields.
func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	return s.driver.UpdateConversation(ctx, update)
}

// DeleteConversation deletes a conversation with its messages and events.
func (s *Store) DeleteConversation(ctx context.Context, uid string) error {
	return s.driver.DeleteConversation(ctx, uid)
}

// CreateMessage appends a final message to a conversation.
func (s *Store) CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error) {
	return s.driver.CreateMessage(ctx, create)
}

// ListMessages returns a conversation's messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

// AppendEvents writes one batch of stream events in a single transaction.
// Events are never updated or deleted individually; the log is append-only.
func (s *Store) AppendEvents(ctx context.Context, events []*CreateEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.driver.AppendEvents(ctx, events)
}

// ListEvents replays stored events for a conversation in seq order.
func (s *Store) ListEvents(ctx context.Context, find *FindEvent) ([]*Event, error) {
	return s.driver.ListEvents(ctx, find)
}
