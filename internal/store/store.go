//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../mocks/mock_store.go -package=mocks

// Package store persists chat messages and identities in an embedded BadgerDB.
//
// The message log is append-only: every message receives its canonical
// creation timestamp and insertion sequence when it is written, and can then be
// read back in creation order through a room or conversation filter. The
// identity directory keeps one record per identity with its display name and
// the session that last bound it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIdentityNotFound is returned when no identity record exists for an id.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrInvalidMessage is returned when a message does not address exactly one
	// room or recipient, or lacks a sender or content.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidFilter is returned when a query filter selects neither a room
	// nor a conversation, or both.
	ErrInvalidFilter = errors.New("invalid message filter")
)

// MessageLog is the durable, append-only record of every routed message.
type MessageLog interface {
	Append(ctx context.Context, msg Message) (Message, error)
	Query(ctx context.Context, filter Filter, limit int) ([]Message, error)
}

// IdentityDirectory stores identity records and their liveness pointer.
type IdentityDirectory interface {
	Create(ctx context.Context, name, sessionID string) (Identity, error)
	Bind(ctx context.Context, id, name, sessionID string) (Identity, error)
	ClearSession(ctx context.Context, id, sessionID string) error
	Get(ctx context.Context, id string) (Identity, error)
}

// Message is an immutable chat message. Exactly one of To and Room is set.
type Message struct {
	ID        uuid.UUID `json:"id"`
	Seq       uint64    `json:"seq"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Room      string    `json:"room"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// MarshalJSON encodes the unused side of the address as null: a room message
// has "to": null and a direct message has "room": null.
func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	return json.Marshal(struct {
		plain
		To   *string `json:"to"`
		Room *string `json:"room"`
	}{
		plain: plain(m),
		To:    nullable(m.To),
		Room:  nullable(m.Room),
	})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// IsDirect reports whether the message is addressed to a single recipient.
func (m Message) IsDirect() bool {
	return m.To != ""
}

// Validate checks the addressing invariant and the required fields.
func (m Message) Validate() error {
	if m.From == "" || strings.TrimSpace(m.Content) == "" {
		return ErrInvalidMessage
	}
	if (m.To == "") == (m.Room == "") {
		return ErrInvalidMessage
	}
	// NUL separates the parts of index keys.
	for _, field := range []string{m.From, m.To, m.Room} {
		if strings.ContainsRune(field, 0) {
			return ErrInvalidMessage
		}
	}
	return nil
}

// Identity is a registered chat participant. SessionID is empty while the
// identity has no live connection.
type Identity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SessionID string    `json:"sessionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Online reports whether the identity currently has a liveness pointer.
func (i Identity) Online() bool {
	return i.SessionID != ""
}

// Filter selects the messages returned by a query: either one room, or the
// conversation between two identities in both directions.
type Filter struct {
	Room         string
	Participants [2]string
}

// ByRoom selects every message posted to room.
func ByRoom(room string) Filter {
	return Filter{Room: room}
}

// Between selects the direct messages exchanged by a and b, whichever sent them.
func Between(a, b string) Filter {
	if b < a {
		a, b = b, a
	}
	return Filter{Participants: [2]string{a, b}}
}

func (f Filter) isConversation() bool {
	return f.Participants[0] != "" && f.Participants[1] != ""
}

func (f Filter) validate() error {
	if (f.Room == "") == !f.isConversation() {
		return ErrInvalidFilter
	}
	if strings.ContainsRune(f.Room, 0) ||
		strings.ContainsRune(f.Participants[0], 0) ||
		strings.ContainsRune(f.Participants[1], 0) {
		return ErrInvalidFilter
	}
	return nil
}
