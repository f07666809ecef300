package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/samber/lo"
)

// Router validates, persists and dispatches chat messages. A message is only
// ever delivered after it has been written to the message log; delivery to
// each live target is best effort and never undoes the write.
type Router struct {
	messages   store.MessageLog
	identities store.IdentityDirectory
	presence   *Presence
	rooms      *Rooms
	log        *slog.Logger
	locks      keyedMutex

	// requireKnownRecipient rejects direct messages to identities missing from
	// the directory. Off by default: any identity id is accepted.
	requireKnownRecipient bool
}

func NewRouter(messages store.MessageLog, identities store.IdentityDirectory, presence *Presence, rooms *Rooms, log *slog.Logger) *Router {
	return &Router{
		messages:   messages,
		identities: identities,
		presence:   presence,
		rooms:      rooms,
		log:        log,
		locks:      keyedMutex{locks: make(map[string]*refMutex)},
	}
}

// HandleRoomMessage persists a message to room and delivers it to the room's
// subscribers at dispatch time. The sender does not need to be a subscriber.
// Persistence and dispatch are serialized per room so every subscriber sees the
// room's messages in log order.
func (r *Router) HandleRoomMessage(ctx context.Context, c *Client, room, content string) (store.Message, error) {
	from, err := r.validate(c, content)
	if err != nil {
		return store.Message{}, err
	}
	if err := validate.Var(room, roomRule); err != nil {
		return store.Message{}, fmt.Errorf("%w: room name: %w", ErrInvalidEvent, err)
	}

	unlock := r.locks.Lock("room:" + room)
	defer unlock()

	msg, err := r.messages.Append(ctx, store.Message{From: from, Room: room, Content: content})
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	targets := r.rooms.Subscribers(room)
	delivered := r.dispatch(EventNewRoomMessage, msg, targets)
	r.log.Debug("Room message routed",
		"id", msg.ID, "room", room, "from", from,
		"subscribers", len(targets), "delivered", delivered)
	return msg, nil
}

// HandleDirectMessage persists a message to toIdentityID and delivers it to the
// recipient if online. The sender always gets a copy back so it learns the
// canonical timestamp; an offline recipient can read it later from history.
func (r *Router) HandleDirectMessage(ctx context.Context, c *Client, toIdentityID, content string) (store.Message, error) {
	from, err := r.validate(c, content)
	if err != nil {
		return store.Message{}, err
	}
	if err := validate.Var(toIdentityID, identityIDRule); err != nil {
		return store.Message{}, fmt.Errorf("%w: recipient: %w", ErrInvalidEvent, err)
	}
	if r.requireKnownRecipient {
		if _, err := r.identities.Get(ctx, toIdentityID); err != nil {
			if errors.Is(err, store.ErrIdentityNotFound) {
				return store.Message{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, toIdentityID)
			}
			return store.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}

	unlock := r.locks.Lock(conversationKey(from, toIdentityID))
	defer unlock()

	msg, err := r.messages.Append(ctx, store.Message{From: from, To: toIdentityID, Content: content})
	if err != nil {
		return store.Message{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	targets := []*Client{c}
	recipient, online := r.presence.Connection(toIdentityID)
	if online {
		targets = append(targets, recipient)
	}
	delivered := r.dispatch(EventNewPrivateMessage, msg, lo.Uniq(targets))
	r.log.Debug("Private message routed",
		"id", msg.ID, "from", from, "to", toIdentityID,
		"recipient_online", online, "delivered", delivered)
	return msg, nil
}

// validate moves a message from received to validated: the sender must be
// registered and the content must not be blank.
func (r *Router) validate(c *Client, content string) (string, error) {
	from := c.IdentityID()
	if from == "" {
		return "", ErrUnregisteredSender
	}
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	return from, nil
}

// dispatch encodes msg once and offers it to every target, returning how many
// accepted it. A target that cannot take it is logged and skipped.
func (r *Router) dispatch(event string, msg store.Message, targets []*Client) int {
	if len(targets) == 0 {
		return 0
	}
	payload, err := encodeEvent(event, MessagePayload{Message: msg})
	if err != nil {
		r.log.Error("Failed to encode message for dispatch", "id", msg.ID, "error", err)
		return 0
	}

	delivered := 0
	for _, target := range targets {
		if deliver(r.log, target, payload) {
			delivered++
		}
	}
	return delivered
}

// deliver offers payload to c without blocking. A client whose send buffer is
// full is evicted: closing its send channel makes the write pump close the
// connection, which then runs the normal disconnect path.
func deliver(log *slog.Logger, c *Client, payload []byte) bool {
	err := c.trySend(payload)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errSendBufferFull):
		log.Warn("Dispatch delivery failed; evicting slow client",
			"session", c.ID(), "identity", c.IdentityID(), "error", err)
		c.closeSend()
	default:
		log.Info("Dispatch delivery failed",
			"session", c.ID(), "identity", c.IdentityID(), "error", err)
	}
	return false
}

func conversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + "\x00" + b
}

// keyedMutex hands out one mutex per key, dropping it once nobody holds or
// waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
