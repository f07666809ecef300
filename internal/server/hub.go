// Package server coordinates client registration, identity binding, presence
// broadcast, and connection cleanup for the chat relay via the Hub type.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/store"
)

// Hub owns the live connections and their lifecycle. It is the only component
// that binds identities to connections in the Presence registry; message
// events are handed to its Router.
type Hub struct {
	clients  map[*Client]bool
	register chan *Client
	mutex    sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// presenceMu serializes identity binding and presence changes with the
	// broadcast that announces them, so the last presence event every
	// connection receives matches the registry.
	presenceMu sync.Mutex
	presence   *Presence
	rooms      *Rooms
	router     *Router
	identities store.IdentityDirectory
	log        *slog.Logger
}

// NewHub creates a Hub persisting messages to messages and identities to
// identities. Call Run in its own goroutine before accepting connections.
func NewHub(messages store.MessageLog, identities store.IdentityDirectory, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	presence := NewPresence()
	rooms := NewRooms()
	router := NewRouter(messages, identities, presence, rooms, log)
	router.requireKnownRecipient = currentConfig().RequireKnownRecipient

	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		presence:   presence,
		rooms:      rooms,
		router:     router,
		identities: identities,
		log:        log,
	}
}

// GetRegisterChan returns the channel used for registering new clients to the hub.
// This channel is write-only from the caller's perspective.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

func (h *Hub) Presence() *Presence { return h.presence }

func (h *Hub) Rooms() *Rooms { return h.rooms }

func (h *Hub) Router() *Router { return h.router }

// Run starts the hub's main event loop: it admits registered clients and
// launches their pumps until Shutdown is called. It should be called in a
// separate goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil || client.conn == nil {
				h.log.Warn("Received client without connection; skipping")
				continue
			}

			count := h.addClient(client)
			client.log.Info("Client connected", "clients", count)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()
		}
	}
}

// admit hands c to the Run loop. It returns false once the hub has stopped.
func (h *Hub) admit(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) addClient(c *Client) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[c] = true
	return len(h.clients)
}

func (h *Hub) removeClient(c *Client) {
	h.mutex.Lock()
	delete(h.clients, c)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	c.closeSend()
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// HandleEvent decodes one inbound frame and runs the matching handler. Any
// failure is reported to c alone as an error event.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.reportError(c, fmt.Errorf("%w: malformed frame: %w", ErrInvalidEvent, err))
		return
	}

	var err error
	switch env.Event {
	case EventRegister:
		var p RegisterPayload
		if err = decodePayload(env.Data, &p); err == nil {
			_, err = h.Register(ctx, c, p.IdentityID, p.Name)
		}
	case EventJoinRoom:
		var p RoomPayload
		if err = decodePayload(env.Data, &p); err == nil {
			err = h.JoinRoom(c, p.Room)
		}
	case EventLeaveRoom:
		var p RoomPayload
		if err = decodePayload(env.Data, &p); err == nil {
			err = h.LeaveRoom(c, p.Room)
		}
	case EventRoomMessage:
		var p RoomMessagePayload
		if err = decodePayload(env.Data, &p); err == nil {
			_, err = h.router.HandleRoomMessage(ctx, c, p.Room, p.Content)
		}
	case EventPrivateMessage:
		var p PrivateMessagePayload
		if err = decodePayload(env.Data, &p); err == nil {
			_, err = h.router.HandleDirectMessage(ctx, c, p.ToIdentityID, p.Content)
		}
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, env.Event)
	}

	if err != nil {
		h.reportError(c, err)
	}
}

func decodePayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: payload: %w", ErrInvalidEvent, err)
	}
	return nil
}

// Register binds c to an identity. A claimed id that exists is renamed and
// re-bound; otherwise a new identity is created. The identity then points at
// c in the presence registry, superseding any earlier connection, c receives
// a registered event, and every connection receives the new presence list.
func (h *Hub) Register(ctx context.Context, c *Client, claimedIdentityID, displayName string) (store.Identity, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return store.Identity{}, ErrRegistration
	}
	if err := validate.Var(name, nameRule); err != nil {
		return store.Identity{}, fmt.Errorf("%w: name: %w", ErrInvalidEvent, err)
	}

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	identity, err := h.resolveIdentity(ctx, strings.TrimSpace(claimedIdentityID), name, c.ID())
	if err != nil {
		return store.Identity{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if superseded := h.presence.SetOnline(identity.ID, c); superseded != nil {
		c.log.Info("Identity moved to a new connection",
			"identity", identity.ID, "superseded_session", superseded.ID())
	}
	if previous := c.bindIdentity(identity.ID); previous != "" && previous != identity.ID {
		h.release(ctx, c, previous)
	}

	c.log.Info("Client registered", "identity", identity.ID, "name", identity.Name)
	h.sendEvent(c, EventRegistered, RegisteredPayload{IdentityID: identity.ID, Name: identity.Name})
	h.broadcastPresence()
	return identity, nil
}

func (h *Hub) resolveIdentity(ctx context.Context, claimedIdentityID, name, sessionID string) (store.Identity, error) {
	if claimedIdentityID != "" {
		identity, err := h.identities.Bind(ctx, claimedIdentityID, name, sessionID)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, store.ErrIdentityNotFound) {
			return store.Identity{}, err
		}
		h.log.Debug("Claimed identity not found; creating a new one", "claimed", claimedIdentityID)
	}
	return h.identities.Create(ctx, name, sessionID)
}

// release takes identityID offline if c still holds it. h.presenceMu must be held.
func (h *Hub) release(ctx context.Context, c *Client, identityID string) bool {
	if !h.presence.SetOfflineIf(identityID, c) {
		return false
	}
	if err := h.identities.ClearSession(ctx, identityID, c.ID()); err != nil {
		c.log.Error("Failed to clear identity session", "identity", identityID, "error", err)
	}
	return true
}

// JoinRoom subscribes c to room and acknowledges with joinedRoom.
func (h *Hub) JoinRoom(c *Client, room string) error {
	if err := validate.Var(room, roomRule); err != nil {
		return fmt.Errorf("%w: room name: %w", ErrInvalidEvent, err)
	}
	if h.rooms.Join(c, room) {
		c.log.Debug("Joined room", "room", room)
	}
	h.sendEvent(c, EventJoinedRoom, RoomPayload{Room: room})
	return nil
}

// LeaveRoom unsubscribes c from room. Leaving a room c is not in is a no-op.
func (h *Hub) LeaveRoom(c *Client, room string) error {
	if err := validate.Var(room, roomRule); err != nil {
		return fmt.Errorf("%w: room name: %w", ErrInvalidEvent, err)
	}
	if h.rooms.Leave(c, room) {
		c.log.Debug("Left room", "room", room)
	}
	return nil
}

// Disconnect tears c down. It runs at most once per client whatever ended the
// connection: c leaves the live set and all its rooms, and if it still held
// its identity, the identity goes offline and the remaining connections get
// the new presence list. A connection that never registered, or whose
// identity already moved to another connection, changes no presence.
func (h *Hub) Disconnect(ctx context.Context, c *Client) {
	c.disconnect.Do(func() {
		h.removeClient(c)
		rooms := h.rooms.LeaveAll(c)

		h.presenceMu.Lock()
		defer h.presenceMu.Unlock()

		identityID := c.IdentityID()
		if identityID == "" {
			c.log.Info("Client disconnected before registering", "rooms_left", len(rooms))
			return
		}
		if !h.release(ctx, c, identityID) {
			c.log.Info("Superseded client disconnected", "identity", identityID, "rooms_left", len(rooms))
			return
		}

		c.log.Info("Client disconnected", "identity", identityID, "rooms_left", len(rooms))
		h.broadcastPresence()
	})
}

// broadcastPresence reads the presence set once and sends that same snapshot
// to every live connection. h.presenceMu must be held.
func (h *Hub) broadcastPresence() {
	online := h.presence.ListOnline()
	payload, err := encodeEvent(EventPresence, PresencePayload{OnlineIdentityIDs: online})
	if err != nil {
		h.log.Error("Failed to encode presence", "error", err)
		return
	}

	clients := h.getClientSnapshot()
	sent := 0
	for _, client := range clients {
		if deliver(h.log, client, payload) {
			sent++
		}
	}
	h.log.Debug("Broadcasting presence", "online", len(online), "recipients", sent)
}

func (h *Hub) sendEvent(c *Client, event string, data any) {
	payload, err := encodeEvent(event, data)
	if err != nil {
		h.log.Error("Failed to encode event", "event", event, "error", err)
		return
	}
	deliver(h.log, c, payload)
}

func (h *Hub) reportError(c *Client, err error) {
	if errors.Is(err, ErrPersistence) || errorReason(err) == "internal error" {
		c.log.Error("Event failed", "identity", c.IdentityID(), "error", err)
	} else {
		c.log.Info("Event rejected", "identity", c.IdentityID(), "error", err)
	}
	h.sendEvent(c, EventError, ErrorPayload{Reason: errorReason(err)})
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			client.log.Warn("Error closing client connection", "error", err)
		}
	}

	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
