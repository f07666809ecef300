// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, identity binding, and lifecycle control for each
// connection.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Client represents one live WebSocket session in the chat system. It owns the
// connection, the outbound send buffer, and the identity the session
// registered as, if any.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	log            *slog.Logger
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig

	mu       sync.RWMutex
	identity string
	closed   bool

	disconnect sync.Once
}

// NewClient creates a new Client for conn with a fresh session id. The send
// buffer and limits come from the active configuration.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	log := slog.Default()
	if hub != nil && hub.log != nil {
		log = hub.log
	}
	id := uuid.NewString()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		hub:            hub,
		addr:           addr,
		log:            log.With("session", id, "addr", addr),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the transport session id.
func (c *Client) ID() string {
	return c.id
}

// IdentityID returns the identity bound by registration, or "" before it.
func (c *Client) IdentityID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// bindIdentity stores identityID on the client and returns the previous one.
func (c *Client) bindIdentity(identityID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.identity
	c.identity = identityID
	return previous
}

// GetSendChan returns the client's send channel for reading outgoing messages.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// trySend queues payload without blocking.
func (c *Client) trySend(payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendBufferFull
	}
}

// closeSend closes the send channel once; the write pump then sends a close
// frame and shuts the connection.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// handleReadError logs the read error according to its kind and returns true
// if the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Message exceeded maximum size", "max_bytes", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("Client disconnected", "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", "reason", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("Unexpected WebSocket close", "error", err)
	default:
		c.log.Warn("WebSocket read error", "error", err)
	}
	return true
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Warn("Rate limit exceeded; discarding event",
			"burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// readPump handles this connection's inbound events one at a time until the
// connection fails, then runs the disconnect path exactly once.
func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(context.Background(), c)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("Error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if c.handleReadError(err) {
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.hub.HandleEvent(context.Background(), c, raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("Error closing connection in writePump", "error", err)
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline", "error", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("Error writing close message", "error", err)
	}
	return false
}

// writeTextMessage writes a single event as one text frame; clients decode
// exactly one JSON document per frame.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Warn("Error writing ping message", "error", err)
		return false
	}
	return true
}
