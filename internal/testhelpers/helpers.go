// Package testhelpers provides common utilities for exercising the RelayChat
// server over real HTTP and WebSocket connections in tests.
//
// It offers functions for dialing the WebSocket endpoint with an Origin header,
// exchanging event envelopes, and asserting HTTP response properties to reduce
// code duplication in test files.
package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultOrigin is the origin the helpers present unless told otherwise.
const DefaultOrigin = "http://localhost:8080"

// Event is one decoded frame received from the server.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// WebSocketURL turns an httptest server URL into the URL of its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// ConnectWebSocket dials url presenting origin. The handshake response, if
// any, is returned so callers can inspect a rejected upgrade.
func ConnectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url with DefaultOrigin and closes the connection when the
// test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, DefaultOrigin)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendEvent writes one {"event", "data"} frame.
func SendEvent(conn *websocket.Conn, event string, data any) error {
	return conn.WriteJSON(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: data})
}

// ReadEvent reads the next frame, waiting at most timeout.
func ReadEvent(conn *websocket.Conn, timeout time.Duration) (Event, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Event{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return Event{}, err
	}

	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("decode frame %q: %w", raw, err)
	}
	return e, nil
}

// ReadUntil skips frames until one named event arrives and returns it. It
// fails the test if none arrives within timeout.
func ReadUntil(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) Event {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %q event", event)
		}
		e, err := ReadEvent(conn, remaining)
		if err != nil {
			t.Fatalf("Failed waiting for %q event: %v", event, err)
		}
		if e.Event == event {
			return e
		}
	}
}

// ExpectNoEvent fails the test if a frame named event arrives within timeout.
// A timed out read leaves the connection unusable, so call it last.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, event string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		e, err := ReadEvent(conn, remaining)
		if err != nil {
			return
		}
		if e.Event == event {
			t.Fatalf("Unexpected %q event: %s", event, e.Data)
		}
	}
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
