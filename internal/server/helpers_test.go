package server

import (
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type testStores struct {
	messages   *store.MessageStore
	identities *store.IdentityStore
}

// newTestStores opens an in-memory badger instance for one test.
func newTestStores(t *testing.T) testStores {
	t.Helper()

	db, err := store.Open("", discardLogger())
	require.NoError(t, err)
	messages, err := store.NewMessageStore(db, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = messages.Close()
		_ = db.Close()
	})

	return testStores{messages: messages, identities: store.NewIdentityStore(db)}
}

func newTestHub(t *testing.T) (*Hub, testStores) {
	t.Helper()
	stores := newTestStores(t)
	return NewHub(stores.messages, stores.identities, discardLogger()), stores
}

// newTestClient returns a connection-less client already counted as live by hub.
func newTestClient(hub *Hub) *Client {
	c := NewClient(nil, hub, "127.0.0.1:0")
	if hub != nil {
		hub.addClient(c)
	}
	return c
}

// withConfig applies cfg for the duration of the test.
func withConfig(t *testing.T, customize func(cfg *Config)) {
	t.Helper()
	cfg := NewConfig()
	customize(cfg)
	SetConfig(cfg)
	t.Cleanup(func() { SetConfig(nil) })
}

// drain returns every event queued on c without blocking.
func drain(t *testing.T, c *Client) []Envelope {
	t.Helper()

	var events []Envelope
	for {
		select {
		case raw, ok := <-c.GetSendChan():
			if !ok {
				return events
			}
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			events = append(events, env)
		default:
			return events
		}
	}
}

// eventsNamed filters events down to the ones called name.
func eventsNamed(events []Envelope, name string) []Envelope {
	var out []Envelope
	for _, e := range events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func mustFrame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := encodeEvent(event, data)
	require.NoError(t, err)
	return raw
}
