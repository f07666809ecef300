package server_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/Tyrowin/relaychat/internal/testhelpers"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 2 * time.Second

type testServer struct {
	hub   *server.Hub
	url   string
	wsURL string
}

// startServer runs the full stack on an in-memory store behind httptest.
func startServer(t *testing.T, customize func(cfg *server.Config)) testServer {
	t.Helper()

	cfg := server.NewConfig()
	cfg.RateLimit.Burst = 100
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)

	log := slog.New(slog.DiscardHandler)
	db, err := store.Open("", log)
	require.NoError(t, err)
	messages, err := store.NewMessageStore(db, log)
	require.NoError(t, err)

	hub := server.NewHub(messages, store.NewIdentityStore(db), log)
	server.StartHub(hub)
	srv := httptest.NewServer(server.SetupRoutes(hub, server.NewHistoryHandler(messages, log)))

	t.Cleanup(func() {
		_ = hub.Shutdown(eventTimeout)
		srv.Close()
		_ = messages.Close()
		_ = db.Close()
		server.SetConfig(nil)
	})

	return testServer{hub: hub, url: srv.URL, wsURL: testhelpers.WebSocketURL(srv.URL)}
}

func register(t *testing.T, conn *websocket.Conn, identityID, name string) server.RegisteredPayload {
	t.Helper()
	require.NoError(t, testhelpers.SendEvent(conn, server.EventRegister, server.RegisterPayload{IdentityID: identityID, Name: name}))

	var registered server.RegisteredPayload
	require.NoError(t, testhelpers.ReadUntil(t, conn, server.EventRegistered, eventTimeout).Decode(&registered))
	return registered
}

func joinRoom(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	require.NoError(t, testhelpers.SendEvent(conn, server.EventJoinRoom, server.RoomPayload{Room: room}))
	testhelpers.ReadUntil(t, conn, server.EventJoinedRoom, eventTimeout)
}

func readMessage(t *testing.T, conn *websocket.Conn, event string) store.Message {
	t.Helper()
	var payload server.MessagePayload
	require.NoError(t, testhelpers.ReadUntil(t, conn, event, eventTimeout).Decode(&payload))
	return payload.Message
}

// waitForPresence reads presence events until one satisfies match.
func waitForPresence(t *testing.T, conn *websocket.Conn, match func(online []string) bool) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		var presence server.PresencePayload
		require.NoError(t, testhelpers.ReadUntil(t, conn, server.EventPresence, time.Until(deadline)).Decode(&presence))
		if match(presence.OnlineIdentityIDs) {
			return
		}
	}
	t.Fatal("Timed out waiting for matching presence")
}

func TestWebSocket_Chat_Flow(t *testing.T) {
	ts := startServer(t, nil)

	aliceConn := testhelpers.MustConnect(t, ts.wsURL)
	bobConn := testhelpers.MustConnect(t, ts.wsURL)

	alice := register(t, aliceConn, "", "Alice")
	bob := register(t, bobConn, "", "Bob")
	require.NotEqual(t, alice.IdentityID, bob.IdentityID)

	waitForPresence(t, aliceConn, func(online []string) bool {
		return slices.Contains(online, alice.IdentityID) && slices.Contains(online, bob.IdentityID)
	})

	joinRoom(t, aliceConn, "lobby")
	joinRoom(t, bobConn, "lobby")

	require.NoError(t, testhelpers.SendEvent(aliceConn, server.EventRoomMessage,
		server.RoomMessagePayload{Room: "lobby", Content: "hello lobby"}))
	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		msg := readMessage(t, conn, server.EventNewRoomMessage)
		require.Equal(t, alice.IdentityID, msg.From)
		require.Equal(t, "lobby", msg.Room)
		require.Equal(t, "hello lobby", msg.Content)
	}

	require.NoError(t, testhelpers.SendEvent(bobConn, server.EventPrivateMessage,
		server.PrivateMessagePayload{ToIdentityID: alice.IdentityID, Content: "just you"}))
	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		msg := readMessage(t, conn, server.EventNewPrivateMessage)
		require.Equal(t, bob.IdentityID, msg.From)
		require.Equal(t, alice.IdentityID, msg.To)
	}

	require.NoError(t, testhelpers.CloseWebSocket(bobConn))
	waitForPresence(t, aliceConn, func(online []string) bool {
		return slices.Equal(online, []string{alice.IdentityID})
	})
}

func TestWebSocket_Errors_Go_Only_To_Sender(t *testing.T) {
	ts := startServer(t, nil)

	conn := testhelpers.MustConnect(t, ts.wsURL)
	require.NoError(t, testhelpers.SendEvent(conn, server.EventRoomMessage,
		server.RoomMessagePayload{Room: "lobby", Content: "hi"}))

	var payload server.ErrorPayload
	require.NoError(t, testhelpers.ReadUntil(t, conn, server.EventError, eventTimeout).Decode(&payload))
	require.Equal(t, server.ErrUnregisteredSender.Error(), payload.Reason)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, testhelpers.ReadUntil(t, conn, server.EventError, eventTimeout).Decode(&payload))
	require.Equal(t, server.ErrInvalidEvent.Error(), payload.Reason)
}

func TestWebSocket_Offline_Message_Is_In_History(t *testing.T) {
	ts := startServer(t, nil)

	conn := testhelpers.MustConnect(t, ts.wsURL)
	alice := register(t, conn, "", "Alice")

	require.NoError(t, testhelpers.SendEvent(conn, server.EventPrivateMessage,
		server.PrivateMessagePayload{ToIdentityID: "bob-offline", Content: "call me"}))
	echo := readMessage(t, conn, server.EventNewPrivateMessage)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.url+"/api/private/bob-offline/"+alice.IdentityID+"/messages")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "application/json")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var history []store.Message
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 1)
	require.Equal(t, echo.ID, history[0].ID)
	require.Equal(t, "call me", history[0].Content)
}

func TestWebSocket_Reconnect_Keeps_Identity(t *testing.T) {
	ts := startServer(t, nil)

	first := testhelpers.MustConnect(t, ts.wsURL)
	alice := register(t, first, "", "Alice")
	require.NoError(t, testhelpers.CloseWebSocket(first))

	second := testhelpers.MustConnect(t, ts.wsURL)
	again := register(t, second, alice.IdentityID, "Alice B.")
	require.Equal(t, alice.IdentityID, again.IdentityID)
	require.Equal(t, "Alice B.", again.Name)

	waitForPresence(t, second, func(online []string) bool {
		return slices.Equal(online, []string{alice.IdentityID})
	})
}

func TestWebSocket_Origin_Validation(t *testing.T) {
	ts := startServer(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{testhelpers.DefaultOrigin}
	})

	for _, origin := range []string{"", "http://evil.example", "javascript:alert(1)"} {
		t.Run("origin "+origin, func(t *testing.T) {
			conn, resp, err := testhelpers.ConnectWebSocket(ts.wsURL, origin)
			if conn != nil {
				_ = conn.Close()
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			require.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}

	conn, _, err := testhelpers.ConnectWebSocket(ts.wsURL, strings.ToUpper(testhelpers.DefaultOrigin))
	require.NoError(t, err)
	_ = conn.Close()
}

func TestWebSocket_Message_Size_Limit(t *testing.T) {
	ts := startServer(t, func(cfg *server.Config) { cfg.MaxMessageSize = 512 })

	conn := testhelpers.MustConnect(t, ts.wsURL)
	register(t, conn, "", "Alice")

	oversized := server.RoomMessagePayload{Room: "lobby", Content: strings.Repeat("x", 1024)}
	require.NoError(t, testhelpers.SendEvent(conn, server.EventRoomMessage, oversized))

	deadline := time.Now().Add(eventTimeout)
	for {
		_, err := testhelpers.ReadEvent(conn, time.Until(deadline))
		if err != nil {
			require.False(t, time.Now().After(deadline), "connection should close before the deadline: %v", err)
			return
		}
	}
}

func TestWebSocket_Rate_Limiting(t *testing.T) {
	ts := startServer(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})

	conn := testhelpers.MustConnect(t, ts.wsURL)
	register(t, conn, "", "Alice")
	joinRoom(t, conn, "lobby")

	require.NoError(t, testhelpers.SendEvent(conn, server.EventJoinRoom, server.RoomPayload{Room: "dev"}))
	testhelpers.ExpectNoEvent(t, conn, server.EventJoinedRoom, 300*time.Millisecond)
	require.Empty(t, ts.hub.Rooms().Subscribers("dev"))
}

func TestWebSocket_Shutdown_Closes_Clients(t *testing.T) {
	ts := startServer(t, nil)

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = testhelpers.MustConnect(t, ts.wsURL)
		register(t, conns[i], "", "client")
	}
	require.Eventually(t, func() bool { return ts.hub.ClientCount() == len(conns) }, eventTimeout, 10*time.Millisecond)

	require.NoError(t, ts.hub.Shutdown(5*time.Second))

	for _, conn := range conns {
		for {
			if _, err := testhelpers.ReadEvent(conn, eventTimeout); err != nil {
				break
			}
		}
	}
	require.Zero(t, ts.hub.ClientCount())
	require.Zero(t, ts.hub.Presence().Count())
}

func TestHealthEndpoint(t *testing.T) {
	ts := startServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, ts.url+"/")
	testhelpers.AssertStatusCode(t, resp, http.StatusOK)
	testhelpers.AssertContentType(t, resp, "text/plain")
}
