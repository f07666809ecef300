// Package server wires HTTP handlers into a ServeMux for the chat relay via
// routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes:
// health check, WebSocket endpoint, test page, and the message history API.
func SetupRoutes(hub *Hub, history *HistoryHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", WebSocketHandler(hub))
	mux.HandleFunc("/test", TestPageHandler)
	mux.HandleFunc("GET /api/rooms/{room}/messages", history.RoomMessages)
	mux.HandleFunc("GET /api/private/{userA}/{userB}/messages", history.PrivateMessages)
	return mux
}
