// Package server implements the chat relay: the WebSocket transport, the
// connection lifecycle, presence and room membership, and the message router
// that persists every message before delivering it.
//
// The implementation is organized into specialized files for configuration, hub
// management, clients, presence, rooms, routing, history, and HTTP handlers to
// keep the codebase maintainable and testable as the project grows.
package server
