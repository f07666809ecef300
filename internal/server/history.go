package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Tyrowin/relaychat/internal/store"
)

// HistoryHandler serves read-only message history from the message log.
type HistoryHandler struct {
	messages store.MessageLog
	log      *slog.Logger
}

func NewHistoryHandler(messages store.MessageLog, log *slog.Logger) *HistoryHandler {
	return &HistoryHandler{messages: messages, log: log}
}

// RoomMessages handles GET /api/rooms/{room}/messages: the room's oldest
// messages first, up to the configured room limit.
func (h *HistoryHandler) RoomMessages(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if err := validate.Var(room, roomRule); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid room name")
		return
	}
	h.serve(w, r, store.ByRoom(room), currentConfig().History.RoomLimit)
}

// PrivateMessages handles GET /api/private/{userA}/{userB}/messages: the
// messages exchanged by the two identities in either direction.
func (h *HistoryHandler) PrivateMessages(w http.ResponseWriter, r *http.Request) {
	userA, userB := r.PathValue("userA"), r.PathValue("userB")
	if validate.Var(userA, identityIDRule) != nil || validate.Var(userB, identityIDRule) != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid identity id")
		return
	}
	h.serve(w, r, store.Between(userA, userB), currentConfig().History.PrivateLimit)
}

func (h *HistoryHandler) serve(w http.ResponseWriter, r *http.Request, filter store.Filter, maxLimit int) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), maxLimit)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.messages.Query(r.Context(), filter, limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidFilter) {
			writeJSONError(w, http.StatusBadRequest, "invalid history filter")
			return
		}
		h.log.Error("History query failed", "room", filter.Room, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

// parseLimit reads an optional ?limit= that may only lower maxLimit.
func parseLimit(raw string, maxLimit int) (int, error) {
	if raw == "" {
		return maxLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(limit, maxLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Error writing JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, ErrorPayload{Reason: reason})
}
