// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			slog.Warn("Ignoring invalid origin in configuration", "origin", origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func isOriginAllowed(r *http.Request) bool {
	normalizedOrigin, ok := normalizeOrigin(r.Header.Get("Origin"))
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}

	_, exists := allowedOrigins[normalizedOrigin]
	return exists
}

// originChecker returns the upgrader's CheckOrigin hook, logging rejections to log.
func originChecker(log *slog.Logger) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if isOriginAllowed(r) {
			return true
		}
		log.Warn("Blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
		return false
	}
}
