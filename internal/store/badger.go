package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Open opens the BadgerDB at path. An empty path opens an in-memory database,
// which is what tests and throwaway deployments use.
func Open(path string, log *slog.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{log: log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return db, nil
}

// badgerLogger forwards badger's printf-style logging to slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}

func (l badgerLogger) logf(level slog.Level, format string, args ...interface{}) {
	if l.log == nil {
		return
	}
	l.log.Log(context.Background(), level, strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
