package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// IdentityStore is the badger-backed identity directory. Records live under
// "identity:{id}" and are never deleted.
type IdentityStore struct {
	db  *badger.DB
	now func() time.Time
}

func NewIdentityStore(db *badger.DB) *IdentityStore {
	return &IdentityStore{db: db, now: time.Now}
}

// Create stores a new identity bound to sessionID and returns it.
func (s *IdentityStore) Create(ctx context.Context, name, sessionID string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	at := s.now().UTC()
	identity := Identity{
		ID:        uuid.NewString(),
		Name:      name,
		SessionID: sessionID,
		CreatedAt: at,
		UpdatedAt: at,
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return writeIdentity(txn, identity)
	})
	if err != nil {
		return Identity{}, fmt.Errorf("create identity: %w", err)
	}
	return identity, nil
}

// Bind renames an existing identity and points it at sessionID. It returns
// ErrIdentityNotFound when id is unknown.
func (s *IdentityStore) Bind(ctx context.Context, id, name, sessionID string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	var identity Identity
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		identity, err = readIdentity(txn, id)
		if err != nil {
			return err
		}
		identity.Name = name
		identity.SessionID = sessionID
		identity.UpdatedAt = s.now().UTC()
		return writeIdentity(txn, identity)
	})
	if err != nil {
		return Identity{}, fmt.Errorf("bind identity %s: %w", id, err)
	}
	return identity, nil
}

// ClearSession drops the liveness pointer of id, but only while it still
// points at sessionID: a newer session that re-bound the identity keeps it.
func (s *IdentityStore) ClearSession(ctx context.Context, id, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		identity, err := readIdentity(txn, id)
		if err != nil {
			return err
		}
		if identity.SessionID != sessionID {
			return nil
		}
		identity.SessionID = ""
		identity.UpdatedAt = s.now().UTC()
		return writeIdentity(txn, identity)
	})
	if err != nil {
		return fmt.Errorf("clear session of identity %s: %w", id, err)
	}
	return nil
}

// Get returns the identity record for id.
func (s *IdentityStore) Get(ctx context.Context, id string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	var identity Identity
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		identity, err = readIdentity(txn, id)
		return err
	})
	if err != nil {
		return Identity{}, fmt.Errorf("get identity %s: %w", id, err)
	}
	return identity, nil
}

// ResetSessions clears every liveness pointer and returns how many it cleared.
// It runs at startup: no connection survives a restart, so a pointer left by
// an unclean shutdown is stale.
func (s *IdentityStore) ResetSessions(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var stale []Identity
	prefix := []byte(identityPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var identity Identity
			if err := it.Item().Value(func(value []byte) error {
				return json.Unmarshal(value, &identity)
			}); err != nil {
				return err
			}
			if identity.Online() {
				stale = append(stale, identity)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan identities: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	at := s.now().UTC()
	for _, identity := range stale {
		identity.SessionID = ""
		identity.UpdatedAt = at
		data, err := json.Marshal(identity)
		if err != nil {
			return 0, err
		}
		if err := wb.Set(identityKey(identity.ID), data); err != nil {
			return 0, fmt.Errorf("reset session of identity %s: %w", identity.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("reset sessions: %w", err)
	}
	return len(stale), nil
}

const identityPrefix = "identity:"

func identityKey(id string) []byte {
	return []byte(identityPrefix + id)
}

func readIdentity(txn *badger.Txn, id string) (Identity, error) {
	if id == "" {
		return Identity{}, ErrIdentityNotFound
	}
	item, err := txn.Get(identityKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	var identity Identity
	err = item.Value(func(value []byte) error {
		return json.Unmarshal(value, &identity)
	})
	return identity, err
}

func writeIdentity(txn *badger.Txn, identity Identity) error {
	data, err := json.Marshal(identity)
	if err != nil {
		return err
	}
	return txn.Set(identityKey(identity.ID), data)
}
