package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	sequenceBandwidth = 100
	messagePrefix     = "msg:"
)

// MessageStore is the badger-backed message log.
//
// Every message is written once under "msg:{seq}" and indexed under either
// "idx:room:{room}\x00{seq}" or "idx:dm:{a}\x00{b}\x00{seq}" with a <= b. The
// sequence is zero padded so a prefix scan returns messages in insertion order,
// and insertion order is also creation-timestamp order.
type MessageStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewMessageStore leases the message sequence from db.
func NewMessageStore(db *badger.DB, log *slog.Logger) (*MessageStore, error) {
	last, err := newestTimestamp(db)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("seq:messages"), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("lease message sequence: %w", err)
	}
	return &MessageStore{db: db, seq: seq, log: log, last: last, now: time.Now}, nil
}

// newestTimestamp returns the creation time of the last stored message, or
// the zero time for an empty log.
func newestTimestamp(db *badger.DB) (time.Time, error) {
	prefix := []byte(messagePrefix)
	var last time.Time

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(append([]byte(messagePrefix), 0xff))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		var msg Message
		if err := it.Item().Value(func(value []byte) error {
			return json.Unmarshal(value, &msg)
		}); err != nil {
			return err
		}
		last = msg.CreatedAt
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("read newest message: %w", err)
	}
	return last, nil
}

// Close returns the unused part of the leased sequence.
func (s *MessageStore) Close() error {
	return s.seq.Release()
}

// Append stores msg and returns it with its id, sequence and creation time
// assigned. Appends are serialized so timestamps never go backwards in
// insertion order, even if the wall clock does.
func (s *MessageStore) Append(ctx context.Context, msg Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.seq.Next()
	if err != nil {
		return Message{}, fmt.Errorf("next message sequence: %w", err)
	}

	at := s.now().UTC()
	if at.Before(s.last) {
		at = s.last
	}

	msg.ID = uuid.New()
	msg.Seq = seq
	msg.CreatedAt = at

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	primary := messageKey(seq)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(primary, data); err != nil {
			return err
		}
		return txn.Set(indexKey(msg), primary)
	})
	if err != nil {
		return Message{}, fmt.Errorf("write message %d: %w", seq, err)
	}

	s.last = at
	s.log.Debug("Message stored", "id", msg.ID, "seq", seq, "room", msg.Room, "to", msg.To)
	return msg, nil
}

// Query returns the messages matching filter, oldest first. A limit of zero or
// less returns every match.
func (s *MessageStore) Query(ctx context.Context, filter Filter, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := filter.validate(); err != nil {
		return nil, err
	}

	prefix := indexPrefix(filter)
	messages := make([]Message, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(messages) == limit {
				break
			}
			primary, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			msg, err := readMessage(txn, primary)
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return messages, nil
}

func readMessage(txn *badger.Txn, key []byte) (Message, error) {
	item, err := txn.Get(key)
	if err != nil {
		return Message{}, fmt.Errorf("read %s: %w", key, err)
	}
	var msg Message
	err = item.Value(func(value []byte) error {
		return json.Unmarshal(value, &msg)
	})
	return msg, err
}

func messageKey(seq uint64) []byte {
	return []byte(fmt.Sprintf(messagePrefix+"%020d", seq))
}

func indexKey(msg Message) []byte {
	if msg.IsDirect() {
		return append(indexPrefix(Between(msg.From, msg.To)), fmt.Sprintf("%020d", msg.Seq)...)
	}
	return append(indexPrefix(ByRoom(msg.Room)), fmt.Sprintf("%020d", msg.Seq)...)
}

func indexPrefix(filter Filter) []byte {
	if filter.isConversation() {
		return []byte("idx:dm:" + filter.Participants[0] + "\x00" + filter.Participants[1] + "\x00")
	}
	return []byte("idx:room:" + filter.Room + "\x00")
}
