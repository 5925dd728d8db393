package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ferrishall/deskbot/internal/conversation"
)

// badgerPrefix namespaces message records. Keys are laid out as
// msg \x00 <context key> \x00 <timestamp ms, big-endian> <sequence>
// so that lexicographic iteration yields messages grouped by context
// and ordered chronologically within it. Context keys are chat
// platform identifiers and never contain NUL bytes.
var badgerPrefix = []byte("msg\x00")

// BadgerConfig holds the parameters for opening a Badger message log.
type BadgerConfig struct {
	// Dir is the directory for the Badger database. Created if it
	// does not exist.
	Dir string

	// Logger receives operational messages. Defaults to slog.Default.
	Logger *slog.Logger
}

// BadgerLog is a conversation.MessageLog backed by a Badger
// key-value store. Safe for concurrent use.
type BadgerLog struct {
	db     *badger.DB
	logger *slog.Logger
	seq    atomic.Uint32
}

// OpenBadger opens (creating if necessary) a Badger message log.
func OpenBadger(cfg BadgerConfig) (*BadgerLog, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("badger log: Dir is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger log: opening %s: %w", cfg.Dir, err)
	}

	logger.Info("badger message log opened", slog.String("dir", cfg.Dir))

	return &BadgerLog{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the underlying database.
func (l *BadgerLog) Close() error {
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("badger log: close: %w", err)
	}
	return nil
}

// storedMessage is the on-disk JSON encoding of a message.
type storedMessage struct {
	Role        string                    `json:"role"`
	Content     string                    `json:"content"`
	AuthorID    string                    `json:"author_id"`
	AuthorName  string                    `json:"author_name"`
	Timestamp   int64                     `json:"timestamp"` // unix milliseconds
	Attachments []conversation.Attachment `json:"attachments,omitempty"`
}

// messageKey builds the record key for a message. The sequence suffix
// keeps two messages with the same millisecond timestamp distinct.
func (l *BadgerLog) messageKey(key string, timestampMillis int64) []byte {
	record := make([]byte, 0, len(badgerPrefix)+len(key)+1+12)
	record = append(record, badgerPrefix...)
	record = append(record, key...)
	record = append(record, 0)
	record = binary.BigEndian.AppendUint64(record, uint64(timestampMillis))
	record = binary.BigEndian.AppendUint32(record, l.seq.Add(1))
	return record
}

// splitKey extracts the context key and timestamp from a record key.
func splitKey(record []byte) (key string, timestampMillis int64, ok bool) {
	rest := bytes.TrimPrefix(record, badgerPrefix)
	sep := bytes.IndexByte(rest, 0)
	if sep < 0 || len(rest) < sep+1+12 {
		return "", 0, false
	}
	millis := binary.BigEndian.Uint64(rest[sep+1 : sep+9])
	return string(rest[:sep]), int64(millis), true
}

// SaveMessage durably records one message for a context key.
func (l *BadgerLog) SaveMessage(_ context.Context, key string, msg conversation.Message) error {
	stored := storedMessage{
		Role:        string(msg.Role),
		Content:     msg.Content,
		AuthorID:    msg.AuthorID,
		AuthorName:  msg.AuthorName,
		Timestamp:   msg.Timestamp.UnixMilli(),
		Attachments: msg.Attachments,
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("badger log: marshal message: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(l.messageKey(key, stored.Timestamp), data)
	})
	if err != nil {
		return fmt.Errorf("badger log: save message: %w", err)
	}
	return nil
}

// LoadContexts returns messages with timestamp >= since, grouped by
// context key: the maxContexts most recently active keys, each with
// its most recent maxPerContext messages ordered oldest first.
func (l *BadgerLog) LoadContexts(_ context.Context, since time.Time, maxContexts, maxPerContext int) (map[string][]conversation.Message, error) {
	sinceMillis := since.UnixMilli()

	contexts := make(map[string][]conversation.Message)
	lastSeen := make(map[string]int64)

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key, millis, ok := splitKey(item.Key())
			if !ok || millis < sinceMillis {
				continue
			}

			var stored storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return fmt.Errorf("unmarshal message: %w", err)
			}

			contexts[key] = append(contexts[key], conversation.Message{
				Role:        conversation.Role(stored.Role),
				Content:     stored.Content,
				AuthorID:    stored.AuthorID,
				AuthorName:  stored.AuthorName,
				Timestamp:   time.UnixMilli(stored.Timestamp),
				Attachments: stored.Attachments,
			})
			if millis > lastSeen[key] {
				lastSeen[key] = millis
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger log: load contexts: %w", err)
	}

	// Keep only the maxContexts most recently active keys.
	if len(contexts) > maxContexts {
		keys := make([]string, 0, len(contexts))
		for key := range contexts {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return lastSeen[keys[i]] > lastSeen[keys[j]]
		})
		for _, key := range keys[maxContexts:] {
			delete(contexts, key)
		}
	}

	for key, msgs := range contexts {
		contexts[key] = conversation.TrimToLast(msgs, maxPerContext)
	}
	return contexts, nil
}

// PruneMessages deletes records older than before.
func (l *BadgerLog) PruneMessages(_ context.Context, before time.Time) error {
	beforeMillis := before.UnixMilli()

	var stale [][]byte
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			_, millis, ok := splitKey(item.Key())
			if !ok || millis >= beforeMillis {
				continue
			}
			stale = append(stale, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger log: prune scan: %w", err)
	}

	if len(stale) == 0 {
		return nil
	}

	batch := l.db.NewWriteBatch()
	defer batch.Cancel()
	for _, record := range stale {
		if err := batch.Delete(record); err != nil {
			return fmt.Errorf("badger log: prune delete: %w", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("badger log: prune flush: %w", err)
	}

	l.logger.Info("pruned stale messages", slog.Int("removed", len(stale)))
	return nil
}
