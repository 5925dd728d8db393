// Package conversation provides a bounded, time-limited in-memory
// cache of conversation histories with optional write-through to a
// durable message log.
package conversation

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ferrishall/deskbot/internal/clock"
)

const (
	// DefaultMaxContexts is the maximum number of conversations held
	// in memory at once.
	DefaultMaxContexts = 100

	// DefaultMaxMessages is the per-conversation history cap.
	DefaultMaxMessages = 50

	// DefaultTTL is how long a conversation stays resident after its
	// last append.
	DefaultTTL = 30 * time.Minute
)

// Config holds the parameters for creating a Store. The zero value of
// every field gets a sensible default.
type Config struct {
	// MaxContexts bounds the number of simultaneously resident
	// conversations. The least recently used entry is evicted when
	// inserting would exceed it.
	MaxContexts int

	// MaxMessages bounds each conversation's history. Overflow drops
	// the oldest messages.
	MaxMessages int

	// TTL is the absolute lifetime of an entry measured from its last
	// append. Reads do not extend it.
	TTL time.Duration

	// Clock provides the current time. Defaults to the system clock.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to slog.Default.
	Logger *slog.Logger

	// Log is the optional durable backing store. Nil disables
	// write-through and hydration.
	Log MessageLog
}

// Store is the in-memory conversation cache. It is safe for
// concurrent use; operations on the same key are serialized, so two
// overlapping appends can never lose each other's message.
type Store struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	recency *list.List // of *entry, front = most recently used

	maxContexts int
	maxMessages int
	ttl         time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	log         MessageLog

	saves sync.WaitGroup
}

// entry holds one conversation's resident state.
type entry struct {
	key          string
	messages     []Message
	lastActivity time.Time
}

// Stats is a point-in-time view of store occupancy.
type Stats struct {
	// Size is the number of resident, non-expired conversations.
	Size int
	// MaxSize is the configured capacity.
	MaxSize int
}

// NewStore creates a conversation store from cfg, applying defaults
// for any zero-valued field.
func NewStore(cfg Config) *Store {
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = DefaultMaxContexts
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		entries:     make(map[string]*list.Element),
		recency:     list.New(),
		maxContexts: cfg.MaxContexts,
		maxMessages: cfg.MaxMessages,
		ttl:         cfg.TTL,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With(slog.String("component", "conversation.store")),
		log:         cfg.Log,
	}
}

// History returns the messages for a key, oldest first. An absent,
// expired, or evicted key yields an empty result; the two cases are
// indistinguishable. The result is a copy down to the attachments;
// callers cannot mutate cached state through it.
func (s *Store) History(key string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem := s.lookup(key, s.clock.Now())
	if elem == nil {
		return nil
	}
	s.recency.MoveToFront(elem)

	e := elem.Value.(*entry)
	out := make([]Message, len(e.messages))
	copy(out, e.messages)
	for i := range out {
		if len(out[i].Attachments) > 0 {
			attachments := make([]Attachment, len(out[i].Attachments))
			copy(attachments, out[i].Attachments)
			out[i].Attachments = attachments
		}
	}
	return out
}

// Append adds one message to a key's history, creating the entry if
// needed and trimming the oldest messages past the per-conversation
// cap. If a message log is configured the message is also recorded
// durably; a persistence failure is logged and never surfaced.
//
// A zero msg.Timestamp is stamped with the current time.
func (s *Store) Append(key string, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.clock.Now()
	}
	if len(msg.Attachments) > 0 {
		attachments := make([]Attachment, len(msg.Attachments))
		copy(attachments, msg.Attachments)
		msg.Attachments = attachments
	}

	s.mu.Lock()
	now := s.clock.Now()
	elem := s.lookup(key, now)
	if elem == nil {
		s.evictOver(s.maxContexts-1, now)
		elem = s.recency.PushFront(&entry{key: key})
		s.entries[key] = elem
	} else {
		s.recency.MoveToFront(elem)
	}

	e := elem.Value.(*entry)
	e.messages = append(e.messages, msg)
	for len(e.messages) > s.maxMessages {
		e.messages = e.messages[1:]
	}
	if msg.Timestamp.After(e.lastActivity) {
		e.lastActivity = msg.Timestamp
	}
	s.mu.Unlock()

	if s.log != nil {
		s.saves.Add(1)
		go s.writeThrough(key, msg)
	}
}

// writeThrough records one message durably. Runs off the caller's
// goroutine so Append never waits on storage I/O.
func (s *Store) writeThrough(key string, msg Message) {
	defer s.saves.Done()

	if err := s.log.SaveMessage(context.Background(), key, msg); err != nil {
		s.logger.Warn("failed to persist message",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}

// Clear removes a key's history entirely. Clearing an unknown key is
// a no-op.
func (s *Store) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.remove(elem)
	}
}

// CurrentStats returns the number of resident, non-expired
// conversations and the configured capacity.
func (s *Store) CurrentStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	size := 0
	for elem := s.recency.Front(); elem != nil; elem = elem.Next() {
		if !s.expired(elem.Value.(*entry), now) {
			size++
		}
	}
	return Stats{Size: size, MaxSize: s.maxContexts}
}

// Sweep removes all expired entries and returns how many were
// removed. Expiry is already enforced lazily on access; sweeping just
// releases memory sooner.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for elem := s.recency.Front(); elem != nil; {
		next := elem.Next()
		if s.expired(elem.Value.(*entry), now) {
			s.remove(elem)
			removed++
		}
		elem = next
	}
	return removed
}

// Close waits for in-flight write-through saves to finish. The store
// remains usable afterwards; Close exists so shutdown can drain
// pending persistence work.
func (s *Store) Close() {
	s.saves.Wait()
}

// seed installs a hydrated history for a key, bypassing the append
// path. Only called at startup for keys not already present; the
// loaded set is trimmed to the message cap in case the log returned
// more than requested.
func (s *Store) seed(key string, msgs []Message) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		return
	}

	msgs = TrimToLast(msgs, s.maxMessages)
	messages := make([]Message, len(msgs))
	copy(messages, msgs)

	s.evictOver(s.maxContexts-1, s.clock.Now())
	elem := s.recency.PushFront(&entry{
		key:          key,
		messages:     messages,
		lastActivity: messages[len(messages)-1].Timestamp,
	})
	s.entries[key] = elem
}

// lookup returns the element for key, removing and hiding it if its
// TTL has elapsed. Caller holds s.mu.
func (s *Store) lookup(key string, now time.Time) *list.Element {
	elem, ok := s.entries[key]
	if !ok {
		return nil
	}
	if s.expired(elem.Value.(*entry), now) {
		s.remove(elem)
		return nil
	}
	return elem
}

// expired reports whether e's TTL has elapsed at now.
func (s *Store) expired(e *entry, now time.Time) bool {
	return now.Sub(e.lastActivity) >= s.ttl
}

// evictOver drops entries until at most limit remain. Expired entries
// go first, whatever their recency; they no longer count as resident
// and must never cost a live conversation its slot. Only if the store
// is still over the limit does it evict live entries, least recently
// used first. Caller holds s.mu.
func (s *Store) evictOver(limit int, now time.Time) {
	for elem := s.recency.Front(); elem != nil && s.recency.Len() > limit; {
		next := elem.Next()
		if s.expired(elem.Value.(*entry), now) {
			s.remove(elem)
		}
		elem = next
	}

	for s.recency.Len() > limit {
		back := s.recency.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		s.remove(back)
		s.logger.Debug("evicted conversation",
			slog.String("key", e.key),
			slog.Int("messages", len(e.messages)),
		)
	}
}

// remove deletes an element from both indexes. Caller holds s.mu.
func (s *Store) remove(elem *list.Element) {
	e := elem.Value.(*entry)
	s.recency.Remove(elem)
	delete(s.entries, e.key)
}
