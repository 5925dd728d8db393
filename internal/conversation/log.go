package conversation

import (
	"context"
	"time"
)

// MessageLog is the durable backing store the cache writes through to.
// It is an optional capability: a Store without one simply keeps
// history in memory only.
//
// Implementations must order messages by timestamp and honor the three
// cap parameters of LoadContexts exactly. SaveMessage failures are
// tolerated by the store (logged, never surfaced to callers); a
// LoadContexts failure is surfaced so startup can fail fast rather
// than run with unverifiable partial state.
type MessageLog interface {
	// SaveMessage durably records one message for a context key.
	SaveMessage(ctx context.Context, key string, msg Message) error

	// LoadContexts returns messages with timestamp >= since, grouped
	// by context key, at most maxContexts distinct keys (the most
	// recently active ones), and at most maxPerContext messages per
	// key. Each key's messages are ordered oldest first, with the
	// most recent maxPerContext retained on overflow.
	LoadContexts(ctx context.Context, since time.Time, maxContexts, maxPerContext int) (map[string][]Message, error)

	// PruneMessages deletes durable records older than before.
	// Best-effort: callers log and ignore failures.
	PruneMessages(ctx context.Context, before time.Time) error
}

// TrimToLast returns the last n messages of msgs, preserving order.
// Shared by the store's seeding path and log implementations.
func TrimToLast(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
