package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ferrishall/deskbot/internal/clock"
	"github.com/ferrishall/deskbot/internal/conversation"
)

// fakeLog is an in-memory MessageLog for store and hydration tests.
// LoadContexts honors the contract: since-filtering, oldest-first
// ordering, most recent maxPerContext retained.
type fakeLog struct {
	mu           sync.Mutex
	contexts     map[string][]conversation.Message
	saved        map[string][]conversation.Message
	saveErr      error
	loadErr      error
	pruneErr     error
	prunedBefore []time.Time
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		contexts: make(map[string][]conversation.Message),
		saved:    make(map[string][]conversation.Message),
	}
}

func (f *fakeLog) SaveMessage(_ context.Context, key string, msg conversation.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved[key] = append(f.saved[key], msg)
	return nil
}

func (f *fakeLog) LoadContexts(_ context.Context, since time.Time, maxContexts, maxPerContext int) (map[string][]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}

	result := make(map[string][]conversation.Message)
	for key, msgs := range f.contexts {
		var recent []conversation.Message
		for _, msg := range msgs {
			if !msg.Timestamp.Before(since) {
				recent = append(recent, msg)
			}
		}
		if len(recent) == 0 {
			continue
		}
		if len(result) >= maxContexts {
			continue
		}
		result[key] = conversation.TrimToLast(recent, maxPerContext)
	}
	return result, nil
}

func (f *fakeLog) PruneMessages(_ context.Context, before time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunedBefore = append(f.prunedBefore, before)
	return f.pruneErr
}

func (f *fakeLog) savedFor(key string) []conversation.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]conversation.Message, len(f.saved[key]))
	copy(out, f.saved[key])
	return out
}

func TestStore_AppendAndHistory(t *testing.T) {
	s := conversation.NewStore(conversation.Config{})

	s.Append("c", conversation.Message{
		Role:       conversation.RoleUser,
		Content:    "Hello",
		AuthorID:   "u1",
		AuthorName: "User",
	})

	history := s.History("c")
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}
	if history[0].Content != "Hello" {
		t.Errorf("expected content %q, got %q", "Hello", history[0].Content)
	}
	if history[0].Role != conversation.RoleUser {
		t.Errorf("expected role %q, got %q", conversation.RoleUser, history[0].Role)
	}
	if history[0].Timestamp.IsZero() {
		t.Error("expected store to stamp a zero timestamp")
	}
}

func TestStore_HistoryUnknownKey(t *testing.T) {
	s := conversation.NewStore(conversation.Config{})

	if history := s.History("never-seen"); len(history) != 0 {
		t.Errorf("expected empty history for unknown key, got %d messages", len(history))
	}
}

func TestStore_AppendTrimsOldest(t *testing.T) {
	s := conversation.NewStore(conversation.Config{})

	for i := range 55 {
		s.Append("c", conversation.Message{
			Role:    conversation.RoleUser,
			Content: fmt.Sprintf("Message %d", i),
		})
	}

	history := s.History("c")
	if len(history) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(history))
	}
	if history[0].Content != "Message 5" {
		t.Errorf("expected first message %q, got %q", "Message 5", history[0].Content)
	}
	if history[49].Content != "Message 54" {
		t.Errorf("expected last message %q, got %q", "Message 54", history[49].Content)
	}
}

func TestStore_Clear(t *testing.T) {
	s := conversation.NewStore(conversation.Config{})

	s.Append("a", conversation.Message{Role: conversation.RoleUser, Content: "one"})
	s.Append("b", conversation.Message{Role: conversation.RoleUser, Content: "two"})

	s.Clear("a")
	if history := s.History("a"); len(history) != 0 {
		t.Errorf("expected cleared key to be empty, got %d messages", len(history))
	}
	if history := s.History("b"); len(history) != 1 {
		t.Errorf("expected other key to be unaffected, got %d messages", len(history))
	}

	// Clearing again, or clearing an unknown key, is a no-op.
	s.Clear("a")
	s.Clear("never-seen")
	if history := s.History("a"); len(history) != 0 {
		t.Errorf("expected key to stay empty after double clear, got %d messages", len(history))
	}
}

func TestDeriveKey(t *testing.T) {
	if got := conversation.DeriveKey("channel-123", ""); got != "channel-123" {
		t.Errorf("expected channel key, got %q", got)
	}
	if got := conversation.DeriveKey("channel-123", "thread-456"); got != "thread-456" {
		t.Errorf("expected thread key, got %q", got)
	}
}

func TestRole_Valid(t *testing.T) {
	if !conversation.RoleUser.Valid() || !conversation.RoleAssistant.Valid() {
		t.Error("expected defined roles to be valid")
	}
	if conversation.Role("system").Valid() {
		t.Error("expected unknown role to be invalid")
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := conversation.NewStore(conversation.Config{
		TTL:   30 * time.Minute,
		Clock: fake,
	})

	s.Append("c", conversation.Message{Role: conversation.RoleUser, Content: "hi"})

	fake.Advance(29 * time.Minute)
	if history := s.History("c"); len(history) != 1 {
		t.Fatalf("expected entry to survive within TTL, got %d messages", len(history))
	}

	fake.Advance(1 * time.Minute)
	if history := s.History("c"); len(history) != 0 {
		t.Errorf("expected entry to expire at TTL, got %d messages", len(history))
	}
}

func TestStore_ReadsDoNotRefreshTTL(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := conversation.NewStore(conversation.Config{
		TTL:   30 * time.Minute,
		Clock: fake,
	})

	s.Append("c", conversation.Message{Role: conversation.RoleUser, Content: "hi"})

	// Read repeatedly; the TTL deadline is measured from the last
	// write, so the entry still expires 30 minutes after the append.
	fake.Advance(20 * time.Minute)
	if history := s.History("c"); len(history) != 1 {
		t.Fatalf("expected entry before TTL, got %d messages", len(history))
	}

	fake.Advance(15 * time.Minute)
	if history := s.History("c"); len(history) != 0 {
		t.Error("expected entry to expire despite the recent read")
	}
}

func TestStore_AppendRefreshesTTL(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := conversation.NewStore(conversation.Config{
		TTL:   30 * time.Minute,
		Clock: fake,
	})

	s.Append("c", conversation.Message{Role: conversation.RoleUser, Content: "first"})
	fake.Advance(20 * time.Minute)
	s.Append("c", conversation.Message{Role: conversation.RoleAssistant, Content: "second"})
	fake.Advance(20 * time.Minute)

	// 40 minutes after the first append, 20 after the second.
	history := s.History("c")
	if len(history) != 2 {
		t.Errorf("expected both messages after activity refresh, got %d", len(history))
	}
}

func TestStore_LRUEviction(t *testing.T) {
	s := conversation.NewStore(conversation.Config{MaxContexts: 3})

	s.Append("a", conversation.Message{Role: conversation.RoleUser, Content: "a"})
	s.Append("b", conversation.Message{Role: conversation.RoleUser, Content: "b"})
	s.Append("c", conversation.Message{Role: conversation.RoleUser, Content: "c"})

	// Reading promotes a conversation, so "b" is now least recently
	// used and gets evicted by the fourth insert.
	s.History("a")
	s.Append("d", conversation.Message{Role: conversation.RoleUser, Content: "d"})

	if history := s.History("b"); len(history) != 0 {
		t.Errorf("expected least recently used key to be evicted, got %d messages", len(history))
	}
	for _, key := range []string{"a", "c", "d"} {
		if history := s.History(key); len(history) != 1 {
			t.Errorf("expected key %q to survive eviction, got %d messages", key, len(history))
		}
	}
}

func TestStore_InsertEvictsExpiredBeforeLive(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := conversation.NewStore(conversation.Config{
		MaxContexts: 3,
		TTL:         30 * time.Minute,
		Clock:       fake,
	})

	s.Append("a", conversation.Message{Role: conversation.RoleUser, Content: "a"})
	fake.Advance(5 * time.Minute)
	s.Append("b", conversation.Message{Role: conversation.RoleUser, Content: "b"})
	s.Append("c", conversation.Message{Role: conversation.RoleUser, Content: "c"})

	// Reading "a" promotes it to most recently used, but it still
	// expires 30 minutes after its only append.
	fake.Advance(24 * time.Minute)
	if history := s.History("a"); len(history) != 1 {
		t.Fatalf("expected entry before TTL, got %d messages", len(history))
	}
	fake.Advance(2 * time.Minute)

	// "a" is now an expired ghost at the front of the recency list.
	// Inserting a fourth key must reclaim its slot instead of evicting
	// a live conversation.
	s.Append("d", conversation.Message{Role: conversation.RoleUser, Content: "d"})

	for _, key := range []string{"b", "c", "d"} {
		if history := s.History(key); len(history) != 1 {
			t.Errorf("expected live key %q to survive insert, got %d messages", key, len(history))
		}
	}
	if history := s.History("a"); len(history) != 0 {
		t.Errorf("expected expired key to be gone, got %d messages", len(history))
	}
}

func TestStore_Stats(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := conversation.NewStore(conversation.Config{
		MaxContexts: 100,
		TTL:         30 * time.Minute,
		Clock:       fake,
	})

	stats := s.CurrentStats()
	if stats.Size != 0 || stats.MaxSize != 100 {
		t.Fatalf("expected 0/100, got %d/%d", stats.Size, stats.MaxSize)
	}

	s.Append("a", conversation.Message{Role: conversation.RoleUser, Content: "a"})
	fake.Advance(20 * time.Minute)
	s.Append("b", conversation.Message{Role: conversation.RoleUser, Content: "b"})

	stats = s.CurrentStats()
	if stats.Size != 2 {
		t.Errorf("expected 2 resident conversations, got %d", stats.Size)
	}

	// Another 15 minutes expires "a" but not "b".
	fake.Advance(15 * time.Minute)
	stats = s.CurrentStats()
	if stats.Size != 1 {
		t.Errorf("expected expired conversation excluded from stats, got %d", stats.Size)
	}
}

func TestStore_WriteThrough(t *testing.T) {
	flog := newFakeLog()
	s := conversation.NewStore(conversation.Config{Log: flog})

	s.Append("c", conversation.Message{
		Role:     conversation.RoleUser,
		Content:  "Hello",
		AuthorID: "u1",
	})
	s.Close()

	saved := flog.savedFor("c")
	if len(saved) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(saved))
	}
	if saved[0].Content != "Hello" {
		t.Errorf("expected persisted content %q, got %q", "Hello", saved[0].Content)
	}
}

func TestStore_WriteThroughFailureDoesNotAffectAppend(t *testing.T) {
	flog := newFakeLog()
	flog.saveErr = errors.New("disk full")
	s := conversation.NewStore(conversation.Config{Log: flog})

	s.Append("c", conversation.Message{Role: conversation.RoleUser, Content: "Hello"})
	s.Close()

	if history := s.History("c"); len(history) != 1 {
		t.Errorf("expected in-memory append to survive persistence failure, got %d messages", len(history))
	}
}

func TestStore_ConcurrentAppendsSameKey(t *testing.T) {
	s := conversation.NewStore(conversation.Config{})

	var wg sync.WaitGroup
	const appends = 30

	wg.Add(appends)
	for i := range appends {
		go func(n int) {
			defer wg.Done()
			s.Append("c", conversation.Message{
				Role:    conversation.RoleUser,
				Content: fmt.Sprintf("Message %d", n),
			})
		}(i)
	}
	wg.Wait()

	history := s.History("c")
	if len(history) != appends {
		t.Fatalf("lost update: expected %d messages, got %d", appends, len(history))
	}

	seen := make(map[string]bool, appends)
	for _, msg := range history {
		seen[msg.Content] = true
	}
	for i := range appends {
		if !seen[fmt.Sprintf("Message %d", i)] {
			t.Errorf("missing message %d after concurrent appends", i)
		}
	}
}

func TestStore_ConcurrentMixedOperations(t *testing.T) {
	s := conversation.NewStore(conversation.Config{MaxContexts: 5})

	var wg sync.WaitGroup
	concurrency := 10
	iterations := 100

	wg.Add(concurrency)
	for i := range concurrency {
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("conv-%d", n%7)
			for range iterations {
				s.Append(key, conversation.Message{
					Role:    conversation.RoleUser,
					Content: "test",
				})
				s.History(key)
			}
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range iterations / 10 {
			s.Sweep()
			s.CurrentStats()
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()

	stats := s.CurrentStats()
	if stats.Size > stats.MaxSize {
		t.Errorf("store over capacity: %d/%d", stats.Size, stats.MaxSize)
	}
}

func TestStore_HistoryReturnsCopy(t *testing.T) {
	s := conversation.NewStore(conversation.Config{})

	s.Append("c", conversation.Message{Role: conversation.RoleUser, Content: "Original text"})

	history := s.History("c")
	history[0].Content = "Modified text"

	history2 := s.History("c")
	if history2[0].Content != "Original text" {
		t.Error("History did not return a copy - external modification affected internal state")
	}
}

func TestStore_HistoryCopiesAttachments(t *testing.T) {
	s := conversation.NewStore(conversation.Config{})

	s.Append("c", conversation.Message{
		Role:    conversation.RoleUser,
		Content: "see attached",
		Attachments: []conversation.Attachment{
			{URL: "https://cdn.example.com/a.png", Name: "a.png", ContentType: "image/png"},
		},
	})

	history := s.History("c")
	history[0].Attachments[0].URL = "https://evil.example.com/swapped.png"

	history2 := s.History("c")
	if history2[0].Attachments[0].URL != "https://cdn.example.com/a.png" {
		t.Error("History shared attachment storage - external modification affected internal state")
	}
}
