package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultSweepInterval is the default interval between expiry
	// sweeps.
	DefaultSweepInterval = 1 * time.Minute
)

// Sweeper periodically removes expired conversations from a store.
// Lazy expiry on access already guarantees correct reads; the sweeper
// only releases memory held by conversations nobody touches again.
type Sweeper struct {
	store    *Store
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a sweeper with the default interval.
func NewSweeper(store *Store) *Sweeper {
	return NewSweeperWithInterval(store, DefaultSweepInterval)
}

// NewSweeperWithInterval creates a sweeper with a custom interval.
func NewSweeperWithInterval(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
	}
}

// Start begins the periodic sweep. Calling Start on a running sweeper
// is a no-op.
func (w *Sweeper) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(sweepCtx)
}

// Stop halts the sweep loop and waits for it to finish.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// IsRunning reports whether the sweep loop is active.
func (w *Sweeper) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Sweeper) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		if w.done != nil {
			close(w.done)
		}
		w.mu.Unlock()
	}()

	logger := w.store.logger.With(
		slog.String("component", "conversation.sweeper"),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "sweeper stopping")
			return
		case <-ticker.C:
			w.sweep(ctx, logger)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context, logger *slog.Logger) {
	start := time.Now()
	removed := w.store.Sweep()
	if removed > 0 {
		logger.InfoContext(ctx, "removed expired conversations",
			slog.Int("removed", removed),
			slog.Duration("duration", time.Since(start)),
		)
	}

	stats := w.store.CurrentStats()
	logger.DebugContext(ctx, "store occupancy after sweep",
		slog.Int("size", stats.Size),
		slog.Int("max_size", stats.MaxSize),
	)
}
