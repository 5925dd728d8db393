// Package main provides the entry point for the deskbot conversation
// context service: the bounded in-memory conversation cache, its
// durable message log, and the startup hydration that ties them
// together. Chat platform handling lives in the consumers of this
// process, not here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ferrishall/deskbot/internal/conversation"
	"github.com/ferrishall/deskbot/internal/storage"
)

const (
	// ShutdownTimeout is the maximum time to wait for graceful
	// shutdown, including draining pending write-throughs.
	ShutdownTimeout = 30 * time.Second

	defaultBackend = "sqlite"
	defaultDataDir = "/var/lib/deskbot"
)

// settings is the fully resolved runtime configuration: defaults,
// overridden by the config file, overridden by flags.
type settings struct {
	backend       string
	dataDir       string
	maxContexts   int
	maxMessages   int
	ttl           time.Duration
	sweepInterval time.Duration
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	configPath := flag.String("config", "", "path to YAML config file")
	backend := flag.String("backend", "", "message log backend: sqlite, badger, or none")
	dataDir := flag.String("data-dir", "", "directory for durable storage")
	maxContexts := flag.Int("max-contexts", 0, "maximum resident conversations")
	maxMessages := flag.Int("max-messages", 0, "maximum messages per conversation")
	ttl := flag.String("ttl", "", "conversation lifetime, e.g. 30m")
	sweepInterval := flag.String("sweep-interval", "", "expiry sweep interval, e.g. 1m")
	flag.Parse()

	if os.Getenv("DESKBOT_DEBUG") == "1" {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		log.Println("Debug logging enabled")
	}

	resolved, err := resolveSettings(*configPath, *backend, *dataDir,
		*maxContexts, *maxMessages, *ttl, *sweepInterval)
	if err != nil {
		log.Printf("Configuration error: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, resolved); err != nil {
		log.Printf("Error: %v", err)
		return 1
	}
	return 0
}

func resolveSettings(configPath, backend, dataDir string, maxContexts, maxMessages int, ttl, sweepInterval string) (settings, error) {
	resolved := settings{
		backend:       defaultBackend,
		dataDir:       defaultDataDir,
		maxContexts:   conversation.DefaultMaxContexts,
		maxMessages:   conversation.DefaultMaxMessages,
		ttl:           conversation.DefaultTTL,
		sweepInterval: conversation.DefaultSweepInterval,
	}

	if configPath != "" {
		fileCfg, err := loadConfigFile(configPath)
		if err != nil {
			return settings{}, err
		}
		if fileCfg.Backend != "" {
			resolved.backend = fileCfg.Backend
		}
		if fileCfg.DataDir != "" {
			resolved.dataDir = fileCfg.DataDir
		}
		if fileCfg.MaxContexts > 0 {
			resolved.maxContexts = fileCfg.MaxContexts
		}
		if fileCfg.MaxMessages > 0 {
			resolved.maxMessages = fileCfg.MaxMessages
		}
		fileTTL, err := parseDuration(fileCfg.TTL, resolved.ttl)
		if err != nil {
			return settings{}, err
		}
		resolved.ttl = fileTTL
		fileSweep, err := parseDuration(fileCfg.SweepInterval, resolved.sweepInterval)
		if err != nil {
			return settings{}, err
		}
		resolved.sweepInterval = fileSweep
	}

	if backend != "" {
		resolved.backend = backend
	}
	if dataDir != "" {
		resolved.dataDir = dataDir
	}
	if maxContexts > 0 {
		resolved.maxContexts = maxContexts
	}
	if maxMessages > 0 {
		resolved.maxMessages = maxMessages
	}
	flagTTL, err := parseDuration(ttl, resolved.ttl)
	if err != nil {
		return settings{}, err
	}
	resolved.ttl = flagTTL
	flagSweep, err := parseDuration(sweepInterval, resolved.sweepInterval)
	if err != nil {
		return settings{}, err
	}
	resolved.sweepInterval = flagSweep

	switch resolved.backend {
	case "sqlite", "badger", "none":
	default:
		return settings{}, fmt.Errorf("unknown backend %q", resolved.backend)
	}

	return resolved, nil
}

func run(ctx context.Context, cfg settings) error {
	log.Println("deskbot context service starting...")

	messageLog, closeLog, err := openMessageLog(cfg)
	if err != nil {
		return err
	}

	store := conversation.NewStore(conversation.Config{
		MaxContexts: cfg.maxContexts,
		MaxMessages: cfg.maxMessages,
		TTL:         cfg.ttl,
		Log:         messageLog,
	})

	// Hydrate before accepting any traffic. A broken persistence
	// layer fails startup; running with an unverifiable partial cache
	// is worse than not starting.
	if err := store.Hydrate(ctx); err != nil {
		closeLog()
		return fmt.Errorf("hydrating conversation store: %w", err)
	}

	sweeper := conversation.NewSweeperWithInterval(store, cfg.sweepInterval)
	sweeper.Start(ctx)

	stats := store.CurrentStats()
	log.Printf("deskbot context service started: %d/%d conversations resident", stats.Size, stats.MaxSize)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()

	sweeper.Stop()
	drainStore(shutdownCtx, store)
	closeLog()

	log.Println("deskbot context service stopped")
	return nil
}

// openMessageLog opens the configured backend. The returned close
// function is safe to call exactly once, backend or not.
func openMessageLog(cfg settings) (conversation.MessageLog, func(), error) {
	switch cfg.backend {
	case "sqlite":
		sqliteLog, err := storage.OpenSQLite(storage.SQLiteConfig{
			Path: filepath.Join(cfg.dataDir, "messages.db"),
		})
		if err != nil {
			return nil, nil, err
		}
		return sqliteLog, func() {
			if err := sqliteLog.Close(); err != nil {
				log.Printf("Error closing sqlite log: %v", err)
			}
		}, nil

	case "badger":
		badgerLog, err := storage.OpenBadger(storage.BadgerConfig{
			Dir: filepath.Join(cfg.dataDir, "messages"),
		})
		if err != nil {
			return nil, nil, err
		}
		return badgerLog, func() {
			if err := badgerLog.Close(); err != nil {
				log.Printf("Error closing badger log: %v", err)
			}
		}, nil

	default:
		return nil, func() {}, nil
	}
}

// drainStore waits for pending write-throughs, bounded by ctx.
func drainStore(ctx context.Context, store *conversation.Store) {
	done := make(chan struct{})
	go func() {
		store.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Println("Timed out waiting for pending message writes")
	}
}
