// Package storage provides durable message log implementations for
// the conversation store: a SQLite log and a Badger log behind the
// same contract.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ferrishall/deskbot/internal/conversation"
)

// sqliteSchema is applied once per pooled connection. CREATE IF NOT
// EXISTS makes it idempotent.
const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS messages (
		context_key TEXT NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		author_id   TEXT NOT NULL,
		author_name TEXT NOT NULL,
		timestamp   INTEGER NOT NULL,
		attachments TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_key_time ON messages(context_key, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(timestamp);
`

// SQLiteConfig holds the parameters for opening a SQLite message log.
type SQLiteConfig struct {
	// Path is the filesystem path to the database file. The parent
	// directory must exist; the file is created if it does not.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	PoolSize int

	// Logger receives operational messages. Defaults to slog.Default.
	Logger *slog.Logger
}

// SQLiteLog is a conversation.MessageLog backed by a single SQLite
// database. Messages are stored with millisecond timestamps; all
// reads are ordered by timestamp. Safe for concurrent use.
type SQLiteLog struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// OpenSQLite opens (creating if necessary) a SQLite message log.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteLog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite log: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareSQLiteConn(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite log: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite message log opened",
		slog.String("path", cfg.Path),
		slog.Int("pool_size", poolSize),
	)

	return &SQLiteLog{
		pool:   pool,
		logger: logger,
		path:   cfg.Path,
	}, nil
}

// prepareSQLiteConn applies pragmas and the schema to a fresh pooled
// connection. WAL keeps readers unblocked by the write-through path.
func prepareSQLiteConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite log: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, sqliteSchema, nil); err != nil {
		return fmt.Errorf("sqlite log: creating schema: %w", err)
	}
	return nil
}

// Close closes the connection pool, blocking until borrowed
// connections are returned.
func (l *SQLiteLog) Close() error {
	if err := l.pool.Close(); err != nil {
		return fmt.Errorf("sqlite log: closing %s: %w", l.path, err)
	}
	return nil
}

// SaveMessage durably records one message for a context key.
func (l *SQLiteLog) SaveMessage(ctx context.Context, key string, msg conversation.Message) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite log: save message: %w", err)
	}
	defer l.pool.Put(conn)

	var attachmentsJSON any
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("sqlite log: marshal attachments: %w", err)
		}
		attachmentsJSON = string(data)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO messages
			(context_key, role, content, author_id, author_name, timestamp, attachments)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				key,
				string(msg.Role),
				msg.Content,
				msg.AuthorID,
				msg.AuthorName,
				msg.Timestamp.UnixMilli(),
				attachmentsJSON,
			},
		})
	if err != nil {
		return fmt.Errorf("sqlite log: insert message: %w", err)
	}
	return nil
}

// LoadContexts returns messages with timestamp >= since, grouped by
// context key: the maxContexts most recently active keys, each with
// its most recent maxPerContext messages ordered oldest first.
func (l *SQLiteLog) LoadContexts(ctx context.Context, since time.Time, maxContexts, maxPerContext int) (map[string][]conversation.Message, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite log: load contexts: %w", err)
	}
	defer l.pool.Put(conn)

	sinceMillis := since.UnixMilli()

	var keys []string
	err = sqlitex.Execute(conn,
		`SELECT context_key, MAX(timestamp) AS last
			FROM messages WHERE timestamp >= ?
			GROUP BY context_key ORDER BY last DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{sinceMillis, maxContexts},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite log: select contexts: %w", err)
	}

	contexts := make(map[string][]conversation.Message, len(keys))
	for _, key := range keys {
		msgs, err := l.loadContext(conn, key, sinceMillis, maxPerContext)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			contexts[key] = msgs
		}
	}
	return contexts, nil
}

// loadContext reads one key's recent messages. The query walks
// newest-first so LIMIT retains the most recent maxPerContext rows;
// the result is reversed into oldest-first order.
func (l *SQLiteLog) loadContext(conn *sqlite.Conn, key string, sinceMillis int64, maxPerContext int) ([]conversation.Message, error) {
	var msgs []conversation.Message
	err := sqlitex.Execute(conn,
		`SELECT role, content, author_id, author_name, timestamp, attachments
			FROM messages WHERE context_key = ? AND timestamp >= ?
			ORDER BY timestamp DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{key, sinceMillis, maxPerContext},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				msg, err := scanMessage(stmt)
				if err != nil {
					return err
				}
				msgs = append(msgs, msg)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("sqlite log: load context %s: %w", key, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessage(stmt *sqlite.Stmt) (conversation.Message, error) {
	msg := conversation.Message{
		Role:       conversation.Role(stmt.ColumnText(0)),
		Content:    stmt.ColumnText(1),
		AuthorID:   stmt.ColumnText(2),
		AuthorName: stmt.ColumnText(3),
		Timestamp:  time.UnixMilli(stmt.ColumnInt64(4)),
	}

	if !stmt.ColumnIsNull(5) {
		attachmentsJSON := stmt.ColumnText(5)
		if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
			return msg, fmt.Errorf("sqlite log: unmarshal attachments: %w", err)
		}
	}
	return msg, nil
}

// PruneMessages deletes records older than before.
func (l *SQLiteLog) PruneMessages(ctx context.Context, before time.Time) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("sqlite log: prune: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM messages WHERE timestamp < ?",
		&sqlitex.ExecOptions{
			Args: []any{before.UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("sqlite log: prune: %w", err)
	}

	if changes := conn.Changes(); changes > 0 {
		l.logger.Info("pruned stale messages",
			slog.Int("removed", changes),
			slog.String("path", l.path),
		)
	}
	return nil
}
