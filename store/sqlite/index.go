// Package sqlite implements the router's ThreadIndex on pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quayrun/quay"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures an Index.
type Option func(*Index)

// WithLogger sets a structured logger. Without one the index is silent.
func WithLogger(l *slog.Logger) Option {
	return func(x *Index) { x.logger = l }
}

// Index is a durable thread-key → agent-id mapping scoped per user. The
// empty user id is the global scope.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ quay.ThreadIndex = (*Index)(nil)

// Open creates an Index on the SQLite file at dbPath. A single shared
// connection serializes all goroutines through one writer, eliminating
// SQLITE_BUSY from concurrent binds.
func Open(dbPath string, opts ...Option) (*Index, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	x := &Index{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(x)
	}
	return x, nil
}

// Init creates the threads table.
func (x *Index) Init(ctx context.Context) error {
	_, err := x.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS threads (
		user_id    TEXT NOT NULL,
		thread_key TEXT NOT NULL,
		agent_id   TEXT NOT NULL,
		bound_at   INTEGER NOT NULL,
		PRIMARY KEY (user_id, thread_key)
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: init: %w", err)
	}
	return nil
}

// Lookup returns the agent id bound to (userID, threadKey), if any.
func (x *Index) Lookup(ctx context.Context, userID, threadKey string) (string, bool, error) {
	var agentID string
	err := x.db.QueryRowContext(ctx,
		`SELECT agent_id FROM threads WHERE user_id = ? AND thread_key = ?`,
		userID, threadKey).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: lookup thread: %w", err)
	}
	return agentID, true, nil
}

// Bind records (userID, threadKey) → agentID, replacing any stale binding.
func (x *Index) Bind(ctx context.Context, userID, threadKey, agentID string) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT INTO threads (user_id, thread_key, agent_id, bound_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, thread_key) DO UPDATE SET agent_id = excluded.agent_id, bound_at = excluded.bound_at`,
		userID, threadKey, agentID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: bind thread: %w", err)
	}
	x.logger.Debug("thread bound", "user", userID, "thread", threadKey, "agent", agentID)
	return nil
}

// Unbind removes a binding. Unknown keys are a no-op.
func (x *Index) Unbind(ctx context.Context, userID, threadKey string) error {
	_, err := x.db.ExecContext(ctx,
		`DELETE FROM threads WHERE user_id = ? AND thread_key = ?`, userID, threadKey)
	if err != nil {
		return fmt.Errorf("sqlite: unbind thread: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (x *Index) Close() error { return x.db.Close() }
