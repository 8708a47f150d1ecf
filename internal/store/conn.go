// ABOUTME: Per-owner connection manager with lifecycle tracking and leak detection
// ABOUTME: Hands each worker a dedicated SQLite session, never shared across owners

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type ownerKey struct{}

// DefaultOwner is the connection owner used when the context carries none.
const DefaultOwner = "main"

// WithOwner returns a context whose store operations run on the dedicated
// connection of the named owner. Each concurrent worker should use its own
// owner name for its whole lifetime; connections are never handed between
// owners.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the connection owner carried by ctx, or DefaultOwner.
func OwnerFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(ownerKey{}).(string); ok && owner != "" {
		return owner
	}
	return DefaultOwner
}

const connOpenRetries = 4

// ConnManager owns one dedicated database session per owner, created lazily
// and tracked so they can be bulk-closed or reclaimed when an owner goes away.
type ConnManager struct {
	db            *sql.DB
	busyTimeout   time.Duration
	warnThreshold int
	logger        *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*sql.Conn
	closed bool
}

func newConnManager(db *sql.DB, opts Options, logger *slog.Logger) *ConnManager {
	warn := opts.WarnThreshold
	if warn <= 0 {
		warn = 8
	}
	return &ConnManager{
		db:            db,
		busyTimeout:   opts.BusyTimeout,
		warnThreshold: warn,
		logger:        logger,
		conns:         make(map[string]*sql.Conn),
	}
}

// Get returns the dedicated connection for the owner carried by ctx, opening
// and configuring one on first use. Subsequent calls from the same owner hit
// the read-locked fast path. Returns ErrClosed after CloseAll.
func (m *ConnManager) Get(ctx context.Context) (*sql.Conn, error) {
	owner := OwnerFromContext(ctx)

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	if conn, ok := m.conns[owner]; ok {
		m.mu.RUnlock()
		return conn, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if conn, ok := m.conns[owner]; ok {
		return conn, nil
	}

	conn, err := m.openConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening connection for %q: %w", owner, err)
	}
	m.conns[owner] = conn

	if n := len(m.conns); n > m.warnThreshold {
		m.logger.Warn("tracked connection count is high, possible leak",
			"count", n, "threshold", m.warnThreshold)
	}
	m.logger.Debug("opened connection", "owner", owner, "count", len(m.conns))
	return conn, nil
}

// openConn acquires a session and applies the per-connection pragmas. Opening
// a file-backed database can transiently fail under contention (e.g. another
// process mid-checkpoint), so creation retries a bounded number of times with
// short backoff before giving up.
func (m *ConnManager) openConn(ctx context.Context) (*sql.Conn, error) {
	var conn *sql.Conn

	op := func() error {
		c, err := m.db.Conn(ctx)
		if err != nil {
			return err
		}
		if _, err := c.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", m.busyTimeout.Milliseconds())); err != nil {
			c.Close()
			return fmt.Errorf("setting busy timeout: %w", err)
		}
		if _, err := c.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			c.Close()
			return fmt.Errorf("enabling foreign keys: %w", err)
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, connOpenRetries), ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

// CloseAll closes every tracked connection regardless of owner, clears the
// tracking map, and marks the manager closed. Idempotent.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for owner, conn := range m.conns {
		if err := conn.Close(); err != nil {
			m.logger.Warn("closing connection", "owner", owner, "error", err)
		}
	}
	m.conns = make(map[string]*sql.Conn)
	m.closed = true
	m.logger.Debug("closed all connections")
}

// CleanupStale closes and removes connections whose owner is no longer alive,
// returning the number removed. Workers can exit without explicit cleanup
// (e.g. pooled goroutines); left alone those sessions would eventually exhaust
// file handles.
func (m *ConnManager) CleanupStale(alive func(owner string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}

	removed := 0
	for owner, conn := range m.conns {
		if alive(owner) {
			continue
		}
		if err := conn.Close(); err != nil {
			m.logger.Warn("closing stale connection", "owner", owner, "error", err)
		}
		delete(m.conns, owner)
		removed++
	}
	if removed > 0 {
		m.logger.Info("reclaimed stale connections", "removed", removed, "remaining", len(m.conns))
	}
	return removed
}

// Count reports the number of currently tracked connections.
func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}
