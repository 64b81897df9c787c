package eventhub

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActiveConn wraps a database connection with a liveness probe and a
// re-entrant "active context" scope. The Python original keyed the scope's
// depth counter off threading.local(); a goroutine has no equivalent, so
// the depth lives on the context.Context passed through active_context
// call chains instead (see activeScopeDepth below) — entering at depth 0
// performs the real acquisition, every nested entry is a no-op, and only
// the matching depth 1→0 exit releases the underlying scope.
type ActiveConn struct {
	pool *pgxpool.Pool
}

// NewActiveConn wraps pool. pool is the only connection variant this
// library supports — spec §4.1's single-connection variant is provided
// separately for the Listener's dedicated LISTEN socket (see listener.go),
// which cannot share a pool.
func NewActiveConn(pool *pgxpool.Pool) *ActiveConn {
	return &ActiveConn{pool: pool}
}

// Ping executes SELECT 1 and reports whether it succeeded. Satisfies
// httpx.HealthChecker.
func (c *ActiveConn) Ping(ctx context.Context) error {
	var probe int
	if err := c.pool.QueryRow(ctx, "SELECT 1").Scan(&probe); err != nil {
		return fmt.Errorf("eventhub: liveness probe failed: %w", err)
	}
	return nil
}

// IsActive reports whether Ping currently succeeds.
func (c *ActiveConn) IsActive(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// ActiveConnect acquires a connection from the pool and probes it. A pooled
// connection that fails its probe is discarded (pgxpool re-dials on next
// Acquire), matching the original's "close and re-open exactly once, then
// re-probe" contract — pgxpool.Pool.Acquire already returns a distinct
// physical connection after a Destroy, so a single retry suffices.
func (c *ActiveConn) ActiveConnect(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventhub: acquire connection: %w", err)
	}
	if err := conn.Ping(ctx); err == nil {
		return conn, nil
	}
	conn.Conn().Close(ctx)
	conn.Release()

	conn, err = c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("eventhub: acquire connection after reconnect: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Release()
		return nil, fmt.Errorf("eventhub: connection still inactive after reconnect: %w", err)
	}
	return conn, nil
}

// CleanIfInactive discards a broken connection and empties idle pool
// members when the pool is unhealthy, reporting whether a cleanup
// occurred.
func (c *ActiveConn) CleanIfInactive(ctx context.Context) bool {
	if c.IsActive(ctx) {
		return false
	}
	c.pool.Reset()
	return true
}

type activeScopeDepthKey struct{}

// ActiveContext enters the re-entrant active-connection scope. The
// returned context carries the scope depth for any nested ActiveContext
// calls made with it; the returned release func must be deferred by the
// caller. Entering at depth 0 acquires a pooled connection and stores it
// on the context for §4.3–§4.8 operations to retrieve via ConnFromContext;
// a nested call at depth ≥1 is a no-op that shares the outer connection.
func (c *ActiveConn) ActiveContext(ctx context.Context) (context.Context, func(), error) {
	depth, _ := ctx.Value(activeScopeDepthKey{}).(*int)
	if depth != nil {
		*depth++
		return ctx, func() { *depth-- }, nil
	}

	conn, err := c.ActiveConnect(ctx)
	if err != nil {
		return ctx, func() {}, err
	}

	d := new(int)
	*d = 1
	next := context.WithValue(ctx, activeScopeDepthKey{}, d)
	next = context.WithValue(next, activeConnKey{}, conn)

	release := func() {
		*d--
		if *d == 0 {
			conn.Release()
		}
	}
	return next, release, nil
}

type activeConnKey struct{}

// ConnFromContext returns the pooled connection placed by ActiveContext,
// if this context is inside an active scope.
func ConnFromContext(ctx context.Context) (*pgxpool.Conn, bool) {
	conn, ok := ctx.Value(activeConnKey{}).(*pgxpool.Conn)
	return conn, ok
}

// errNoRows re-exports pgx.ErrNoRows so callers of this package never need
// to import pgx directly to compare against it.
var errNoRows = pgx.ErrNoRows

func isNoRows(err error) bool {
	return errors.Is(err, errNoRows)
}
