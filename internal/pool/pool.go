// Package pool leases database/sql connections to the execution engine.
// It sits between the driver handles the adapters open and the engine's
// Conn/RowStream contract, with a per-database cap so one heavy database
// cannot starve the rest.
package pool

import (
	"context"
	"database/sql"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	"sorgu/internal/engine"
	"sorgu/internal/qerror"
)

// SQLPool implements engine.Pool over database/sql handles.
type SQLPool struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	db  *sql.DB
	sem *semaphore.Weighted
}

func NewSQLPool() *SQLPool {
	return &SQLPool{entries: make(map[string]*entry)}
}

// Register adds a database handle. maxConns bounds concurrent leases;
// values below 1 default to 4.
func (p *SQLPool) Register(databaseID string, db *sql.DB, maxConns int64) {
	if maxConns < 1 {
		maxConns = 4
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[databaseID] = &entry{db: db, sem: semaphore.NewWeighted(maxConns)}
}

// Acquire implements engine.Pool. Unknown databases and saturated pools
// both surface as ConnectionUnavailable, which the engine retries.
func (p *SQLPool) Acquire(ctx context.Context, databaseID string) (engine.Conn, error) {
	p.mu.RLock()
	e, ok := p.entries[databaseID]
	p.mu.RUnlock()
	if !ok {
		return nil, qerror.New(qerror.KindConnectionUnavailable, "database not registered", databaseID)
	}

	if !e.sem.TryAcquire(1) {
		return nil, qerror.New(qerror.KindConnectionUnavailable, "connection pool saturated", databaseID)
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		e.sem.Release(1)
		return nil, qerror.Wrap(qerror.KindConnectionUnavailable, "database connection failed", err)
	}
	return &leasedConn{conn: conn, sem: e.sem}, nil
}

// Close closes every registered handle.
func (p *SQLPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, e := range p.entries {
		if err := e.db.Close(); err != nil && first == nil {
			first = err
		}
	}
	p.entries = make(map[string]*entry)
	return first
}

type leasedConn struct {
	conn *sql.Conn
	sem  *semaphore.Weighted
	once sync.Once
}

func (c *leasedConn) Query(ctx context.Context, query string, args ...interface{}) (engine.RowStream, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qerror.Wrap(qerror.KindExecutionError, "query failed", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, qerror.Wrap(qerror.KindExecutionError, "column metadata unreadable", err)
	}
	return &sqlRowStream{rows: rows, columns: cols}, nil
}

// Release is safe to call more than once; the worker and the reclaim
// watchdog may both reach it.
func (c *leasedConn) Release() {
	c.once.Do(func() {
		c.conn.Close()
		c.sem.Release(1)
	})
}

type sqlRowStream struct {
	rows    *sql.Rows
	columns []string
}

func (s *sqlRowStream) Columns() []string { return s.columns }

func (s *sqlRowStream) Next() ([]interface{}, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, qerror.Wrap(qerror.KindExecutionError, "row read failed", err)
		}
		return nil, io.EOF
	}
	values := make([]interface{}, len(s.columns))
	ptrs := make([]interface{}, len(s.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return nil, qerror.Wrap(qerror.KindExecutionError, "row scan failed", err)
	}
	// Drivers reuse byte buffers between rows; copy before handing out.
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

func (s *sqlRowStream) Close() error { return s.rows.Close() }
