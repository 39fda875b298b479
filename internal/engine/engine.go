// Package engine runs assembled statements asynchronously with progress
// reporting, cancellation and bounded retries.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sorgu/internal/qerror"
	"sorgu/internal/sqlgen"
)

// State is an execution's lifecycle phase. Terminal states are final: a
// finished execution never transitions again.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Pool hands out database connections. The SQL adapter implements it; tests
// substitute fakes.
type Pool interface {
	Acquire(ctx context.Context, databaseID string) (Conn, error)
}

// Conn is one leased connection. Release must be idempotent: both the
// worker and the reclaim watchdog may call it.
type Conn interface {
	Query(ctx context.Context, sql string, args ...interface{}) (RowStream, error)
	Release()
}

// RowStream yields result rows. Next returns io.EOF when drained.
type RowStream interface {
	Columns() []string
	Next() ([]interface{}, error)
	Close() error
}

// Request describes one submission.
type Request struct {
	DatabaseID string
	Statement  *sqlgen.Statement
	// ExpectedRows drives row-based progress; 0 falls back to time-based.
	ExpectedRows int64
	Timeout      time.Duration
}

// Result is the drained row set.
type Result struct {
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	RowCount int             `json:"row_count"`
	Duration time.Duration   `json:"duration"`
}

// Execution is the tracked state of one submitted query.
type Execution struct {
	ID         string
	DatabaseID string
	SQL        string

	mu        sync.Mutex
	state     State
	progress  float64
	result    *Result
	err       error
	startedAt time.Time
	doneAt    time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Snapshot is the externally visible view of an execution.
type Snapshot struct {
	ID       string  `json:"id"`
	State    State   `json:"state"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
}

func (e *Execution) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{ID: e.ID, State: e.state, Progress: e.progress}
	if e.err != nil {
		s.Error = e.err.Error()
	}
	return s
}

// Result returns the row set once the execution completed.
func (e *Execution) Result() (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateCompleted:
		return e.result, nil
	case StateFailed, StateCancelled:
		return nil, e.err
	default:
		return nil, qerror.New(qerror.KindExecutionError, "execution still in flight")
	}
}

// Done closes when the execution reaches a terminal state.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Options tune the engine. Zero values take the defaults below.
type Options struct {
	BatchSize      int           // rows read between cancellation checks
	GracePeriod    time.Duration // cancel grace before forced reclaim
	RetryAttempts  int           // connection acquisition attempts
	RetryBackoff   time.Duration // base backoff, doubled per attempt
	DefaultTimeout time.Duration
	ResultTTL      time.Duration // terminal executions kept this long
}

func (o *Options) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 200 * time.Millisecond
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = 10 * time.Minute
	}
}

// OutcomeFunc observes terminal transitions, for feeding the learning
// store.
type OutcomeFunc func(exec *Execution, state State)

// Engine owns all in-flight executions.
type Engine struct {
	pool    Pool
	opts    Options
	logger  *slog.Logger
	outcome OutcomeFunc

	mu    sync.Mutex
	execs map[string]*Execution

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

func New(pool Pool, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	opts.withDefaults()
	e := &Engine{
		pool:        pool,
		opts:        opts,
		logger:      logger,
		execs:       make(map[string]*Execution),
		stopCleanup: make(chan struct{}),
	}
	go e.cleanupLoop()
	return e
}

// OnOutcome registers the terminal-state observer. Call before Submit.
func (e *Engine) OnOutcome(fn OutcomeFunc) { e.outcome = fn }

// Submit enqueues a statement and returns immediately.
func (e *Engine) Submit(req Request) *Execution {
	if req.Timeout <= 0 {
		req.Timeout = e.opts.DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	exec := &Execution{
		ID:         uuid.NewString(),
		DatabaseID: req.DatabaseID,
		SQL:        req.Statement.SQL,
		state:      StateQueued,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	e.execs[exec.ID] = exec
	e.mu.Unlock()

	go e.run(ctx, exec, req)
	return exec
}

// Get returns a tracked execution by id.
func (e *Engine) Get(id string) (*Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.execs[id]
	return exec, ok
}

// Cancel requests cooperative cancellation. The worker notices at the next
// batch boundary; the grace timer reclaims the connection if it does not.
func (e *Engine) Cancel(id string) error {
	exec, ok := e.Get(id)
	if !ok {
		return qerror.New(qerror.KindExecutionError, "unknown execution", id)
	}
	exec.mu.Lock()
	if exec.state.Terminal() {
		exec.mu.Unlock()
		return nil
	}
	exec.mu.Unlock()
	exec.cancel()
	return nil
}

// Close stops background cleanup. In-flight executions finish on their own.
func (e *Engine) Close() {
	e.cleanupOnce.Do(func() { close(e.stopCleanup) })
}

func (e *Engine) run(ctx context.Context, exec *Execution, req Request) {
	ctx, cancelTimeout := context.WithTimeout(ctx, req.Timeout)
	defer cancelTimeout()

	start := time.Now()
	exec.mu.Lock()
	exec.state = StateRunning
	exec.startedAt = start
	exec.mu.Unlock()

	conn, err := e.acquireWithRetry(ctx, req.DatabaseID)
	if err != nil {
		e.finish(exec, classify(ctx, err), nil)
		return
	}

	released := make(chan struct{})
	defer func() {
		conn.Release()
		close(released)
	}()

	// Forced reclaim: if the driver ignores context cancellation past the
	// grace period, the lease is taken back anyway.
	go e.reclaimAfterGrace(ctx, exec, conn, released)

	stream, err := conn.Query(ctx, req.Statement.SQL, req.Statement.Args...)
	if err != nil {
		e.finish(exec, classify(ctx, err), nil)
		return
	}
	defer stream.Close()

	result := &Result{Columns: stream.Columns()}
	for {
		if ctx.Err() != nil {
			e.finish(exec, classify(ctx, ctx.Err()), nil)
			return
		}
		batched, err := e.readBatch(stream, result)
		e.updateProgress(exec, req, int64(result.RowCount), start)
		if err != nil {
			e.finish(exec, classify(ctx, err), nil)
			return
		}
		if !batched {
			break
		}
	}

	result.Duration = time.Since(start)
	e.finish(exec, nil, result)
}

// readBatch drains up to BatchSize rows. Returns false once the stream is
// exhausted.
func (e *Engine) readBatch(stream RowStream, result *Result) (bool, error) {
	for i := 0; i < e.opts.BatchSize; i++ {
		row, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		result.Rows = append(result.Rows, row)
		result.RowCount++
	}
	return true, nil
}

// updateProgress reports rows/expected when an estimate exists, otherwise
// elapsed time against the timeout. Pre-terminal progress never reaches 1.
func (e *Engine) updateProgress(exec *Execution, req Request, rows int64, start time.Time) {
	var p float64
	if req.ExpectedRows > 0 {
		p = float64(rows) / float64(req.ExpectedRows)
	} else {
		p = float64(time.Since(start)) / float64(req.Timeout)
	}
	if p > 0.98 {
		p = 0.98
	}
	exec.mu.Lock()
	if p > exec.progress && !exec.state.Terminal() {
		exec.progress = p
	}
	exec.mu.Unlock()
}

func (e *Engine) acquireWithRetry(ctx context.Context, databaseID string) (Conn, error) {
	backoff := e.opts.RetryBackoff
	var lastErr error
	for attempt := 0; attempt < e.opts.RetryAttempts; attempt++ {
		conn, err := e.pool.Acquire(ctx, databaseID)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !qerror.Retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		e.logger.Warn("connection retry",
			slog.String("database", databaseID),
			slog.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// reclaimAfterGrace forces the lease back if the worker holds it past the
// grace period after cancellation. A wedged driver never reaches the
// worker's defer, so the watchdog releases the connection itself and
// settles the execution; Conn.Release must tolerate the double call.
func (e *Engine) reclaimAfterGrace(ctx context.Context, exec *Execution, conn Conn, released chan struct{}) {
	select {
	case <-released:
		return
	case <-ctx.Done():
	}
	select {
	case <-released:
	case <-time.After(e.opts.GracePeriod):
		e.logger.Warn("connection not released within grace period, reclaiming",
			slog.String("execution", exec.ID),
			slog.Duration("grace", e.opts.GracePeriod))
		conn.Release()
		e.finish(exec, classify(ctx, ctx.Err()), nil)
	}
}

// finish moves the execution to its terminal state exactly once.
func (e *Engine) finish(exec *Execution, err error, result *Result) {
	exec.mu.Lock()
	if exec.state.Terminal() {
		exec.mu.Unlock()
		return
	}
	var state State
	switch {
	case err == nil:
		state = StateCompleted
		exec.result = result
		exec.progress = 1
	case qerror.KindOf(err) == qerror.KindExecutionCancelled:
		state = StateCancelled
		exec.err = err
	default:
		state = StateFailed
		exec.err = err
	}
	exec.state = state
	exec.doneAt = time.Now()
	exec.mu.Unlock()
	close(exec.done)

	e.logger.Info("execution finished",
		slog.String("id", exec.ID),
		slog.String("database", exec.DatabaseID),
		slog.String("state", string(state)))
	if e.outcome != nil {
		e.outcome(exec, state)
	}
}

// classify maps low-level failures to stable kinds. Context errors win so a
// cancelled query does not surface as a driver error.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return qerror.Wrap(qerror.KindExecutionTimeout, "query exceeded its time budget", err)
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		return qerror.Wrap(qerror.KindExecutionCancelled, "query cancelled", err)
	}
	var qe *qerror.Error
	if errors.As(err, &qe) {
		return err
	}
	return qerror.Wrap(qerror.KindExecutionError, "query failed", err)
}

func (e *Engine) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCleanup:
			return
		case <-ticker.C:
			e.sweep(time.Now())
		}
	}
}

// sweep drops terminal executions older than the TTL.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, exec := range e.execs {
		exec.mu.Lock()
		expired := exec.state.Terminal() && now.Sub(exec.doneAt) > e.opts.ResultTTL
		exec.mu.Unlock()
		if expired {
			delete(e.execs, id)
		}
	}
}
