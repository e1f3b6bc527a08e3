package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrSessionClosed is returned for use of a session after Close.
var ErrSessionClosed = errors.New("session closed")

// Session owns one pooled connection for the duration of a request. The
// connection is checked out on first use and returned by Close. Callers must
// close Rows before issuing the next statement.
type Session struct {
	db *sql.DB

	mu     sync.Mutex
	conn   *sql.Conn
	closed bool
}

var (
	_ QueryExecutor = (*Session)(nil)
	_ Beginner      = (*Session)(nil)
)

// NewSession creates a session over the pool.
func NewSession(db *sql.DB) *Session {
	return &Session{db: db}
}

func (s *Session) acquire(ctx context.Context) (*sql.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.conn != nil {
		return s.conn, nil
	}
	if s.db == nil {
		return nil, sql.ErrConnDone
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	s.conn = conn
	return conn, nil
}

func (s *Session) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn.QueryContext(ctx, query, args...)
}

func (s *Session) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn.ExecContext(ctx, query, args...)
}

// BeginTx starts a transaction on the session's connection.
func (s *Session) BeginTx(ctx context.Context) (TxExecutor, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

// Close returns the connection to the pool. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

type executorKey struct{}

// WithExecutor stores the request's executor.
func WithExecutor(ctx context.Context, exec QueryExecutor) context.Context {
	return context.WithValue(ctx, executorKey{}, exec)
}

// ExecutorFromContext returns the request's executor, or fallback.
func ExecutorFromContext(ctx context.Context, fallback QueryExecutor) QueryExecutor {
	if exec, ok := ctx.Value(executorKey{}).(QueryExecutor); ok && exec != nil {
		return exec
	}
	return fallback
}
