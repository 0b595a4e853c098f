package db

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/kagan-sh/kagan-core/internal/kerrors"
)

// SessionFactory implements the ClosingAwareSessionFactory contract
// (spec §4.1): once marked closing, new sessions fail fast with
// RepositoryClosing so services degrade cleanly instead of deadlocking on
// a disposed engine.
type SessionFactory struct {
	database Database
	closing  atomic.Bool
	wg       sync.WaitGroup
}

// NewSessionFactory wraps an open Database.
func NewSessionFactory(database Database) *SessionFactory {
	return &SessionFactory{database: database}
}

// Session is a short-lived transactional scope handed out by the factory.
// Callers must call Commit or Rollback to release it.
type Session struct {
	tx      *sql.Tx
	factory *SessionFactory
}

// Session opens a new transactional scope, or returns RepositoryClosing if
// the factory has begun shutting down.
func (f *SessionFactory) Session(ctx context.Context) (*Session, error) {
	if f.closing.Load() {
		return nil, kerrors.ErrRepositoryClosing
	}
	f.wg.Add(1)
	tx, err := f.database.Conn().BeginTx(ctx, nil)
	if err != nil {
		f.wg.Done()
		return nil, err
	}
	return &Session{tx: tx, factory: f}, nil
}

// Tx exposes the underlying transaction for repository queries.
func (s *Session) Tx() *sql.Tx { return s.tx }

// Commit commits the transaction and releases the factory's drain count.
func (s *Session) Commit() error {
	defer s.factory.wg.Done()
	return s.tx.Commit()
}

// Rollback rolls back the transaction and releases the factory's drain count.
func (s *Session) Rollback() error {
	defer s.factory.wg.Done()
	return s.tx.Rollback()
}

// Close marks the factory closing, drains outstanding sessions, then
// disposes the underlying engine — the exact three-step sequence spec
// §4.1 requires.
func (f *SessionFactory) Close() error {
	f.closing.Store(true)
	f.wg.Wait()
	return f.database.Close()
}

// Closing reports whether the factory has begun shutting down.
func (f *SessionFactory) Closing() bool {
	return f.closing.Load()
}
