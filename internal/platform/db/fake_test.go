package db

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var errFakeDown = errors.New("connection refused")

// fakeBackend records executed statements and fails on demand.
type fakeBackend struct {
	mu      sync.Mutex
	execErr error
	pingErr error
	execs   []string
	args    [][]any
	closed  bool
	// block, when set, is received from before Exec returns.
	block chan struct{}
}

func (f *fakeBackend) setExecErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErr = err
}

func (f *fakeBackend) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.execs)
}

func (f *fakeBackend) lastArgs() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.args) == 0 {
		return nil
	}
	return f.args[len(f.args)-1]
}

func (f *fakeBackend) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return pgconn.CommandTag{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeBackend) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by fake")
}

func (f *fakeBackend) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: pgx.ErrNoRows}
}

func (f *fakeBackend) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("transactions not supported by fake")
}

func (f *fakeBackend) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeBackend) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(dest ...any) error { return r.err }
