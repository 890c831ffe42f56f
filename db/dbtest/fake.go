// Package dbtest provides transaction fakes for unit tests that exercise
// transactional services without a database. Repositories under test are
// expected to be fakes that ignore the tx they receive.
package dbtest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// FakePool hands out FakeTx values and remembers them in order.
type FakePool struct {
	mu       sync.Mutex
	Txs      []*FakeTx
	BeginErr error
}

func (f *FakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.BeginErr != nil {
		return nil, f.BeginErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := &FakeTx{}
	f.Txs = append(f.Txs, tx)
	return tx, nil
}

// Last returns the most recently started transaction.
func (f *FakePool) Last() *FakeTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Txs) == 0 {
		return nil
	}
	return f.Txs[len(f.Txs)-1]
}

// Committed counts committed transactions.
func (f *FakePool) Committed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, tx := range f.Txs {
		if tx.Committed {
			n++
		}
	}
	return n
}

// FakeTx records Commit/Rollback calls. Query methods are not implemented.
type FakeTx struct {
	Rolled    bool
	Committed bool
	CommitErr error
}

func (f *FakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("FakeTx does not support nested transactions")
}

func (f *FakeTx) Commit(context.Context) error {
	if f.CommitErr != nil {
		return f.CommitErr
	}
	f.Committed = true
	return nil
}

func (f *FakeTx) Rollback(context.Context) error {
	if !f.Committed {
		f.Rolled = true
	}
	return nil
}

func (f *FakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *FakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *FakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *FakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *FakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *FakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *FakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *FakeTx) Conn() *pgx.Conn {
	return nil
}
