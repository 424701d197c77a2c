package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/transfer"
)

// Future is the pending result of an awaited operation.
type Future struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result transfer.Result
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// OperationID returns the operation the future belongs to.
func (f *Future) OperationID() string {
	return f.id
}

// complete sets the result. Only the first call has an effect.
func (f *Future) complete(r transfer.Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the result is available or ctx ends.
func (f *Future) Await(ctx context.Context) (transfer.Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return transfer.Result{}, ctx.Err()
	}
}

// AwaitTimeout is Await with a deadline of d.
func (f *Future) AwaitTimeout(d time.Duration) (transfer.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return f.Await(ctx)
}
