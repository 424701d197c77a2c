package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Continuation runs once the operation's token has been claimed.
type Continuation func(ctx context.Context, token string)

// Continuations holds the work to run once an operation's token arrives.
// Take removes an entry before handing it out, so each continuation runs at
// most once.
type Continuations struct {
	m     sync.Map // id -> Continuation
	count atomic.Int64
}

// NewContinuations creates an empty continuation map.
func NewContinuations() *Continuations {
	return &Continuations{}
}

// Register stores fn for id.
func (c *Continuations) Register(id string, fn Continuation) error {
	if id == "" {
		return errors.New("continuation id is required")
	}
	if fn == nil {
		return errors.New("continuation func is required")
	}
	if _, loaded := c.m.LoadOrStore(id, fn); loaded {
		return fmt.Errorf("continuation already registered for %s", id)
	}
	c.count.Add(1)
	return nil
}

// Take removes and returns the continuation for id.
func (c *Continuations) Take(id string) (Continuation, bool) {
	v, ok := c.m.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	c.count.Add(-1)
	return v.(Continuation), true
}

// Remove drops the continuation for id without running it.
func (c *Continuations) Remove(id string) bool {
	_, ok := c.Take(id)
	return ok
}

// IsRegistered reports whether a continuation is waiting for id.
func (c *Continuations) IsRegistered(id string) bool {
	_, ok := c.m.Load(id)
	return ok
}

// Count returns the number of waiting continuations.
func (c *Continuations) Count() int {
	return int(c.count.Load())
}
