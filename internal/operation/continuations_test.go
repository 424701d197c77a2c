package operation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContinuationsRegister(t *testing.T) {
	c := NewContinuations()

	tests := []struct {
		name    string
		id      string
		fn      Continuation
		wantErr bool
	}{
		{"valid", "op-1", func(context.Context, string) {}, false},
		{"duplicate", "op-1", func(context.Context, string) {}, true},
		{"empty id", "", func(context.Context, string) {}, true},
		{"nil func", "op-2", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Register(tt.id, tt.fn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
	assert.Equal(t, 1, c.Count())
	assert.True(t, c.IsRegistered("op-1"))
	assert.False(t, c.IsRegistered("op-2"))
}

func TestContinuationsTakeOnce(t *testing.T) {
	c := NewContinuations()
	var runs atomic.Int32
	require.NoError(t, c.Register("op", func(context.Context, string) { runs.Add(1) }))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if fn, ok := c.Take("op"); ok {
				fn(context.Background(), "token")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 0, c.Count())
	assert.False(t, c.IsRegistered("op"))
}

func TestContinuationsRemove(t *testing.T) {
	c := NewContinuations()
	require.NoError(t, c.Register("op", func(context.Context, string) { t.Fatal("removed continuation must not run") }))

	assert.True(t, c.Remove("op"))
	assert.False(t, c.Remove("op"))

	_, ok := c.Take("op")
	assert.False(t, ok)

	require.NoError(t, c.Register("op", func(context.Context, string) {}))
	assert.Equal(t, 1, c.Count())
}
