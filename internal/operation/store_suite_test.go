package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the Store contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		s := newStore(t)
		op, err := s.Create(ctx, "LTAVRLS_REQ_1_aaaaaaaa", KindEncrypt, "VRL-URA-OFFENQ-D1-1")
		require.NoError(t, err)
		assert.Equal(t, KindEncrypt, op.Kind)
		assert.False(t, op.CreatedAt.IsZero())

		found, err := s.FindByOperationID(ctx, "LTAVRLS_REQ_1_aaaaaaaa")
		require.NoError(t, err)
		assert.Equal(t, "VRL-URA-OFFENQ-D1-1", found.FileName)
		assert.Equal(t, KindEncrypt, found.Kind)
		assert.False(t, found.HasToken())
	})

	t.Run("duplicate create", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "dup", KindDecrypt, "a")
		require.NoError(t, err)
		_, err = s.Create(ctx, "dup", KindDecrypt, "b")
		assert.ErrorIs(t, err, ErrAlreadyExists)

		found, err := s.FindByOperationID(ctx, "dup")
		require.NoError(t, err)
		assert.Equal(t, "a", found.FileName)
		ops, err := s.ListCreatedBefore(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Len(t, ops, 1)
	})

	t.Run("invalid create", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "", KindEncrypt, "a")
		assert.Error(t, err)
		_, err = s.Create(ctx, "x", Kind("SIGN"), "a")
		assert.Error(t, err)
		_, err = s.Create(ctx, "x", KindEncrypt, "")
		assert.Error(t, err)
	})

	t.Run("find missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByOperationID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("token is claimed once", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "tok", KindEncrypt, "f")
		require.NoError(t, err)

		require.NoError(t, s.SetToken(ctx, "tok", "t-1"))
		assert.ErrorIs(t, s.SetToken(ctx, "tok", "t-2"), ErrTokenAlreadySet)
		assert.ErrorIs(t, s.SetToken(ctx, "missing", "t-3"), ErrNotFound)

		found, err := s.FindByOperationID(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, "t-1", found.Token)
	})

	t.Run("concurrent claims", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "race", KindDecrypt, "f")
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if s.SetToken(ctx, "race", fmt.Sprintf("t-%d", i)) == nil {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "del", KindEncrypt, "f")
		require.NoError(t, err)

		deleted, err := s.Delete(ctx, "del")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.Delete(ctx, "del")
		require.NoError(t, err)
		assert.False(t, deleted)

		deleted, err = s.Delete(ctx, "never-existed")
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = s.FindByOperationID(ctx, "del")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.True(t, errors.Is(s.SetToken(ctx, "del", "t"), ErrNotFound))
	})

	t.Run("list created before", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, "old", KindEncrypt, "f")
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
		cutoff := time.Now()
		time.Sleep(20 * time.Millisecond)
		_, err = s.Create(ctx, "new", KindEncrypt, "f")
		require.NoError(t, err)

		ops, err := s.ListCreatedBefore(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, "old", ops[0].ID)
	})
}
