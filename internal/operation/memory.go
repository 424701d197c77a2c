package operation

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	mu      sync.Mutex
	op      Operation
	deleted bool
}

// MemoryStore keeps operations in process. Each entry carries its own lock,
// so operations on different IDs never contend.
type MemoryStore struct {
	entries sync.Map // id -> *memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, id string, kind Kind, fileName string) (*Operation, error) {
	if err := validateCreate(id, kind, fileName); err != nil {
		return nil, err
	}
	e := &memoryEntry{op: Operation{ID: id, Kind: kind, FileName: fileName, CreatedAt: s.now()}}
	if _, loaded := s.entries.LoadOrStore(id, e); loaded {
		return nil, ErrAlreadyExists
	}
	op := e.op
	return &op, nil
}

func (s *MemoryStore) load(id string) (*memoryEntry, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*memoryEntry), true
}

func (s *MemoryStore) FindByOperationID(_ context.Context, id string) (*Operation, error) {
	e, ok := s.load(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, ErrNotFound
	}
	op := e.op
	return &op, nil
}

func (s *MemoryStore) SetToken(_ context.Context, id, token string) error {
	e, ok := s.load(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return ErrNotFound
	}
	if e.op.Token != "" {
		return ErrTokenAlreadySet
	}
	e.op.Token = token
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	e, ok := s.load(id)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false, nil
	}
	e.deleted = true
	s.entries.CompareAndDelete(id, e)
	return true, nil
}

func (s *MemoryStore) ListCreatedBefore(_ context.Context, cutoff time.Time) ([]Operation, error) {
	var ops []Operation
	s.entries.Range(func(_, v any) bool {
		e := v.(*memoryEntry)
		e.mu.Lock()
		if !e.deleted && e.op.CreatedAt.Before(cutoff) {
			ops = append(ops, e.op)
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
	return ops, nil
}

// Len returns the number of live operations.
func (s *MemoryStore) Len() int {
	n := 0
	s.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
