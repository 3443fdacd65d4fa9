package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store.
//
// Thread-safe: uses RWMutex for concurrent access. Used in unit tests and when
// LAKESIDE_OBJECT_STORE=memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory bucket.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()

	if !ok {
		return nil, wrapError(CodeObjectNotFound, false, key, fmt.Errorf("no such key"))
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put implements Store. The object becomes visible only after r is drained.
func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader) error {
	if key == "" {
		return wrapError(CodeWriteFailed, false, key, fmt.Errorf("object key is required"))
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, contextReader{ctx: ctx, r: r}); err != nil {
		return wrapError(CodeWriteFailed, true, key, err)
	}

	s.mu.Lock()
	s.objects[key] = buf.Bytes()
	s.mu.Unlock()

	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)

	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()

	return nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Exists reports whether key is stored.
func (s *MemoryStore) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.objects[key]

	return ok
}

// Bytes returns a copy of the object at key, or nil.
func (s *MemoryStore) Bytes(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[key]
	if !ok {
		return nil
	}

	return bytes.Clone(data)
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.objects)
}

// MemoryOpener returns an Opener handing out one MemoryStore per bucket name.
func MemoryOpener() Opener {
	var mu sync.Mutex

	buckets := make(map[string]*MemoryStore)

	return func(_ context.Context, bucket string) (Store, error) {
		mu.Lock()
		defer mu.Unlock()

		store, ok := buckets[bucket]
		if !ok {
			store = NewMemoryStore()
			buckets[bucket] = store
		}

		return store, nil
	}
}

// contextReader stops reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}
