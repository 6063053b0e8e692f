package progress

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// UpdateFunc computes the next value of a key from its current one. found is
// false when the key is missing. Returning write=false leaves the key as is.
// It may run more than once and must not call the Store.
type UpdateFunc func(old string, found bool) (next string, write bool, err error)

// Store is the key/value persistence behind a Tracker.
//
// Get returns ErrNotFound for a missing key. Clear removes a key and is a
// no-op when it does not exist. Keys lists keys with the given prefix in
// lexical order. Update is an atomic read-modify-write of one key, also
// across processes sharing the backend.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu sync.RWMutex
	kv map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kv: make(map[string]string)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.kv[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.kv, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]string, 0, len(s.kv))
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	old, found := s.kv[key]
	next, write, err := fn(old, found)
	if err != nil || !write {
		return err
	}
	s.kv[key] = next
	return nil
}

// scoped namespaces every key under one participant.
type scoped struct {
	inner  Store
	prefix string
}

// Scope returns a Store view whose keys live under participantID. Keys
// returned by the view have the namespace stripped.
func Scope(inner Store, participantID string) Store {
	return &scoped{inner: inner, prefix: scopePrefix(participantID)}
}

// scopePrefix length-prefixes the id so no participant's namespace is a
// prefix of another's, whatever characters the id contains.
func scopePrefix(participantID string) string {
	return "p:" + strconv.Itoa(len(participantID)) + ":" + participantID + ":"
}

func (s *scoped) Get(ctx context.Context, key string) (string, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *scoped) Set(ctx context.Context, key, value string) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *scoped) Clear(ctx context.Context, key string) error {
	return s.inner.Clear(ctx, s.prefix+key)
}

func (s *scoped) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return s.inner.Update(ctx, s.prefix+key, fn)
}

func (s *scoped) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.inner.Keys(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}
