package sqlbatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore implements MetadataStore, KeyScanner and UserIndexer in
// process memory. It uses a single mutex for thread-safety and is suitable
// for testing and single-process deployments.
type InMemoryStore struct {
	mu     sync.RWMutex
	hashes map[int]map[string]map[string]string // index -> key -> field -> value
	users  map[string][]string                  // owner -> job IDs in insertion order
	closed bool
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		hashes: make(map[int]map[string]map[string]string),
		users:  make(map[string][]string),
	}
}

// Close closes the store and prevents further operations.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WriteFields sets fields of the hash at key.
func (s *InMemoryStore) WriteFields(ctx context.Context, index int, key string, fields map[string]string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	db, ok := s.hashes[index]
	if !ok {
		db = make(map[string]map[string]string)
		s.hashes[index] = db
	}
	hash, ok := db[key]
	if !ok {
		hash = make(map[string]string, len(fields))
		db[key] = hash
	}
	for field, value := range fields {
		hash[field] = value
	}
	return nil
}

// SwapFields sets fields of the hash at key if field equals expect.
func (s *InMemoryStore) SwapFields(ctx context.Context, index int, key, field, expect string, fields map[string]string) (bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return false, err
	}
	hash := s.hashes[index][key]
	if current, ok := hash[field]; !ok || current != expect {
		return false, nil
	}
	for f, value := range fields {
		hash[f] = value
	}
	return true, nil
}

// ReadFields returns the named fields of the hash at key.
func (s *InMemoryStore) ReadFields(ctx context.Context, index int, key string, names []string) ([]*string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	values := make([]*string, len(names))
	hash := s.hashes[index][key]
	for i, name := range names {
		if v, ok := hash[name]; ok {
			values[i] = &v
		}
	}
	return values, nil
}

// ScanKeys returns the keys in index starting with prefix, sorted.
func (s *InMemoryStore) ScanKeys(ctx context.Context, index int, prefix string) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	for key := range s.hashes[index] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Add records jobID for owner.
func (s *InMemoryStore) Add(ctx context.Context, owner string, jobID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(); err != nil {
		return err
	}
	for _, existing := range s.users[owner] {
		if existing == jobID {
			return nil
		}
	}
	s.users[owner] = append(s.users[owner], jobID)
	return nil
}

// List returns the job IDs recorded for owner in insertion order.
func (s *InMemoryStore) List(ctx context.Context, owner string) ([]string, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpenLocked(); err != nil {
		return nil, err
	}
	return copyStringSlice(s.users[owner]), nil
}

func (s *InMemoryStore) ensureOpenLocked() error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func copyStringSlice(src []string) []string {
	if src == nil {
		return []string{}
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
