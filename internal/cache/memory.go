package cache

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/i2y/toolgate/internal/domain"
)

type memoryItem struct {
	key       string
	entry     domain.CacheEntry
	expiresAt time.Time
}

// MemoryStore is a thread-safe LRU store with per-entry TTLs.
type MemoryStore struct {
	mu           sync.Mutex
	capacity     int
	items        map[string]*list.Element
	evictionList *list.List
	leases       map[string]memoryLease
	tokens       uint64
	now          func() time.Time
}

// NewMemoryStore creates an LRU store holding at most capacity entries.
func NewMemoryStore(capacity int, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{
		capacity:     capacity,
		items:        make(map[string]*list.Element, capacity),
		evictionList: list.New(),
		leases:       make(map[string]memoryLease),
		now:          now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (domain.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, found := s.items[fingerprint]
	if !found {
		return domain.CacheEntry{}, ErrMiss
	}
	item := elem.Value.(*memoryItem)
	if !s.now().Before(item.expiresAt) {
		s.removeElement(elem)
		return domain.CacheEntry{}, ErrMiss
	}
	s.evictionList.MoveToFront(elem)
	return item.entry, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, entry domain.CacheEntry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.now().Add(ttl)
	if elem, found := s.items[entry.Fingerprint]; found {
		s.evictionList.MoveToFront(elem)
		item := elem.Value.(*memoryItem)
		item.entry = entry
		item.expiresAt = expiresAt
		return nil
	}

	elem := s.evictionList.PushFront(&memoryItem{key: entry.Fingerprint, entry: entry, expiresAt: expiresAt})
	s.items[entry.Fingerprint] = elem
	if s.evictionList.Len() > s.capacity {
		if oldest := s.evictionList.Back(); oldest != nil {
			s.removeElement(oldest)
		}
	}
	return nil
}

type memoryLease struct {
	token string
	until time.Time
}

// Lease implements Store.
func (s *MemoryStore) Lease(_ context.Context, fingerprint string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if l, held := s.leases[fingerprint]; held && now.Before(l.until) {
		return "", false, nil
	}
	s.tokens++
	token := strconv.FormatUint(s.tokens, 10)
	s.leases[fingerprint] = memoryLease{token: token, until: now.Add(ttl)}
	return token, true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, fingerprint, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, held := s.leases[fingerprint]; held && l.token == token {
		delete(s.leases, fingerprint)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictionList.Len()
}

// CleanupExpired removes expired entries and leases. It returns the number of
// entries removed.
func (s *MemoryStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	var next *list.Element
	for elem := s.evictionList.Back(); elem != nil; elem = next {
		next = elem.Prev()
		if !now.Before(elem.Value.(*memoryItem).expiresAt) {
			s.removeElement(elem)
			removed++
		}
	}
	for fp, l := range s.leases {
		if !now.Before(l.until) {
			delete(s.leases, fp)
		}
	}
	return removed
}

func (s *MemoryStore) removeElement(elem *list.Element) {
	s.evictionList.Remove(elem)
	delete(s.items, elem.Value.(*memoryItem).key)
}
