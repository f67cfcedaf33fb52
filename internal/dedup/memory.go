package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store whose entries expire after a TTL.
type MemoryStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryStore starts a background sweep every cleanupEvery. Call Close to
// stop it.
func NewMemoryStore(ttl, cleanupEvery time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultRetention
	}
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	s := &MemoryStore{
		store: make(map[string]time.Time),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go s.cleanup(cleanupEvery)
	return s
}

func (s *MemoryStore) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, exists := s.store[eventID]
	return exists && s.now().Before(expiry), nil
}

func (s *MemoryStore) Mark(ctx context.Context, eventID string) error {
	if eventID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[eventID] = s.now().Add(s.ttl)
	return nil
}

// Len reports how many ids are currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.store)
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.purgeExpired()
		}
	}
}

func (s *MemoryStore) purgeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, expiry := range s.store {
		if now.After(expiry) {
			delete(s.store, id)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
