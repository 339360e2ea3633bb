package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
)

type dedupState int

const (
	dedupProcessing dedupState = iota
	dedupDone
)

type dedupRecord struct {
	state     dedupState
	expiresAt time.Time
}

// DedupStore — in-memory реализация DedupStore для одного экземпляра потребителя.
// Просроченные записи не видны сразу, а физически удаляются через DeleteExpired.
type DedupStore struct {
	mu    sync.Mutex
	items map[string]dedupRecord
	now   func() time.Time
}

// NewDedupStore создаёт пустое хранилище ключей дедупликации.
func NewDedupStore() *DedupStore {
	return &DedupStore{
		items: make(map[string]dedupRecord),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *DedupStore) Claim(_ context.Context, key string, ttl time.Duration) (domain.ClaimResult, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ClaimBusy, domain.ErrDedupKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.items[key]; ok && existing.expiresAt.After(now) {
		if existing.state == dedupDone {
			return domain.ClaimDuplicate, nil
		}
		return domain.ClaimBusy, nil
	}

	s.items[key] = dedupRecord{state: dedupProcessing, expiresAt: now.Add(ttl)}
	return domain.ClaimAcquired, nil
}

func (s *DedupStore) MarkDone(_ context.Context, key string, ttl time.Duration) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrDedupKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = dedupRecord{state: dedupDone, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *DedupStore) Release(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrDedupKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[key]; ok && existing.state == dedupProcessing {
		delete(s.items, key)
	}
	return nil
}

// DeleteExpired удаляет записи с истёкшим сроком, не более limit за вызов (0 без ограничения).
func (s *DedupStore) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, record := range s.items {
		if record.expiresAt.After(before) {
			continue
		}

		delete(s.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}

	return removed, nil
}

// Len возвращает число хранимых записей, включая просроченные.
func (s *DedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

var _ domain.DedupStore = (*DedupStore)(nil)
