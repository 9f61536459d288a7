package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/google/uuid"
)

// InMemoryManager grants leases inside one process
type InMemoryManager struct {
	mu     sync.Mutex
	leases map[string]held
	now    func() time.Time
}

type held struct {
	token     uuid.UUID
	expiresAt time.Time
}

// NewInMemoryManager creates an empty manager
func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		leases: make(map[string]held),
		now:    time.Now,
	}
}

// Acquire grants key unless a live lease holds it
func (m *InMemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (entitysync.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if h, ok := m.leases[key]; ok && now.Before(h.expiresAt) {
		return nil, fmt.Errorf("%w: %s", entitysync.ErrLeaseNotAcquired, key)
	}
	token := uuid.New()
	m.leases[key] = held{token: token, expiresAt: now.Add(ttl)}
	return &memoryLease{manager: m, key: key, token: token}, nil
}

// Held returns the number of live leases
func (m *InMemoryManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := m.now()
	for _, h := range m.leases {
		if now.Before(h.expiresAt) {
			n++
		}
	}
	return n
}

type memoryLease struct {
	manager *InMemoryManager
	key     string
	token   uuid.UUID
}

// Release drops the lease if it is still ours; a lease taken over after expiry is left alone
func (l *memoryLease) Release(context.Context) error {
	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()
	if h, ok := l.manager.leases[l.key]; ok && h.token == l.token {
		delete(l.manager.leases, l.key)
	}
	return nil
}

var _ entitysync.LeaseManager = (*InMemoryManager)(nil)
