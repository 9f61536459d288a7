package lease

import (
	"context"
	"testing"
	"time"

	"github.com/erp/syncbridge/internal/domain/entitysync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryManager(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryManager()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	key := entitysync.LeaseKey(entitysync.EntityTypeCustomer, entitysync.SideA, "crm-1")

	first, err := m.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Held())

	_, err = m.Acquire(ctx, key, 30*time.Second)
	assert.ErrorIs(t, err, entitysync.ErrLeaseNotAcquired)

	other, err := m.Acquire(ctx, entitysync.LeaseKey(entitysync.EntityTypeCustomer, entitysync.SideB, "crm-1"), 30*time.Second)
	require.NoError(t, err, "the other side is a different key")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, first.Release(ctx))
	again, err := m.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)

	t.Run("expired lease can be taken over", func(t *testing.T) {
		now = now.Add(31 * time.Second)
		assert.Equal(t, 0, m.Held())
		taker, err := m.Acquire(ctx, key, 30*time.Second)
		require.NoError(t, err)

		// the stale holder's release must not free the new holder
		require.NoError(t, again.Release(ctx))
		_, err = m.Acquire(ctx, key, 30*time.Second)
		assert.ErrorIs(t, err, entitysync.ErrLeaseNotAcquired)
		require.NoError(t, taker.Release(ctx))
	})
}

func TestNewManager(t *testing.T) {
	m := NewManager(nil, nil)
	assert.IsType(t, &InMemoryManager{}, m)
}
