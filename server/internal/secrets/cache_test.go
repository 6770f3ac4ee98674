package secrets

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCachePutGetDelete(t *testing.T) {
	c := NewCache(zap.NewNop())
	jobID := uuid.New()
	secret := []byte("0123456789abcdef0123456789abcdef")

	_, ok := c.Get(jobID)
	assert.False(t, ok, "empty cache should miss")

	c.Put(jobID, secret)
	got, ok := c.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, secret, got)

	c.Delete(jobID)
	_, ok = c.Get(jobID)
	assert.False(t, ok, "deleted entry should miss")
	assert.Equal(t, 0, c.Len())
}

func TestCacheCopiesOnPutAndGet(t *testing.T) {
	c := NewCache(zap.NewNop())
	jobID := uuid.New()

	secret := []byte("original-secret-material-32bytes")
	c.Put(jobID, secret)

	// Mutating the caller's slice must not reach the cache.
	secret[0] = 'X'
	got, ok := c.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, byte('o'), got[0])

	// Mutating the returned slice must not reach the cache either.
	got[1] = 'Y'
	again, ok := c.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, byte('r'), again[1])
}

func TestCachePutReplacesExisting(t *testing.T) {
	c := NewCache(zap.NewNop())
	jobID := uuid.New()

	c.Put(jobID, []byte("first"))
	c.Put(jobID, []byte("second"))

	got, ok := c.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)
	assert.Equal(t, 1, c.Len())
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache(zap.NewNop())

	ids := make([]uuid.UUID, 32)
	for i := range ids {
		ids[i] = uuid.New()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			c.Put(id, []byte(id.String()))
			if got, ok := c.Get(id); ok {
				assert.Equal(t, []byte(id.String()), got)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, len(ids), c.Len())
}
