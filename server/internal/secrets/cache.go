// Package secrets holds the in-memory cache of per-job signing secrets.
//
// When the dispatcher assigns a job it mints a fresh 32-byte secret, hands
// it to the agent exactly once inside the claim response, and caches the
// plaintext here keyed by job ID. Result ingestion reads the cache to
// recompute the HMAC over the submitted payload. Only the SHA-256 of the
// secret is persisted on the job row.
//
// All state is in-memory and intentionally non-persistent: a server
// restart forfeits every outstanding secret, and completions for jobs
// assigned before the restart are rejected and rewound to pending so the
// work is re-dispatched under a fresh secret.
package secrets

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cache maps job IDs to their plaintext signing secrets. It is safe for
// concurrent use by multiple goroutines (the claim and ingest paths run
// on separate request goroutines).
//
// The zero value is not usable — create instances with NewCache.
type Cache struct {
	mu      sync.RWMutex
	secrets map[uuid.UUID][]byte
	logger  *zap.Logger
}

// NewCache creates an empty secret cache.
func NewCache(logger *zap.Logger) *Cache {
	return &Cache{
		secrets: make(map[uuid.UUID][]byte),
		logger:  logger.Named("secrets"),
	}
}

// Put stores the secret for a job. If a secret is already cached for the
// same job (a re-dispatch after a rewind), the old entry is replaced.
// The cache keeps its own copy; the caller may reuse the slice.
func (c *Cache) Put(jobID uuid.UUID, secret []byte) {
	cp := make([]byte, len(secret))
	copy(cp, secret)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.secrets[jobID]; exists {
		c.logger.Warn("replacing cached signing secret",
			zap.String("job_id", jobID.String()),
		)
	}
	c.secrets[jobID] = cp
}

// Get returns the secret for a job without removing it. The second return
// is false when no secret is cached — either the job was never assigned
// by this process or the server restarted since assignment.
func (c *Cache) Get(jobID uuid.UUID) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	secret, ok := c.secrets[jobID]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(secret))
	copy(cp, secret)
	return cp, true
}

// Delete drops the secret for a job. Called when the assignment ends for
// any reason: successful completion, verification failure, cancellation,
// or agent revocation.
func (c *Cache) Delete(jobID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.secrets, jobID)
}

// Len returns the number of cached secrets, for metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.secrets)
}
