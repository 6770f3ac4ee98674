package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/metrics"
)

const (
	// maxUploadSize caps one chunked upload session. HTML reports for
	// very large collections stay well under this.
	maxUploadSize = 256 << 20

	// uploadTTL is how long an idle session survives before the sweeper
	// reclaims it. Agents append chunks back to back, so an hour of
	// silence means the uploader is gone.
	uploadTTL = time.Hour
)

var (
	// ErrUploadNotFound is returned for unknown or expired sessions.
	ErrUploadNotFound = errors.New("ingest: upload session not found")

	// ErrUploadSequence is returned when a chunk arrives out of order.
	ErrUploadSequence = errors.New("ingest: chunk out of sequence")

	// ErrUploadTooLarge is returned when a session exceeds maxUploadSize.
	ErrUploadTooLarge = errors.New("ingest: upload exceeds size limit")

	// ErrUploadChecksum is returned at commit when the assembled bytes do
	// not hash to the digest announced at start.
	ErrUploadChecksum = errors.New("ingest: upload checksum mismatch")

	// ErrUploadNotCommitted is returned when a completion references an
	// upload session that was never committed.
	ErrUploadNotCommitted = errors.New("ingest: upload session not committed")
)

// uploadSession assembles one chunked payload in memory. Sessions are
// transient by design, like signing secrets: a server restart discards
// them and the agent re-uploads.
type uploadSession struct {
	id        uuid.UUID
	agentID   uuid.UUID
	kind      string
	jobGUID   string
	wantSize  int64
	wantSHA   string
	buf       bytes.Buffer
	nextSeq   int
	committed bool
	touchedAt time.Time
}

// uploadStore holds in-flight chunked upload sessions keyed by ID.
type uploadStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*uploadSession
}

func newUploadStore() *uploadStore {
	return &uploadStore{sessions: make(map[uuid.UUID]*uploadSession)}
}

// Start opens a session and returns its ID.
func (s *uploadStore) Start(agentID uuid.UUID, kind, jobGUID string, totalSize int64, sha string) (uuid.UUID, error) {
	if totalSize <= 0 || totalSize > maxUploadSize {
		return uuid.UUID{}, ErrUploadTooLarge
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("ingest: upload id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &uploadSession{
		id:        id,
		agentID:   agentID,
		kind:      kind,
		jobGUID:   jobGUID,
		wantSize:  totalSize,
		wantSHA:   sha,
		touchedAt: time.Now(),
	}
	metrics.UploadSessionsActive.Set(float64(len(s.sessions)))
	return id, nil
}

// Append adds one chunk. Chunks must arrive in order, from the agent
// that opened the session.
func (s *uploadStore) Append(agentID, id uuid.UUID, seq int, data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.agentID != agentID {
		return 0, ErrUploadNotFound
	}
	if sess.committed {
		return 0, ErrUploadSequence
	}
	if seq != sess.nextSeq {
		return 0, ErrUploadSequence
	}
	if int64(sess.buf.Len())+int64(len(data)) > sess.wantSize {
		return 0, ErrUploadTooLarge
	}
	sess.buf.Write(data)
	sess.nextSeq++
	sess.touchedAt = time.Now()
	return int64(sess.buf.Len()), nil
}

// Commit seals a session, verifying size and digest.
func (s *uploadStore) Commit(agentID, id uuid.UUID) (size int64, shaHex string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.agentID != agentID {
		return 0, "", ErrUploadNotFound
	}
	if int64(sess.buf.Len()) != sess.wantSize {
		return 0, "", ErrUploadChecksum
	}
	sum := sha256.Sum256(sess.buf.Bytes())
	shaHex = hex.EncodeToString(sum[:])
	if sess.wantSHA != "" && sess.wantSHA != shaHex {
		return 0, "", ErrUploadChecksum
	}
	sess.committed = true
	sess.touchedAt = time.Now()
	return int64(sess.buf.Len()), shaHex, nil
}

// Take removes a committed session and returns its assembled bytes.
// Called by the completion path when the payload references an upload.
func (s *uploadStore) Take(agentID, id uuid.UUID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || sess.agentID != agentID {
		return nil, ErrUploadNotFound
	}
	if !sess.committed {
		return nil, ErrUploadNotCommitted
	}
	delete(s.sessions, id)
	metrics.UploadSessionsActive.Set(float64(len(s.sessions)))
	return sess.buf.Bytes(), nil
}

// Sweep drops sessions idle past the TTL and returns how many were
// reclaimed.
func (s *uploadStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for id, sess := range s.sessions {
		if now.Sub(sess.touchedAt) > uploadTTL {
			delete(s.sessions, id)
			n++
		}
	}
	metrics.UploadSessionsActive.Set(float64(len(s.sessions)))
	return n
}
