package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "ssk_testkey", zap.NewNop())
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message, "code": code},
	})
}

func TestRequestsCarryBearerKey(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeData(w, http.StatusOK, wire.HeartbeatResponse{})
	})

	_, err := c.Heartbeat(context.Background(), wire.HeartbeatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer ssk_testkey", gotAuth)
}

func TestClaimReturnsNilOnEmptyQueue(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agent/jobs/claim", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	resp, err := c.Claim(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestClaimDecodesJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, wire.ClaimResponse{
			Job:           wire.JobDescriptor{GUID: "job-1", Tool: "photostats"},
			SigningSecret: "c2VjcmV0",
		})
	})

	resp, err := c.Claim(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "job-1", resp.Job.GUID)
	assert.Equal(t, "c2VjcmV0", resp.SigningSecret)
}

func TestRevokedResponseClassifies(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusForbidden, "agent_revoked", "agent was revoked by an operator")
	})

	_, err := c.Claim(context.Background())
	var revoked *AgentRevokedError
	require.ErrorAs(t, err, &revoked)
	assert.Contains(t, revoked.Message, "revoked")
}

func TestPlainForbiddenIsApiError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusForbidden, "", "path not authorized")
	})

	_, err := c.Claim(context.Background())
	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestUnauthorizedIsAuthenticationError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusUnauthorized, "", "unknown API key")
	})

	_, err := c.Heartbeat(context.Background(), wire.HeartbeatRequest{})
	var authErr *AuthenticationError
	assert.ErrorAs(t, err, &authErr)
}

func TestBadSignatureStaysApiError(t *testing.T) {
	// bad_signature rides on a 401 but is a result-attestation failure,
	// not a key problem: the agent must retry, not exit.
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusUnauthorized, "bad_signature", "result signature mismatch")
	})

	_, err := c.Complete(context.Background(), "job-1", wire.CompleteRequest{})
	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bad_signature", apiErr.Code)
}

func TestTransportFailureIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	c := New(srv.URL, "ssk_testkey", zap.NewNop())

	_, err := c.Claim(context.Background())
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestUploadChunksAndCommits(t *testing.T) {
	data := make([]byte, chunkSize+1024) // forces two chunks
	for i := range data {
		data[i] = byte(i)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	var (
		assembled []byte
		seqs      []int
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agent/uploads":
			var req wire.ChunkStartRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, wire.UploadKindResult, req.Kind)
			assert.Equal(t, int64(len(data)), req.TotalSize)
			assert.Equal(t, digest, req.SHA256)
			writeData(w, http.StatusCreated, wire.ChunkStartResponse{UploadGUID: "up-1"})
		case "/api/v1/agent/uploads/append":
			var req wire.ChunkAppendRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "up-1", req.UploadGUID)
			seqs = append(seqs, req.Seq)
			assembled = append(assembled, req.Data...)
			writeData(w, http.StatusOK, wire.ChunkAppendResponse{ReceivedBytes: int64(len(assembled))})
		case "/api/v1/agent/uploads/commit":
			sum := sha256.Sum256(assembled)
			writeData(w, http.StatusOK, wire.ChunkCommitResponse{
				Size:   int64(len(assembled)),
				SHA256: hex.EncodeToString(sum[:]),
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	guid, gotDigest, err := c.Upload(context.Background(), wire.UploadKindResult, "job-1", data)
	require.NoError(t, err)
	assert.Equal(t, "up-1", guid)
	assert.Equal(t, digest, gotDigest)
	assert.Equal(t, []int{0, 1}, seqs)
	assert.Equal(t, data, assembled)
}

func TestUploadRejectsServerDigestMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/agent/uploads":
			writeData(w, http.StatusCreated, wire.ChunkStartResponse{UploadGUID: "up-1"})
		case "/api/v1/agent/uploads/append":
			writeData(w, http.StatusOK, wire.ChunkAppendResponse{})
		case "/api/v1/agent/uploads/commit":
			writeData(w, http.StatusOK, wire.ChunkCommitResponse{SHA256: "0000"})
		}
	})

	_, _, err := c.Upload(context.Background(), wire.UploadKindReport, "job-1", []byte("<html>"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestDownloadReleaseReturnsChecksumHeader(t *testing.T) {
	body := []byte{0x7f, 'E', 'L', 'F'}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agent/releases/1.2.0/linux", r.URL.Path)
		w.Header().Set("X-Checksum", "abc123")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})

	got, checksum, err := c.DownloadRelease(context.Background(), "1.2.0", "linux")
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.Equal(t, "abc123", checksum)
}

func TestDownloadReleaseClassifiesErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "release_not_found", "no artifact for darwin")
	})

	_, _, err := c.DownloadRelease(context.Background(), "1.2.0", "darwin")
	var apiErr *ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "release_not_found", apiErr.Code)
}

func TestErrorStrings(t *testing.T) {
	assert.Equal(t, "client: agent revoked: gone", (&AgentRevokedError{Message: "gone"}).Error())
	apiErr := &ApiError{Status: 409, Code: "secret_lost", Message: "secret evicted"}
	assert.Equal(t, "client: server returned 409 (secret_lost): secret evicted", apiErr.Error())
	toolErr := &ToolExecutionError{Tool: "photostats", Err: fmt.Errorf("walk failed")}
	assert.Equal(t, "tool photostats failed: walk failed", toolErr.Error())
}
