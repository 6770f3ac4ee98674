// Package client is the agent's HTTP client for the ShutterSense server.
// Every endpoint the agent talks to goes through this package so error
// classification happens in exactly one place: transport failures become
// ConnectionError, 401 becomes AuthenticationError, a 403 carrying the
// agent_revoked code becomes AgentRevokedError, and everything else
// becomes ApiError with the envelope's machine code attached.
package client

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second

	// chunkSize keeps each append request comfortably under the server's
	// per-request body limit.
	chunkSize = 4 << 20
)

// Client talks to one ShutterSense server with one API key. Safe for
// concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a Client. baseURL is the server origin without a trailing
// slash, e.g. "https://sense.example.com". apiKey may be empty for the
// registration call only.
func New(baseURL, apiKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  logger.Named("client"),
	}
}

// envelope mirrors the server's response wrapper.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// do performs one JSON request. A nil out skips body decoding. Returns
// (status, error); a nil error means a 2xx response.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("client: marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
	if err != nil {
		return 0, fmt.Errorf("client: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, &ConnectionError{Err: err}
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
		return resp.StatusCode, fmt.Errorf("client: malformed response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return resp.StatusCode, classify(resp.StatusCode, env)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("client: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// classify maps an error response to the agent error taxonomy.
func classify(status int, env apiEnvelope) error {
	msg := http.StatusText(status)
	code := ""
	if env.Error != nil {
		if env.Error.Message != "" {
			msg = env.Error.Message
		}
		code = env.Error.Code
	}

	switch {
	case status == http.StatusForbidden && code == "agent_revoked":
		return &AgentRevokedError{Message: msg}
	case status == http.StatusUnauthorized && code != "bad_signature":
		return &AuthenticationError{Message: msg}
	default:
		return &ApiError{Status: status, Code: code, Message: msg}
	}
}

// ─── Registration ────────────────────────────────────────────────────────────

// Register exchanges a single-use token for an agent identity and API
// key. Callable on a Client constructed with an empty key.
func (c *Client) Register(ctx context.Context, req wire.RegisterRequest) (wire.RegisterResponse, error) {
	var resp wire.RegisterResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/register", req, &resp)
	return resp, err
}

// ─── Heartbeat ───────────────────────────────────────────────────────────────

// Heartbeat posts one liveness beat and returns the drained pending
// commands plus the server's version verdict.
func (c *Client) Heartbeat(ctx context.Context, req wire.HeartbeatRequest) (wire.HeartbeatResponse, error) {
	var resp wire.HeartbeatResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/heartbeat", req, &resp)
	return resp, err
}

// ─── Jobs ────────────────────────────────────────────────────────────────────

// Claim asks for one due job. Returns nil when the queue has nothing
// for this agent (204).
func (c *Client) Claim(ctx context.Context) (*wire.ClaimResponse, error) {
	var resp wire.ClaimResponse
	status, err := c.do(ctx, http.MethodPost, "/agent/jobs/claim", nil, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &resp, nil
}

// JobConfig fetches the job-scoped configuration bundle.
func (c *Client) JobConfig(ctx context.Context, jobGUID string) (wire.JobConfig, error) {
	var resp wire.JobConfig
	_, err := c.do(ctx, http.MethodGet, "/agent/jobs/"+url.PathEscape(jobGUID)+"/config", nil, &resp)
	return resp, err
}

// Progress posts one advisory progress report.
func (c *Client) Progress(ctx context.Context, jobGUID string, req wire.ProgressRequest) error {
	_, err := c.do(ctx, http.MethodPost, "/agent/jobs/"+url.PathEscape(jobGUID)+"/progress", req, nil)
	return err
}

// InputState runs the dedup precheck for a job.
func (c *Client) InputState(ctx context.Context, jobGUID, hash string) (wire.InputStateResponse, error) {
	var resp wire.InputStateResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/jobs/"+url.PathEscape(jobGUID)+"/input-state",
		wire.InputStateRequest{InputStateHash: hash}, &resp)
	return resp, err
}

// Complete finishes a job with a signed result.
func (c *Client) Complete(ctx context.Context, jobGUID string, req wire.CompleteRequest) (wire.CompleteResponse, error) {
	var resp wire.CompleteResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/jobs/"+url.PathEscape(jobGUID)+"/complete", req, &resp)
	return resp, err
}

// OfflineUpload syncs one spooled offline result.
func (c *Client) OfflineUpload(ctx context.Context, req wire.OfflineUploadRequest) (wire.CompleteResponse, error) {
	var resp wire.CompleteResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/results/upload", req, &resp)
	return resp, err
}

// ─── Chunked upload ──────────────────────────────────────────────────────────

// Upload streams data through the chunked endpoints and returns the
// committed upload GUID and its SHA-256. Used for any payload over the
// inline limit and for every HTML report.
func (c *Client) Upload(ctx context.Context, kind wire.UploadKind, jobGUID string, data []byte) (string, string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	var start wire.ChunkStartResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/uploads", wire.ChunkStartRequest{
		Kind:      kind,
		JobGUID:   jobGUID,
		TotalSize: int64(len(data)),
		SHA256:    digest,
	}, &start)
	if err != nil {
		return "", "", err
	}

	for seq, off := 0, 0; off < len(data); seq, off = seq+1, off+chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		var ack wire.ChunkAppendResponse
		_, err := c.do(ctx, http.MethodPost, "/agent/uploads/append", wire.ChunkAppendRequest{
			UploadGUID: start.UploadGUID,
			Seq:        seq,
			Data:       data[off:end],
		}, &ack)
		if err != nil {
			return "", "", err
		}
	}

	var commit wire.ChunkCommitResponse
	_, err = c.do(ctx, http.MethodPost, "/agent/uploads/commit",
		wire.ChunkCommitRequest{UploadGUID: start.UploadGUID}, &commit)
	if err != nil {
		return "", "", err
	}
	if commit.SHA256 != digest {
		return "", "", fmt.Errorf("client: upload digest mismatch: sent %s, server assembled %s", digest, commit.SHA256)
	}
	return start.UploadGUID, digest, nil
}

// ─── Config, collections, cameras ────────────────────────────────────────────

// TeamConfig fetches the team's tool configuration snapshot.
func (c *Client) TeamConfig(ctx context.Context) (wire.TeamConfigResponse, error) {
	var resp wire.TeamConfigResponse
	_, err := c.do(ctx, http.MethodGet, "/agent/team/config", nil, &resp)
	return resp, err
}

// BoundCollections lists the collections bound to this agent.
func (c *Client) BoundCollections(ctx context.Context) (wire.BoundCollectionsResponse, error) {
	var resp wire.BoundCollectionsResponse
	_, err := c.do(ctx, http.MethodGet, "/agent/collections/bound", nil, &resp)
	return resp, err
}

// CamerasDiscover resolves up to wire.MaxCameraDiscoverBatch camera ids
// found in image metadata.
func (c *Client) CamerasDiscover(ctx context.Context, ids []string) (wire.CameraDiscoverResponse, error) {
	var resp wire.CameraDiscoverResponse
	_, err := c.do(ctx, http.MethodPost, "/agent/cameras/discover",
		wire.CameraDiscoverRequest{CameraIDs: ids}, &resp)
	return resp, err
}

// ─── Release download ────────────────────────────────────────────────────────

// DownloadRelease fetches the agent binary for a version/platform pair.
// Returns the body and the X-Checksum header; the caller must verify the
// digest before installing.
func (c *Client) DownloadRelease(ctx context.Context, version, platform string) ([]byte, string, error) {
	path := fmt.Sprintf("%s%s/agent/releases/%s/%s", c.baseURL, apiPrefix,
		url.PathEscape(version), url.PathEscape(platform))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("client: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var env apiEnvelope
		_ = json.Unmarshal(raw, &env)
		return nil, "", classify(resp.StatusCode, env)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &ConnectionError{Err: err}
	}
	return body, resp.Header.Get("X-Checksum"), nil
}
