package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/martinemde/warden/policy"
)

// HTTPClient talks to a governance backend over JSON/HTTP. It implements
// Registrar, HistoryStore, ArtifactStore and Telemetry.
//
//	POST /v1/sessions                       handshake
//	POST /v1/sessions/{id}/resume           refreshed snapshot
//	PUT  /v1/sessions/{id}/thread           thread snapshot (overwrite)
//	POST /v1/sessions/{id}/artifacts        artifact body, returns {"ref"}
//	POST /v1/audit                          audit event
type HTTPClient struct {
	base   *url.URL
	token  string
	http   *http.Client
	logger *slog.Logger
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithToken sends a bearer token on every request.
func WithToken(token string) HTTPOption {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.http = hc }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(c *HTTPClient) { c.logger = logger }
}

// NewHTTPClient returns a client for the backend at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", baseURL)
	}
	c := &HTTPClient{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// statusError carries a non-2xx response.
type statusError struct {
	Status  int
	Message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// Unwrap classifies the status: server errors and throttling are
// ErrUnavailable, everything else is ErrRejected.
func (e *statusError) Unwrap() error {
	if e.Status >= 500 || e.Status == http.StatusTooManyRequests {
		return ErrUnavailable
	}
	return ErrRejected
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	endpoint := c.base.String() + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("backend request failed", "method", method, "path", path, "status", resp.StatusCode)
		return &statusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(data), out)
}

func (c *HTTPClient) Handshake(ctx context.Context, req HandshakeRequest) (*Handshake, error) {
	var h Handshake
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", req, &h); err != nil {
		return nil, err
	}
	if h.Snapshot == nil {
		return nil, fmt.Errorf("%w: handshake response has no snapshot", ErrRejected)
	}
	return &h, nil
}

func (c *HTTPClient) Resume(ctx context.Context, sessionID string, cursor int) (*policy.Snapshot, error) {
	var snap policy.Snapshot
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/resume"
	if err := c.doJSON(ctx, http.MethodPost, path, map[string]int{"cursor": cursor}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *HTTPClient) PutThread(ctx context.Context, snap ThreadSnapshot) error {
	path := "/v1/sessions/" + url.PathEscape(snap.SessionID) + "/thread"
	return c.doJSON(ctx, http.MethodPut, path, snap, nil)
}

func (c *HTTPClient) PutArtifact(ctx context.Context, a Artifact) (string, error) {
	q := url.Values{}
	q.Set("task_id", a.TaskID)
	q.Set("call_id", a.CallID)
	q.Set("name", a.Name)
	path := "/v1/sessions/" + url.PathEscape(a.SessionID) + "/artifacts?" + q.Encode()

	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := c.do(ctx, http.MethodPost, path, contentType, bytes.NewReader(a.Data), &out); err != nil {
		return "", err
	}
	if out.Ref == "" {
		return "", fmt.Errorf("%w: artifact response has no ref", ErrRejected)
	}
	return out.Ref, nil
}

// PutAudit posts ev.
func (c *HTTPClient) PutAudit(ctx context.Context, ev AuditEvent) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/audit", ev, nil)
}

// Record posts ev and logs failures; audit delivery never fails the caller.
// It blocks for the round trip, so the engine wraps it in AsyncTelemetry.
func (c *HTTPClient) Record(ctx context.Context, ev AuditEvent) {
	if err := c.PutAudit(ctx, ev); err != nil {
		c.logger.Warn("audit event dropped", "kind", ev.Kind, "error", err)
	}
}

// String identifies the backend in logs.
func (c *HTTPClient) String() string {
	return "http(" + c.base.Host + ")"
}
