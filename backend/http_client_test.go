package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/warden/policy"
)

func TestHTTPClientHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req HandshakeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "w-1", req.WorkspaceID)
		_ = json.NewEncoder(w).Encode(Handshake{
			SessionID:   "s-9",
			WorkspaceID: "w-1",
			Snapshot: &policy.Snapshot{
				Version: "1", SchemaVersion: 1, SessionID: "s-9", WorkspaceID: "w-1",
				ExpiresAt: time.Now().Add(time.Hour),
			},
		})
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL+"/", WithToken("tok"))
	require.NoError(t, err)
	h, err := c.Handshake(context.Background(), HandshakeRequest{WorkspaceID: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, "s-9", h.SessionID)
	assert.Equal(t, "s-9", h.Snapshot.SessionID)
}

func TestHTTPClientStatusClassification(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", int(status.Load()))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL)
	require.NoError(t, err)

	_, err = c.Resume(context.Background(), "s-1", 0)
	assert.ErrorIs(t, err, ErrUnavailable)

	status.Store(http.StatusForbidden)
	_, err = c.Resume(context.Background(), "s-1", 0)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorContains(t, err, "nope")
}

func TestHTTPClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(url)
	require.NoError(t, err)
	err = c.PutThread(context.Background(), sampleThread("s-1", 1))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClientPutArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/s-1/artifacts", r.URL.Path)
		assert.Equal(t, "c-1", r.URL.Query().Get("call_id"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		_, _ = w.Write([]byte(`{"ref":"remote:1"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL)
	require.NoError(t, err)
	ref, err := c.PutArtifact(context.Background(), Artifact{SessionID: "s-1", CallID: "c-1", Data: []byte("payload")})
	require.NoError(t, err)
	assert.Equal(t, "remote:1", ref)
}

func TestHTTPClientRecordSwallowsErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL)
	require.NoError(t, err)
	c.Record(context.Background(), AuditEvent{Kind: AuditSession, SessionID: "s-1"})
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewHTTPClientRejectsBadURL(t *testing.T) {
	_, err := NewHTTPClient("not a url")
	assert.Error(t, err)
}
