package hostapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/warden/agentloop"
	"github.com/martinemde/warden/approval"
	"github.com/martinemde/warden/backend"
	"github.com/martinemde/warden/checkpoint"
	"github.com/martinemde/warden/policy"
)

type fakeController struct {
	mu        sync.Mutex
	started   *backend.Handshake
	prompt    string
	opts      agentloop.TaskOptions
	decisions map[string]bool
	err       error
	events    chan agentloop.Notification
}

func newFakeController() *fakeController {
	return &fakeController{
		decisions: map[string]bool{},
		events:    make(chan agentloop.Notification, 8),
	}
}

func (f *fakeController) Start(_ context.Context, h *backend.Handshake) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = h
	return f.err
}

func (f *fakeController) StartTask(_ context.Context, prompt string, opts agentloop.TaskOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.prompt, f.opts = prompt, opts
	return "task-1", nil
}

func (f *fakeController) CancelTask() error                                    { return f.err }
func (f *fakeController) Resume(context.Context, *checkpoint.Checkpoint) error { return f.err }
func (f *fakeController) Shutdown(context.Context) error                       { return f.err }

func (f *fakeController) Status() agentloop.Status {
	return agentloop.Status{SessionID: "sess-1", SessionState: agentloop.SessionRunning}
}

func (f *fakeController) PendingChanges() []approval.Request {
	return []approval.Request{{ID: "appr-1", Tool: "write_file", Risk: policy.RiskHigh}}
}

func (f *fakeController) DecideApproval(id string, approved bool, _ string) error {
	if id != "appr-1" {
		return &agentloop.Error{Code: agentloop.CodeApprovalNotFound, Message: "no pending approval"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions[id] = approved
	return nil
}

func (f *fakeController) Subscribe() (<-chan agentloop.Notification, func()) {
	return f.events, func() {}
}

type fakeRegistrar struct {
	req backend.HandshakeRequest
	err error
}

func (r *fakeRegistrar) Handshake(_ context.Context, req backend.HandshakeRequest) (*backend.Handshake, error) {
	r.req = req
	if r.err != nil {
		return nil, r.err
	}
	return &backend.Handshake{SessionID: "sess-1", WorkspaceID: req.WorkspaceID}, nil
}

func (r *fakeRegistrar) Resume(context.Context, string, int) (*policy.Snapshot, error) {
	return nil, r.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestStartSession(t *testing.T) {
	ctl := newFakeController()
	reg := &fakeRegistrar{}
	srv := New(ctl, reg, WithClientVersion("1.2.3"), WithHostname("devbox"))

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/session", `{"workspace_id":"ws-1","workspace_root":"/src"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, "ws-1", reg.req.WorkspaceID)
	assert.Equal(t, "/src", reg.req.WorkspaceRoot)
	assert.Equal(t, "1.2.3", reg.req.ClientVersion)
	assert.Equal(t, "devbox", reg.req.Hostname)
	require.NotNil(t, ctl.started)
	assert.Equal(t, "sess-1", ctl.started.SessionID)

	var st agentloop.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "sess-1", st.SessionID)
}

func TestStartSessionRegistrarDown(t *testing.T) {
	reg := &fakeRegistrar{err: backend.ErrUnavailable}
	srv := New(newFakeController(), reg)

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/session", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, string(agentloop.CodeBackendUnavailable), e.Code)
	assert.True(t, e.Retryable)
}

func TestStartTask(t *testing.T) {
	ctl := newFakeController()
	srv := New(ctl, &fakeRegistrar{})

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/tasks",
		`{"prompt":"fix the build","max_steps":5,"allow_network":true,"approval_mode":"strict"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "task-1", resp.TaskID)
	assert.Equal(t, "fix the build", ctl.prompt)
	assert.Equal(t, agentloop.TaskOptions{MaxSteps: 5, AllowNetwork: true, ApprovalMode: policy.ApprovalModeStrict}, ctl.opts)
}

func TestStartTaskValidation(t *testing.T) {
	srv := New(newFakeController(), &fakeRegistrar{})
	for name, body := range map[string]string{
		"missing prompt": `{"max_steps":3}`,
		"bad mode":       `{"prompt":"x","approval_mode":"yolo"}`,
		"negative steps": `{"prompt":"x","max_steps":-1}`,
		"not json":       `prompt=x`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := do(t, srv.Handler(), http.MethodPost, "/v1/tasks", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(agentloop.CodeInvalidArgument), decodeError(t, rec).Code)
		})
	}
}

func TestControllerErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		code   agentloop.Code
		status int
	}{
		{agentloop.CodeNoSession, http.StatusNotFound},
		{agentloop.CodeTaskActive, http.StatusConflict},
		{agentloop.CodeInvalidState, http.StatusConflict},
		{agentloop.CodePolicyExpired, http.StatusUnprocessableEntity},
		{agentloop.CodeRecoveryFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			ctl := newFakeController()
			ctl.err = &agentloop.Error{Code: tt.code, Message: "nope", Details: map[string]any{"k": "v"}}
			srv := New(ctl, &fakeRegistrar{})

			rec := do(t, srv.Handler(), http.MethodPost, "/v1/tasks/cancel", "")
			require.Equal(t, tt.status, rec.Code)
			e := decodeError(t, rec)
			assert.Equal(t, string(tt.code), e.Code)
			assert.Equal(t, "nope", e.Message)
			assert.Equal(t, "v", e.Details["k"])
		})
	}
}

func TestApprovals(t *testing.T) {
	ctl := newFakeController()
	srv := New(ctl, &fakeRegistrar{})

	rec := do(t, srv.Handler(), http.MethodGet, "/v1/changes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var changes struct {
		Pending []approval.Request `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &changes))
	require.Len(t, changes.Pending, 1)
	assert.Equal(t, "appr-1", changes.Pending[0].ID)

	rec = do(t, srv.Handler(), http.MethodPost, "/v1/approvals/appr-1", `{"approved":false,"reason":"no"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, map[string]bool{"appr-1": false}, ctl.decisions)

	rec = do(t, srv.Handler(), http.MethodPost, "/v1/approvals/appr-9", `{"approved":true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv.Handler(), http.MethodPost, "/v1/approvals/appr-1", `{"reason":"missing"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("warden_steps_total 3\n"))
	})
	srv := New(newFakeController(), &fakeRegistrar{}, WithMetrics("/metrics", metrics))

	rec := do(t, srv.Handler(), http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session_state":"running"`)

	rec = do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warden_steps_total")

	rec = do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsStream(t *testing.T) {
	ctl := newFakeController()
	ts := httptest.NewServer(New(ctl, &fakeRegistrar{}).Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ctl.events <- agentloop.Notification{EventType: agentloop.EventTaskStarted, SessionID: "sess-1", TaskID: "task-1"}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var n agentloop.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, agentloop.EventTaskStarted, n.EventType)
	assert.Equal(t, "task-1", n.TaskID)

	close(ctl.events)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestEventsRejectsForeignOrigin(t *testing.T) {
	ts := httptest.NewServer(New(newFakeController(), &fakeRegistrar{}).Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEventsAllowsConfiguredOrigin(t *testing.T) {
	ctl := newFakeController()
	ts := httptest.NewServer(New(ctl, &fakeRegistrar{}, WithAllowedOrigins("http://localhost:5173")).Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://localhost:5173"}})
	require.NoError(t, err)
	conn.Close()

	req := httptest.NewRequest(http.MethodOptions, "/v1/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	New(ctl, &fakeRegistrar{}, WithAllowedOrigins("http://localhost:5173")).Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
