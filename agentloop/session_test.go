package agentloop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/warden/backend"
	"github.com/martinemde/warden/checkpoint"
	"github.com/martinemde/warden/dispatch"
	"github.com/martinemde/warden/policy"
	"github.com/martinemde/warden/retry"
	"github.com/martinemde/warden/thread"
	"github.com/martinemde/warden/unifiedllm"
	"github.com/martinemde/warden/unifiedllm/llmtest"
)

const waitFor = 5 * time.Second

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRegistrar struct {
	mu      sync.Mutex
	issue   func() *policy.Snapshot
	err     error
	cursors []int
}

func (r *fakeRegistrar) Handshake(context.Context, backend.HandshakeRequest) (*backend.Handshake, error) {
	snap := r.issue()
	return &backend.Handshake{SessionID: snap.SessionID, WorkspaceID: snap.WorkspaceID, Snapshot: snap}, nil
}

func (r *fakeRegistrar) Resume(_ context.Context, _ string, cursor int) (*policy.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors = append(r.cursors, cursor)
	if r.err != nil {
		return nil, r.err
	}
	return r.issue(), nil
}

var testDefs = []dispatch.Definition{
	{Name: "read_file", Capability: policy.CapFileRead, Category: dispatch.CategoryFile, PathArgs: []string{"path"}},
	{Name: "write_file", Capability: policy.CapFileWrite, Category: dispatch.CategoryFile, PathArgs: []string{"path"}, ContentArg: "content"},
	{Name: "shell", Capability: policy.CapShellExec, Category: dispatch.CategoryExec, CommandArg: "command"},
}

type fakeHost struct {
	mu    sync.Mutex
	calls []dispatch.Invocation
	exec  func(ctx context.Context, inv dispatch.Invocation) (dispatch.HostResult, error)
}

func (h *fakeHost) Definitions(context.Context) ([]dispatch.Definition, error) { return testDefs, nil }

func (h *fakeHost) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.HostResult, error) {
	h.mu.Lock()
	h.calls = append(h.calls, inv)
	exec := h.exec
	h.mu.Unlock()
	if exec != nil {
		return exec(ctx, inv)
	}
	return dispatch.HostResult{Output: "ok:" + inv.CallID}, nil
}

func (h *fakeHost) executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, len(h.calls))
	for i, c := range h.calls {
		ids[i] = c.CallID
	}
	return ids
}

type recordingHistory struct {
	mu    sync.Mutex
	snaps []backend.ThreadSnapshot
}

func (r *recordingHistory) PutThread(_ context.Context, snap backend.ThreadSnapshot) error {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
	return nil
}

func (r *recordingHistory) pushes() []backend.ThreadSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]backend.ThreadSnapshot(nil), r.snaps...)
}

type harness struct {
	t         *testing.T
	clock     *clock
	root      string
	dir       string
	llm       *llmtest.Scripted
	host      *fakeHost
	history   *recordingHistory
	registrar *fakeRegistrar
	settings  Settings
	snap      *policy.Snapshot
	c         *Controller

	checkpoints func(sessionID string) (checkpoint.Store, error)

	mu     sync.Mutex
	events []Notification
}

func newHarness(t *testing.T, turns ...llmtest.Turn) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		root:    t.TempDir(),
		dir:     t.TempDir(),
		llm:     llmtest.New("scripted", turns...),
		host:    &fakeHost{},
		history: &recordingHistory{},
	}
	h.snap = h.issue()
	h.registrar = &fakeRegistrar{issue: h.issue}
	h.settings = Settings{
		Model:         "test-model",
		Provider:      "scripted",
		WorkspaceRoot: h.root,
	}
	return h
}

// issue builds a snapshot valid for an hour from the harness clock.
func (h *harness) issue() *policy.Snapshot {
	return &policy.Snapshot{
		Version:       "v1",
		SchemaVersion: policy.SchemaVersion,
		SessionID:     "sess-1",
		WorkspaceID:   "ws-1",
		WorkspaceRoot: h.root,
		IssuedAt:      h.clock.Now(),
		ExpiresAt:     h.clock.Now().Add(time.Hour),
		Grants: []policy.Grant{
			{Capability: policy.CapLLMCall},
			{Capability: policy.CapFileRead},
			{Capability: policy.CapFileWrite, RequiresApproval: true, ApprovalRule: "ask"},
			{Capability: policy.CapShellExec, Scope: policy.Scope{BlockCommands: []string{"rm"}}},
		},
		ApprovalRules: []policy.ApprovalRule{{ID: "ask", Risk: policy.RiskHigh}},
	}
}

func instantRetry() retry.Policy {
	p := retry.Default()
	p.MaxAttempts = 1
	p.Jitter = false
	p.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

func (h *harness) newController() *Controller {
	h.t.Helper()
	model := unifiedllm.NewModelClient(
		unifiedllm.NewClient(unifiedllm.WithProvider("scripted", h.llm)),
		unifiedllm.WithRetryPolicy(instantRetry()),
	)
	c, err := NewController(Deps{
		Registrar:     h.registrar,
		Model:         model,
		Host:          h.host,
		CheckpointDir: h.dir,
		Checkpoints:   h.checkpoints,
		History:       h.history,
		Now:           h.clock.Now,
	}, h.settings)
	require.NoError(h.t, err)

	ch, unsubscribe := c.Subscribe()
	go func() {
		for n := range ch {
			h.mu.Lock()
			h.events = append(h.events, n)
			h.mu.Unlock()
		}
	}()
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = c.Shutdown(ctx)
		unsubscribe()
	})
	h.c = c
	return c
}

// start creates the controller and opens the session.
func (h *harness) start() *Controller {
	h.t.Helper()
	c := h.newController()
	require.NoError(h.t, c.Start(context.Background(), &backend.Handshake{
		SessionID:   h.snap.SessionID,
		WorkspaceID: h.snap.WorkspaceID,
		Snapshot:    h.snap,
	}))
	return c
}

func (h *harness) run(prompt string, opts TaskOptions) *TaskStatus {
	h.t.Helper()
	id, err := h.c.StartTask(context.Background(), prompt, opts)
	require.NoError(h.t, err)
	return h.waitTask(id)
}

func (h *harness) waitTask(id string) *TaskStatus {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		st := h.c.Status()
		return st.Task == nil && st.LastTask != nil && st.LastTask.ID == id
	}, waitFor, 5*time.Millisecond)
	return h.c.Status().LastTask
}

func (h *harness) waitStatus(cond func(Status) bool) Status {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return cond(h.c.Status()) }, waitFor, 5*time.Millisecond)
	return h.c.Status()
}

func (h *harness) eventsOf(kind EventType) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Notification
	for _, n := range h.events {
		if n.EventType == kind {
			out = append(out, n)
		}
	}
	return out
}

func (h *harness) waitEvent(kind EventType) Notification {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.eventsOf(kind)) > 0 }, waitFor, 5*time.Millisecond)
	return h.eventsOf(kind)[0]
}

func toolMessages(msgs []thread.Message) []thread.Message {
	var out []thread.Message
	for _, m := range msgs {
		if m.Role == thread.RoleTool {
			out = append(out, m)
		}
	}
	return out
}

func TestTaskCompletesWithoutTools(t *testing.T) {
	h := newHarness(t, llmtest.Text("All done."))
	c := h.start()

	st := h.run("say hello", TaskOptions{})
	assert.Equal(t, TaskCompleted, st.State)
	assert.Equal(t, 0, st.StepCount)

	msgs := c.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, thread.RoleSystem, msgs[0].Role)
	assert.Equal(t, thread.RoleUser, msgs[1].Role)
	assert.Equal(t, "say hello", msgs[1].Content)
	assert.Equal(t, thread.RoleAssistant, msgs[2].Role)
	assert.Equal(t, "All done.", msgs[2].Content)

	pushes := h.history.pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, st.ID, pushes[0].TaskID)
	assert.Equal(t, string(TaskCompleted), pushes[0].State)
	assert.Len(t, pushes[0].Messages, 3)

	status := c.Status()
	assert.Equal(t, SessionRunning, status.SessionState)
	assert.Equal(t, 15, status.SessionTokens)
	h.waitEvent(EventTaskCompleted)
}

func TestMaxStepsStopsAfterExactlyThatManySteps(t *testing.T) {
	read := func(id string) llmtest.Turn {
		return llmtest.Tools(llmtest.Call(id, "read_file", map[string]any{"path": id + ".txt"}))
	}
	h := newHarness(t, read("c1"), read("c2"), read("c3"), read("c4"))
	h.start()

	st := h.run("read everything", TaskOptions{MaxSteps: 3})
	assert.Equal(t, TaskFailed, st.State)
	assert.Equal(t, FailMaxSteps, st.FailureReason)
	assert.Equal(t, 3, st.StepCount)
	assert.Equal(t, 3, h.llm.Calls())
	assert.Equal(t, []string{"c1", "c2", "c3"}, h.host.executed())

	failed := h.waitEvent(EventTaskFailed)
	assert.Equal(t, string(FailMaxSteps), failed.Data["reason"])
}

func TestDeniedCallIsReportedAndModelRecovers(t *testing.T) {
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "shell", map[string]any{"command": "rm -rf build"})),
		llmtest.Tools(llmtest.Call("c2", "shell", map[string]any{"command": "make clean"})),
		llmtest.Text("Cleaned."),
	)
	c := h.start()

	st := h.run("clean the build", TaskOptions{})
	assert.Equal(t, TaskCompleted, st.State)
	assert.Equal(t, 2, st.StepCount)
	assert.Equal(t, []string{"c2"}, h.host.executed())

	tools := toolMessages(c.Messages())
	require.Len(t, tools, 2)
	assert.Equal(t, "c1", tools[0].ToolCallID)
	assert.Equal(t, string(dispatch.StatusDenied), tools[0].Status)
	assert.True(t, strings.HasPrefix(tools[0].Content, "Permission denied"), tools[0].Content)
	assert.Equal(t, string(dispatch.StatusSucceeded), tools[1].Status)
	assert.Equal(t, "ok:c2", tools[1].Content)

	// The second request carries the denial back to the model.
	reqs := h.llm.Requests()
	require.Len(t, reqs, 3)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, unifiedllm.RoleTool, last.Role)
}

func TestApprovalTimeoutDeniesCall(t *testing.T) {
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "write_file", map[string]any{"path": "notes.md", "content": "hi"})),
		llmtest.Text("Could not write."),
	)
	h.settings.ApprovalTimeout = 50 * time.Millisecond
	c := h.start()

	st := h.run("write notes", TaskOptions{})
	assert.Equal(t, TaskCompleted, st.State)
	assert.Empty(t, h.host.executed())

	tools := toolMessages(c.Messages())
	require.Len(t, tools, 1)
	assert.Equal(t, string(dispatch.StatusDenied), tools[0].Status)
	assert.Contains(t, tools[0].Content, "timed out")

	requested := h.waitEvent(EventApprovalRequested)
	assert.Equal(t, "write_file", requested.Data["tool"])
	assert.Equal(t, string(policy.RiskHigh), requested.Data["risk"])
	resolved := h.waitEvent(EventApprovalResolved)
	assert.Equal(t, false, resolved.Data["approved"])
}

func TestApprovedCallRuns(t *testing.T) {
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "write_file", map[string]any{"path": "notes.md", "content": "hi"})),
		llmtest.Text("Written."),
	)
	c := h.start()

	id, err := c.StartTask(context.Background(), "write notes", TaskOptions{})
	require.NoError(t, err)

	st := h.waitStatus(func(s Status) bool { return s.PendingApprovals == 1 })
	require.NotNil(t, st.Task)
	assert.Equal(t, TaskWaitingForApproval, st.Task.State)

	pending := c.PendingChanges()
	require.Len(t, pending, 1)
	assert.Equal(t, "c1", pending[0].CallID)
	assert.Contains(t, pending[0].Targets, filepath.Join(h.c.session.root, "notes.md"))

	err = c.DecideApproval("nope", true, "")
	assert.Equal(t, CodeApprovalNotFound, CodeOf(err))
	require.NoError(t, c.DecideApproval(pending[0].ID, true, "looks fine"))

	final := h.waitTask(id)
	assert.Equal(t, TaskCompleted, final.State)
	assert.Equal(t, []string{"c1"}, h.host.executed())
}

func TestStrictModeAsksForEverything(t *testing.T) {
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "read_file", map[string]any{"path": "a.txt"})),
		llmtest.Text("done"),
	)
	c := h.start()

	id, err := c.StartTask(context.Background(), "read", TaskOptions{ApprovalMode: policy.ApprovalModeStrict})
	require.NoError(t, err)
	h.waitStatus(func(s Status) bool { return s.PendingApprovals == 1 })
	require.NoError(t, c.DecideApproval(c.PendingChanges()[0].ID, false, "not now"))

	h.waitTask(id)
	assert.Empty(t, h.host.executed())
	tools := toolMessages(c.Messages())
	require.Len(t, tools, 1)
	assert.Contains(t, tools[0].Content, "not now")
}

func TestHeadlessModeDeniesApprovals(t *testing.T) {
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "write_file", map[string]any{"path": "a.txt", "content": "x"})),
		llmtest.Text("done"),
	)
	h.settings.ApprovalMode = policy.ApprovalModeHeadless
	c := h.start()

	h.run("write", TaskOptions{})
	assert.Empty(t, h.host.executed())
	assert.Empty(t, h.eventsOf(EventApprovalRequested))
	tools := toolMessages(c.Messages())
	require.Len(t, tools, 1)
	assert.Contains(t, tools[0].Content, "headless")
}

func TestRecoveryResumesAfterLastCompletedStep(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "read_file", map[string]any{"path": "a.txt"})),
		llmtest.Tools(llmtest.Call("c2", "read_file", map[string]any{"path": "b.txt"})),
	)
	h.host.exec = func(ctx context.Context, inv dispatch.Invocation) (dispatch.HostResult, error) {
		if inv.CallID == "c2" {
			close(entered)
			<-release
		}
		return dispatch.HostResult{Output: "ok:" + inv.CallID}, nil
	}
	first := h.start()
	_, err := first.StartTask(context.Background(), "read both", TaskOptions{})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("second step never reached the tool host")
	}

	// Simulate a crash during step 2 by copying the checkpoint away.
	crashDir := t.TempDir()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(h.dir, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(crashDir, e.Name()), data, 0o600))
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, first.Shutdown(ctx))

	// A fresh process recovers from the copied checkpoint.
	h2 := newHarness(t, llmtest.Text("Both read."))
	h2.root = h.root
	h2.dir = crashDir
	h2.settings.WorkspaceRoot = h.root
	h2.registrar.issue = h2.issue
	c := h2.newController()

	recovered, err := c.Recover(context.Background())
	require.NoError(t, err)
	require.True(t, recovered)
	assert.Equal(t, []int{1}, h2.registrar.cursors)

	st := h2.waitStatus(func(s Status) bool { return s.Task == nil && s.LastTask != nil })
	assert.Equal(t, TaskCompleted, st.LastTask.State)
	assert.Equal(t, 1, st.LastTask.StepCount)
	assert.Empty(t, h2.host.executed(), "completed step must not run again")

	msgs := c.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "c1", msgs[3].ToolCallID)
	assert.Equal(t, "Both read.", msgs[4].Content)

	reqs := h2.llm.Requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Messages, 4)

	started := h2.waitEvent(EventTaskStarted)
	assert.Equal(t, true, started.Data["resumed"])
}

func TestRecoverWithoutCheckpoint(t *testing.T) {
	h := newHarness(t)
	c := h.newController()

	recovered, err := c.Recover(context.Background())
	require.NoError(t, err)
	assert.False(t, recovered)
	assert.Empty(t, c.Status().SessionID)
}

func TestRecoverCorruptCheckpoint(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.dir, "sess-1.ckpt"), []byte("not a checkpoint"), 0o600))
	c := h.newController()

	recovered, err := c.Recover(context.Background())
	require.Error(t, err)
	assert.False(t, recovered)
	assert.Equal(t, CodeRecoveryFailed, CodeOf(err))
	h.waitEvent(EventRecoveryFailed)

	ids, err := checkpoint.Discover(h.dir)
	require.NoError(t, err)
	assert.Empty(t, ids, "damaged checkpoint is discarded")
}

func TestCancelAbortsModelStream(t *testing.T) {
	h := newHarness(t, llmtest.Turn{Text: "thinking", Block: true})
	c := h.start()

	id, err := c.StartTask(context.Background(), "think hard", TaskOptions{})
	require.NoError(t, err)
	h.waitStatus(func(s Status) bool { return s.Task != nil && s.Task.State == TaskWaitingForModel })
	h.waitEvent(EventTextDelta)

	require.NoError(t, c.CancelTask())
	st := h.waitTask(id)
	assert.Equal(t, TaskCancelled, st.State)
	h.waitEvent(EventTaskCancelled)

	err = c.CancelTask()
	assert.Equal(t, CodeNoTask, CodeOf(err))
}

func TestCancelLetsRunningToolFinish(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "shell", map[string]any{"command": "make"})),
		llmtest.Text("never reached"),
	)
	h.host.exec = func(ctx context.Context, inv dispatch.Invocation) (dispatch.HostResult, error) {
		close(entered)
		<-release
		return dispatch.HostResult{Output: "built"}, nil
	}
	c := h.start()

	id, err := c.StartTask(context.Background(), "build", TaskOptions{})
	require.NoError(t, err)
	<-entered
	require.NoError(t, c.CancelTask())
	close(release)

	st := h.waitTask(id)
	assert.Equal(t, TaskCancelled, st.State)
	assert.Equal(t, 1, st.StepCount)
	assert.Equal(t, 1, h.llm.Calls())
	tools := toolMessages(c.Messages())
	require.Len(t, tools, 1)
	assert.Equal(t, "built", tools[0].Content)
}

// flakyStore fails the writes whose step cursor is in fail.
type flakyStore struct {
	checkpoint.Store
	fail map[int]bool

	mu      sync.Mutex
	cursors []int
	errs    []error
}

func (f *flakyStore) Write(cp *checkpoint.Checkpoint) error {
	var err error
	if f.fail[cp.StepCursor] {
		err = errors.New("disk full")
	} else {
		err = f.Store.Write(cp)
	}
	f.mu.Lock()
	f.cursors = append(f.cursors, cp.StepCursor)
	f.errs = append(f.errs, err)
	f.mu.Unlock()
	return err
}

func TestCheckpointWriteFailureIsRetriedNextStep(t *testing.T) {
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "read_file", map[string]any{"path": "a.txt"})),
		llmtest.Tools(llmtest.Call("c2", "read_file", map[string]any{"path": "b.txt"})),
		llmtest.Text("done"),
	)
	var store *flakyStore
	h.checkpoints = func(sessionID string) (checkpoint.Store, error) {
		fs, err := checkpoint.NewFileStore(h.dir, sessionID)
		if err != nil {
			return nil, err
		}
		store = &flakyStore{Store: fs, fail: map[int]bool{1: true}}
		return store, nil
	}
	h.start()

	st := h.run("read both", TaskOptions{})
	assert.Equal(t, TaskCompleted, st.State)
	assert.Equal(t, 2, st.StepCount)
	assert.Equal(t, []string{"c1", "c2"}, h.host.executed())

	store.mu.Lock()
	cursors, errs := store.cursors, store.errs
	store.mu.Unlock()
	require.Contains(t, cursors, 1)
	require.Contains(t, cursors, 2)
	for i, cursor := range cursors {
		if cursor == 1 {
			assert.Error(t, errs[i])
		} else {
			assert.NoError(t, errs[i], "write at cursor %d", cursor)
		}
	}

	cp, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cp.StepCursor)
	assert.Len(t, toolMessages(cp.Messages), 2)
}

func TestExpiredPolicyPausesUntilResume(t *testing.T) {
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "read_file", map[string]any{"path": "a.txt"})),
		llmtest.Text("done"),
	)
	h.host.exec = func(ctx context.Context, inv dispatch.Invocation) (dispatch.HostResult, error) {
		h.clock.Advance(2 * time.Hour)
		return dispatch.HostResult{Output: "ok"}, nil
	}
	c := h.start()

	id, err := c.StartTask(context.Background(), "read", TaskOptions{})
	require.NoError(t, err)

	st := h.waitStatus(func(s Status) bool { return s.SessionState == SessionPaused })
	assert.Equal(t, "policy_expired", st.PauseReason)
	require.NotNil(t, st.Task)
	assert.True(t, st.Task.Suspended)
	assert.Equal(t, 1, st.Task.StepCount)
	assert.Equal(t, 1, h.llm.Calls())
	h.waitEvent(EventPolicyExpired)
	h.waitEvent(EventSessionPaused)

	_, err = c.StartTask(context.Background(), "another", TaskOptions{})
	assert.Equal(t, CodeInvalidState, CodeOf(err))

	require.NoError(t, c.Resume(context.Background(), nil))
	final := h.waitTask(id)
	assert.Equal(t, TaskCompleted, final.State)
	assert.Equal(t, []int{1}, h.registrar.cursors)
	h.waitEvent(EventSessionResumed)

	err = c.Resume(context.Background(), nil)
	assert.Equal(t, CodeInvalidState, CodeOf(err))
}

func TestPolicyExpiringOnLastStepPausesFirst(t *testing.T) {
	h := newHarness(t,
		llmtest.Tools(llmtest.Call("c1", "write_file", map[string]any{"path": "notes.md", "content": "hi"})),
		llmtest.Text("unreachable"),
	)
	c := h.start()

	id, err := c.StartTask(context.Background(), "write notes", TaskOptions{MaxSteps: 1})
	require.NoError(t, err)

	h.waitStatus(func(s Status) bool { return s.PendingApprovals == 1 })
	h.clock.Advance(2 * time.Hour)
	require.NoError(t, c.DecideApproval(c.PendingChanges()[0].ID, true, ""))

	st := h.waitStatus(func(s Status) bool { return s.SessionState == SessionPaused })
	assert.Equal(t, "policy_expired", st.PauseReason)
	require.NotNil(t, st.Task)
	assert.Equal(t, 1, st.Task.StepCount)
	assert.Empty(t, h.host.executed())
	assert.Empty(t, h.eventsOf(EventTaskFailed))

	tools := toolMessages(c.Messages())
	require.Len(t, tools, 1)
	assert.Equal(t, string(dispatch.StatusDenied), tools[0].Status)

	// The refreshed policy cannot give back a step the task already used.
	require.NoError(t, c.Resume(context.Background(), nil))
	final := h.waitTask(id)
	assert.Equal(t, TaskFailed, final.State)
	assert.Equal(t, FailMaxSteps, final.FailureReason)
	assert.Equal(t, 1, h.llm.Calls())
}

func TestResumeFailsWhenRegistrarUnavailable(t *testing.T) {
	h := newHarness(t, llmtest.Turn{Err: &unifiedllm.NetworkError{SDKError: unifiedllm.SDKError{Message: "dial tcp: refused"}}})
	c := h.start()

	_, err := c.StartTask(context.Background(), "go", TaskOptions{})
	require.NoError(t, err)
	st := h.waitStatus(func(s Status) bool { return s.SessionState == SessionPaused })
	assert.Equal(t, "network", st.PauseReason)

	h.registrar.mu.Lock()
	h.registrar.err = backend.ErrUnavailable
	h.registrar.mu.Unlock()

	err = c.Resume(context.Background(), nil)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CodeBackendUnavailable, e.Code)
	assert.True(t, e.Retryable)
	assert.Equal(t, SessionPaused, c.Status().SessionState)
}

func TestNetworkLossPausesAndResumeRetriesStep(t *testing.T) {
	h := newHarness(t,
		llmtest.Turn{Err: &unifiedllm.NetworkError{SDKError: unifiedllm.SDKError{Message: "dial tcp: refused"}}},
		llmtest.Text("back online"),
	)
	c := h.start()

	id, err := c.StartTask(context.Background(), "go", TaskOptions{})
	require.NoError(t, err)
	h.waitStatus(func(s Status) bool { return s.SessionState == SessionPaused })

	require.NoError(t, c.Resume(context.Background(), nil))
	st := h.waitTask(id)
	assert.Equal(t, TaskCompleted, st.State)
	assert.Equal(t, 2, h.llm.Calls())
}

func TestPolicyGatesBeforeModelCall(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*policy.Snapshot)
		want   FailureReason
	}{
		{
			name: "llm capability missing",
			mutate: func(s *policy.Snapshot) {
				s.Grants = s.Grants[1:]
			},
			want: FailCapabilityDenied,
		},
		{
			name: "model not allowed",
			mutate: func(s *policy.Snapshot) {
				s.Models = []string{"other-model"}
			},
			want: FailModelNotAllowed,
		},
		{
			name: "session token budget",
			mutate: func(s *policy.Snapshot) {
				s.Limits.SessionTokenBudget = 100
			},
			want: FailBudgetExceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, llmtest.Text("unused"))
			tt.mutate(h.snap)
			h.start()

			st := h.run("go", TaskOptions{})
			assert.Equal(t, TaskFailed, st.State)
			assert.Equal(t, tt.want, st.FailureReason)
			assert.Zero(t, h.llm.Calls())
		})
	}
}

func TestModelFailures(t *testing.T) {
	guardrail := &unifiedllm.GuardrailError{ProviderError: unifiedllm.ProviderError{
		SDKError: unifiedllm.SDKError{Message: "content policy"},
		Provider: "scripted",
	}}
	auth := &unifiedllm.AuthenticationError{ProviderError: unifiedllm.ProviderError{
		SDKError: unifiedllm.SDKError{Message: "bad key"},
		Provider: "scripted",
	}}

	tests := []struct {
		name string
		turn llmtest.Turn
		want FailureReason
	}{
		{"guardrail", llmtest.Turn{Err: guardrail}, FailGuardrail},
		{"content filter", llmtest.Turn{Text: "partial", Finish: unifiedllm.FinishContentFilter}, FailGuardrail},
		{"provider error", llmtest.Turn{Err: auth}, FailModelUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.turn)
			h.start()

			st := h.run("go", TaskOptions{})
			assert.Equal(t, TaskFailed, st.State)
			assert.Equal(t, tt.want, st.FailureReason)
			assert.Equal(t, SessionRunning, h.c.Status().SessionState)
		})
	}
}

func TestGuardrailRejectionIsRecordedInThread(t *testing.T) {
	h := newHarness(t, llmtest.Turn{Err: &unifiedllm.GuardrailError{ProviderError: unifiedllm.ProviderError{
		SDKError: unifiedllm.SDKError{Message: "content policy"},
		Provider: "scripted",
	}}})
	c := h.start()
	h.run("go", TaskOptions{})

	msgs := c.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, thread.RoleAssistant, last.Role)
	assert.Contains(t, last.Content, "content policy")
}

func TestContinuationLimit(t *testing.T) {
	long := llmtest.Turn{Text: "part", Finish: unifiedllm.FinishLength}
	h := newHarness(t, long, long, long)
	h.settings.MaxContinuations = 2
	h.start()

	st := h.run("write a lot", TaskOptions{})
	assert.Equal(t, TaskFailed, st.State)
	assert.Equal(t, FailMaxContinuations, st.FailureReason)
	assert.Equal(t, 3, h.llm.Calls())
	assert.Equal(t, 0, st.StepCount)
}

func TestContinuationThenCompletion(t *testing.T) {
	h := newHarness(t, llmtest.Turn{Text: "first half", Finish: unifiedllm.FinishLength}, llmtest.Text("second half"))
	c := h.start()

	st := h.run("write", TaskOptions{})
	assert.Equal(t, TaskCompleted, st.State)
	msgs := c.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "first half", msgs[2].Content)
	assert.Equal(t, "second half", msgs[3].Content)
}

func TestStepLimitWarningFiresOnce(t *testing.T) {
	var turns []llmtest.Turn
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		turns = append(turns, llmtest.Tools(llmtest.Call("c-"+p, "read_file", map[string]any{"path": p})))
	}
	h := newHarness(t, turns...)
	h.start()

	st := h.run("read", TaskOptions{MaxSteps: 5})
	assert.Equal(t, FailMaxSteps, st.FailureReason)

	h.waitEvent(EventStepLimitWarning)
	warnings := h.eventsOf(EventStepLimitWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, 4, warnings[0].StepID)
	assert.Equal(t, 1, warnings[0].Data["remaining"])
}

func TestLoopDetectionSteersModel(t *testing.T) {
	same := llmtest.Tools(llmtest.Call("c", "read_file", map[string]any{"path": "a.txt"}))
	h := newHarness(t, same, same, same, same, llmtest.Text("ok, stopping"))
	h.settings.LoopDetectionWindow = 4
	c := h.start()

	st := h.run("read", TaskOptions{})
	assert.Equal(t, TaskCompleted, st.State)

	var steering []thread.Message
	for _, m := range c.Messages() {
		if m.Role == thread.RoleUser && m.Content == loopSteering {
			steering = append(steering, m)
		}
	}
	require.Len(t, steering, 1)
	assert.Equal(t, 4, steering[0].StepID)
	warning := h.waitEvent(EventWarning)
	assert.Equal(t, "loop_detected", warning.Data["kind"])
}

func TestStartValidation(t *testing.T) {
	t.Run("expired snapshot", func(t *testing.T) {
		h := newHarness(t)
		h.snap.ExpiresAt = h.clock.Now().Add(-time.Minute)
		c := h.newController()
		err := c.Start(context.Background(), &backend.Handshake{SessionID: "sess-1", WorkspaceID: "ws-1", Snapshot: h.snap})
		assert.Equal(t, CodePolicyExpired, CodeOf(err))
		assert.ErrorIs(t, err, policy.ErrSnapshotExpired)
		assert.Empty(t, c.Status().SessionID)
	})
	t.Run("identity mismatch", func(t *testing.T) {
		h := newHarness(t)
		c := h.newController()
		err := c.Start(context.Background(), &backend.Handshake{SessionID: "other", WorkspaceID: "ws-1", Snapshot: h.snap})
		assert.Equal(t, CodeInvalidPolicy, CodeOf(err))
	})
	t.Run("session already open", func(t *testing.T) {
		h := newHarness(t)
		c := h.start()
		err := c.Start(context.Background(), &backend.Handshake{SessionID: "sess-1", WorkspaceID: "ws-1", Snapshot: h.snap})
		assert.Equal(t, CodeSessionExists, CodeOf(err))
	})
	t.Run("task without session", func(t *testing.T) {
		h := newHarness(t)
		c := h.newController()
		_, err := c.StartTask(context.Background(), "go", TaskOptions{})
		assert.Equal(t, CodeNoSession, CodeOf(err))
	})
	t.Run("bad task options", func(t *testing.T) {
		h := newHarness(t)
		c := h.start()
		_, err := c.StartTask(context.Background(), "  ", TaskOptions{})
		assert.Equal(t, CodeInvalidArgument, CodeOf(err))
		_, err = c.StartTask(context.Background(), "go", TaskOptions{MaxSteps: -1})
		assert.Equal(t, CodeInvalidArgument, CodeOf(err))
		_, err = c.StartTask(context.Background(), "go", TaskOptions{ApprovalMode: "yolo"})
		assert.Equal(t, CodeInvalidArgument, CodeOf(err))
	})
	t.Run("one task at a time", func(t *testing.T) {
		h := newHarness(t, llmtest.Turn{Block: true})
		c := h.start()
		id, err := c.StartTask(context.Background(), "first", TaskOptions{})
		require.NoError(t, err)
		_, err = c.StartTask(context.Background(), "second", TaskOptions{})
		var e *Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, CodeTaskActive, e.Code)
		assert.Equal(t, id, e.Details["task_id"])
	})
}

func TestShutdownEndsSession(t *testing.T) {
	h := newHarness(t, llmtest.Text("done"))
	c := h.start()
	h.run("go", TaskOptions{})

	ids, err := checkpoint.Discover(h.dir)
	require.NoError(t, err)
	require.Equal(t, []string{"sess-1"}, ids)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, SessionCompleted, c.Status().SessionState)

	ids, err = checkpoint.Discover(h.dir)
	require.NoError(t, err)
	assert.Empty(t, ids)

	pushes := h.history.pushes()
	require.Len(t, pushes, 2)
	assert.Equal(t, "", pushes[1].TaskID)
	assert.Equal(t, string(SessionCompleted), pushes[1].State)

	err = c.Shutdown(ctx)
	assert.Equal(t, CodeInvalidState, CodeOf(err))
}

func TestShutdownCancelsRunningTask(t *testing.T) {
	h := newHarness(t, llmtest.Turn{Block: true})
	c := h.start()
	_, err := c.StartTask(context.Background(), "go", TaskOptions{})
	require.NoError(t, err)
	h.waitStatus(func(s Status) bool { return s.Task != nil && s.Task.State == TaskWaitingForModel })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))

	st := c.Status()
	assert.Equal(t, SessionCancelled, st.SessionState)
	require.NotNil(t, st.LastTask)
	assert.Equal(t, TaskCancelled, st.LastTask.State)
}

func TestShutdownWithoutSession(t *testing.T) {
	h := newHarness(t)
	c := h.newController()
	err := c.Shutdown(context.Background())
	assert.Equal(t, CodeNoSession, CodeOf(err))
}
