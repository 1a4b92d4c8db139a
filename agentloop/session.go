package agentloop

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/warden/approval"
	"github.com/martinemde/warden/backend"
	"github.com/martinemde/warden/checkpoint"
	"github.com/martinemde/warden/dispatch"
	"github.com/martinemde/warden/metrics"
	"github.com/martinemde/warden/policy"
	"github.com/martinemde/warden/thread"
	"github.com/martinemde/warden/unifiedllm"
)

const tracerName = "github.com/martinemde/warden/agentloop"

// Defaults for Settings fields left at zero.
const (
	DefaultMaxSteps            = 20
	DefaultMaxContinuations    = 4
	DefaultLoopDetectionWindow = 10
)

// Deps are the collaborators a Controller drives. Registrar, Model, Host
// and CheckpointDir are required.
type Deps struct {
	Registrar         backend.Registrar
	Model             *unifiedllm.ModelClient
	Host              dispatch.ToolHost
	CheckpointDir     string
	CheckpointOptions []checkpoint.Option
	// Checkpoints opens the store for a session. It defaults to a
	// checkpoint.FileStore under CheckpointDir with CheckpointOptions.
	Checkpoints func(sessionID string) (checkpoint.Store, error)
	History     backend.HistoryStore
	Artifacts   backend.ArtifactStore
	Telemetry   backend.Telemetry
	Counter     thread.Counter
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
	// DispatchOptions are applied to every step's dispatcher, after the
	// controller's own options.
	DispatchOptions []dispatch.Option
}

// Settings tune the session. Zero values take defaults.
type Settings struct {
	Model         string
	Provider      string
	WorkspaceRoot string
	Instructions  string

	MaxSteps         int
	MaxContinuations int
	ApprovalMode     policy.ApprovalMode
	ApprovalTimeout  time.Duration
	MaxOutputTokens  int
	RecencyWindow    int
	// LoopDetectionWindow is the number of recent tool calls checked for
	// repetition. Negative disables detection.
	LoopDetectionWindow int
	EventBuffer         int
}

// TaskOptions configure one task. Zero values take the session defaults.
type TaskOptions struct {
	MaxSteps     int                 `json:"max_steps,omitempty"`
	AllowNetwork bool                `json:"allow_network,omitempty"`
	ApprovalMode policy.ApprovalMode `json:"approval_mode,omitempty"`
}

// Session is the single governed working period of this process.
type Session struct {
	ID          string
	WorkspaceID string
	State       SessionState
	PauseReason string

	snapshot *policy.Snapshot
	enforcer *policy.Enforcer
	resolver policy.PathResolver
	root     string
	profile  Profile
	thread   *thread.Manager
	store    checkpoint.Store
}

// Task is one user request running in the session.
type Task struct {
	ID            string
	Prompt        string
	MaxSteps      int
	AllowNetwork  bool
	ApprovalMode  policy.ApprovalMode
	StepCount     int
	State         TaskState
	FailureReason FailureReason
	Continuations int
	Warned        bool
	StartedAt     time.Time

	// suspended is set while the session is paused mid-task.
	suspended bool
}

// TaskStatus is the host-facing view of a task.
type TaskStatus struct {
	ID            string        `json:"id"`
	State         TaskState     `json:"state"`
	StepCount     int           `json:"step_count"`
	MaxSteps      int           `json:"max_steps"`
	AllowNetwork  bool          `json:"allow_network"`
	ApprovalMode  string        `json:"approval_mode"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	Suspended     bool          `json:"suspended,omitempty"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	SessionID          string       `json:"session_id,omitempty"`
	WorkspaceID        string       `json:"workspace_id,omitempty"`
	SessionState       SessionState `json:"session_state,omitempty"`
	PauseReason        string       `json:"pause_reason,omitempty"`
	PolicyVersion      string       `json:"policy_version,omitempty"`
	PolicyExpiresAt    time.Time    `json:"policy_expires_at,omitzero"`
	Model              string       `json:"model,omitempty"`
	Task               *TaskStatus  `json:"task,omitempty"`
	LastTask           *TaskStatus  `json:"last_task,omitempty"`
	Messages           int          `json:"messages"`
	ThreadTokens       int          `json:"thread_tokens"`
	SessionTokens      int          `json:"session_tokens"`
	SessionTokenBudget int          `json:"session_token_budget,omitempty"`
	PendingApprovals   int          `json:"pending_approvals"`
}

// Controller owns the one session of the process and runs its tasks.
type Controller struct {
	deps     Deps
	settings Settings
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	emitter *Emitter
	gate    *approval.Gate

	// cancelled is the cooperative cancellation flag. The loop checks it at
	// the top of every iteration and before every model call.
	cancelled atomic.Bool
	// awaiting counts approvals outstanding in the current step.
	awaiting atomic.Int32

	mu           sync.Mutex
	session      *Session
	task         *Task
	lastTask     *Task
	streamCancel context.CancelFunc
	loopDone     chan struct{}
	defs         []dispatch.Definition
}

// NewController validates deps and settings and returns an idle Controller.
func NewController(deps Deps, settings Settings) (*Controller, error) {
	switch {
	case deps.Registrar == nil:
		return nil, errors.New("agentloop: registrar is required")
	case deps.Model == nil:
		return nil, errors.New("agentloop: model client is required")
	case deps.Host == nil:
		return nil, errors.New("agentloop: tool host is required")
	case strings.TrimSpace(deps.CheckpointDir) == "":
		return nil, errors.New("agentloop: checkpoint dir is required")
	case strings.TrimSpace(settings.Model) == "":
		return nil, errors.New("agentloop: model is required")
	}
	if deps.History == nil {
		deps.History = backend.NopHistory{}
	}
	if deps.Telemetry == nil {
		deps.Telemetry = backend.NopTelemetry{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Checkpoints == nil {
		dir, opts := deps.CheckpointDir, append([]checkpoint.Option{checkpoint.WithLogger(deps.Logger)}, deps.CheckpointOptions...)
		deps.Checkpoints = func(sessionID string) (checkpoint.Store, error) {
			return checkpoint.NewFileStore(dir, sessionID, opts...)
		}
	}
	if settings.MaxSteps <= 0 {
		settings.MaxSteps = DefaultMaxSteps
	}
	if settings.MaxContinuations <= 0 {
		settings.MaxContinuations = DefaultMaxContinuations
	}
	if settings.ApprovalMode == "" {
		settings.ApprovalMode = policy.ApprovalModePolicy
	}
	if !settings.ApprovalMode.Valid() {
		return nil, errors.New("agentloop: invalid approval mode " + string(settings.ApprovalMode))
	}
	if settings.LoopDetectionWindow == 0 {
		settings.LoopDetectionWindow = DefaultLoopDetectionWindow
	}

	c := &Controller{
		deps:     deps,
		settings: settings,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer(tracerName),
		now:      deps.Now,
		emitter:  NewEmitter(settings.EventBuffer),
	}
	c.gate = approval.New(
		approval.WithTimeout(settings.ApprovalTimeout),
		approval.WithLogger(deps.Logger),
		approval.WithClock(deps.Now),
		approval.WithHooks(approval.Hooks{
			Requested: c.onApprovalRequested,
			Resolved:  c.onApprovalResolved,
		}),
	)
	return c, nil
}

// Subscribe streams notifications until the returned func is called or the
// session shuts down.
func (c *Controller) Subscribe() (<-chan Notification, func()) {
	return c.emitter.Subscribe()
}

// Start opens the session described by h. The snapshot must pass
// validation; on any failure no session is created.
func (c *Controller) Start(ctx context.Context, h *backend.Handshake) error {
	if h == nil {
		return newError(CodeInvalidArgument, "handshake is required")
	}
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return newError(CodeSessionExists, "a session is already open").with("session_id", c.session.ID)
	}
	c.mu.Unlock()

	if err := policy.Validate(h.Snapshot, h.Identity(), c.now()); err != nil {
		return policyError(err)
	}
	s, err := c.openSession(h.SessionID, h.WorkspaceID, h.Snapshot)
	if err != nil {
		return err
	}

	prompt := buildSystemPrompt(ctx, promptContext{
		Root:         s.root,
		Model:        s.profile.Model,
		Now:          c.now(),
		Instructions: c.settings.Instructions,
	})
	s.thread.Append(thread.Message{Role: thread.RoleSystem, Content: prompt})

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return newError(CodeSessionExists, "a session is already open").with("session_id", c.session.ID)
	}
	c.session = s
	c.mu.Unlock()

	c.logger.Info("session started",
		"session_id", s.ID, "workspace_id", s.WorkspaceID, "policy_version", h.Snapshot.Version, "model", s.profile.Model)
	return c.fireSession(SessionStart, "")
}

// openSession builds a CREATED session for a validated snapshot.
func (c *Controller) openSession(sessionID, workspaceID string, snap *policy.Snapshot) (*Session, error) {
	root := snap.WorkspaceRoot
	if root == "" {
		root = c.settings.WorkspaceRoot
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, newError(CodeInvalidArgument, "workspace root unknown").wrap(err)
		}
		root = wd
	}
	resolver, err := policy.NewFSResolver(root)
	if err != nil {
		return nil, newError(CodeInvalidArgument, "workspace root %q", root).wrap(err)
	}
	store, err := c.deps.Checkpoints(sessionID)
	if err != nil {
		return nil, newError(CodeInvalidArgument, "open checkpoint store").wrap(err)
	}

	profile := resolveProfile(c.settings.Model, c.settings.Provider)
	return &Session{
		ID:          sessionID,
		WorkspaceID: workspaceID,
		State:       SessionCreated,
		snapshot:    snap,
		enforcer:    policy.NewEnforcer(snap, policy.WithClock(c.now), policy.WithResolver(resolver)),
		resolver:    resolver,
		root:        resolver.Root,
		profile:     profile,
		thread:      thread.New(profile.Budget(snap.Limits, c.settings.RecencyWindow), c.deps.Counter),
		store:       store,
	}, nil
}

func policyError(err error) *Error {
	code := CodeInvalidPolicy
	if errors.Is(err, policy.ErrSnapshotExpired) {
		code = CodePolicyExpired
	}
	return newError(code, "policy snapshot rejected").with("reason", err.Error()).wrap(err)
}

// StartTask queues prompt as a new task and starts the step loop. It
// returns the task id once the task is running.
func (c *Controller) StartTask(ctx context.Context, prompt string, opts TaskOptions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", newError(CodeInvalidArgument, "prompt is required")
	}
	if opts.MaxSteps < 0 {
		return "", newError(CodeInvalidArgument, "max_steps must not be negative").with("max_steps", opts.MaxSteps)
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = c.settings.MaxSteps
	}
	if opts.ApprovalMode == "" {
		opts.ApprovalMode = c.settings.ApprovalMode
	}
	if !opts.ApprovalMode.Valid() {
		return "", newError(CodeInvalidArgument, "unknown approval mode %q", opts.ApprovalMode)
	}

	c.mu.Lock()
	s := c.session
	switch {
	case s == nil:
		c.mu.Unlock()
		return "", newError(CodeNoSession, "no session is open")
	case s.State != SessionRunning:
		c.mu.Unlock()
		return "", newError(CodeInvalidState, "session is %s", s.State).with("session_state", string(s.State))
	case c.task != nil:
		id := c.task.ID
		c.mu.Unlock()
		return "", newError(CodeTaskActive, "a task is already running").with("task_id", id)
	}
	t := &Task{
		ID:           uuid.NewString(),
		Prompt:       prompt,
		MaxSteps:     opts.MaxSteps,
		AllowNetwork: opts.AllowNetwork,
		ApprovalMode: opts.ApprovalMode,
		State:        TaskIdle,
		StartedAt:    c.now(),
	}
	c.task = t
	c.cancelled.Store(false)
	c.mu.Unlock()

	s.thread.Append(thread.Message{Role: thread.RoleUser, Content: prompt, TaskID: t.ID})
	c.metrics.TaskStarted()
	c.logger.Info("task started", "session_id", s.ID, "task_id", t.ID, "max_steps", t.MaxSteps, "approval_mode", t.ApprovalMode)
	if err := c.fireTask(TaskStart, nil); err != nil {
		return "", newError(CodeInvalidState, "start task").wrap(err)
	}
	c.launch(context.WithoutCancel(ctx))
	return t.ID, nil
}

// launch runs the step loop for the current task in its own goroutine.
func (c *Controller) launch(ctx context.Context) {
	done := make(chan struct{})
	c.mu.Lock()
	c.loopDone = done
	c.mu.Unlock()
	go c.run(ctx, done)
}

// CancelTask asks the running task to stop. The loop stops at its next
// safe boundary: an in-flight model stream is aborted, running tools are
// allowed to finish, pending approvals are denied.
func (c *Controller) CancelTask() error {
	c.mu.Lock()
	t := c.task
	if t == nil {
		c.mu.Unlock()
		return newError(CodeNoTask, "no task is running")
	}
	suspended := t.suspended
	c.cancelled.Store(true)
	if c.streamCancel != nil {
		c.streamCancel()
	}
	c.mu.Unlock()

	c.denyPending("task cancelled")
	c.logger.Info("task cancellation requested", "task_id", t.ID)

	// A suspended task has no loop to notice the flag.
	if suspended {
		c.mu.Lock()
		t.suspended = false
		c.mu.Unlock()
		c.finishTask(TaskCancel, "")
	}
	return nil
}

func (c *Controller) denyPending(reason string) {
	for _, req := range c.gate.Pending() {
		_ = c.gate.Cancel(req.ID, reason)
	}
}

// Resume brings the session back to RUNNING.
//
// With a nil checkpoint it resumes a PAUSED session: a refreshed snapshot
// is fetched from the registrar and re-validated, and a suspended task
// continues. With a checkpoint it recovers a crashed session into this
// process, which must not have a session yet; an unfinished task continues
// after its last completed step.
func (c *Controller) Resume(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp != nil {
		return c.recoverFrom(ctx, cp)
	}

	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return newError(CodeNoSession, "no session is open")
	}
	if s.State != SessionPaused {
		c.mu.Unlock()
		return newError(CodeInvalidState, "session is %s", s.State).with("session_state", string(s.State))
	}
	cursor := 0
	if c.task != nil {
		cursor = c.task.StepCount
	}
	c.mu.Unlock()

	snap, err := c.refreshPolicy(ctx, s.ID, s.WorkspaceID, cursor)
	if err != nil {
		return err
	}

	c.mu.Lock()
	s.snapshot = snap
	s.enforcer = policy.NewEnforcer(snap, policy.WithClock(c.now), policy.WithResolver(s.resolver))
	s.PauseReason = ""
	t := c.task
	relaunch := t != nil && t.suspended
	if relaunch {
		t.suspended = false
	}
	c.mu.Unlock()
	s.thread.SetBudget(s.profile.Budget(snap.Limits, c.settings.RecencyWindow))

	c.logger.Info("session resumed", "session_id", s.ID, "policy_version", snap.Version)
	if err := c.fireSession(SessionResume, ""); err != nil {
		return newError(CodeInvalidState, "resume").wrap(err)
	}
	if relaunch {
		c.launch(context.WithoutCancel(ctx))
	}
	return nil
}

// refreshPolicy asks the registrar for a new snapshot and validates it.
func (c *Controller) refreshPolicy(ctx context.Context, sessionID, workspaceID string, cursor int) (*policy.Snapshot, error) {
	snap, err := c.deps.Registrar.Resume(ctx, sessionID, cursor)
	if err != nil {
		return nil, &Error{
			Code:      CodeBackendUnavailable,
			Message:   "registrar refused to resume the session",
			Retryable: errors.Is(err, backend.ErrUnavailable),
			Details:   map[string]any{"session_id": sessionID},
			Err:       err,
		}
	}
	if err := policy.Validate(snap, policy.Identity{SessionID: sessionID, WorkspaceID: workspaceID}, c.now()); err != nil {
		return nil, policyError(err)
	}
	return snap, nil
}

func (c *Controller) recoverFrom(ctx context.Context, cp *checkpoint.Checkpoint) error {
	c.mu.Lock()
	if c.session != nil {
		id := c.session.ID
		c.mu.Unlock()
		return newError(CodeSessionExists, "a session is already open").with("session_id", id)
	}
	c.mu.Unlock()

	snap, err := c.refreshPolicy(ctx, cp.SessionID, cp.WorkspaceID, cp.StepCursor)
	if err != nil {
		return err
	}
	s, err := c.openSession(cp.SessionID, cp.WorkspaceID, snap)
	if err != nil {
		return err
	}
	s.thread.Restore(cp.Messages, cp.SessionTokens)
	if cp.PolicyVersion != snap.Version {
		c.logger.Info("policy changed across recovery", "session_id", s.ID, "from", cp.PolicyVersion, "to", snap.Version)
	}

	var t *Task
	if ct := cp.Task; ct != nil && TaskState(ct.State) != TaskIdle && !TaskState(ct.State).Terminal() {
		// Any step that did not reach its checkpoint is redone from the
		// model call.
		t = &Task{
			ID:            ct.ID,
			Prompt:        ct.Prompt,
			MaxSteps:      ct.MaxSteps,
			AllowNetwork:  ct.AllowNetwork,
			ApprovalMode:  policy.ApprovalMode(ct.ApprovalMode),
			StepCount:     cp.StepCursor,
			State:         TaskRunning,
			Continuations: ct.Continuations,
			Warned:        ct.Warned,
			StartedAt:     c.now(),
		}
		if !t.ApprovalMode.Valid() {
			t.ApprovalMode = c.settings.ApprovalMode
		}
		if t.MaxSteps <= 0 {
			t.MaxSteps = c.settings.MaxSteps
		}
	}

	c.mu.Lock()
	if c.session != nil {
		id := c.session.ID
		c.mu.Unlock()
		return newError(CodeSessionExists, "a session is already open").with("session_id", id)
	}
	c.session = s
	c.task = t
	c.cancelled.Store(false)
	c.mu.Unlock()

	c.logger.Info("session recovered from checkpoint",
		"session_id", s.ID, "step_cursor", cp.StepCursor, "messages", len(cp.Messages), "task", t != nil)
	if err := c.fireSession(SessionResume, ""); err != nil {
		return newError(CodeInvalidState, "recover").wrap(err)
	}
	if t != nil {
		c.metrics.TaskStarted()
		c.emitTask(EventTaskStarted, t.ID, 0, map[string]any{"resumed": true, "step_cursor": t.StepCount})
		c.launch(context.WithoutCancel(ctx))
	}
	return nil
}

// Recover looks for a checkpoint left by a crashed process and resumes it.
// It reports whether a session was recovered. A checkpoint that cannot be
// read is discarded and reported as recovery_failed.
func (c *Controller) Recover(ctx context.Context) (bool, error) {
	ids, err := checkpoint.Discover(c.deps.CheckpointDir)
	if err != nil {
		return false, newError(CodeRecoveryFailed, "list checkpoints").wrap(err)
	}
	if len(ids) == 0 {
		return false, nil
	}
	if len(ids) > 1 {
		c.logger.Warn("several checkpoints found, recovering the newest", "session_id", ids[0], "others", ids[1:])
	}

	store, err := c.deps.Checkpoints(ids[0])
	if err != nil {
		return false, newError(CodeRecoveryFailed, "open checkpoint").wrap(err)
	}
	cp, err := store.Load()
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return false, nil
	case err != nil:
		c.logger.Error("checkpoint discarded", "session_id", ids[0], "error", err)
		c.emitter.Emit(Notification{
			EventType: EventRecoveryFailed,
			SessionID: ids[0],
			Data:      map[string]any{"error": err.Error()},
		})
		return false, newError(CodeRecoveryFailed, "checkpoint could not be recovered").
			with("session_id", ids[0]).wrap(err)
	}
	if err := c.Resume(ctx, cp); err != nil {
		return false, err
	}
	return true, nil
}

// Shutdown ends the session: the running task is cancelled at its next
// safe boundary, the final thread is pushed to the history store and the
// checkpoint is deleted. Notifications stop afterwards.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return newError(CodeNoSession, "no session is open")
	}
	if s.State.Terminal() {
		c.mu.Unlock()
		return newError(CodeInvalidState, "session already %s", s.State)
	}
	hadTask := c.task != nil
	done := c.loopDone
	c.cancelled.Store(true)
	if c.streamCancel != nil {
		c.streamCancel()
	}
	c.mu.Unlock()

	c.denyPending("session shutting down")
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return &Error{
				Code:      CodeInvalidState,
				Message:   "step loop did not reach a safe boundary",
				Retryable: true,
				Err:       ctx.Err(),
			}
		}
	}

	c.mu.Lock()
	if t := c.task; t != nil {
		t.suspended = false
		c.mu.Unlock()
		c.finishTask(TaskCancel, "")
	} else {
		c.mu.Unlock()
	}

	trig := SessionEnd
	if hadTask {
		trig = SessionAbort
	}
	err := c.fireSession(trig, "")
	if f, ok := c.deps.History.(interface{ Flush(context.Context) error }); ok {
		if ferr := f.Flush(ctx); ferr != nil {
			c.logger.Warn("history flush failed", "session_id", s.ID, "error", ferr)
		}
	}
	c.logger.Info("session shut down", "session_id", s.ID, "state", c.sessionState())
	c.emitter.Close()
	if err != nil {
		return newError(CodeInvalidState, "shutdown").wrap(err)
	}
	return nil
}

// Status returns the current session and task state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	s, t, last := c.session, c.task, c.lastTask
	var st Status
	if s != nil {
		st = Status{
			SessionID:       s.ID,
			WorkspaceID:     s.WorkspaceID,
			SessionState:    s.State,
			PauseReason:     s.PauseReason,
			PolicyVersion:   s.snapshot.Version,
			PolicyExpiresAt: s.snapshot.ExpiresAt,
			Model:           s.profile.Model,
		}
	}
	if t != nil {
		st.Task = t.status()
	}
	if last != nil {
		st.LastTask = last.status()
	}
	c.mu.Unlock()

	if s != nil {
		st.Messages = s.thread.Len()
		st.ThreadTokens = s.thread.ThreadTokens()
		st.SessionTokens = s.thread.SessionTokens()
		st.SessionTokenBudget = s.thread.Budget().SessionTokens
	}
	st.PendingApprovals = len(c.gate.Pending())
	return st
}

// caller holds c.mu
func (t *Task) status() *TaskStatus {
	return &TaskStatus{
		ID:            t.ID,
		State:         t.State,
		StepCount:     t.StepCount,
		MaxSteps:      t.MaxSteps,
		AllowNetwork:  t.AllowNetwork,
		ApprovalMode:  string(t.ApprovalMode),
		FailureReason: t.FailureReason,
		Suspended:     t.suspended,
	}
}

// Messages returns a copy of the thread.
func (c *Controller) Messages() []thread.Message {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.thread.Messages()
}

// PendingChanges lists the actions waiting for approval, oldest first.
func (c *Controller) PendingChanges() []approval.Request {
	return c.gate.Pending()
}

// DecideApproval delivers a human decision for a pending request.
func (c *Controller) DecideApproval(id string, approved bool, reason string) error {
	if err := c.gate.Resolve(id, approved, reason); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return newError(CodeApprovalNotFound, "no pending approval %q", id).with("approval_id", id)
		}
		return newError(CodeInvalidArgument, "resolve approval").wrap(err)
	}
	return nil
}

func (c *Controller) sessionState() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.State
}

// fireSession applies trig to the session and performs the effects.
func (c *Controller) fireSession(trig SessionTrigger, reason string) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return newError(CodeNoSession, "no session is open")
	}
	from := s.State
	to, effects, err := nextSession(from, trig)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	s.State = to
	if trig == SessionPause {
		s.PauseReason = reason
	}
	c.mu.Unlock()

	c.logger.Debug("session transition", "session_id", s.ID, "from", from, "to", to, "trigger", trig)
	for _, e := range effects {
		switch e {
		case EffectWriteCheckpoint:
			c.writeCheckpoint()
		case EffectUploadHistory:
			c.uploadHistory("")
		case EffectDeleteCheckpoint:
			if err := s.store.Delete(); err != nil {
				c.logger.Warn("checkpoint delete failed", "session_id", s.ID, "error", err)
			}
		case EffectNotify:
			data := map[string]any{"from": string(from), "to": string(to)}
			if reason != "" {
				data["reason"] = reason
			}
			c.emitter.Emit(Notification{EventType: EventSessionStateChanged, SessionID: s.ID, Data: data})
			switch {
			case to == SessionPaused:
				c.emitter.Emit(Notification{EventType: EventSessionPaused, SessionID: s.ID, Data: data})
			case trig == SessionResume && from == SessionPaused:
				c.emitter.Emit(Notification{EventType: EventSessionResumed, SessionID: s.ID, Data: data})
			}
		}
	}
	return nil
}

// fireTask applies trig to the current task and performs the effects.
func (c *Controller) fireTask(trig TaskTrigger, data map[string]any) error {
	c.mu.Lock()
	t := c.task
	if t == nil {
		c.mu.Unlock()
		return newError(CodeNoTask, "no task is running")
	}
	from := t.State
	to, effects, err := nextTask(from, trig)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	t.State = to
	id, step := t.ID, t.StepCount
	c.mu.Unlock()

	for _, e := range effects {
		switch e {
		case EffectWriteCheckpoint:
			c.writeCheckpoint()
		case EffectUploadHistory:
			c.uploadHistory(id)
		case EffectNotify:
			var kind EventType
			switch to {
			case TaskRunning:
				kind = EventTaskStarted
			case TaskCompleted:
				kind = EventTaskCompleted
			case TaskFailed:
				kind = EventTaskFailed
			case TaskCancelled:
				kind = EventTaskCancelled
			}
			if kind != "" {
				if data == nil {
					data = map[string]any{}
				}
				data["step_count"] = step
				c.emitTask(kind, id, 0, data)
			}
		}
	}
	return nil
}

// finishTask ends the current task with trig (complete, fail or cancel)
// and returns the task slot to idle.
func (c *Controller) finishTask(trig TaskTrigger, reason FailureReason) {
	c.mu.Lock()
	t := c.task
	if t == nil {
		c.mu.Unlock()
		return
	}
	if reason != "" {
		t.FailureReason = reason
	}
	c.mu.Unlock()

	var data map[string]any
	if reason != "" {
		data = map[string]any{"reason": string(reason)}
	}
	if err := c.fireTask(trig, data); err != nil {
		c.logger.Error("task transition rejected", "task_id", t.ID, "trigger", trig, "error", err)
		return
	}

	c.mu.Lock()
	final := t.State
	c.metrics.TaskFinished(string(final), c.now().Sub(t.StartedAt))
	if _, _, err := nextTask(final, TaskReset); err == nil {
		done := *t
		c.lastTask = &done
		c.task = nil
	}
	c.mu.Unlock()

	c.logger.Info("task finished", "task_id", t.ID, "state", final, "reason", reason, "steps", t.StepCount)
}

func (c *Controller) writeCheckpoint() {
	c.mu.Lock()
	s, t := c.session, c.task
	if s == nil {
		c.mu.Unlock()
		return
	}
	cp := &checkpoint.Checkpoint{
		SchemaVersion: checkpoint.SchemaVersion,
		SessionID:     s.ID,
		WorkspaceID:   s.WorkspaceID,
		SessionState:  string(s.State),
		PolicyVersion: s.snapshot.Version,
	}
	if t != nil {
		cp.StepCursor = t.StepCount
		cp.Task = &checkpoint.Task{
			ID:            t.ID,
			Prompt:        t.Prompt,
			MaxSteps:      t.MaxSteps,
			AllowNetwork:  t.AllowNetwork,
			ApprovalMode:  string(t.ApprovalMode),
			StepCount:     t.StepCount,
			State:         string(t.State),
			FailureReason: string(t.FailureReason),
			Continuations: t.Continuations,
			Warned:        t.Warned,
		}
	}
	c.mu.Unlock()

	cp.Messages = s.thread.Messages()
	cp.SessionTokens = s.thread.SessionTokens()
	cp.WrittenAt = c.now().UTC()
	err := s.store.Write(cp)
	c.metrics.ObserveCheckpointWrite(err)
	if err != nil {
		// The next step writes a fresh checkpoint.
		c.logger.Error("checkpoint write failed", "session_id", s.ID, "step_cursor", cp.StepCursor, "error", err)
	}
}

func (c *Controller) uploadHistory(taskID string) {
	c.mu.Lock()
	s := c.session
	state := ""
	if s != nil {
		state = string(s.State)
	}
	if c.task != nil && c.task.ID == taskID {
		state = string(c.task.State)
	}
	c.mu.Unlock()
	if s == nil {
		return
	}

	snap := backend.ThreadSnapshot{
		SessionID:     s.ID,
		WorkspaceID:   s.WorkspaceID,
		TaskID:        taskID,
		State:         state,
		Messages:      s.thread.Messages(),
		SessionTokens: s.thread.SessionTokens(),
		UploadedAt:    c.now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.deps.History.PutThread(ctx, snap); err != nil {
		c.logger.Warn("history upload failed", "session_id", s.ID, "task_id", taskID, "error", err)
	}
}

func (c *Controller) emitTask(kind EventType, taskID string, stepID int, data map[string]any) {
	c.mu.Lock()
	sessionID := ""
	if c.session != nil {
		sessionID = c.session.ID
	}
	c.mu.Unlock()
	c.emitter.Emit(Notification{EventType: kind, SessionID: sessionID, TaskID: taskID, StepID: stepID, Data: data})
}

func (c *Controller) onApprovalRequested(req approval.Request) {
	c.emitTask(EventApprovalRequested, req.TaskID, req.StepID, map[string]any{
		"approval_id": req.ID,
		"call_id":     req.CallID,
		"tool":        req.Tool,
		"capability":  req.Capability,
		"risk":        string(req.Risk),
		"summary":     req.Summary,
		"targets":     req.Targets,
		"detail":      req.Detail,
		"timeout_ms":  req.Timeout.Milliseconds(),
	})
}

func (c *Controller) onApprovalResolved(req approval.Request, d approval.Decision) {
	c.metrics.ObserveApproval(d.Approved, d.By)
	c.emitTask(EventApprovalResolved, req.TaskID, req.StepID, map[string]any{
		"approval_id": req.ID,
		"call_id":     req.CallID,
		"approved":    d.Approved,
		"reason":      d.Reason,
		"by":          d.By,
	})
	if c.awaiting.Add(-1) == 0 {
		if err := c.fireTask(TaskExecute, nil); err != nil {
			c.logger.Debug("execute transition skipped", "error", err)
		}
	}
}
