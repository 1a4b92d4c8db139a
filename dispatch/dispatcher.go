package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/warden/approval"
	"github.com/martinemde/warden/backend"
	"github.com/martinemde/warden/policy"
)

const tracerName = "github.com/martinemde/warden/dispatch"

// DefaultMaxParallel bounds concurrent tool executions within a batch.
const DefaultMaxParallel = 8

// Approver asks a human to allow one call. The approval.Gate satisfies it.
type Approver interface {
	Request(ctx context.Context, req approval.Request) approval.Decision
}

// Hooks observe calls as they move through the dispatcher. They may be
// called from several goroutines at once.
type Hooks struct {
	Started func(Call, Definition)
	// Checked fires once per batch after every call has been checked, with
	// the number of calls now waiting for approval.
	Checked   func(awaitingApproval int)
	Completed func(Result)
}

// Dispatcher runs the tool calls of one model turn against a ToolHost.
type Dispatcher struct {
	host        ToolHost
	approver    Approver
	artifacts   backend.ArtifactStore
	telemetry   backend.Telemetry
	resolver    policy.PathResolver
	maxParallel int
	timeouts    map[Category]time.Duration
	outputLimit int
	hooks       Hooks
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithApprover(a Approver) Option {
	return func(d *Dispatcher) { d.approver = a }
}

func WithArtifacts(s backend.ArtifactStore) Option {
	return func(d *Dispatcher) { d.artifacts = s }
}

func WithTelemetry(t backend.Telemetry) Option {
	return func(d *Dispatcher) { d.telemetry = t }
}

// WithResolver resolves path arguments before the capability check.
func WithResolver(r policy.PathResolver) Option {
	return func(d *Dispatcher) { d.resolver = r }
}

func WithMaxParallel(n int) Option {
	return func(d *Dispatcher) { d.maxParallel = n }
}

// WithTimeouts overrides per-category timeouts. Missing categories keep
// their defaults.
func WithTimeouts(t map[Category]time.Duration) Option {
	return func(d *Dispatcher) {
		for k, v := range t {
			if v > 0 {
				d.timeouts[k] = v
			}
		}
	}
}

// WithOutputLimit sets how many bytes of output stay in the thread.
func WithOutputLimit(n int) Option {
	return func(d *Dispatcher) { d.outputLimit = n }
}

func WithHooks(h Hooks) Option {
	return func(d *Dispatcher) { d.hooks = h }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New returns a Dispatcher for host.
func New(host ToolHost, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		host:        host,
		telemetry:   backend.NopTelemetry{},
		maxParallel: DefaultMaxParallel,
		timeouts:    make(map[Category]time.Duration, len(DefaultTimeouts)),
		outputLimit: DefaultOutputLimit,
		logger:      slog.New(slog.DiscardHandler),
		tracer:      otel.Tracer(tracerName),
		now:         time.Now,
	}
	for k, v := range DefaultTimeouts {
		d.timeouts[k] = v
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxParallel <= 0 {
		d.maxParallel = DefaultMaxParallel
	}
	return d
}

// Visible filters defs down to what the model may be offered: tools whose
// capability is granted, minus network tools when network is disallowed.
func Visible(defs []Definition, e *policy.Enforcer, allowNetwork bool) []Definition {
	if e == nil {
		return nil
	}
	out := make([]Definition, 0, len(defs))
	for _, def := range defs {
		if !e.Granted(def.Capability) {
			continue
		}
		if def.Network() && !allowNetwork {
			continue
		}
		out = append(out, def)
	}
	return out
}

// job is one call that passed the capability check.
type job struct {
	idx      int
	call     Call
	def      Definition
	decision policy.Decision
	targets  []string
}

// Dispatch checks every call of b, waits for approvals where needed, runs
// the authorized calls concurrently and returns one result per call in the
// order the model issued them. A failing or denied call never stops its
// siblings.
func (d *Dispatcher) Dispatch(ctx context.Context, b Batch, defs []Definition) []Result {
	results := make([]Result, len(b.Calls))
	if len(b.Calls) == 0 {
		return results
	}
	byName := make(map[string]Definition, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}

	for _, call := range b.Calls {
		if d.hooks.Started != nil {
			d.hooks.Started(call, byName[call.Name])
		}
	}

	var ready, needApproval []job
	for i, call := range b.Calls {
		j, res, ok := d.check(ctx, b, byName, i, call)
		if !ok {
			d.finish(results, i, res)
			continue
		}
		if j.decision.Outcome == policy.ApprovalRequired {
			needApproval = append(needApproval, j)
		} else {
			ready = append(ready, j)
		}
	}

	if d.hooks.Checked != nil {
		d.hooks.Checked(len(needApproval))
	}

	var g errgroup.Group
	g.SetLimit(d.maxParallel)
	submit := func(j job) {
		g.Go(func() error {
			d.finish(results, j.idx, d.execute(ctx, b, j))
			return nil
		})
	}

	// Approvals go out before executions are queued behind the pool limit.
	var approvals sync.WaitGroup
	for _, j := range needApproval {
		approvals.Add(1)
		go func() {
			defer approvals.Done()
			if res, ok := d.approve(ctx, b, j); !ok {
				d.finish(results, j.idx, res)
				return
			}
			submit(j)
		}()
	}
	for _, j := range ready {
		submit(j)
	}

	approvals.Wait()
	_ = g.Wait()
	return results
}

func (d *Dispatcher) finish(results []Result, idx int, res Result) {
	results[idx] = res
	if d.hooks.Completed != nil {
		d.hooks.Completed(res)
	}
}

// check runs the sequential part of dispatch for one call. ok is false when
// the call already has its final result.
func (d *Dispatcher) check(ctx context.Context, b Batch, byName map[string]Definition, idx int, call Call) (job, Result, bool) {
	res := Result{CallID: call.ID, Tool: call.Name}

	def, known := byName[call.Name]
	if !known {
		res.Status = StatusFailed
		res.Error = "unknown tool: " + call.Name
		return job{}, res, false
	}
	res.Capability = def.Capability

	if def.Network() && !b.AllowNetwork {
		res.Status = StatusDenied
		res.Error = "network access is disabled for this task"
		d.audit(ctx, b, call, def, policy.Decision{Outcome: policy.Denied, Reason: res.Error})
		return job{}, res, false
	}
	if b.Enforcer == nil {
		res.Status = StatusDenied
		res.Error = "no policy in effect"
		return job{}, res, false
	}

	action, targets, err := buildAction(def, call.Arguments, b.Mode, d.resolver)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return job{}, res, false
	}

	decision := b.Enforcer.Check(action)
	d.audit(ctx, b, call, def, decision)
	res.Risk = string(decision.Risk)

	if decision.Outcome == policy.Denied {
		res.Status = StatusDenied
		res.Error = decision.Reason
		res.Expired = decision.Expired
		return job{}, res, false
	}
	return job{idx: idx, call: call, def: def, decision: decision, targets: targets}, res, true
}

// approve asks the approver about j. ok is true when execution may proceed.
func (d *Dispatcher) approve(ctx context.Context, b Batch, j job) (Result, bool) {
	res := Result{CallID: j.call.ID, Tool: j.call.Name, Capability: j.def.Capability, Risk: string(j.decision.Risk)}
	if d.approver == nil {
		res.Status = StatusDenied
		res.Error = "approval unavailable"
		return res, false
	}

	var timeout time.Duration
	if rule, ok := b.Enforcer.Snapshot().Rule(j.decision.RuleID); ok {
		timeout = rule.Timeout
	}
	req := approval.Request{
		SessionID:  b.SessionID,
		TaskID:     b.TaskID,
		StepID:     b.StepID,
		CallID:     j.call.ID,
		Tool:       j.call.Name,
		Capability: j.def.Capability,
		RuleID:     j.decision.RuleID,
		Risk:       j.decision.Risk,
		Summary:    summarize(j.def, j.targets, j.decision.OutOfScope),
		Targets:    j.targets,
		Detail:     decodeDetail(j.call.Arguments),
		Timeout:    timeout,
	}
	decision := d.approver.Request(ctx, req)

	outcome := "approved"
	if !decision.Approved {
		outcome = "denied"
	}
	d.telemetry.Record(ctx, backend.AuditEvent{
		Kind:       backend.AuditApproval,
		SessionID:  b.SessionID,
		TaskID:     b.TaskID,
		CallID:     j.call.ID,
		Tool:       j.call.Name,
		Capability: j.def.Capability,
		Outcome:    outcome,
		Reason:     decision.Reason,
		RuleID:     j.decision.RuleID,
		Risk:       string(j.decision.Risk),
		At:         d.now(),
		Data:       map[string]any{"by": decision.By, "request_id": decision.RequestID},
	})

	if !decision.Approved {
		res.Status = StatusDenied
		res.Error = "approval denied"
		if decision.Reason != "" {
			res.Error += ": " + decision.Reason
		}
		return res, false
	}
	return res, true
}

func summarize(def Definition, targets, outOfScope []string) string {
	var sb strings.Builder
	sb.WriteString(def.Name)
	if len(targets) > 0 {
		sb.WriteString(" ")
		sb.WriteString(strings.Join(targets, ", "))
	}
	if len(outOfScope) > 0 {
		fmt.Fprintf(&sb, " (outside allowed scope: %s)", strings.Join(outOfScope, ", "))
	}
	return sb.String()
}

type hostOutcome struct {
	res HostResult
	err error
}

// execute runs one authorized call. The host receives a context that the
// engine never cancels; on timeout the call is reported failed and its late
// result is dropped.
func (d *Dispatcher) execute(ctx context.Context, b Batch, j job) Result {
	res := Result{CallID: j.call.ID, Tool: j.call.Name, Capability: j.def.Capability, Risk: string(j.decision.Risk)}

	if b.Enforcer.Expired() {
		res.Status = StatusDenied
		res.Error = "policy expired"
		res.Expired = true
		return res
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.execute", trace.WithAttributes(
		attribute.String("tool.name", j.call.Name),
		attribute.String("tool.call_id", j.call.ID),
		attribute.String("tool.capability", j.def.Capability),
	))
	defer span.End()

	inv := Invocation{
		CallID:        j.call.ID,
		Tool:          j.call.Name,
		Arguments:     j.call.Arguments,
		SessionID:     b.SessionID,
		TaskID:        b.TaskID,
		StepID:        b.StepID,
		WorkspaceRoot: b.Enforcer.Snapshot().WorkspaceRoot,
	}
	timeout := d.timeoutFor(j.def.Category)

	start := d.now()
	done := make(chan hostOutcome, 1)
	hostCtx := context.WithoutCancel(ctx)
	go func() {
		out, err := d.host.Execute(hostCtx, inv)
		done <- hostOutcome{res: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out hostOutcome
	select {
	case out = <-done:
	case <-timer.C:
		go func() {
			late := <-done
			d.logger.Warn("late tool result dropped",
				"tool", j.call.Name, "call_id", j.call.ID, "error", late.err)
		}()
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("timed out after %s", timeout)
		res.Duration = d.now().Sub(start)
		span.SetStatus(codes.Error, res.Error)
		return res
	}
	res.Duration = d.now().Sub(start)

	if out.err != nil {
		res.Status = StatusFailed
		res.Error = out.err.Error()
		span.RecordError(out.err)
		span.SetStatus(codes.Error, res.Error)
		return res
	}

	output, ref := d.fitOutput(ctx, b, j, out.res.Output)
	if ref != "" {
		res.ArtifactRefs = []string{ref}
	}
	if out.res.IsError {
		res.Status = StatusFailed
		res.Error = "tool reported an error"
		res.Output = output
		span.SetStatus(codes.Error, res.Error)
		return res
	}
	res.Status = StatusSucceeded
	res.Output = output
	return res
}

func (d *Dispatcher) timeoutFor(c Category) time.Duration {
	if t, ok := d.timeouts[c]; ok {
		return t
	}
	return d.timeouts[CategoryOther]
}

// fitOutput keeps output within the thread's byte budget, storing the full
// payload as an artifact when it does not fit.
func (d *Dispatcher) fitOutput(ctx context.Context, b Batch, j job, output string) (string, string) {
	limit := d.outputLimit
	if snapLimit := b.Enforcer.Snapshot().Limits.MaxToolOutputBytes; snapLimit > 0 && (limit <= 0 || snapLimit < limit) {
		limit = snapLimit
	}
	if limit <= 0 || len(output) <= limit {
		return output, ""
	}

	var ref string
	if d.artifacts != nil {
		var err error
		ref, err = d.artifacts.PutArtifact(ctx, backend.Artifact{
			SessionID: b.SessionID,
			TaskID:    b.TaskID,
			CallID:    j.call.ID,
			Name:      j.call.Name,
			Data:      []byte(output),
		})
		if err != nil {
			d.logger.Warn("artifact upload failed", "tool", j.call.Name, "call_id", j.call.ID, "error", err)
			ref = ""
		}
	}
	return truncateFor(j.def.Category, output, limit, ref), ref
}

func (d *Dispatcher) audit(ctx context.Context, b Batch, call Call, def Definition, decision policy.Decision) {
	d.telemetry.Record(ctx, backend.AuditEvent{
		Kind:       backend.AuditPolicyDecision,
		SessionID:  b.SessionID,
		TaskID:     b.TaskID,
		CallID:     call.ID,
		Tool:       call.Name,
		Capability: def.Capability,
		Outcome:    decision.Outcome.String(),
		Reason:     decision.Reason,
		RuleID:     decision.RuleID,
		Risk:       string(decision.Risk),
		At:         d.now(),
	})
}
