package policy

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Outcome is the verdict of a capability check.
type Outcome int

const (
	Allowed Outcome = iota
	Denied
	ApprovalRequired
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case ApprovalRequired:
		return "approval_required"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ApprovalMode is the per-task approval behavior chosen by the operator. It
// can only make checks stricter than the snapshot.
type ApprovalMode string

const (
	// ApprovalModePolicy asks for approval where the snapshot says so.
	ApprovalModePolicy ApprovalMode = "policy"
	// ApprovalModeStrict asks for approval on every allowed action.
	ApprovalModeStrict ApprovalMode = "strict"
	// ApprovalModeHeadless denies anything that would need a human.
	ApprovalModeHeadless ApprovalMode = "headless"
)

// Valid reports whether m is a known mode. The empty mode means policy.
func (m ApprovalMode) Valid() bool {
	switch m {
	case "", ApprovalModePolicy, ApprovalModeStrict, ApprovalModeHeadless:
		return true
	}
	return false
}

// Action is one proposed operation, already reduced to the facts the
// enforcer needs. Paths must be absolute and symlink-resolved.
type Action struct {
	Tool       string
	Capability string
	Paths      []string
	Command    string
	URL        string
	Size       int64
	Mode       ApprovalMode
}

// Decision is the result of Check.
type Decision struct {
	Outcome    Outcome
	Capability string
	Reason     string
	RuleID     string
	Risk       RiskLevel
	Expired    bool
	OutOfScope []string
}

// Enforcer evaluates actions against one immutable snapshot. It is safe
// for concurrent use.
type Enforcer struct {
	snapshot *Snapshot
	grants   map[string]compiledGrant
	now      func() time.Time
}

type compiledGrant struct {
	Grant
	allowPaths []pathPattern
	blockPaths []pathPattern
	allowCmds  map[string]bool
	blockCmds  map[string]bool
	domains    []string
}

// Option configures an Enforcer.
type Option func(*enforcerOptions)

type enforcerOptions struct {
	now      func() time.Time
	resolver PathResolver
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *enforcerOptions) { o.now = now }
}

// WithResolver resolves literal scope paths once at construction so that
// they compare equal to resolved action paths.
func WithResolver(r PathResolver) Option {
	return func(o *enforcerOptions) { o.resolver = r }
}

// NewEnforcer compiles the snapshot's grants. The snapshot must already
// have passed Validate.
func NewEnforcer(s *Snapshot, opts ...Option) *Enforcer {
	o := enforcerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Enforcer{
		snapshot: s,
		grants:   make(map[string]compiledGrant, len(s.Grants)),
		now:      o.now,
	}
	for _, g := range s.Grants {
		fold := g.Scope.CaseInsensitive
		cg := compiledGrant{
			Grant:      g,
			allowPaths: compilePaths(g.Scope.AllowPaths, s.WorkspaceRoot, o.resolver, fold),
			blockPaths: compilePaths(g.Scope.BlockPaths, s.WorkspaceRoot, o.resolver, fold),
			allowCmds:  toSet(g.Scope.AllowCommands),
			blockCmds:  toSet(g.Scope.BlockCommands),
		}
		for _, d := range g.Scope.AllowDomains {
			cg.domains = append(cg.domains, strings.ToLower(strings.TrimSpace(d)))
		}
		e.grants[g.Capability] = cg
	}
	return e
}

// Snapshot returns the snapshot the enforcer was built from.
func (e *Enforcer) Snapshot() *Snapshot { return e.snapshot }

// Expired reports whether the snapshot has expired. It is checked before
// every model and tool invocation, independently of Check.
func (e *Enforcer) Expired() bool {
	return e.snapshot.Expired(e.now())
}

// Granted reports whether the capability appears in the snapshot at all.
func (e *Enforcer) Granted(capability string) bool {
	_, ok := e.grants[capability]
	return ok
}

// ModelAllowed reports whether model is on the snapshot's allow-list. An
// empty list allows any model.
func (e *Enforcer) ModelAllowed(model string) bool {
	if len(e.snapshot.Models) == 0 {
		return true
	}
	for _, m := range e.snapshot.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Check evaluates one action. It performs no I/O.
func (e *Enforcer) Check(a Action) Decision {
	d := Decision{Capability: a.Capability}

	if e.Expired() {
		d.Outcome = Denied
		d.Reason = "policy expired"
		d.Expired = true
		return d
	}

	g, ok := e.grants[a.Capability]
	if !ok {
		return deny(d, "capability %s not granted", a.Capability)
	}

	switch FamilyOf(a.Capability) {
	case FamilyFile:
		if len(a.Paths) == 0 {
			return deny(d, "%s requires a path", a.Capability)
		}
		for _, p := range a.Paths {
			candidate := p
			if g.Scope.CaseInsensitive {
				candidate = strings.ToLower(candidate)
			}
			if matchAny(g.blockPaths, candidate) {
				return deny(d, "path %s is blocked", p)
			}
			if len(g.allowPaths) > 0 && !matchAny(g.allowPaths, candidate) {
				d.OutOfScope = append(d.OutOfScope, p)
			}
		}
	case FamilyShell:
		bases, err := CommandBases(a.Command)
		if err != nil {
			return deny(d, "%v", err)
		}
		for _, base := range bases {
			if g.blockCmds[base] {
				return deny(d, "command %s is blocked", base)
			}
		}
		for _, base := range bases {
			if len(g.allowCmds) > 0 && !g.allowCmds[base] {
				d.OutOfScope = append(d.OutOfScope, base)
			}
		}
	case FamilyNetwork:
		host, err := hostOf(a.URL)
		if err != nil {
			return deny(d, "invalid url: %v", err)
		}
		if len(g.domains) > 0 && !matchDomain(g.domains, host) {
			d.OutOfScope = append(d.OutOfScope, host)
		}
	}

	if g.Scope.MaxBytes > 0 && a.Size > g.Scope.MaxBytes {
		return deny(d, "size %d exceeds limit %d", a.Size, g.Scope.MaxBytes)
	}

	if len(d.OutOfScope) > 0 && !g.RequiresApproval {
		return deny(d, "%s outside allowed scope", strings.Join(d.OutOfScope, ", "))
	}

	if !g.RequiresApproval && a.Mode != ApprovalModeStrict {
		d.Outcome = Allowed
		return d
	}

	if a.Mode == ApprovalModeHeadless {
		return deny(d, "approval unavailable in headless mode")
	}

	risk := BaseRisk(a.Capability)
	if len(d.OutOfScope) > 0 {
		risk = risk.Escalate()
	}
	if rule, ok := e.snapshot.Rule(g.ApprovalRule); ok {
		risk = risk.AtLeast(rule.Risk)
	}
	d.Outcome = ApprovalRequired
	d.RuleID = g.ApprovalRule
	d.Risk = risk
	return d
}

func deny(d Decision, format string, args ...any) Decision {
	d.Outcome = Denied
	d.Reason = fmt.Sprintf(format, args...)
	return d
}

// forbiddenShellTokens hide commands from the base-command check:
// substitutions, subshells and redirections.
var forbiddenShellTokens = []string{"$(", "`", "(", ")", ">", "<"}

// commandSeparators start a new command in a shell list or pipeline.
var commandSeparators = strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n", "&", "\n", "\r", "\n")

// CommandBases splits a command line on list and pipeline operators and
// returns the base command of every segment. A line carrying a forbidden
// token, or with no command at all, is an error.
func CommandBases(command string) ([]string, error) {
	for _, tok := range forbiddenShellTokens {
		if strings.Contains(command, tok) {
			return nil, fmt.Errorf("command contains forbidden token %q", tok)
		}
	}
	var bases []string
	for _, segment := range strings.Split(commandSeparators.Replace(command), "\n") {
		if base := BaseCommand(segment); base != "" {
			bases = append(bases, base)
		}
	}
	if len(bases) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return bases, nil
}

// BaseCommand extracts the executable name from one simple command,
// skipping leading VAR=value assignments. Arguments are not inspected.
func BaseCommand(command string) string {
	for _, field := range strings.Fields(command) {
		if isAssignment(field) {
			continue
		}
		return filepath.Base(field)
	}
	return ""
}

func isAssignment(field string) bool {
	name, _, ok := strings.Cut(field, "=")
	if !ok || name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

type pathPattern struct {
	value string
	glob  bool
}

func compilePaths(list []string, root string, resolver PathResolver, fold bool) []pathPattern {
	out := make([]pathPattern, 0, len(list))
	for _, raw := range list {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) && root != "" {
			p = filepath.Join(root, p)
		}
		glob := strings.ContainsAny(p, "*?[")
		if glob {
			p = filepath.Clean(p)
		} else if resolver != nil {
			if resolved, err := resolver.Resolve(p); err == nil {
				p = resolved
			}
		} else {
			p = filepath.Clean(p)
		}
		if fold {
			p = strings.ToLower(p)
		}
		out = append(out, pathPattern{value: p, glob: glob})
	}
	return out
}

func matchAny(patterns []pathPattern, path string) bool {
	for _, p := range patterns {
		if p.match(path) {
			return true
		}
	}
	return false
}

func (p pathPattern) match(path string) bool {
	if !p.glob {
		return hasPathPrefix(p.value, path)
	}
	if dir, ok := strings.CutSuffix(p.value, string(filepath.Separator)+"**"); ok {
		return hasPathPrefix(dir, path)
	}
	ok, err := filepath.Match(p.value, path)
	return err == nil && ok
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = true
		}
	}
	return set
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	return host, nil
}

func matchDomain(allowed []string, host string) bool {
	for _, d := range allowed {
		if sub, ok := strings.CutPrefix(d, "*."); ok {
			if strings.HasSuffix(host, "."+sub) {
				return true
			}
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
