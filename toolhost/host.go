// Package toolhost is the local tool host: file, shell and web tools run
// directly on this machine inside the session's workspace. It performs no
// policy checks of its own; the dispatcher only calls it for authorized
// calls. Commands are not sandboxed.
package toolhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/martinemde/warden/dispatch"
	"github.com/martinemde/warden/policy"
)

// ErrUnknownTool is returned by Execute for tools the host does not have.
var ErrUnknownTool = errors.New("unknown tool")

// Host implements dispatch.ToolHost on the local filesystem.
type Host struct {
	root     string
	resolver policy.PathResolver
	registry *Registry
	logger   *slog.Logger

	shellTimeout    time.Duration
	shellMaxTimeout time.Duration
	killOnTimeout   bool
	maxReadBytes    int64

	http         *http.Client
	fetchTimeout time.Duration
	fetchCache   *expirable.LRU[string, string]
}

// Option configures a Host.
type Option func(*hostOptions)

type hostOptions struct {
	shellTimeout    time.Duration
	shellMaxTimeout time.Duration
	killOnTimeout   bool
	maxReadBytes    int64
	httpClient      *http.Client
	fetchTimeout    time.Duration
	cacheSize       int
	cacheTTL        time.Duration
	logger          *slog.Logger
}

// WithShellTimeouts sets the default and maximum shell command timeouts.
func WithShellTimeouts(def, limit time.Duration) Option {
	return func(o *hostOptions) {
		if def > 0 {
			o.shellTimeout = def
		}
		if limit > 0 {
			o.shellMaxTimeout = limit
		}
	}
}

// WithKillOnTimeout makes the shell tool kill a timed-out command's process
// group. By default the command is left running and only reported.
func WithKillOnTimeout(kill bool) Option {
	return func(o *hostOptions) { o.killOnTimeout = kill }
}

// WithMaxReadBytes refuses to read files larger than n bytes.
func WithMaxReadBytes(n int64) Option {
	return func(o *hostOptions) { o.maxReadBytes = n }
}

// WithHTTPClient sets the client used by fetch_url.
func WithHTTPClient(c *http.Client) Option {
	return func(o *hostOptions) { o.httpClient = c }
}

// WithFetchCache sizes the fetch_url response cache.
func WithFetchCache(size int, ttl time.Duration) Option {
	return func(o *hostOptions) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *hostOptions) { o.logger = logger }
}

// New returns a host rooted at the workspace root.
func New(root string, opts ...Option) (*Host, error) {
	o := hostOptions{
		shellTimeout:    2 * time.Minute,
		shellMaxTimeout: 10 * time.Minute,
		maxReadBytes:    10 << 20,
		fetchTimeout:    30 * time.Second,
		cacheSize:       64,
		cacheTTL:        5 * time.Minute,
		logger:          slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		}
	}

	resolver, err := policy.NewFSResolver(root)
	if err != nil {
		return nil, err
	}
	h := &Host{
		root:            resolver.Root,
		resolver:        resolver,
		registry:        NewRegistry(),
		logger:          o.logger,
		shellTimeout:    o.shellTimeout,
		shellMaxTimeout: max(o.shellMaxTimeout, o.shellTimeout),
		killOnTimeout:   o.killOnTimeout,
		maxReadBytes:    o.maxReadBytes,
		http:            o.httpClient,
		fetchTimeout:    o.fetchTimeout,
		fetchCache:      expirable.NewLRU[string, string](max(o.cacheSize, 1), nil, o.cacheTTL),
	}
	h.registerBuiltins()
	return h, nil
}

// Root returns the resolved workspace root.
func (h *Host) Root() string { return h.root }

// Resolver returns the path resolver the host uses, so the dispatcher can
// check the same paths the tools will touch.
func (h *Host) Resolver() policy.PathResolver { return h.resolver }

// Registry exposes the tool registry for adding host-specific tools.
func (h *Host) Registry() *Registry { return h.registry }

func (h *Host) Definitions(context.Context) ([]dispatch.Definition, error) {
	return h.registry.Definitions(), nil
}

// Execute runs one tool. Tool failures come back as error results for the
// model; only an unknown tool is a Go error.
func (h *Host) Execute(ctx context.Context, inv dispatch.Invocation) (dispatch.HostResult, error) {
	tool, ok := h.registry.Get(inv.Tool)
	if !ok {
		return dispatch.HostResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, inv.Tool)
	}

	start := time.Now()
	output, err := tool.Run(ctx, inv.Arguments)
	h.logger.Debug("tool executed",
		"tool", inv.Tool, "call_id", inv.CallID, "duration", time.Since(start), "error", err)

	switch {
	case err == nil:
		return dispatch.HostResult{Output: output}, nil
	case errors.Is(err, errCommandFailed):
		return dispatch.HostResult{Output: output, IsError: true}, nil
	default:
		return dispatch.HostResult{Output: err.Error(), IsError: true}, nil
	}
}

func (h *Host) resolve(path string) (string, error) {
	return h.resolver.Resolve(path)
}
