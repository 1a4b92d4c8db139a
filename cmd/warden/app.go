package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/martinemde/warden/agentloop"
	"github.com/martinemde/warden/backend"
	"github.com/martinemde/warden/checkpoint"
	"github.com/martinemde/warden/config"
	"github.com/martinemde/warden/metrics"
	"github.com/martinemde/warden/observability"
	"github.com/martinemde/warden/policy"
	"github.com/martinemde/warden/thread"
	"github.com/martinemde/warden/toolhost"
	"github.com/martinemde/warden/unifiedllm"
)

// app is a fully wired controller and the resources behind it.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	ctl       *agentloop.Controller
	registrar backend.Registrar
	registry  *prometheus.Registry
	tracer    *observability.TracerProvider
	detached  bool

	closers []func(context.Context) error
}

// newApp builds everything the controller needs from cfg. Close releases
// it all, in reverse order.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (_ *app, err error) {
	logger := newLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.CheckpointDir, cfg.Paths.ArtifactDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	cfg.Tracing.ServiceVersion = version
	a.tracer, err = observability.NewTracerProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.tracer.Shutdown)

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNew(a.registry)

	var remote *backend.HTTPClient
	if cfg.Backend.URL != "" {
		remote, err = backend.NewHTTPClient(cfg.Backend.URL,
			backend.WithToken(cfg.Backend.Token),
			backend.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}),
			backend.WithHTTPLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		a.registrar = remote
	} else {
		a.registrar = backend.NewFileRegistrar(cfg.Backend.HandshakeFile)
	}

	history, telemetry, err := a.openHistory(remote)
	if err != nil {
		return nil, err
	}

	artifacts, err := backend.NewFilesystemArtifacts(cfg.Paths.ArtifactDir)
	if err != nil {
		return nil, err
	}

	host, err := toolhost.New(workspaceRoot(cfg),
		toolhost.WithShellTimeouts(cfg.Tools.ShellTimeout, cfg.Tools.ShellMaxTimeout),
		toolhost.WithKillOnTimeout(cfg.Tools.KillOnTimeout),
		toolhost.WithMaxReadBytes(cfg.Tools.MaxReadBytes),
		toolhost.WithFetchCache(cfg.Tools.FetchCacheSize, cfg.Tools.FetchCacheTTL),
		toolhost.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	model, err := newModelClient(cfg.Model, a.tracer, logger)
	if err != nil {
		return nil, err
	}

	var cpOpts []checkpoint.Option
	if cfg.Paths.AgeIdentity != "" {
		enc, err := checkpoint.EncryptionFromIdentityFile(cfg.Paths.AgeIdentity)
		if err != nil {
			return nil, err
		}
		cpOpts = append(cpOpts, enc)
	}

	a.ctl, err = agentloop.NewController(agentloop.Deps{
		Registrar:         a.registrar,
		Model:             model,
		Host:              host,
		CheckpointDir:     cfg.Paths.CheckpointDir,
		CheckpointOptions: cpOpts,
		History:           history,
		Artifacts:         artifacts,
		Telemetry:         telemetry,
		Counter:           thread.TiktokenCounter{},
		Metrics:           m,
		Logger:            logger,
	}, agentloop.Settings{
		Model:               cfg.Model.Name,
		Provider:            cfg.Model.Provider,
		WorkspaceRoot:       host.Root(),
		Instructions:        cfg.Session.Instructions,
		MaxSteps:            cfg.Session.MaxSteps,
		MaxContinuations:    cfg.Session.MaxContinuations,
		ApprovalMode:        policy.ApprovalMode(cfg.Session.ApprovalMode),
		ApprovalTimeout:     cfg.Session.ApprovalTimeout,
		MaxOutputTokens:     cfg.Model.MaxOutputTokens,
		RecencyWindow:       cfg.Session.RecencyWindow,
		LoopDetectionWindow: cfg.Session.LoopDetectionWindow,
		EventBuffer:         cfg.Session.EventBuffer,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// openHistory picks the thread history store and the audit sink. Uploads
// go through an AsyncHistory so a slow store never blocks the loop.
func (a *app) openHistory(remote *backend.HTTPClient) (backend.HistoryStore, backend.Telemetry, error) {
	cfg := a.cfg
	var (
		store     backend.HistoryStore
		telemetry backend.Telemetry
	)
	switch cfg.Backend.History {
	case "none":
		return backend.NopHistory{}, a.remoteAudit(remote), nil
	case "remote":
		store, telemetry = remote, a.auditTo(remote)
	case "file":
		fh, err := backend.NewFileHistory(cfg.Paths.HistoryDir)
		if err != nil {
			return nil, nil, err
		}
		store, telemetry = fh, a.remoteAudit(remote)
	default:
		db, err := backend.OpenSQLiteStore(backend.SQLiteConfig{Path: cfg.Paths.Database, Logger: a.logger})
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		store = db
		telemetry = a.auditTo(db)
		if remote != nil {
			telemetry = backend.MultiTelemetry{telemetry, a.auditTo(remote)}
		}
	}

	async := backend.NewAsyncHistory(store,
		backend.WithUploadLogger(a.logger),
		backend.WithUploadResult(func(err error) {
			if err != nil {
				a.logger.Warn("history upload failed", "error", err)
			}
		}),
	)
	a.closers = append(a.closers, async.Close)
	return async, telemetry, nil
}

func (a *app) remoteAudit(remote *backend.HTTPClient) backend.Telemetry {
	if remote == nil {
		return backend.NopTelemetry{}
	}
	return a.auditTo(remote)
}

// auditTo delivers audit events to store off the loop. The sink is closed
// before the store it feeds.
func (a *app) auditTo(store backend.AuditStore) backend.Telemetry {
	sink := backend.NewAsyncTelemetry(store, backend.WithAuditLogger(a.logger))
	a.closers = append(a.closers, sink.Close)
	return sink
}

func newModelClient(cfg config.ModelConfig, tp *observability.TracerProvider, logger *slog.Logger) (*unifiedllm.ModelClient, error) {
	opts := []unifiedllm.GollmAdapterOption{
		unifiedllm.WithModel(cfg.Name),
		unifiedllm.WithTemperature(cfg.Temperature),
	}
	if cfg.MaxOutputTokens > 0 {
		opts = append(opts, unifiedllm.WithMaxTokens(cfg.MaxOutputTokens))
	}
	adapter, err := unifiedllm.NewGollmAdapter(cfg.Provider, cfg.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("model provider %s: %w", cfg.Provider, err)
	}
	client := unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Provider, adapter),
		unifiedllm.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
		unifiedllm.WithTracing(tp.Tracer()),
	)
	retryPolicy := unifiedllm.DefaultRetryPolicy()
	retryPolicy.MaxAttempts = cfg.MaxAttempts
	return unifiedllm.NewModelClient(client,
		unifiedllm.WithRetryPolicy(retryPolicy),
		unifiedllm.WithLogger(logger),
	), nil
}

func workspaceRoot(cfg *config.Config) string {
	if cfg.Session.WorkspaceRoot != "" {
		return cfg.Session.WorkspaceRoot
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// handshake opens a session through the registrar and starts it.
func (a *app) handshake(ctx context.Context) error {
	hostname, _ := os.Hostname()
	h, err := a.registrar.Handshake(ctx, backend.HandshakeRequest{
		WorkspaceID:   a.cfg.Session.WorkspaceID,
		WorkspaceRoot: workspaceRoot(a.cfg),
		ClientVersion: version,
		Hostname:      hostname,
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return a.ctl.Start(ctx, h)
}

// detach makes Close leave the session and its checkpoint in place.
func (a *app) detach() { a.detached = true }

// Close shuts the session down if one is open, then releases resources.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.ctl != nil && !a.detached {
		if st := a.ctl.Status(); st.SessionID != "" && !st.SessionState.Terminal() {
			if err := a.ctl.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
