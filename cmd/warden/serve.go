package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/martinemde/warden/hostapi"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr         string
		recoverFirst bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the host API on a local address",
		Long: `serve exposes the controller to a host application over HTTP, with
notifications on a WebSocket at /v1/events. Prometheus metrics are
served at server.metrics_path. With --recover, a checkpoint left by a
crashed process is resumed before the API starts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if recoverFirst {
				ok, err := a.ctl.Recover(ctx)
				if err != nil {
					a.logger.Error("recovery failed", "error", err)
				} else if ok {
					a.logger.Info("session recovered", "session_id", a.ctl.Status().SessionID)
				}
			}

			hostname, _ := os.Hostname()
			srv := hostapi.New(a.ctl, a.registrar,
				hostapi.WithLogger(a.logger),
				hostapi.WithClientVersion(version),
				hostapi.WithHostname(hostname),
				hostapi.WithMetrics(cfg.Server.MetricsPath, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})),
				hostapi.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
			)
			return srv.Serve(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	cmd.Flags().BoolVar(&recoverFirst, "recover", false, "resume a crashed session before serving")
	return cmd
}
