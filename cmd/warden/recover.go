package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRecoverCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume the session a crashed process left behind",
		Long: `recover looks for the newest checkpoint, refreshes its policy through
the registrar and continues the interrupted task from the last completed
step. Tool calls of that step are not run again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			events, unsubscribe := a.ctl.Subscribe()
			defer unsubscribe()
			ok, err := a.ctl.Recover(ctx)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no checkpoint to recover")
				return nil
			}
			st := a.ctl.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "recovered session %s\n", st.SessionID)
			if st.Task == nil {
				return nil
			}

			t := &terminal{ctl: a.ctl, out: cmd.OutOrStdout(), in: bufio.NewReader(cmd.InOrStdin())}
			err = t.follow(ctx, events)
			if errors.Is(err, errPaused) {
				a.detach()
				return nil
			}
			return err
		},
	}
}
