package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/martinemde/warden/agentloop"
	"github.com/martinemde/warden/policy"
)

type runOptions struct {
	maxSteps     int
	allowNetwork bool
	approvalMode string
	workspace    string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one task in a new session",
		Long: `run opens a session, runs the prompt as a single task and shuts the
session down when the task ends. Approval requests are asked on the
terminal. Interrupt once to cancel the task, twice to quit.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if opts.workspace != "" {
				cfg.Session.WorkspaceRoot = opts.workspace
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
			if err := a.handshake(ctx); err != nil {
				return err
			}
			mode := policy.ApprovalMode(opts.approvalMode)
			if mode == "" && !stdinIsTerminal() {
				// Nobody can answer a prompt.
				mode = policy.ApprovalModeHeadless
			}
			taskID, err := a.ctl.StartTask(ctx, strings.Join(args, " "), agentloop.TaskOptions{
				MaxSteps:     opts.maxSteps,
				AllowNetwork: opts.allowNetwork,
				ApprovalMode: mode,
			})
			if err != nil {
				return err
			}
			a.logger.Debug("task started", "task_id", taskID, "approval_mode", mode)

			t := &terminal{ctl: a.ctl, out: cmd.OutOrStdout(), in: bufio.NewReader(cmd.InOrStdin())}
			err = t.follow(ctx, events)
			if errors.Is(err, errPaused) {
				// Leave the checkpoint for `warden recover`.
				a.detach()
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "step limit for the task (default from config)")
	cmd.Flags().BoolVar(&opts.allowNetwork, "allow-network", false, "let the task use network tools the policy grants")
	cmd.Flags().StringVar(&opts.approvalMode, "approval-mode", "", "policy, strict or headless (default from config)")
	cmd.Flags().StringVarP(&opts.workspace, "workspace", "w", "", "workspace root (default: current directory)")
	return cmd
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// terminal renders notifications and answers approvals on a TTY.
type terminal struct {
	ctl interface {
		CancelTask() error
		DecideApproval(id string, approved bool, reason string) error
	}
	out io.Writer
	in  *bufio.Reader
}

var (
	errTaskFailed = errors.New("task failed")
	errPaused     = errors.New("session paused")
)

// follow prints notifications until the task ends. The first interrupt
// cancels the task; the loop keeps following until the cancellation lands.
func (t *terminal) follow(ctx context.Context, events <-chan agentloop.Notification) error {
	interrupted := ctx.Done()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			fmt.Fprintln(t.out, "\ncancelling task (interrupt again to quit)")
			if err := t.ctl.CancelTask(); err != nil {
				return err
			}
			// A second signal now terminates the process.
			signal.Reset(os.Interrupt, syscall.SIGTERM)
		case n, ok := <-events:
			if !ok {
				return nil
			}
			if done, err := t.render(n); done {
				return err
			}
		}
	}
}

func (t *terminal) render(n agentloop.Notification) (bool, error) {
	switch n.EventType {
	case agentloop.EventTextDelta:
		fmt.Fprint(t.out, n.Data["text"])
	case agentloop.EventToolCallStarted:
		fmt.Fprintf(t.out, "\n> %v\n", n.Data["tool"])
	case agentloop.EventToolCallCompleted:
		if e, ok := n.Data["error"]; ok && e != nil && e != "" {
			fmt.Fprintf(t.out, "  %v: %v\n", n.Data["status"], e)
		}
	case agentloop.EventApprovalRequested:
		t.ask(n)
	case agentloop.EventStepLimitWarning:
		fmt.Fprintf(t.out, "\n[%v steps remaining]\n", n.Data["remaining"])
	case agentloop.EventSessionPaused:
		fmt.Fprintf(t.out, "\nsession paused: %v (run `warden recover` to continue)\n", n.Data["reason"])
		return true, errPaused
	case agentloop.EventWarning:
		fmt.Fprintf(t.out, "\nwarning: %v\n", n.Data["message"])
	case agentloop.EventTaskCompleted:
		fmt.Fprintln(t.out)
		return true, nil
	case agentloop.EventTaskCancelled:
		fmt.Fprintln(t.out, "\ntask cancelled")
		return true, nil
	case agentloop.EventTaskFailed:
		return true, fmt.Errorf("%w: %v", errTaskFailed, n.Data["reason"])
	}
	return false, nil
}

func (t *terminal) ask(n agentloop.Notification) {
	id, _ := n.Data["approval_id"].(string)
	if id == "" {
		return
	}
	fmt.Fprintf(t.out, "\n%v wants to %v (risk %v)\n", n.Data["tool"], n.Data["summary"], n.Data["risk"])
	if targets, ok := n.Data["targets"].([]string); ok {
		for _, target := range targets {
			fmt.Fprintf(t.out, "  %s\n", target)
		}
	}
	fmt.Fprint(t.out, "approve? [y/N] ")
	line, err := t.in.ReadString('\n')
	if err != nil && line == "" {
		_ = t.ctl.DecideApproval(id, false, "no answer")
		return
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	if answer == "y" || answer == "yes" {
		_ = t.ctl.DecideApproval(id, true, "")
		return
	}
	_ = t.ctl.DecideApproval(id, false, "denied at the terminal")
}
