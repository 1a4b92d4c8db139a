package toolhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"
)

// commandResult is what a finished (or abandoned) shell command produced.
// Output interleaves stdout and stderr in write order.
type commandResult struct {
	output   string
	exitCode int
	timedOut bool
	killed   bool
	pid      int
	elapsed  time.Duration
}

// Variables whose upper-cased name ends in one of these look like
// credentials and are withheld from commands. So is the engine's own
// WARDEN_ namespace.
var credentialSuffixes = []string{"_API_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_CREDENTIAL"}

// passthroughEnv is never withheld, whatever its name looks like.
var passthroughEnv = []string{
	"PATH", "HOME", "USER", "SHELL", "LANG", "TERM", "TMPDIR",
	"GOPATH", "GOROOT", "CARGO_HOME",
	"XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME",
}

func withheld(name string) bool {
	if slices.Contains(passthroughEnv, name) {
		return false
	}
	upper := strings.ToUpper(name)
	return strings.HasPrefix(upper, "WARDEN_") ||
		slices.ContainsFunc(credentialSuffixes, func(s string) bool { return strings.HasSuffix(upper, s) })
}

// filterEnvironment drops credentials and malformed entries from environ.
func filterEnvironment(environ []string) []string {
	return slices.DeleteFunc(slices.Clone(environ), func(kv string) bool {
		name, _, ok := strings.Cut(kv, "=")
		return !ok || withheld(name)
	})
}

// syncBuffer collects output from a command that may outlive the caller.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// runCommand runs command with /bin/sh in dir. Once timeout passes,
// whatever was written so far is returned with timedOut set. The command
// keeps running in the background unless kill is set, in which case its
// whole process group is killed first.
func runCommand(ctx context.Context, command string, timeout time.Duration, dir string, kill bool) (commandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := &syncBuffer{}
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = filterEnvironment(os.Environ())
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second

	began := time.Now()
	if err := cmd.Start(); err != nil {
		return commandResult{}, fmt.Errorf("shell: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		if kill {
			if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
				_ = cmd.Process.Kill()
			}
			<-done
		}
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return commandResult{}, fmt.Errorf("shell: %w", ctx.Err())
		}
		return commandResult{
			output:   out.String(),
			exitCode: -1,
			timedOut: true,
			killed:   kill,
			pid:      cmd.Process.Pid,
			elapsed:  time.Since(began),
		}, nil
	}

	res := commandResult{output: out.String(), elapsed: time.Since(began)}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.exitCode = exitErr.ExitCode()
	default:
		return commandResult{}, fmt.Errorf("shell: %w", runErr)
	}
	return res, nil
}
