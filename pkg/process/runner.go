// Package process runs external commands under an expected-exit-code contract.
package process

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/alessio/shellescape"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/metrics"
)

// Cmd describes one external invocation.
type Cmd struct {
	Name string
	Args []string
	// Privileged runs the command through the configured root helper.
	Privileged bool
	// ExitCodes lists accepted exit codes. Empty means {0}.
	ExitCodes []int
	// Attempts bounds automatic retries on an unexpected exit code.
	// Zero or one means a single attempt.
	Attempts int
	// Stdin is fed to the process when non-empty.
	Stdin string
}

// String renders the command line, shell quoted.
func (c Cmd) String() string {
	return shellescape.QuoteCommand(append([]string{c.Name}, c.Args...))
}

func (c Cmd) accepts(code int) bool {
	if len(c.ExitCodes) == 0 {
		return code == 0
	}
	return slices.Contains(c.ExitCodes, code)
}

// Result holds the captured output of the last attempt.
type Result struct {
	Stdout string
	Stderr string
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Result, error)
}

// ExecRunner runs commands on the local host with os/exec.
type ExecRunner struct {
	// RootHelper prefixes privileged commands, e.g. "sudo -n". Empty runs
	// them directly.
	RootHelper string
	// RetryDelay separates attempts of a retried command.
	RetryDelay time.Duration
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

var _ Runner = (*ExecRunner)(nil)

func (r *ExecRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Run executes cmd, retrying up to cmd.Attempts times while the exit code is
// unexpected. A command that cannot be started at all is not retried.
func (r *ExecRunner) Run(ctx context.Context, cmd Cmd) (Result, error) {
	attempts := max(cmd.Attempts, 1)
	name, args := r.argv(cmd)
	log := r.logger().With("command", shellescape.QuoteCommand(append([]string{name}, args...)))

	var (
		res     Result
		failure *errors.ExternalCommandFailure
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			log.Warn("command_retry", "attempt", attempt, "attempts", attempts, "exit_code", failure.ExitCode)
			if err := sleepContext(ctx, r.RetryDelay); err != nil {
				return res, errors.Wrap(err, "command retry interrupted")
			}
		}

		var code int
		var startErr error
		res, code, startErr = r.runOnce(ctx, name, args, cmd.Stdin)
		if startErr == nil && cmd.accepts(code) {
			log.Debug("command_complete", "attempt", attempt, "exit_code", code)
			return res, nil
		}

		failure = &errors.ExternalCommandFailure{
			Command:  cmd.Name,
			Args:     cmd.Args,
			ExitCode: code,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Err:      startErr,
		}
		if startErr != nil {
			break
		}
	}

	log.Error("command_failed",
		"exit_code", failure.ExitCode,
		"stdout", failure.Stdout,
		"stderr", failure.Stderr,
		"error", failure.Err)
	return res, failure
}

func (r *ExecRunner) argv(cmd Cmd) (string, []string) {
	if !cmd.Privileged || r.RootHelper == "" {
		return cmd.Name, cmd.Args
	}
	helper := strings.Fields(r.RootHelper)
	return helper[0], append(append(helper[1:], cmd.Name), cmd.Args...)
}

func (r *ExecRunner) runOnce(ctx context.Context, name string, args []string, stdin string) (Result, int, error) {
	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, name, args...)
	c.Stdout = &stdout
	c.Stderr = &stderr
	if stdin != "" {
		c.Stdin = strings.NewReader(stdin)
	}

	start := time.Now()
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		r.Metrics.ObserveCommand(name, time.Since(start), false)
		return res, 0, nil
	case stderrors.As(err, &exitErr) && ctx.Err() == nil:
		r.Metrics.ObserveCommand(name, time.Since(start), true)
		return res, exitErr.ExitCode(), nil
	default:
		r.Metrics.ObserveCommand(name, time.Since(start), true)
		return res, -1, err
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
