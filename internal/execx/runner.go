// Package execx runs external commands for the provisioner, capturing their
// output and exit status. Commands inherit the process environment plus an
// explicit overlay; the overlay is never written back to the process.
package execx

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Outcome is the captured result of one command invocation.
type Outcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExitError reports a command that started and exited non-zero.
type ExitError struct {
	Cmd     string
	Outcome Outcome
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited %d", e.Cmd, e.Outcome.ExitCode)
}

// Runner executes external commands synchronously.
type Runner interface {
	// Run executes name with args.
	Run(ctx context.Context, name string, args ...string) (Outcome, error)
	// RunShell executes a full command line via the shell. Used for
	// operator-supplied install commands.
	RunShell(ctx context.Context, cmdline string) (Outcome, error)
}

// ExecRunner runs commands on the host via os/exec. A non-zero exit is
// returned as an *ExitError alongside the Outcome; the caller decides
// whether that exit code means failure.
type ExecRunner struct {
	logger  zerolog.Logger
	overlay map[string]string
}

// NewExecRunner creates an ExecRunner without an environment overlay.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{
		logger: logger.With().Str("component", "runner").Logger(),
	}
}

// SetOverlay replaces the environment overlay applied to every subsequent
// command. Keys override inherited process environment values.
func (r *ExecRunner) SetOverlay(overlay map[string]string) {
	r.overlay = overlay
}

func (r *ExecRunner) env() []string {
	env := os.Environ()
	if len(r.overlay) == 0 {
		return env
	}
	keys := make([]string, 0, len(r.overlay))
	for k := range r.overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+r.overlay[k])
	}
	return env
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Outcome, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return r.run(ctx, cmd)
}

func (r *ExecRunner) RunShell(ctx context.Context, cmdline string) (Outcome, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	return r.run(ctx, cmd)
}

func (r *ExecRunner) run(ctx context.Context, cmd *exec.Cmd) (Outcome, error) {
	display := strings.Join(cmd.Args, " ")
	cmd.Env = r.env()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("stderr pipe: %w", err)
	}

	r.logger.Debug().Strs("cmd", cmd.Args).Msg("executing command")

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("start %q: %w", display, err)
	}

	// Pump both streams concurrently so neither pipe can fill and block
	// the child. Lines are echoed through the logger as they arrive.
	var outBuf, errBuf strings.Builder
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pump(stdout, &outBuf, "stdout") })
	g.Go(func() error { return r.pump(stderr, &errBuf, "stderr") })
	pumpErr := g.Wait()

	waitErr := cmd.Wait()

	outcome := Outcome{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
	}

	if pumpErr != nil {
		return outcome, fmt.Errorf("read output of %q: %w", display, pumpErr)
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); ok {
			return outcome, &ExitError{Cmd: display, Outcome: outcome}
		}
		return outcome, fmt.Errorf("wait %q: %w", display, waitErr)
	}
	return outcome, nil
}

func (r *ExecRunner) pump(src io.Reader, dst *strings.Builder, stream string) error {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		dst.WriteString(line)
		dst.WriteByte('\n')
		r.logger.Debug().Str("stream", stream).Msg(line)
	}
	return scanner.Err()
}
