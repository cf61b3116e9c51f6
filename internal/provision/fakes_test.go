package provision

import (
	"context"
	"fmt"
	"strings"

	"github.com/edvin/imagebake/internal/execx"
)

// fakeRunner records every command and answers via the respond hook. The
// default response is a clean exit.
type fakeRunner struct {
	commands []string
	shell    []string
	overlay  map[string]string
	respond  func(cmdline string) (execx.Outcome, error)
}

func (f *fakeRunner) record(cmdline string) (execx.Outcome, error) {
	f.commands = append(f.commands, cmdline)
	if f.respond != nil {
		return f.respond(cmdline)
	}
	return execx.Outcome{ExitCode: 0}, nil
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (execx.Outcome, error) {
	return f.record(strings.Join(append([]string{name}, args...), " "))
}

func (f *fakeRunner) RunShell(_ context.Context, cmdline string) (execx.Outcome, error) {
	f.shell = append(f.shell, cmdline)
	return f.record(cmdline)
}

func (f *fakeRunner) SetOverlay(overlay map[string]string) {
	f.overlay = overlay
}

func (f *fakeRunner) ranCommandWith(substr string) bool {
	for _, cmd := range f.commands {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

// exitWith builds a respond hook returning the given code for commands
// containing match, and success otherwise.
func exitWith(match string, code int, stderr string) func(string) (execx.Outcome, error) {
	return func(cmdline string) (execx.Outcome, error) {
		if !strings.Contains(cmdline, match) {
			return execx.Outcome{ExitCode: 0}, nil
		}
		outcome := execx.Outcome{ExitCode: code, Stderr: stderr}
		if code == 0 {
			return outcome, nil
		}
		return outcome, &execx.ExitError{Cmd: cmdline, Outcome: outcome}
	}
}

// fakeScope counts scope transitions.
type fakeScope struct {
	entered  int
	exited   int
	enterErr error
	exitErr  error
	inScope  bool
}

func (f *fakeScope) Enter(mountpoint string) error {
	if f.enterErr != nil {
		return f.enterErr
	}
	if f.inScope {
		return fmt.Errorf("scope already entered")
	}
	f.entered++
	f.inScope = true
	return nil
}

func (f *fakeScope) Exit() error {
	if !f.inScope {
		return nil
	}
	f.inScope = false
	f.exited++
	return f.exitErr
}
