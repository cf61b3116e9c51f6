package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/imagebake/internal/execx"
)

// AgentRunner executes exactly one agent command inside the isolated scope
// and classifies its detailed exit code.
type AgentRunner struct {
	logger    zerolog.Logger
	runner    execx.Runner
	extraArgs string
	master    string
}

// NewAgentRunner creates an AgentRunner. master may be empty; the local
// hostname is used in its place for master mode.
func NewAgentRunner(logger zerolog.Logger, runner execx.Runner, extraArgs, master string) *AgentRunner {
	return &AgentRunner{
		logger:    logger.With().Str("component", "agent-runner").Logger(),
		runner:    runner,
		extraArgs: extraArgs,
		master:    master,
	}
}

// ExitSuccess reports whether a detailed agent exit code means the run
// succeeded: 0 is "no changes" and 2 is "changes applied". 4 ("failures")
// and 6 ("changes and failures"), like every other code, are failures.
func ExitSuccess(code int) bool {
	return code == 0 || code == 2
}

// RunMaster performs a one-shot agent run against the remote master. The
// returned bool is the classified success of the run; err is set only for
// faults that prevented classification.
func (r *AgentRunner) RunMaster(ctx context.Context, certName string) (execx.Outcome, bool, error) {
	master := r.master
	if master == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return execx.Outcome{}, false, fmt.Errorf("resolve local hostname: %w", err)
		}
		master = hostname
	}

	r.logger.Info().Str("certname", certName).Str("server", master).Msg("running puppet agent")
	cmdline := joinCommand(
		"puppet agent --detailed-exitcodes --no-daemonize --logdest console --onetime",
		"--certname "+certName,
		"--server "+master,
		r.extraArgs,
	)
	return r.run(ctx, cmdline)
}

// RunApply performs a standalone agent run against the staged manifests.
// applyFile is empty when a full module tree was staged; the agent then runs
// against its default search path.
func (r *AgentRunner) RunApply(ctx context.Context, applyFile string) (execx.Outcome, bool, error) {
	if applyFile == "" {
		r.logger.Info().Msg("running puppet apply")
	} else {
		r.logger.Info().Str("apply_file", applyFile).Msg("running puppet apply")
	}

	cmdline := joinCommand(
		"puppet apply --detailed-exitcodes --logdest console --debug --verbose",
		r.extraArgs,
		applyFile,
	)
	return r.run(ctx, cmdline)
}

func (r *AgentRunner) run(ctx context.Context, cmdline string) (execx.Outcome, bool, error) {
	outcome, err := r.runner.RunShell(ctx, cmdline)

	var exitErr *execx.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return outcome, false, fmt.Errorf("run agent: %w", err)
	}

	ok := ExitSuccess(outcome.ExitCode)
	r.logger.Info().Int("exit_code", outcome.ExitCode).Bool("success", ok).Msg("puppet finished")
	if !ok {
		// Critical severity without terminating; the orchestrator still has
		// to exit the scope and report.
		r.logger.WithLevel(zerolog.FatalLevel).
			Str("stderr", outcome.Stderr).
			Msg("puppet run failed")
	}
	return outcome, ok, nil
}

// joinCommand assembles a command line from parts, dropping empty ones.
func joinCommand(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
