package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/imagebake/internal/chroot"
	"github.com/edvin/imagebake/internal/config"
	"github.com/edvin/imagebake/internal/execx"
	"github.com/edvin/imagebake/internal/metrics"
)

// Runner is the command execution capability the provisioner drives. The
// overlay set during pre-staging applies to every later command in the run,
// inside and outside the scope.
type Runner interface {
	execx.Runner
	SetOverlay(overlay map[string]string)
}

// Result describes a completed provisioning run.
type Result struct {
	Mode          Mode
	ApplyFile     string
	AgentExitCode int
	// Release is the timestamp stamped on the run for the downstream image
	// packager.
	Release string
	// Success is the classified agent result. Fatal staging or install
	// errors are returned as errors instead, without a Result.
	Success bool
}

// Provisioner sequences one provisioning run: decide mode, pre-stage outside
// the scope, enter the isolated root, install and run the agent, exit the
// scope, clean up.
type Provisioner struct {
	logger   zerolog.Logger
	plan     *config.Plan
	runner   Runner
	scope    chroot.Scope
	recorder *metrics.Recorder

	certs     *CertStager
	manifests *ManifestStager
	installer *Installer
	agent     *AgentRunner
}

// New wires a Provisioner from its capabilities. recorder may be nil.
func New(logger zerolog.Logger, plan *config.Plan, runner Runner, scope chroot.Scope, recorder *metrics.Recorder) *Provisioner {
	opts := plan.Options
	return &Provisioner{
		logger:    logger,
		plan:      plan,
		runner:    runner,
		scope:     scope,
		recorder:  recorder,
		certs:     NewCertStager(logger, runner, opts.AgentCertsDir, opts.AgentPrivateKeysDir),
		manifests: NewManifestStager(logger),
		installer: NewInstaller(logger, runner, plan.DistroFamily, opts),
		agent:     NewAgentRunner(logger, runner, opts.AgentArgs, opts.AgentMaster),
	}
}

// Provision runs the full sequence. The Result reports the classified agent
// outcome; a non-nil error means the run aborted on a fault before the
// result could be classified, or failed during cleanup.
func (p *Provisioner) Provision(ctx context.Context) (*Result, error) {
	start := time.Now()
	mode := DecideMode(p.plan.Package)
	result := &Result{
		Mode:    mode,
		Release: start.Format("200601021504"),
	}

	p.logger.Info().
		Str("mode", mode.String()).
		Str("package", p.plan.Package).
		Str("mountpoint", p.plan.Mountpoint).
		Msg("starting provision")

	if err := p.preStage(ctx, mode, result); err != nil {
		return nil, err
	}

	p.applyEnvOverlay()

	if err := p.runInScope(ctx, mode, result); err != nil {
		return nil, err
	}

	if mode == ModeMaster {
		if err := p.certs.Cleanup(p.plan.Mountpoint); err != nil {
			return nil, err
		}
	}

	p.observe(mode, result, time.Since(start))

	p.logger.Info().
		Str("mode", mode.String()).
		Bool("success", result.Success).
		Msg("provision finished")
	return result, nil
}

// preStage writes to the mount point from outside the scope: certificates
// for master mode, manifests (and optional hieradata) for apply mode.
func (p *Provisioner) preStage(ctx context.Context, mode Mode, result *Result) error {
	switch mode {
	case ModeMaster:
		return p.certs.Stage(ctx, p.plan.Mountpoint, p.plan.Package)
	case ModeApply:
		staged, err := p.manifests.Stage(p.plan.Mountpoint, p.plan.Package)
		if err != nil {
			return err
		}
		result.ApplyFile = staged.ApplyFile

		if hieradata := p.plan.Options.AgentHieradata; hieradata != "" {
			if _, err := p.manifests.StageHieradata(p.plan.Mountpoint, hieradata); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyEnvOverlay parses the configured environment spec and hands it to the
// runner. A malformed spec merges nothing.
func (p *Provisioner) applyEnvOverlay() {
	spec := p.plan.Options.AgentEnvVars
	if spec == "" {
		return
	}

	overlay := config.ParseEnvSpec(spec)
	if overlay == nil {
		p.logger.Debug().Str("spec", spec).Msg("malformed agent_env_vars, ignoring")
		return
	}

	for key, value := range overlay {
		p.logger.Info().Str(key, value).Msg("adding to agent environment")
	}
	p.runner.SetOverlay(overlay)
}

// runInScope enters the isolated root, installs and runs the agent, and
// guarantees the scope is released exactly once on every path out.
func (p *Provisioner) runInScope(ctx context.Context, mode Mode, result *Result) (err error) {
	if err := p.scope.Enter(p.plan.Mountpoint); err != nil {
		return fmt.Errorf("enter isolated root: %w", err)
	}

	released := false
	release := func() error {
		if released {
			return nil
		}
		released = true
		return p.scope.Exit()
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil && err == nil {
			err = fmt.Errorf("exit isolated root: %w", releaseErr)
		}
	}()

	if err := p.installer.Install(ctx); err != nil {
		return err
	}

	var outcome execx.Outcome
	var ok bool
	switch mode {
	case ModeMaster:
		outcome, ok, err = p.agent.RunMaster(ctx, p.plan.Package)
	case ModeApply:
		outcome, ok, err = p.agent.RunApply(ctx, result.ApplyFile)
	}
	if err != nil {
		return err
	}

	result.AgentExitCode = outcome.ExitCode
	result.Success = ok
	return nil
}

func (p *Provisioner) observe(mode Mode, result *Result, elapsed time.Duration) {
	if p.recorder == nil {
		return
	}
	p.recorder.ObserveRun(mode.String(), result.Success, elapsed.Seconds(), result.AgentExitCode)
	if path := p.plan.MetricsTextfile; path != "" {
		if err := p.recorder.Write(path); err != nil {
			p.logger.Warn().Err(err).Msg("failed to write metrics textfile")
		}
	}
}
