package provision

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/imagebake/internal/config"
	"github.com/edvin/imagebake/internal/execx"
)

// Installer ensures the agent, and the data-layer tool when hieradata is in
// play, are installed inside the isolated scope.
type Installer struct {
	logger zerolog.Logger
	runner execx.Runner
	family string
	opts   config.Options
}

// NewInstaller creates an Installer for the given distribution family.
func NewInstaller(logger zerolog.Logger, runner execx.Runner, family string, opts config.Options) *Installer {
	return &Installer{
		logger: logger.With().Str("component", "installer").Logger(),
		runner: runner,
		family: family,
		opts:   opts,
	}
}

// Install runs inside the isolated scope. A non-zero exit from any install
// command aborts the run.
func (i *Installer) Install(ctx context.Context) error {
	if err := i.installAgent(ctx); err != nil {
		return err
	}
	if i.opts.AgentHieradata != "" {
		if err := i.installHiera(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) installAgent(ctx context.Context) error {
	if cmd := i.opts.AgentInstallCmd; cmd != "" {
		i.logger.Info().Str("cmd", cmd).Msg("installing puppet with custom command")
		if _, err := i.runner.RunShell(ctx, cmd); err != nil {
			return fmt.Errorf("install puppet: %w", err)
		}
		return nil
	}

	if i.family == config.FamilyRedhat {
		i.logger.Info().Msg("installing puppet with yum")
		if _, err := i.runner.Run(ctx, "yum", "clean", "metadata"); err != nil {
			return fmt.Errorf("clean yum metadata: %w", err)
		}
		if _, err := i.runner.Run(ctx, "yum", "--nogpgcheck", "-y", "install", "puppet"); err != nil {
			return fmt.Errorf("install puppet: %w", err)
		}
		return nil
	}

	i.logger.Info().Msg("installing puppet with apt")
	if _, err := i.runner.Run(ctx, "apt-get", "update"); err != nil {
		return fmt.Errorf("update apt index: %w", err)
	}
	if _, err := i.runner.Run(ctx, "apt-get", "-y", "install", "puppet"); err != nil {
		return fmt.Errorf("install puppet: %w", err)
	}
	return nil
}

func (i *Installer) installHiera(ctx context.Context) error {
	if cmd := i.opts.AgentHieraInstallCmd; cmd != "" {
		i.logger.Info().Str("cmd", cmd).Msg("installing hiera with custom command")
		if _, err := i.runner.RunShell(ctx, cmd); err != nil {
			return fmt.Errorf("install hiera: %w", err)
		}
		return nil
	}

	i.logger.Info().Msg("installing hiera ruby gem")
	if _, err := i.runner.Run(ctx, "gem", "install", "hiera"); err != nil {
		return fmt.Errorf("install hiera: %w", err)
	}
	return nil
}
