package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edvin/imagebake/internal/chroot"
	"github.com/edvin/imagebake/internal/config"
	"github.com/edvin/imagebake/internal/execx"
	"github.com/edvin/imagebake/internal/logging"
	"github.com/edvin/imagebake/internal/metrics"
	"github.com/edvin/imagebake/internal/provision"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		planPath := fs.String("f", "", "Path to provision plan YAML file")
		mountpoint := fs.String("mountpoint", "", "Mount point of the prepared image (overrides plan)")
		pkg := fs.String("package", "", "Manifest path or certificate name (overrides plan)")
		fs.Parse(os.Args[2:])

		os.Exit(run(*planPath, *mountpoint, *pkg))

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func run(planPath, mountpoint, pkg string) int {
	// Flags ride the environment override path, so precedence is
	// flags > environment > plan file.
	if mountpoint != "" {
		os.Setenv("IMAGEBAKE_MOUNTPOINT", mountpoint)
	}
	if pkg != "" {
		os.Setenv("IMAGEBAKE_PACKAGE", pkg)
	}

	plan, err := config.Load(planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	logger := logging.NewLogger(plan.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := execx.NewExecRunner(logger)
	scope := chroot.New(logger)
	recorder := metrics.NewRecorder()

	p := provision.New(logger, plan, runner, scope, recorder)
	result, err := p.Provision(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("provisioning aborted")
		return 2
	}
	if !result.Success {
		logger.Error().Int("exit_code", result.AgentExitCode).Msg("provisioning failed")
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage:
  imagebake-provision run -f <plan.yaml> [-mountpoint DIR] [-package ARG]

Commands:
  run    Provision a mounted image per the plan: stage manifests or
         certificates, install Puppet inside a chroot of the mount point,
         run it, and report the classified result.

Flags:
  -f           Path to the provision plan YAML file
  -mountpoint  Mount point of the prepared image (overrides the plan)
  -package     Manifest file/tarball path, or certificate name (overrides the plan)

Environment:
  IMAGEBAKE_* variables override plan values (see internal/config).

Exit status:
  0  provisioning succeeded (agent exited 0 or 2)
  1  agent run failed (any other agent exit code)
  2  fatal error before or after the agent run`)
}
