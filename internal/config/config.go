// Package config loads and validates the inputs for one provisioning run:
// the plan file (YAML) describing the mount point and package argument, and
// the recognized agent options, with environment variable overrides.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Distribution families recognized by the agent installer.
const (
	FamilyRedhat = "redhat"
	FamilyDebian = "debian"
)

// Options are the recognized agent options. All are optional.
type Options struct {
	// AgentArgs holds extra arguments appended to the agent invocation.
	AgentArgs string `yaml:"agent_args"`
	// AgentEnvVars is a ;-delimited list of key=value pairs applied as an
	// environment overlay on every command in the run.
	AgentEnvVars string `yaml:"agent_env_vars"`
	// AgentMaster is the remote master hostname. Defaults to the local
	// hostname when unset.
	AgentMaster string `yaml:"agent_master"`
	// AgentCertsDir is the in-image directory for CA and host certificates.
	AgentCertsDir string `yaml:"agent_certs_dir"`
	// AgentPrivateKeysDir is the in-image directory for host private keys.
	AgentPrivateKeysDir string `yaml:"agent_private_keys_dir"`
	// AgentHieradata is the path to an optional hierarchical-data tarball.
	AgentHieradata string `yaml:"agent_hieradata"`
	// AgentInstallCmd overrides the native package manager agent install.
	AgentInstallCmd string `yaml:"agent_install_cmd"`
	// AgentHieraInstallCmd overrides the gem install of the data-layer tool.
	AgentHieraInstallCmd string `yaml:"agent_hiera_install_cmd"`
}

// Plan is the full per-run input.
type Plan struct {
	// Mountpoint is the prepared target filesystem image mount.
	Mountpoint string `yaml:"mountpoint" validate:"required,dir"`
	// Package is the package argument: a local manifest file or tarball, or
	// a certificate name for master mode.
	Package string `yaml:"package" validate:"required"`
	// DistroFamily selects the native package manager fallback.
	DistroFamily string `yaml:"distro_family" validate:"required,oneof=redhat debian"`

	Options Options `yaml:"options"`

	LogLevel string `yaml:"log_level"`
	// MetricsTextfile, when set, is where run metrics are written in
	// Prometheus textfile-collector format.
	MetricsTextfile string `yaml:"metrics_textfile"`
}

var validate = validator.New()

// Load builds a Plan from an optional YAML plan file and IMAGEBAKE_*
// environment variables. Environment values override file values. The
// returned Plan is validated and treated as immutable for the run.
func Load(planPath string) (*Plan, error) {
	plan := &Plan{}

	if planPath != "" {
		data, err := os.ReadFile(planPath)
		if err != nil {
			return nil, fmt.Errorf("read plan: %w", err)
		}
		if err := yaml.Unmarshal(data, plan); err != nil {
			return nil, fmt.Errorf("parse plan: %w", err)
		}
	}

	applyEnv(plan)

	if plan.DistroFamily == "" {
		plan.DistroFamily = FamilyRedhat
	}
	if plan.LogLevel == "" {
		plan.LogLevel = "info"
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks the plan after all overrides have been applied.
func (p *Plan) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("validate plan: %w", err)
	}
	return nil
}

func applyEnv(plan *Plan) {
	plan.Mountpoint = getEnv("IMAGEBAKE_MOUNTPOINT", plan.Mountpoint)
	plan.Package = getEnv("IMAGEBAKE_PACKAGE", plan.Package)
	plan.DistroFamily = getEnv("IMAGEBAKE_DISTRO_FAMILY", plan.DistroFamily)
	plan.LogLevel = getEnv("IMAGEBAKE_LOG_LEVEL", plan.LogLevel)
	plan.MetricsTextfile = getEnv("IMAGEBAKE_METRICS_TEXTFILE", plan.MetricsTextfile)

	opts := &plan.Options
	opts.AgentArgs = getEnv("IMAGEBAKE_AGENT_ARGS", opts.AgentArgs)
	opts.AgentEnvVars = getEnv("IMAGEBAKE_AGENT_ENV_VARS", opts.AgentEnvVars)
	opts.AgentMaster = getEnv("IMAGEBAKE_AGENT_MASTER", opts.AgentMaster)
	opts.AgentCertsDir = getEnv("IMAGEBAKE_AGENT_CERTS_DIR", opts.AgentCertsDir)
	opts.AgentPrivateKeysDir = getEnv("IMAGEBAKE_AGENT_PRIVATE_KEYS_DIR", opts.AgentPrivateKeysDir)
	opts.AgentHieradata = getEnv("IMAGEBAKE_AGENT_HIERADATA", opts.AgentHieradata)
	opts.AgentInstallCmd = getEnv("IMAGEBAKE_AGENT_INSTALL_CMD", opts.AgentInstallCmd)
	opts.AgentHieraInstallCmd = getEnv("IMAGEBAKE_AGENT_HIERA_INSTALL_CMD", opts.AgentHieraInstallCmd)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
