package provision

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/imagebake/internal/config"
	"github.com/edvin/imagebake/internal/metrics"
)

func applyPlan(t *testing.T, opts config.Options) *config.Plan {
	t.Helper()
	dir := t.TempDir()
	mount := filepath.Join(dir, "mnt")
	require.NoError(t, os.MkdirAll(mount, 0755))

	manifest := filepath.Join(dir, "site.pp")
	require.NoError(t, os.WriteFile(manifest, []byte("node default {}"), 0644))

	return &config.Plan{
		Mountpoint:   mount,
		Package:      manifest,
		DistroFamily: config.FamilyRedhat,
		Options:      opts,
	}
}

func masterPlan(t *testing.T, certName string) *config.Plan {
	t.Helper()
	certsDir, keysDir := seedHostCerts(t, certName)
	mount := t.TempDir()

	return &config.Plan{
		Mountpoint:   mount,
		Package:      certName,
		DistroFamily: config.FamilyRedhat,
		Options: config.Options{
			AgentCertsDir:       certsDir,
			AgentPrivateKeysDir: keysDir,
		},
	}
}

func TestProvision_MasterSuccess(t *testing.T) {
	plan := masterPlan(t, "web-01.example.com")
	runner := &fakeRunner{}
	scope := &fakeScope{}

	p := New(zerolog.Nop(), plan, runner, scope, nil)
	result, err := p.Provision(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, ModeMaster, result.Mode)
	assert.Equal(t, 0, result.AgentExitCode)
	assert.NotEmpty(t, result.Release)

	assert.Equal(t, 1, scope.entered)
	assert.Equal(t, 1, scope.exited)

	// Staged certificate material is removed from the image after the run.
	assert.NoDirExists(t, filepath.Join(plan.Mountpoint, plan.Options.AgentCertsDir))
	assert.NoDirExists(t, filepath.Join(plan.Mountpoint, plan.Options.AgentPrivateKeysDir))

	assert.True(t, runner.ranCommandWith("puppet agent"))
	assert.True(t, runner.ranCommandWith("--certname web-01.example.com"))
}

func TestProvision_ApplyAgentFailure(t *testing.T) {
	var logBuf bytes.Buffer
	logger := zerolog.New(&logBuf)

	plan := applyPlan(t, config.Options{})
	runner := &fakeRunner{respond: exitWith("puppet apply", 4, "Error: failures during transaction")}
	scope := &fakeScope{}

	p := New(logger, plan, runner, scope, nil)
	result, err := p.Provision(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 4, result.AgentExitCode)
	assert.Equal(t, ModeApply, result.Mode)
	assert.Equal(t, "etc/puppet/modules/site.pp", result.ApplyFile)

	assert.Equal(t, 1, scope.entered)
	assert.Equal(t, 1, scope.exited)

	assert.Contains(t, logBuf.String(), "failures during transaction")
}

func TestProvision_ApplyStagesBeforeScope(t *testing.T) {
	plan := applyPlan(t, config.Options{})
	runner := &fakeRunner{}
	scope := &fakeScope{}

	p := New(zerolog.Nop(), plan, runner, scope, nil)
	_, err := p.Provision(context.Background())
	require.NoError(t, err)

	// The manifest was written through the mount point, not from inside the
	// scope: it exists on the host-visible path.
	assert.FileExists(t, filepath.Join(plan.Mountpoint, "etc", "puppet", "modules", "site.pp"))
}

func TestProvision_CustomInstallSkipsPackageManager(t *testing.T) {
	plan := applyPlan(t, config.Options{AgentInstallCmd: "rpm -i /tmp/puppet.rpm"})
	runner := &fakeRunner{}
	scope := &fakeScope{}

	p := New(zerolog.Nop(), plan, runner, scope, nil)
	_, err := p.Provision(context.Background())
	require.NoError(t, err)

	assert.True(t, runner.ranCommandWith("rpm -i /tmp/puppet.rpm"))
	assert.False(t, runner.ranCommandWith("yum"))
	assert.False(t, runner.ranCommandWith("apt-get"))
}

func TestProvision_InstallFailureReleasesScope(t *testing.T) {
	plan := applyPlan(t, config.Options{})
	runner := &fakeRunner{respond: exitWith("yum --nogpgcheck", 1, "no repo")}
	scope := &fakeScope{}

	p := New(zerolog.Nop(), plan, runner, scope, nil)
	result, err := p.Provision(context.Background())
	require.Error(t, err)
	assert.Nil(t, result)

	assert.Equal(t, 1, scope.entered)
	assert.Equal(t, 1, scope.exited)

	// The agent never ran.
	assert.False(t, runner.ranCommandWith("puppet apply"))
}

func TestProvision_StagingFailureNeverEntersScope(t *testing.T) {
	// Master mode with no cert directories configured fails pre-staging.
	plan := &config.Plan{
		Mountpoint:   t.TempDir(),
		Package:      "no-such-cert.example.com",
		DistroFamily: config.FamilyRedhat,
	}
	runner := &fakeRunner{}
	scope := &fakeScope{}

	p := New(zerolog.Nop(), plan, runner, scope, nil)
	_, err := p.Provision(context.Background())
	require.Error(t, err)

	assert.Equal(t, 0, scope.entered)
	assert.Equal(t, 0, scope.exited)
	assert.Empty(t, runner.commands)
}

func TestProvision_EnvOverlayApplied(t *testing.T) {
	plan := applyPlan(t, config.Options{AgentEnvVars: "FACTER_ROLE=web ; FACTER_TIER=prod"})
	runner := &fakeRunner{}

	p := New(zerolog.Nop(), plan, runner, &fakeScope{}, nil)
	_, err := p.Provision(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"FACTER_ROLE": "web",
		"FACTER_TIER": "prod",
	}, runner.overlay)
}

func TestProvision_MalformedEnvSpecIgnored(t *testing.T) {
	plan := applyPlan(t, config.Options{AgentEnvVars: "not an env spec"})
	runner := &fakeRunner{}

	p := New(zerolog.Nop(), plan, runner, &fakeScope{}, nil)
	_, err := p.Provision(context.Background())
	require.NoError(t, err)

	assert.Nil(t, runner.overlay)
}

func TestProvision_HieradataStagedAndHieraInstalled(t *testing.T) {
	dir := t.TempDir()
	hieradata := filepath.Join(dir, "hieradata.tar.gz")
	writeTarball(t, hieradata, map[string]string{
		"hieradata/common.yaml": "role: web",
	})

	plan := applyPlan(t, config.Options{AgentHieradata: hieradata})
	runner := &fakeRunner{}

	p := New(zerolog.Nop(), plan, runner, &fakeScope{}, nil)
	_, err := p.Provision(context.Background())
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(plan.Mountpoint, "etc", "puppet", "hieradata", "common.yaml"))
	assert.True(t, runner.ranCommandWith("gem install hiera"))
}

func TestProvision_MetricsTextfileWritten(t *testing.T) {
	plan := applyPlan(t, config.Options{})
	plan.MetricsTextfile = filepath.Join(t.TempDir(), "imagebake.prom")
	runner := &fakeRunner{}

	p := New(zerolog.Nop(), plan, runner, &fakeScope{}, metrics.NewRecorder())
	result, err := p.Provision(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)

	data, err := os.ReadFile(plan.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `imagebake_provision_runs_total{mode="apply",result="success"} 1`)
}

func TestProvision_ScopeReleasedOncePerRun(t *testing.T) {
	tests := []struct {
		name string
		fail string // command substring that exits non-zero
	}{
		{"clean run", ""},
		{"install fails", "yum --nogpgcheck"},
		{"agent fails", "puppet apply"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := applyPlan(t, config.Options{})
			runner := &fakeRunner{}
			if tc.fail != "" {
				runner.respond = exitWith(tc.fail, 1, "boom")
			}
			scope := &fakeScope{}

			p := New(zerolog.Nop(), plan, runner, scope, nil)
			p.Provision(context.Background())

			assert.Equal(t, 1, scope.entered)
			assert.Equal(t, 1, scope.exited)
		})
	}
}
