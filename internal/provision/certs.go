package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/edvin/imagebake/internal/execx"
	"github.com/edvin/imagebake/internal/fsutil"
)

// CertStager places the CA certificate, host certificate and host private
// key for a certificate name into the mounted image, generating the host
// certificate through the CA command when it is not already cached on the
// build host.
type CertStager struct {
	logger   zerolog.Logger
	runner   execx.Runner
	certsDir string
	keysDir  string
}

// NewCertStager creates a CertStager. certsDir and keysDir are used both as
// the host-side certificate cache locations and as the in-image destination
// directories.
func NewCertStager(logger zerolog.Logger, runner execx.Runner, certsDir, keysDir string) *CertStager {
	return &CertStager{
		logger:   logger.With().Str("component", "cert-stager").Logger(),
		runner:   runner,
		certsDir: certsDir,
		keysDir:  keysDir,
	}
}

// Stage prepares certificate material for certName under the mount point.
// Any missing source or copy failure is fatal to the run.
func (s *CertStager) Stage(ctx context.Context, mountpoint, certName string) error {
	if s.certsDir == "" || s.keysDir == "" {
		return fmt.Errorf("master mode requires agent_certs_dir and agent_private_keys_dir")
	}

	mountCerts := filepath.Join(mountpoint, s.certsDir)
	mountKeys := filepath.Join(mountpoint, s.keysDir)
	if err := os.MkdirAll(mountCerts, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", mountCerts, err)
	}
	if err := os.MkdirAll(mountKeys, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", mountKeys, err)
	}

	// Host-side cache paths. The existence check runs against the build
	// host: a cert generated on a previous bake for the same name is reused.
	cert := filepath.Join(s.certsDir, certName+".pem")
	key := filepath.Join(s.keysDir, certName+".pem")

	if _, err := os.Stat(cert); err != nil {
		s.logger.Debug().Str("certname", certName).Msg("generating certificate")
		if _, err := s.runner.Run(ctx, "puppetca", "generate", certName); err != nil {
			return fmt.Errorf("generate certificate for %s: %w", certName, err)
		}
	}

	s.logger.Debug().
		Str("certname", certName).
		Str("mountpoint", mountpoint).
		Msg("placing certs into mountpoint")

	ca := filepath.Join(s.certsDir, "ca.pem")
	if err := fsutil.CopyFile(ca, filepath.Join(mountCerts, "ca.pem")); err != nil {
		return fmt.Errorf("stage CA certificate: %w", err)
	}
	if err := fsutil.CopyFile(cert, filepath.Join(mountCerts, certName+".pem")); err != nil {
		return fmt.Errorf("stage host certificate: %w", err)
	}
	if err := fsutil.CopyFile(key, filepath.Join(mountKeys, certName+".pem")); err != nil {
		return fmt.Errorf("stage host private key: %w", err)
	}
	return nil
}

// Cleanup removes the staged certificate and private key directories from
// the mount point after a master mode run.
func (s *CertStager) Cleanup(mountpoint string) error {
	for _, dir := range []string{s.certsDir, s.keysDir} {
		target := filepath.Join(mountpoint, dir)
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("remove staged certs %s: %w", target, err)
		}
	}
	return nil
}
