package provision

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/edvin/imagebake/internal/fsutil"
)

// agentConfDir is the agent's configuration tree, relative to the image root.
const agentConfDir = "etc/puppet"

// StagingResult records what apply mode staging produced.
type StagingResult struct {
	// ApplyFile is the in-image relative path to the single staged manifest,
	// or empty when a full module tree was extracted and the agent should
	// run against its default search path.
	ApplyFile string
	// HieradataStaged reports whether a hierarchical-data tarball was
	// extracted into the image.
	HieradataStaged bool
}

// ManifestStager places manifest content into the mounted image for apply
// mode.
type ManifestStager struct {
	logger zerolog.Logger
}

// NewManifestStager creates a ManifestStager.
func NewManifestStager(logger zerolog.Logger) *ManifestStager {
	return &ManifestStager{
		logger: logger.With().Str("component", "manifest-stager").Logger(),
	}
}

// Stage extracts or copies the manifest input into the image. A tarball is
// extracted as a tree; a single file is copied into the agent's modules
// directory and recorded as the apply file.
func (s *ManifestStager) Stage(mountpoint, manifests string) (StagingResult, error) {
	if fsutil.IsTarball(manifests) {
		return s.stageTarball(mountpoint, manifests)
	}
	return s.stageFile(mountpoint, manifests)
}

func (s *ManifestStager) stageTarball(mountpoint, manifests string) (StagingResult, error) {
	names, err := fsutil.TarTopLevelNames(manifests)
	if err != nil {
		return StagingResult{}, fmt.Errorf("inspect manifest tarball: %w", err)
	}

	// Archives that already carry a modules/ tree land one level higher so
	// the tree is not double-nested.
	dest := filepath.Join(mountpoint, agentConfDir, "modules")
	if names["modules"] {
		dest = filepath.Join(mountpoint, agentConfDir)
	}

	s.logger.Debug().Str("dest", dest).Msg("untarring manifests")
	if err := fsutil.ExtractTar(manifests, dest); err != nil {
		return StagingResult{}, fmt.Errorf("extract manifests: %w", err)
	}

	fsutil.LogTree(s.logger, filepath.Join(mountpoint, agentConfDir))
	return StagingResult{}, nil
}

func (s *ManifestStager) stageFile(mountpoint, manifests string) (StagingResult, error) {
	base := filepath.Base(manifests)
	destDir := filepath.Join(mountpoint, agentConfDir, "modules")
	destFile := filepath.Join(destDir, base)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return StagingResult{}, fmt.Errorf("mkdir %s: %w", destDir, err)
	}

	s.logger.Debug().Str("src", manifests).Str("dst", destFile).Msg("copying manifest")
	if err := fsutil.CopyFile(manifests, destFile); err != nil {
		return StagingResult{}, fmt.Errorf("stage manifest: %w", err)
	}

	return StagingResult{ApplyFile: filepath.Join(agentConfDir, "modules", base)}, nil
}

// StageHieradata overlays a hierarchical-data tarball onto the agent's
// configuration tree. A non-tarball input is logged and skipped; only an
// extraction failure is fatal.
func (s *ManifestStager) StageHieradata(mountpoint, hieradata string) (bool, error) {
	if !fsutil.IsTarball(hieradata) {
		s.logger.Debug().Str("hieradata", hieradata).Msg("hieradata is not a tarball, skipping")
		return false, nil
	}

	dest := filepath.Join(mountpoint, agentConfDir)
	s.logger.Debug().Str("hieradata", hieradata).Str("dest", dest).Msg("untarring hieradata")
	if err := fsutil.ExtractTar(hieradata, dest); err != nil {
		return false, fmt.Errorf("extract hieradata: %w", err)
	}

	fsutil.LogTree(s.logger, filepath.Join(dest, "hieradata"))
	return true, nil
}
