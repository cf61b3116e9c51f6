// Package provision implements the provisioning stage of an image bake: it
// stages Puppet manifests or certificates onto a mounted image, installs the
// agent inside a chroot of the mount point, runs it, and classifies the
// result.
package provision

import "os"

// Mode selects how the agent runs against the image.
type Mode int

const (
	// ModeApply runs the agent standalone against locally staged manifests.
	ModeApply Mode = iota
	// ModeMaster runs the agent against a remote master, authenticated by
	// the certificate named in the package argument.
	ModeMaster
)

func (m Mode) String() string {
	if m == ModeMaster {
		return "master"
	}
	return "apply"
}

// DecideMode classifies the package argument. An existing path on the build
// host means apply mode (the argument is a manifest file or tarball);
// anything else is treated as a certificate name for master mode. Absence is
// a meaningful signal, not an error.
func DecideMode(packageArg string) Mode {
	if _, err := os.Stat(packageArg); err == nil {
		return ModeApply
	}
	return ModeMaster
}
