// Package chroot provides the isolated root scope the provisioner enters to
// run commands against a mounted image as if it were the running system.
package chroot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// Scope is an isolated root context rooted at a mount point. Enter and Exit
// are paired exactly once per provisioning run; Exit must succeed on every
// path out of the scope.
type Scope interface {
	Enter(mountpoint string) error
	Exit() error
}

// bindDirs are bind-mounted from the host into the mount point so commands
// inside the scope see a functional /proc, /sys and /dev.
var bindDirs = []string{"/proc", "/sys", "/dev"}

// Chroot implements Scope with a real chroot(2). The calling process changes
// root, so every command started between Enter and Exit resolves binaries
// and paths inside the image.
type Chroot struct {
	logger  zerolog.Logger
	oldRoot *os.File
	oldCwd  string
	mounted []string
	entered bool
}

// New creates a Chroot scope.
func New(logger zerolog.Logger) *Chroot {
	return &Chroot{
		logger: logger.With().Str("component", "chroot").Logger(),
	}
}

// Enter bind-mounts the system pseudo-filesystems into the mount point and
// chroots into it.
func (c *Chroot) Enter(mountpoint string) error {
	if c.entered {
		return fmt.Errorf("chroot scope already entered")
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	mounted := loadMountState()
	for _, dir := range bindDirs {
		target := filepath.Join(mountpoint, dir)
		if err := os.MkdirAll(target, 0755); err != nil {
			c.unwindMounts()
			return fmt.Errorf("mkdir bind mount target %s: %w", target, err)
		}
		if mounted[target] {
			continue
		}
		if err := syscall.Mount(dir, target, "", syscall.MS_BIND, ""); err != nil {
			c.unwindMounts()
			return fmt.Errorf("bind mount %s to %s: %w", dir, target, err)
		}
		c.mounted = append(c.mounted, target)
	}

	root, err := os.Open("/")
	if err != nil {
		c.unwindMounts()
		return fmt.Errorf("open old root: %w", err)
	}

	c.logger.Debug().Str("mountpoint", mountpoint).Msg("entering chroot")
	if err := syscall.Chroot(mountpoint); err != nil {
		root.Close()
		c.unwindMounts()
		return fmt.Errorf("chroot %s: %w", mountpoint, err)
	}
	if err := os.Chdir("/"); err != nil {
		// Best effort escape before reporting; the fd still points at the
		// old root.
		_ = syscall.Fchdir(int(root.Fd()))
		_ = syscall.Chroot(".")
		root.Close()
		c.unwindMounts()
		return fmt.Errorf("chdir into chroot: %w", err)
	}

	c.oldRoot = root
	c.oldCwd = cwd
	c.entered = true
	return nil
}

// Exit escapes the chroot back to the original root and removes the bind
// mounts. Calling Exit on a scope that was never entered is a no-op.
func (c *Chroot) Exit() error {
	if !c.entered {
		return nil
	}
	c.entered = false

	defer c.oldRoot.Close()
	if err := syscall.Fchdir(int(c.oldRoot.Fd())); err != nil {
		return fmt.Errorf("fchdir to old root: %w", err)
	}
	if err := syscall.Chroot("."); err != nil {
		return fmt.Errorf("escape chroot: %w", err)
	}
	if err := os.Chdir(c.oldCwd); err != nil {
		return fmt.Errorf("chdir %s: %w", c.oldCwd, err)
	}

	c.logger.Debug().Msg("exited chroot")
	c.unwindMounts()
	return nil
}

// unwindMounts removes bind mounts in reverse order. Unmount failures are
// logged, not returned; a busy /proc must not mask the provisioning result.
func (c *Chroot) unwindMounts() {
	for i := len(c.mounted) - 1; i >= 0; i-- {
		target := c.mounted[i]
		if err := syscall.Unmount(target, 0); err != nil {
			c.logger.Warn().Err(err).Str("target", target).Msg("failed to unmount")
		}
	}
	c.mounted = nil
}

// loadMountState reads /proc/mounts once and returns the set of mounted
// target paths, so repeated runs against the same image do not stack mounts.
func loadMountState() map[string]bool {
	mounts := make(map[string]bool)
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return mounts
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			mounts[fields[1]] = true
		}
	}
	return mounts
}
