//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package mem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func lockMemoryPlatform() (ProtectionLevel, error) {
	err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE)
	if err != nil {
		// EPERM (RLIMIT_MEMLOCK) and ENOSYS still leave memguard's guarded
		// enclaves in place.
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.ENOMEM) {
			return ProtectionPartial, nil
		}
		return ProtectionNone, fmt.Errorf("failed to lock memory: %w", err)
	}
	return ProtectionFull, nil
}

func unlockMemoryPlatform() error {
	if err := unix.Munlockall(); err != nil {
		return fmt.Errorf("failed to unlock memory: %w", err)
	}
	return nil
}
