//go:build darwin || dragonfly || freebsd || illumos || linux || netbsd || openbsd

package util

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrFileLocked = errors.New("file is already locked")

// LockFileNonBlocking takes an exclusive advisory lock on file, failing at
// once if another process holds it. The lock lives until the file is closed.
func LockFileNonBlocking(file *os.File) error {
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return errors.Wrap(ErrFileLocked, file.Name())
	}
	return nil
}
