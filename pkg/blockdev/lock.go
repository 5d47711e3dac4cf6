package blockdev

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	fsx "github.com/calvinalkan/lethe/pkg/fs"
)

// ErrDeviceBusy is returned by Lock when another process already holds the
// device's exclusive lock.
var ErrDeviceBusy = errors.New("blockdev: device busy")

// Lock enforces spec.md §5's "the block device is exclusive to one store
// instance" rule using flock(2) on a sidecar lock file next to the device.
type Lock struct {
	path string
	file fsx.File
}

// AcquireLock takes an exclusive, non-blocking flock on devicePath+".lock",
// creating it if absent, and records the locking process's PID in it for
// diagnostics. Returns [ErrDeviceBusy] if another process holds it.
func AcquireLock(fsys fsx.FS, devicePath string) (*Lock, error) {
	if fsys == nil {
		fsys = fsx.NewReal()
	}

	lockPath := devicePath + ".lock"

	f, err := fsys.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open lock file %q: %w", lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %q", ErrDeviceBusy, devicePath)
		}

		return nil, fmt.Errorf("blockdev: flock %q: %w", lockPath, err)
	}

	descriptor := fmt.Sprintf("pid=%d locked_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	// Non-fatal: the flock itself is what provides exclusivity, the
	// descriptor is diagnostic only. It is written into the locked file in
	// place; replacing the file would leave the flock on an inode that is
	// no longer at lockPath.
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(descriptor), 0)
	}

	return &Lock{path: lockPath, file: f}, nil
}

// Release unlocks and removes the sidecar lock file. Idempotent.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	removeErr := os.Remove(l.path)
	l.file = nil

	if removeErr != nil && !os.IsNotExist(removeErr) {
		return errors.Join(unlockErr, closeErr, removeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

