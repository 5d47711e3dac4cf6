package objectstore

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/lethe/pkg/extentio"
	"github.com/calvinalkan/lethe/pkg/fatfs"
)

const (
	pathKHF    = "lethe/khf"
	pathTmpKHF = "tmp/khf"
	pathOldKHF = "old/khf"
	pathWAL    = "lethe/wal"
	pathConfig = "config_id"
)

// recoveryDevice is the minimal device surface recovery needs.
type recoveryDevice interface {
	extentio.WriterAt
}

// runRecovery drives the three-slot crash-recovery state machine from
// spec.md §4.5 to completion. It must be idempotent: running it twice in
// a row from any reachable state is a no-op the second time.
func runRecovery(vol *fatfs.Volume, dev recoveryDevice) error {
	_, tmpExists, err := vol.Stat(pathTmpKHF)
	if err != nil {
		return fmt.Errorf("objectstore: recovery: stat %s: %w", pathTmpKHF, err)
	}

	_, oldExists, err := vol.Stat(pathOldKHF)
	if err != nil {
		return fmt.Errorf("objectstore: recovery: stat %s: %w", pathOldKHF, err)
	}

	switch {
	case tmpExists && oldExists:
		// Crash after step-1 rename (lethe/khf -> old/khf), before
		// step-2 (tmp/khf -> lethe/khf). Finish step 2, then wipe old.
		if err := renameOver(vol, pathTmpKHF, pathKHF); err != nil {
			return err
		}

		return wipeAndRemove(vol, dev, pathOldKHF)

	case !tmpExists && oldExists:
		_, khfExists, err := vol.Stat(pathKHF)
		if err != nil {
			return fmt.Errorf("objectstore: recovery: stat %s: %w", pathKHF, err)
		}

		if !khfExists {
			// lethe/khf missing entirely: promote old/khf back to
			// canonical rather than losing the only copy we have.
			return vol.Rename(pathOldKHF, pathKHF)
		}

		return wipeAndRemove(vol, dev, pathOldKHF)

	case tmpExists && !oldExists:
		// Crash between staging tmp/khf and moving the canonical out of
		// the way. Execute step 1 then step 2; nothing to wipe yet
		// since old/khf was never created this round.
		_, khfExists, err := vol.Stat(pathKHF)
		if err != nil {
			return fmt.Errorf("objectstore: recovery: stat %s: %w", pathKHF, err)
		}

		if khfExists {
			if err := vol.Rename(pathKHF, pathOldKHF); err != nil {
				return err
			}
		}

		if err := renameOver(vol, pathTmpKHF, pathKHF); err != nil {
			return err
		}

		if khfExists {
			return wipeAndRemove(vol, dev, pathOldKHF)
		}

		return nil

	default:
		// absent, absent: steady state or pristine volume.
		return nil
	}
}

// renameOver moves src onto dst, first removing any existing dst entry so
// the rename never fails on a pre-existing name (fatfs.Volume.Rename
// requires the destination to be absent).
func renameOver(vol *fatfs.Volume, src, dst string) error {
	if _, exists, err := vol.Stat(dst); err != nil {
		return fmt.Errorf("objectstore: recovery: stat %s: %w", dst, err)
	} else if exists {
		if err := vol.Remove(dst); err != nil {
			return fmt.Errorf("objectstore: recovery: remove stale %s: %w", dst, err)
		}
	}

	if err := vol.Rename(src, dst); err != nil {
		return fmt.Errorf("objectstore: recovery: rename %s -> %s: %w", src, dst, err)
	}

	return nil
}

// wipeAndRemove overwrites path's full extent set with zeroes before
// removing its directory entry, so no plaintext key material survives on
// the raw device after the entry disappears (spec.md §4.5 wipe
// semantics).
func wipeAndRemove(vol *fatfs.Volume, dev recoveryDevice, path string) error {
	f, err := vol.OpenFile(path)
	if errors.Is(err, fatfs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("objectstore: recovery: open %s: %w", path, err)
	}

	extents, err := f.Extents()
	if err != nil {
		_ = f.Close()

		return fmt.Errorf("objectstore: recovery: extents %s: %w", path, err)
	}

	for _, e := range extents {
		zero := make([]byte, e.Length)
		if _, err := dev.WriteAt(zero, e.Offset); err != nil {
			_ = f.Close()

			return fmt.Errorf("objectstore: recovery: wipe %s: %w", path, err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("objectstore: recovery: close %s: %w", path, err)
	}

	if err := vol.Remove(path); err != nil {
		return fmt.Errorf("objectstore: recovery: remove %s: %w", path, err)
	}

	return nil
}
