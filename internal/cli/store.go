package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/calvinalkan/lethe/internal/config"
	"github.com/calvinalkan/lethe/pkg/blockdev"
	"github.com/calvinalkan/lethe/pkg/objectstore"
)

// ErrDiskMissing is returned by openStore when cfg.DiskPath doesn't exist
// yet; callers are pointed at "lethe open --size" to create one.
var ErrDiskMissing = errors.New("disk file does not exist, run 'lethe open --size <bytes>' first")

// openStore opens the device named by cfg.DiskPath and mounts a
// [objectstore.Store] on it, resolving the root key per cfg. Every
// subcommand but "open" (which is allowed to create the disk file)
// requires the file to already exist.
func openStore(cfg config.Config) (*objectstore.Store, blockdev.Device, error) {
	info, err := os.Stat(cfg.DiskPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrDiskMissing
		}

		return nil, nil, fmt.Errorf("stat %q: %w", cfg.DiskPath, err)
	}

	dev, err := blockdev.OpenFileDevice(nil, cfg.DiskPath, info.Size())
	if err != nil {
		return nil, nil, fmt.Errorf("open device %q: %w", cfg.DiskPath, err)
	}

	rootKey, err := config.ResolveRootKey(cfg)
	if err != nil {
		_ = dev.Close()

		return nil, nil, err
	}

	store, err := objectstore.Open(dev, rootKey, objectstore.Options{CatalogPath: cfg.CatalogPath})
	if err != nil {
		_ = dev.Close()

		return nil, nil, err
	}

	return store, dev, nil
}

// closeStore closes the store and its backing device, surfacing the
// first error encountered.
func closeStore(store *objectstore.Store, dev blockdev.Device) error {
	storeErr := store.Close()

	devErr := dev.Close()
	if storeErr != nil {
		return storeErr
	}

	return devErr
}
