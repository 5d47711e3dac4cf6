package cli

import (
	"context"
	"fmt"

	"github.com/calvinalkan/lethe/internal/config"
	"github.com/calvinalkan/lethe/pkg/blockdev"
	"github.com/calvinalkan/lethe/pkg/objectstore"

	flag "github.com/spf13/pflag"
)

// OpenCmd returns the open command: create-or-mount the backing disk
// file, formatting it on first use.
func OpenCmd(cfg config.Config) *Command {
	flags := flag.NewFlagSet("open", flag.ContinueOnError)
	size := flags.Int64("size", 64*1024*1024, "capacity in bytes for a freshly created disk file")

	return &Command{
		Flags: flags,
		Usage: "open [flags]",
		Short: "Create or mount the backing disk file",
		Long:  "Creates the disk file at --disk if missing (sized by --size) and formats it on first use. It does not write a project config file.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execOpen(io, cfg, *size)
		},
	}
}

func execOpen(io *IO, cfg config.Config, size int64) error {
	dev, err := blockdev.OpenFileDevice(nil, cfg.DiskPath, size)
	if err != nil {
		return fmt.Errorf("open device %q: %w", cfg.DiskPath, err)
	}

	rootKey, err := config.ResolveRootKey(cfg)
	if err != nil {
		_ = dev.Close()
		return err
	}

	store, err := objectstore.Open(dev, rootKey, objectstore.Options{CatalogPath: cfg.CatalogPath})
	if err != nil {
		_ = dev.Close()
		return err
	}

	if err := closeStore(store, dev); err != nil {
		return err
	}

	io.Println("opened", cfg.DiskPath, fmt.Sprintf("(%d bytes)", size))

	return nil
}
