package cli

import (
	"context"
	"fmt"

	"github.com/calvinalkan/lethe/internal/config"

	flag "github.com/spf13/pflag"
)

// RmCmd returns the rm command.
func RmCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("rm", flag.ContinueOnError),
		Usage: "rm <id>",
		Short: "Unlink an object",
		Long:  "Deletes every page key covering the object's extents, then its directory entry. Plaintext is unrecoverable only after the next advance-epoch.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			return execRm(io, cfg, args)
		},
	}
}

func execRm(io *IO, cfg config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rm <id>")
	}

	id, err := resolveOrMintID(args[0])
	if err != nil {
		return err
	}

	store, dev, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore(store, dev) }()

	if err := store.UnlinkObject(id); err != nil {
		return err
	}

	io.Println("unlinked", id.String())

	return nil
}
