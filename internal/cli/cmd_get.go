package cli

import (
	"context"
	"fmt"

	"github.com/calvinalkan/lethe/internal/config"

	flag "github.com/spf13/pflag"
)

// GetCmd returns the get command.
func GetCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("get", flag.ContinueOnError),
		Usage: "get <id>",
		Short: "Write an object's full contents to stdout",
		Exec: func(_ context.Context, io *IO, args []string) error {
			return execGet(io, cfg, args)
		},
	}
}

func execGet(io *IO, cfg config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: get <id>")
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

	length, err := store.DiskLength(id)
	if err != nil {
		return err
	}

	buf := make([]byte, length)
	if err := store.ReadExact(id, buf, 0); err != nil {
		return err
	}

	if _, err := io.Write(buf); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}

	return nil
}
