package cli

import (
	"context"
	"fmt"

	"github.com/calvinalkan/lethe/internal/config"

	flag "github.com/spf13/pflag"
)

// ConfigIDCmd returns the config-id command.
func ConfigIDCmd(cfg config.Config) *Command {
	flags := flag.NewFlagSet("config-id", flag.ContinueOnError)
	set := flags.String("set", "", "set the store's caller-defined config_id token (32 hex digits)")

	return &Command{
		Flags: flags,
		Usage: "config-id [--set <id>]",
		Short: "Get or set the store's config_id token",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execConfigID(io, cfg, *set)
		},
	}
}

func execConfigID(io *IO, cfg config.Config, set string) error {
	store, dev, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore(store, dev) }()

	if set != "" {
		id, err := resolveOrMintID(set)
		if err != nil {
			return err
		}

		if err := store.SetConfigID(id); err != nil {
			return err
		}

		io.Println(id.String())

		return nil
	}

	id, present, err := store.ConfigID()
	if err != nil {
		return err
	}

	if !present {
		return fmt.Errorf("config_id is not set")
	}

	io.Println(id.String())

	return nil
}
