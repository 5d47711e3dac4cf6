package cli

import (
	"context"
	"fmt"

	"github.com/calvinalkan/lethe/internal/config"

	flag "github.com/spf13/pflag"
)

// ReformatCmd returns the reformat command.
func ReformatCmd(cfg config.Config) *Command {
	flags := flag.NewFlagSet("reformat", flag.ContinueOnError)
	yes := flags.Bool("yes", false, "confirm the destructive reformat")

	return &Command{
		Flags: flags,
		Usage: "reformat --yes",
		Short: "Destroy every object and key, starting fresh",
		Long:  "Irreversibly discards every object and key on the store's device and formats a fresh, empty store under the configured root key.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execReformat(io, cfg, *yes)
		},
	}
}

func execReformat(io *IO, cfg config.Config, yes bool) error {
	if !yes {
		return fmt.Errorf("reformat is destructive; pass --yes to confirm")
	}

	store, dev, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore(store, dev) }()

	rootKey, err := config.ResolveRootKey(cfg)
	if err != nil {
		return err
	}

	if err := store.Reformat(dev, &rootKey); err != nil {
		return err
	}

	io.Println("reformatted", cfg.DiskPath)

	return nil
}
