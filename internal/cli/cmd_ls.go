package cli

import (
	"context"

	"github.com/calvinalkan/lethe/internal/config"

	flag "github.com/spf13/pflag"
)

// LsCmd returns the ls command.
func LsCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("ls", flag.ContinueOnError),
		Usage: "ls",
		Short: "List every live object id",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execLs(io, cfg)
		},
	}
}

func execLs(io *IO, cfg config.Config) error {
	store, dev, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore(store, dev) }()

	ids, err := store.AllObjectIDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		io.Println(id.String())
	}

	return nil
}
