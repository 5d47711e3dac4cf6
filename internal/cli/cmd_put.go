package cli

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"

	"github.com/calvinalkan/lethe/internal/config"
	"github.com/calvinalkan/lethe/pkg/objectstore"

	flag "github.com/spf13/pflag"
)

// PutCmd returns the put command.
func PutCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("put", flag.ContinueOnError),
		Usage: "put <id|new> <file>",
		Short: "Write a file's contents into an object",
		Long:  "Creates the object if needed and writes the named file's full contents at offset 0. Pass \"new\" instead of an id to mint a random one; it is printed to stdout.",
		Exec: func(_ context.Context, io *IO, args []string) error {
			return execPut(io, cfg, args)
		},
	}
}

func execPut(io *IO, cfg config.Config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: put <id|new> <file>")
	}

	id, err := resolveOrMintID(args[0])
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[1]) //nolint:gosec // CLI tool, path is user-supplied by design
	if err != nil {
		return fmt.Errorf("read %q: %w", args[1], err)
	}

	store, dev, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore(store, dev) }()

	if _, err := store.CreateObject(id); err != nil {
		return err
	}

	if err := store.WriteAll(id, data, 0); err != nil {
		return err
	}

	io.Println(id.String())

	return nil
}

func resolveOrMintID(s string) (objectstore.ObjectID, error) {
	if s == "new" {
		var id objectstore.ObjectID

		if _, err := rand.Read(id[:]); err != nil {
			return id, fmt.Errorf("mint object id: %w", err)
		}

		return id, nil
	}

	id, ok := objectstore.ParseObjectID(s)
	if !ok {
		return id, fmt.Errorf("%q is not a valid 32-hex-digit object id", s)
	}

	return id, nil
}
