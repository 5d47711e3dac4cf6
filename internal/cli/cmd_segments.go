package cli

import (
	"context"
	"fmt"

	"github.com/calvinalkan/lethe/internal/config"

	flag "github.com/spf13/pflag"
)

// SegmentsCmd returns the segments command.
func SegmentsCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("segments", flag.ContinueOnError),
		Usage: "segments <id>",
		Short: "List an object's physical extents",
		Exec: func(_ context.Context, io *IO, args []string) error {
			return execSegments(io, cfg, args)
		},
	}
}

func execSegments(io *IO, cfg config.Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: segments <id>")
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

	segments, err := store.ObjectSegments(id)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		io.Println(fmt.Sprintf("offset=%d length=%d", seg.Offset, seg.Length))
	}

	return nil
}
