package cli

import (
	"context"
	"fmt"

	"github.com/calvinalkan/lethe/internal/config"

	flag "github.com/spf13/pflag"
)

// AdvanceEpochCmd returns the advance-epoch command.
func AdvanceEpochCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("advance-epoch", flag.ContinueOnError),
		Usage: "advance-epoch",
		Short: "Rotate keys for every page pending deletion",
		Long:  "Runs spec §4.4's epoch-advance algorithm: rotates KHF keys for pages with pending deletions, re-encrypts their live bytes under the new keys, and durably retires the old snapshot.",
		Exec: func(_ context.Context, io *IO, _ []string) error {
			return execAdvanceEpoch(io, cfg)
		},
	}
}

func execAdvanceEpoch(io *IO, cfg config.Config) error {
	store, dev, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore(store, dev) }()

	report, err := store.AdvanceEpoch()
	if err != nil {
		return err
	}

	io.Println(fmt.Sprintf("rotated_pages=%d reencrypted_bytes=%d epoch=%s",
		report.RotatedPages, report.ReencryptedBytes, store.LastEpoch()))

	return nil
}
