// lethe is the command-line interface to the secure-deletion object
// store: open/create a backing disk file, put/get/rm objects, enumerate
// them, and drive epoch advances.
package main

import (
	"os"

	"github.com/calvinalkan/lethe/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ()))
}
