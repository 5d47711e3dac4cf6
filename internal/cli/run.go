package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/calvinalkan/lethe/internal/config"

	flag "github.com/spf13/pflag"
)

// Run is the main entry point. Returns the process exit code.
func Run(_ io.Reader, out io.Writer, errOut io.Writer, args []string, env []string) int {
	globalFlags := flag.NewFlagSet("lethe", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagDisk := globalFlags.String("disk", "", "Path to the backing disk file")
	flagRootKey := globalFlags.String("root-key", "", "Root key, 64 hex digits (32 bytes)")
	flagRootKeyFile := globalFlags.String("root-key-file", "", "Path to a file holding the root key")
	flagCatalog := globalFlags.String("catalog", "", "Path to the SQLite enumeration catalog (empty: in-memory)")

	if err := globalFlags.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	workDir := *flagCwd
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fprintln(errOut, "error:", err)
			return 1
		}

		workDir = wd
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    workDir,
		ConfigPath: *flagConfig,
		Env:        env,
		Overrides: config.Overrides{
			DiskPath:       *flagDisk,
			HasDiskPath:    globalFlags.Changed("disk"),
			RootKeyHex:     *flagRootKey,
			HasRootKeyHex:  globalFlags.Changed("root-key"),
			RootKeyFile:    *flagRootKeyFile,
			HasRootKeyFile: globalFlags.Changed("root-key-file"),
			CatalogPath:    *flagCatalog,
			HasCatalogPath: globalFlags.Changed("catalog"),
		},
	})

	commandAndArgs := globalFlags.Args()
	wantHelp := *flagHelp || (len(commandAndArgs) == 0 && globalFlags.NFlag() == 0)

	// "open" creates the disk file, so it must tolerate a config that
	// hasn't validated yet (e.g. a brand-new project with no .letherc).
	// Help output needs no config at all.
	if err != nil && !wantHelp && !(len(commandAndArgs) > 0 && commandAndArgs[0] == "open") {
		fprintln(errOut, "error:", err)
		printGlobalOptions(errOut)

		return 1
	}

	commands := allCommands(cfg)

	commandMap := make(map[string]*Command, len(commands))
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
	}

	if wantHelp {
		printUsage(out, commands)
		return 0
	}

	if len(commandAndArgs) == 0 {
		fprintln(errOut, "error: no command provided")
		printUsage(errOut, commands)

		return 1
	}

	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintln(errOut, "error: unknown command:", cmdName)
		printUsage(errOut, commands)

		return 1
	}

	cmdIO := NewIO(out, errOut)

	return cmd.Run(context.Background(), cmdIO, commandAndArgs[1:])
}

// allCommands returns all commands in display order. Dependencies are
// captured via closures in each command constructor.
func allCommands(cfg config.Config) []*Command {
	return []*Command{
		OpenCmd(cfg),
		PutCmd(cfg),
		GetCmd(cfg),
		RmCmd(cfg),
		LsCmd(cfg),
		SegmentsCmd(cfg),
		ConfigIDCmd(cfg),
		AdvanceEpochCmd(cfg),
		ReformatCmd(cfg),
		PrintConfigCmd(cfg),
	}
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

const globalOptionsHelp = `  -h, --help                  Show help
  -C, --cwd <dir>             Run as if started in <dir>
  -c, --config <file>         Use specified config file
  --disk <path>                Path to the backing disk file
  --root-key <hex>             Root key, 64 hex digits
  --root-key-file <path>        Path to a file holding the root key
  --catalog <path>              Path to the SQLite enumeration catalog`

func printGlobalOptions(w io.Writer) {
	fprintln(w, "Usage: lethe [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Global flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Run 'lethe --help' for a list of commands.")
}

func printUsage(w io.Writer, commands []*Command) {
	fprintln(w, "lethe - secure-deletion object store")
	fprintln(w)
	fprintln(w, "Usage: lethe [flags] <command> [args]")
	fprintln(w)
	fprintln(w, "Flags:")
	fprintln(w, globalOptionsHelp)
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}
