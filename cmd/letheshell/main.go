// letheshell is an interactive REPL for poking at a live lethe object
// store: open a disk file, put/get/rm objects, list and inspect
// segments, and drive epoch advances by hand.
//
// Usage:
//
//	letheshell --disk <path> --root-key <hex>
//	letheshell --disk <path> --root-key-file <path>
//
// Commands (in REPL):
//
//	put <id|new> <file>   Write a file's contents as an object
//	get <id> <file>       Read an object's contents to a file
//	rm <id>               Unlink an object
//	ls                    List live object ids
//	segments <id>         Show an object's on-disk extents
//	stat                  Show object count and last epoch
//	advance-epoch         Rotate keys and reencrypt pending pages
//	help                  Show this help
//	exit / quit / q       Exit
package main

import (
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/calvinalkan/lethe/internal/config"
	"github.com/calvinalkan/lethe/pkg/blockdev"
	"github.com/calvinalkan/lethe/pkg/objectstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := flag.NewFlagSet("letheshell", flag.ExitOnError)
	diskPath := flags.String("disk", "", "Path to the backing disk file")
	rootKeyHex := flags.String("root-key", "", "Root key, 64 hex digits (32 bytes)")
	rootKeyFile := flags.String("root-key-file", "", "Path to a file holding the root key")
	catalogPath := flags.String("catalog", "", "Path to the SQLite enumeration catalog (empty: in-memory)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *diskPath == "" {
		return errors.New("--disk is required")
	}

	rootKey, err := config.ResolveRootKey(config.Config{RootKeyHex: *rootKeyHex, RootKeyFile: *rootKeyFile})
	if err != nil {
		return err
	}

	info, err := os.Stat(*diskPath)
	if err != nil {
		return fmt.Errorf("stat %q: %w", *diskPath, err)
	}

	dev, err := blockdev.OpenFileDevice(nil, *diskPath, info.Size())
	if err != nil {
		return fmt.Errorf("open device %q: %w", *diskPath, err)
	}
	defer dev.Close()

	store, err := objectstore.Open(dev, rootKey, objectstore.Options{CatalogPath: *catalogPath})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	repl := &REPL{store: store, path: *diskPath}

	return repl.Run()
}

// REPL is the interactive command loop over an already-open store.
type REPL struct {
	store *objectstore.Store
	path  string
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".letheshell_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("letheshell - %s\n", r.path)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("lethe> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "put":
			r.cmdPut(args)

		case "get":
			r.cmdGet(args)

		case "rm", "del", "delete", "unlink":
			r.cmdRm(args)

		case "ls", "list":
			r.cmdLs()

		case "segments":
			r.cmdSegments(args)

		case "stat", "info":
			r.cmdStat()

		case "advance-epoch", "epoch":
			r.cmdAdvanceEpoch()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"put", "get", "rm", "del", "delete", "unlink",
		"ls", "list", "segments", "stat", "info",
		"advance-epoch", "epoch", "clear", "cls",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  put <id|new> <file>   Write a file's contents as an object")
	fmt.Println("  get <id> <file>       Read an object's contents to a file")
	fmt.Println("  rm <id>               Unlink an object")
	fmt.Println("  ls                    List live object ids")
	fmt.Println("  segments <id>         Show an object's on-disk extents")
	fmt.Println("  stat                  Show object count and last epoch")
	fmt.Println("  advance-epoch         Rotate keys and reencrypt pending pages")
	fmt.Println("  help                  Show this help")
	fmt.Println("  exit / quit / q       Exit")
}

func (r *REPL) cmdPut(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: put <id|new> <file>")
		return
	}

	id, err := resolveOrMintID(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	data, err := os.ReadFile(args[1])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if _, err := r.store.CreateObject(id); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if err := r.store.WriteAll(id, data, 0); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println(id.String())
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: get <id> <file>")
		return
	}

	id, ok := objectstore.ParseObjectID(args[0])
	if !ok {
		fmt.Println("Error: not a valid object id")
		return
	}

	length, err := r.store.DiskLength(id)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	buf := make([]byte, length)
	if err := r.store.ReadExact(id, buf, 0); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	if err := os.WriteFile(args[1], buf, 0o600); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("wrote %d bytes to %s\n", len(buf), args[1])
}

func (r *REPL) cmdRm(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rm <id>")
		return
	}

	id, ok := objectstore.ParseObjectID(args[0])
	if !ok {
		fmt.Println("Error: not a valid object id")
		return
	}

	if err := r.store.UnlinkObject(id); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("unlinked", id.String())
}

func (r *REPL) cmdLs() {
	ids, err := r.store.AllObjectIDs()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	for _, id := range ids {
		fmt.Println(id.String())
	}

	fmt.Printf("(%d objects)\n", len(ids))
}

func (r *REPL) cmdSegments(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: segments <id>")
		return
	}

	id, ok := objectstore.ParseObjectID(args[0])
	if !ok {
		fmt.Println("Error: not a valid object id")
		return
	}

	extents, err := r.store.ObjectSegments(id)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	for _, e := range extents {
		fmt.Printf("offset=%d length=%d\n", e.Offset, e.Length)
	}
}

func (r *REPL) cmdStat() {
	count, err := r.store.ObjectCount()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("path:        %s\n", r.path)
	fmt.Printf("objects:     %d\n", count)
	fmt.Printf("last_epoch:  %s\n", r.store.LastEpoch())
}

func (r *REPL) cmdAdvanceEpoch() {
	answer, err := r.liner.Prompt("Advance epoch and reencrypt pending pages? (yes/no): ")
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	answer = strings.TrimSpace(strings.ToLower(answer))
	if answer != "yes" && answer != "y" {
		fmt.Println("Cancelled.")
		return
	}

	report, err := r.store.AdvanceEpoch()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("rotated_pages=%d reencrypted_bytes=%d epoch=%s\n", report.RotatedPages, report.ReencryptedBytes, r.store.LastEpoch())
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
