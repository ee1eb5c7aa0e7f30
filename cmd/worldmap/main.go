// Command worldmap runs the world map viewer core from a terminal: it syncs
// the map document, edits markers and backgrounds, and serves a read-only
// JSON view of the map.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

const usage = `usage: worldmap [flags] <command> [args]

commands:
  status                         print connectivity and marker count
  watch                          follow map updates until interrupted
  add-marker [flags]             add a marker at image coordinates
  remove-marker <id>             delete a marker
  set-background <file>          upload and set the background image
  lore <type> <name>             generate a location description
  serve [-addr host:port]        serve the map over HTTP
  shell                          interactive session driven by :COMMAND: lines

flags:
`

// errUsage is returned for malformed invocations; main prints usage for it.
var errUsage = errors.New("invalid usage")

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("worldmap", flag.ContinueOnError)
	var opts globalOptions
	fs.StringVar(&opts.configDir, "config", ".", "directory containing the config file")
	fs.StringVar(&opts.adminSecret, "admin-secret", "", "secret presented by admin commands")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("%w: no command given", errUsage)
	}

	cmdName := strings.ToLower(fs.Arg(0))
	cmd, ok := commands[cmdName]
	if !ok {
		fs.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, cmdName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(opts)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("Starting command", "command", cmdName)
	return cmd(ctx, a, fs.Args()[1:], in, out)
}
