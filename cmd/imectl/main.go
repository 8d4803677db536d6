// imectl is the control CLI for imetrackd.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imetrackd/internal/config"
	"imetrackd/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `imectl - Control utility for imetrackd

Usage: imectl [options] <command> [args]

Commands:
  status                      Show daemon status
  ping                        Check that the daemon answers
  dump                        Print the manager and ledger dump
  stats                       Show request counts by status and reason
  history [limit]             List recently completed requests
  menu [-aux]                 List the subtype switcher menu
  next <ime> <subtype>        Ask for the next subtype
       [-back] [-only-current] [-hardware]
  replay <file>               Play a YAML or JSON scenario against the daemon
  events                      Stream daemon events until interrupted
  reload                      Re-read the daemon configuration
  help                        Show this help message

Options:
  -config <path>   Config file used to find the socket
  -socket <path>   Daemon socket (overrides the config)
  -json            Print responses as JSON
  -timeout <dur>   Per-request timeout (default 5s)`)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("imectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	configPath := fs.String("config", "", "path to config file")
	socketPath := fs.String("socket", "", "daemon socket path")
	asJSON := fs.Bool("json", false, "print JSON")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}
	name, rest := fs.Arg(0), fs.Args()[1:]
	if name == "help" {
		usage(stdout)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", name)
		usage(stderr)
		return 2
	}

	sock := *socketPath
	if sock == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error loading config: %v\n", err)
			return 1
		}
		sock = cfg.IPC.SocketPath
	}

	ccfg := ipc.DefaultClientConfig(sock)
	ccfg.ClientName = "imectl"
	ccfg.ClientVersion = Version
	ccfg.RequestTimeout = *timeout
	client, err := ipc.Dial(ctx, ccfg)
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(stderr, "imetrackd is not running at %s\n", sock)
		} else {
			fmt.Fprintf(stderr, "Cannot connect to daemon: %v\n", err)
		}
		return 1
	}
	defer client.Close()

	c := &cli{client: client, out: stdout, json: *asJSON}
	if err := cmd(ctx, c, rest); err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(stderr, "Usage: imectl %s\n", usageErr)
			return 2
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
