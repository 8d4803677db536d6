// imetrackd decides IME visibility for focused windows, rotates input
// method subtypes and keeps a ledger of show and hide requests.
//
//	imetrackd [-config path] [-socket path] [-log-level level]
//
// Clients talk to it over a Unix socket; see imectl.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var (
		configPath  string
		socketPath  string
		logLevel    string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "configuration file (toml, json or yaml)")
	flag.StringVar(&socketPath, "socket", "", "override the IPC socket path")
	flag.StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "print the version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("imetrackd %s\n", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(options{
		ConfigPath: configPath,
		SocketPath: socketPath,
		LogLevel:   logLevel,
		Version:    Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "imetrackd: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(ctx); err != nil {
		d.log.Error("daemon stopped", "error", err)
		d.Close()
		os.Exit(1)
	}
	d.Close()
}
