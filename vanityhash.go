package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/MonteCarloClub/vanityhash/log"
)

var (
	cfg *config
)

func main() {
	// Work around defer not working after os.Exit()
	if err := vanityhashMain(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "vanityhash: %v\n", err)
		os.Exit(1)
	}
}

// vanityhashMain is the real main function for vanityhash.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func vanityhashMain(args []string) error {
	// Load configuration and parse command line.  This function also
	// configures the log levels.
	tcfg, _, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg = tcfg

	if !cfg.NoLogFile {
		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		if err := log.InitLogRotator(logFile); err != nil {
			return err
		}
	}
	defer log.CloseLogRotator()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	interrupt := interruptListener()
	defer log.VnhsLog.Info("Shutdown complete")

	log.VnhsLog.Infof("Searching for the lowest SHA-256 of %q + suffix",
		cfg.Prefix)

	// Create server and start it.
	server, err := newServer(cfg, os.Stdout)
	if err != nil {
		log.VnhsLog.Errorf("Unable to start server: %v", err)
		return err
	}

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	server.Start()

	// Wait until the interrupt signal is received from an OS signal or the
	// miner runs out of candidates.
	select {
	case <-interrupt:
	case <-server.Done():
	}

	log.VnhsLog.Infof("Gracefully shutting down the server...")
	server.Stop()
	if err := server.WaitForShutdown(); err != nil {
		log.VnhsLog.Errorf("Server shutdown with error: %v", err)
		return err
	}
	log.SrvrLog.Infof("Server shutdown complete")
	return nil
}
