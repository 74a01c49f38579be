// hashwatch connects to the discovery feed of a running vanityhash process
// and prints every new best hash as it is found.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/MonteCarloClub/vanityhash/hashjson"
	"github.com/MonteCarloClub/vanityhash/rpcclient"
)

const defaultHost = "localhost:8335"

// formatNtfn returns the line printed for a newbest notification received
// at now.
func formatNtfn(n *hashjson.NewBestNtfn, now time.Time) string {
	found := time.Unix(n.Timestamp, 0)
	return fmt.Sprintf("%s (%s): input:%s, worker: %s, zero digits: %d, "+
		"hash: %s", found.UTC().Format(time.RFC3339),
		humanize.RelTime(found, now, "ago", "from now"), n.Input,
		n.WorkerID, n.ZeroDigits, n.Hash)
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("hashwatch", flag.ContinueOnError)
	host := fs.StringP("host", "H", defaultHost,
		"Address of the vanityhash discovery feed")
	endpoint := fs.String("endpoint", "ws", "Websocket endpoint")
	once := fs.Bool("once", false, "Exit after the first notification")
	debugLevel := fs.StringP("debuglevel", "d", "info",
		"Logging level {trace, debug, info, warn, error, critical}")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level, ok := btclog.LevelFromString(*debugLevel)
	if !ok {
		return fmt.Errorf("the specified debug level [%v] is invalid",
			*debugLevel)
	}
	logger := btclog.NewBackend(os.Stderr).Logger("HWCH")
	logger.SetLevel(level)
	rpcclient.UseLogger(logger)

	first := make(chan struct{})
	var firstSeen bool
	ntfnHandlers := rpcclient.NotificationHandlers{
		OnClientConnected: func() {
			logger.Infof("Watching %s", *host)
		},
		OnNewBest: func(n *hashjson.NewBestNtfn) {
			fmt.Fprintln(stdout, formatNtfn(n, time.Now()))
			if !firstSeen {
				firstSeen = true
				close(first)
			}
		},
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:     *host,
		Endpoint: *endpoint,
	}, &ntfnHandlers)
	if err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	var done <-chan struct{}
	if *once {
		done = first
	}
	select {
	case <-interrupt:
	case <-done:
	case <-client.ShutdownChan():
	}

	client.Shutdown()
	client.WaitForShutdown()
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "hashwatch: %v\n", err)
		os.Exit(1)
	}
}
