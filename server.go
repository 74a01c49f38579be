package main

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/MonteCarloClub/vanityhash/hashjson"
	"github.com/MonteCarloClub/vanityhash/log"
	"github.com/MonteCarloClub/vanityhash/mining/cpuminer"
	"github.com/MonteCarloClub/vanityhash/wsnotify"
)

// server ties the cpu miner to the optional discovery feed and manages their
// lifecycle.
type server struct {
	// The following variables must only be used atomically.
	started     int32
	shutdown    int32
	startupTime int64

	miner *cpuminer.CPUMiner

	// ntfnServer is nil when no notify listeners are configured.
	ntfnServer      *wsnotify.Server
	notifyListeners []net.Listener
}

// setupNotifyListeners returns a listener for every configured notify
// address.  Unlike peer listeners a failure is fatal, since the operator
// explicitly asked for the feed.
func setupNotifyListeners(addrs []string) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
		}
		listeners = append(listeners, listener)
	}
	return listeners, nil
}

// newServer returns a new server configured by cfg which writes discovery
// records to out.
func newServer(cfg *config, out io.Writer) (*server, error) {
	numWorkers, err := cpuminer.NumWorkers(cfg.Workers)
	if err != nil {
		return nil, err
	}

	s := server{}
	if len(cfg.NotifyListeners) > 0 {
		listeners, err := setupNotifyListeners(cfg.NotifyListeners)
		if err != nil {
			return nil, err
		}
		s.notifyListeners = listeners
		s.ntfnServer = wsnotify.New(&wsnotify.Config{
			Listeners:  listeners,
			MaxClients: cfg.MaxNotifyClients,
		})
	}

	minerCfg := cpuminer.Config{
		Prefix:         []byte(cfg.Prefix),
		NumWorkers:     numWorkers,
		HashBatchSize:  cfg.BatchSize,
		ReportInterval: cfg.ReportInterval.Duration,
		MaxHashes:      cfg.MaxHashes,
		Output:         out,
	}
	if s.ntfnServer != nil {
		minerCfg.OnImprovement = s.relayImprovement
	}
	s.miner, err = cpuminer.New(&minerCfg)
	if err != nil {
		for _, l := range s.notifyListeners {
			l.Close()
		}
		return nil, err
	}

	return &s, nil
}

// relayImprovement forwards a new best record to the discovery feed.  A
// record already beaten by another worker is not sent.
func (s *server) relayImprovement(r *cpuminer.Record) {
	if r.Hash.Prefix() > s.miner.Lowest() {
		return
	}
	s.ntfnServer.NotifyNewBest(hashjson.NewNewBestNtfn(r.Timestamp,
		r.Input, r.WorkerID, r.ZeroDigits, r.Hash.String()))
}

// Start begins serving the discovery feed and starts the miner.
func (s *server) Start() {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.SrvrLog.Trace("Starting server")
	atomic.StoreInt64(&s.startupTime, time.Now().Unix())

	if s.ntfnServer != nil {
		log.SrvrLog.Infof("Discovery feed enabled on %d listener(s)",
			len(s.notifyListeners))
		s.ntfnServer.Start()
	}

	if err := s.miner.Start(); err != nil {
		log.SrvrLog.Errorf("Unable to start miner: %v", err)
	}
}

// Stop asks the miner to stop.  Use WaitForShutdown to wait for the shutdown
// to complete.
func (s *server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.SrvrLog.Infof("Server is already in the process of shutting down")
		return nil
	}

	log.SrvrLog.Warnf("Server shutting down")
	s.miner.Stop()
	return nil
}

// Done returns a channel that is closed once the miner has stopped, either
// because every worker ran out of candidates or because Stop was called.
func (s *server) Done() <-chan struct{} {
	return s.miner.Done()
}

// WaitForShutdown blocks until the miner has stopped and then closes the
// discovery feed.  It returns the fatal miner error, if any.
func (s *server) WaitForShutdown() error {
	err := s.miner.WaitForShutdown()

	if s.ntfnServer != nil {
		if stopErr := s.ntfnServer.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
	}

	uptime := time.Now().Unix() - atomic.LoadInt64(&s.startupTime)
	log.SrvrLog.Infof("Lowest hash prefix %016x after about %d hashes "+
		"(uptime %s)", s.miner.Lowest(), s.miner.HashesComputed(),
		time.Duration(uptime)*time.Second)
	return err
}
