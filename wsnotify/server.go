package wsnotify

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/websocket"

	"github.com/MonteCarloClub/vanityhash/chainhash"
	"github.com/MonteCarloClub/vanityhash/hashjson"
)

const (
	// DefaultMaxClients is the default number of concurrent websocket
	// clients.
	DefaultMaxClients = 25

	// handshakeTimeout bounds the time a connection may take to complete
	// the initial HTTP request.
	handshakeTimeout = 10 * time.Second
)

// Config is a descriptor containing the notification server configuration.
type Config struct {
	// Listeners defines a slice of listeners for which the server will
	// accept websocket connections.  The server takes ownership of them.
	Listeners []net.Listener

	// MaxClients is the maximum number of concurrently connected clients.
	// Zero selects DefaultMaxClients.
	MaxClients int
}

// Server broadcasts newbest notifications to every connected websocket
// client.  Notifications are queued without blocking, so a slow client never
// holds up the miner.
type Server struct {
	started  int32
	shutdown int32

	cfg        Config
	httpServer *http.Server

	// clients, latest and latestPrefix are protected by mtx.  Clients are
	// keyed by their quit channel.  latestPrefix only decreases.
	mtx          sync.Mutex
	clients      map[chan struct{}]*wsClient
	latest       []byte
	latestPrefix uint64

	wg   sync.WaitGroup
	quit chan struct{}
}

// New returns a new notification server for the passed configuration.
func New(cfg *Config) *Server {
	c := *cfg
	if c.MaxClients <= 0 {
		c.MaxClients = DefaultMaxClients
	}

	s := &Server{
		cfg:     c,
		clients: make(map[chan struct{}]*wsClient),
		quit:    make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebsocket)
	s.httpServer = &http.Server{
		Handler: mux,

		// Timeout connections which don't complete the initial
		// handshake within the allowed timeframe.
		ReadTimeout: handshakeTimeout,
	}
	return s
}

// handleWebsocket upgrades the request to a websocket connection and serves
// it until the client goes away.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	// Attempt to upgrade the connection to a websocket connection using
	// the default size for read/write buffers.
	ws, err := websocket.Upgrade(w, r, nil, 0, 0)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.Errorf("Unexpected websocket error: %v", err)
		}
		http.Error(w, "400 Bad Request.", http.StatusBadRequest)
		return
	}
	s.websocketHandler(ws, r.RemoteAddr)
}

// websocketHandler handles a new websocket client by creating a new wsClient,
// starting it, and blocking until the connection closes.
func (s *Server) websocketHandler(conn *websocket.Conn, remoteAddr string) {
	// Clear the read deadline that was set before the websocket hijacked
	// the connection.
	conn.SetReadDeadline(time.Time{})

	client := newWebsocketClient(conn, remoteAddr)

	s.mtx.Lock()
	if len(s.clients)+1 > s.cfg.MaxClients {
		s.mtx.Unlock()
		log.Infof("Max websocket clients exceeded [%d] - "+
			"disconnecting client %s", s.cfg.MaxClients, remoteAddr)
		conn.Close()
		return
	}
	select {
	case <-s.quit:
		s.mtx.Unlock()
		conn.Close()
		return
	default:
	}
	s.clients[client.quit] = client

	// Queue the latest notification under the lock so it can't be
	// reordered with a newer one.
	if s.latest != nil {
		client.QueueNotification(s.latest)
	}
	s.mtx.Unlock()

	log.Infof("New websocket client %s (session %s)", remoteAddr,
		client.sessionID)

	client.Start()
	client.WaitForShutdown()

	s.mtx.Lock()
	delete(s.clients, client.quit)
	s.mtx.Unlock()
	log.Infof("Disconnected websocket client %s (session %s)", remoteAddr,
		client.sessionID)
}

// NumClients returns the number of clients actively being served.
func (s *Server) NumClients() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.clients)
}

// NotifyNewBest sends a newbest notification to every connected client and
// remembers it for clients that connect later.  A notification whose hash is
// not lower than the last one sent is dropped, so clients never see the best
// hash go up.  It never blocks and reports whether the notification was sent.
func (s *Server) NotifyNewBest(ntfn *hashjson.NewBestNtfn) bool {
	hash, err := chainhash.NewHashFromStr(ntfn.Hash)
	if err != nil {
		log.Errorf("Invalid hash in newbest notification: %v", err)
		return false
	}
	prefix := hash.Prefix()

	marshalled, err := hashjson.MarshalNtfn(ntfn)
	if err != nil {
		log.Errorf("Failed to marshal newbest notification: %v", err)
		return false
	}

	// Queue under the lock so two notifications can't reach a client in
	// the opposite order of their hashes.
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.latest != nil && prefix >= s.latestPrefix {
		log.Debugf("Dropping stale newbest notification %s", ntfn.Hash)
		return false
	}
	s.latest = marshalled
	s.latestPrefix = prefix
	for _, c := range s.clients {
		c.QueueNotification(marshalled)
	}
	return true
}

// Start begins accepting websocket connections on all configured listeners.
func (s *Server) Start() {
	if atomic.AddInt32(&s.started, 1) != 1 {
		return
	}

	log.Trace("Starting notification server")
	for _, listener := range s.cfg.Listeners {
		s.wg.Add(1)
		go func(listener net.Listener) {
			log.Infof("Notification server listening on %s",
				listener.Addr())
			s.httpServer.Serve(listener)
			log.Tracef("Notification listener done for %s",
				listener.Addr())
			s.wg.Done()
		}(listener)
	}
}

// Stop closes the listeners, disconnects every client and waits for all
// server goroutines to finish.
func (s *Server) Stop() error {
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.Infof("Notification server is already in the process of " +
			"shutting down")
		return nil
	}
	log.Warnf("Notification server shutting down")

	var firstErr error
	for _, listener := range s.cfg.Listeners {
		err := listener.Close()
		if err != nil && firstErr == nil {
			log.Errorf("Problem shutting down notification "+
				"listener: %v", err)
			firstErr = err
		}
	}

	s.mtx.Lock()
	close(s.quit)
	for _, c := range s.clients {
		c.Disconnect()
	}
	s.mtx.Unlock()

	s.wg.Wait()
	log.Infof("Notification server shutdown complete")
	return firstErr
}
