package rpcclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/websocket"
)

const (
	// connectionRetryInterval is the amount of time to wait in between
	// retries when automatically reconnecting to a miner.
	connectionRetryInterval = time.Second * 5

	// defaultEndpoint is the websocket endpoint served by the miner.
	defaultEndpoint = "ws"
)

// ConnConfig describes the connection configuration parameters for the client.
type ConnConfig struct {
	// Host is the IP address and port of the miner's notification
	// listener.
	Host string

	// Endpoint is the websocket endpoint on the miner.  It defaults to
	// "ws".
	Endpoint string

	// DisableAutoReconnect specifies the client should not automatically
	// try to reconnect to the miner when it has been disconnected.
	DisableAutoReconnect bool
}

// rawNotification is a partially-unmarshaled JSON-RPC notification.
type rawNotification struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// inMessage is the first type that an incoming message is unmarshaled
// into.  The message is a notification if the ID is nil, otherwise it is a
// reply to something this client never asked for and is ignored.
type inMessage struct {
	ID *float64 `json:"id"`
	*rawNotification
}

// Client represents a feed client that receives the discoveries of a running
// miner over a websocket connection.
type Client struct {
	// config holds the connection configuration associated with this
	// client.
	config *ConnConfig

	// ntfnHandlers holds the callbacks invoked for notifications.
	ntfnHandlers *NotificationHandlers

	// retryCount holds the number of times the client has tried to
	// reconnect to the miner.  It is only used by the reconnect handler.
	retryCount int64

	// mtx protects wsConn, disconnect and disconnected.
	mtx          sync.Mutex
	wsConn       *websocket.Conn
	disconnected bool
	disconnect   chan struct{}

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// handleMessage is the main handler for incoming messages.
func (c *Client) handleMessage(msg []byte) {
	var in inMessage
	in.rawNotification = new(rawNotification)
	err := json.Unmarshal(msg, &in)
	if err != nil {
		log.Warnf("Miner sent invalid message: %v", err)
		return
	}

	if in.ID != nil {
		log.Debugf("Ignoring unexpected reply with id %v", *in.ID)
		return
	}

	ntfn := in.rawNotification
	if ntfn.Method == "" {
		log.Warn("Malformed notification: missing method")
		return
	}
	// params are not optional: nil isn't valid (but len == 0 is)
	if ntfn.Params == nil {
		log.Warn("Malformed notification: missing params")
		return
	}

	log.Tracef("Received notification [%s]", ntfn.Method)
	c.handleNotification(ntfn)
}

// shouldLogReadError returns whether or not the passed error, which is expected
// to have come from reading from the websocket connection in wsInHandler,
// should be logged.
func (c *Client) shouldLogReadError(err error) bool {
	// No logging when the connection is being forcibly disconnected.
	select {
	case <-c.shutdown:
		return false
	default:
	}

	// No logging when the connection has been disconnected.
	if err == io.EOF {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return false
	}

	return true
}

// wsInHandler handles all incoming messages for the websocket connection
// associated with the client.  It must be run as a goroutine.
func (c *Client) wsInHandler(wsConn *websocket.Conn) {
out:
	for {
		// Break out of the loop once the shutdown channel has been
		// closed.  Use a non-blocking select here so we fall through
		// otherwise.
		select {
		case <-c.shutdown:
			break out
		default:
		}

		_, msg, err := wsConn.ReadMessage()
		if err != nil {
			// Log the error if it's not due to disconnecting.
			if c.shouldLogReadError(err) {
				log.Errorf("Websocket receive error from "+
					"%s: %v", c.config.Host, err)
			}
			break out
		}
		c.handleMessage(msg)
	}

	// Ensure the connection is closed.
	c.Disconnect()
	log.Tracef("Feed client input handler done for %s", c.config.Host)
	c.wg.Done()
}

// start begins processing input messages of the current connection.
func (c *Client) start() {
	log.Tracef("Starting feed client %s", c.config.Host)

	c.mtx.Lock()
	wsConn := c.wsConn
	c.mtx.Unlock()

	c.wg.Add(2)
	go func() {
		if c.ntfnHandlers != nil && c.ntfnHandlers.OnClientConnected != nil {
			c.ntfnHandlers.OnClientConnected()
		}
		c.wg.Done()
	}()
	go c.wsInHandler(wsConn)
}

// Disconnected returns whether or not the client is disconnected.
func (c *Client) Disconnected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.disconnected
}

// doDisconnect disconnects the websocket associated with the client if it
// hasn't already been disconnected.  It will return false if the disconnect
// is not needed.
//
// This function is safe for concurrent access.
func (c *Client) doDisconnect() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	// Nothing to do if already disconnected.
	if c.disconnected {
		return false
	}

	log.Tracef("Disconnecting feed client %s", c.config.Host)
	close(c.disconnect)
	if c.wsConn != nil {
		c.wsConn.Close()
	}
	c.disconnected = true
	return true
}

// doShutdown closes the shutdown channel and logs the shutdown unless shutdown
// is already in progress.  It will return false if the shutdown is not needed.
//
// This function is safe for concurrent access.
func (c *Client) doShutdown() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	// Ignore the shutdown request if the client is already in the process
	// of shutting down or already shutdown.
	select {
	case <-c.shutdown:
		return false
	default:
	}

	log.Tracef("Shutting down feed client %s", c.config.Host)
	close(c.shutdown)
	return true
}

// Disconnect disconnects the current websocket associated with the client.  The
// connection will automatically be re-established unless the client was
// created with the DisableAutoReconnect flag, in which case the client is
// shut down.
func (c *Client) Disconnect() {
	// Nothing to do if already disconnected.
	if !c.doDisconnect() {
		return
	}

	if c.config.DisableAutoReconnect {
		c.doShutdown()
	}
}

// Shutdown shuts down the client by disconnecting any connections associated
// with the client and, when automatic reconnect is enabled, preventing future
// attempts to reconnect.  It also stops all goroutines.
func (c *Client) Shutdown() {
	// Ignore the shutdown request if the client is already in the process
	// of shutting down or already shutdown.
	if !c.doShutdown() {
		return
	}

	c.doDisconnect()
}

// ShutdownChan returns a channel that is closed once the client has been
// shut down, either explicitly or because the connection was lost with
// automatic reconnect disabled.
func (c *Client) ShutdownChan() <-chan struct{} {
	return c.shutdown
}

// WaitForShutdown blocks until the client goroutines are stopped and the
// connection is closed.
func (c *Client) WaitForShutdown() {
	c.wg.Wait()
}

// wsReconnectHandler listens for client disconnects and automatically tries
// to reconnect with retry interval that scales based on the number of retries.
// This function is not run when the DisableAutoReconnect config option is
// set.
//
// This function must be run as a goroutine.
func (c *Client) wsReconnectHandler() {
out:
	for {
		c.mtx.Lock()
		disconnect := c.disconnect
		c.mtx.Unlock()

		select {
		case <-disconnect:
			// On disconnect, fallthrough to reestablish the
			// connection.

		case <-c.shutdown:
			break out
		}

	reconnect:
		for {
			select {
			case <-c.shutdown:
				break out
			default:
			}

			wsConn, err := dial(c.config)
			if err != nil {
				c.retryCount++
				log.Infof("Failed to connect to %s: %v",
					c.config.Host, err)

				// Scale the retry interval by the number of
				// retries so there is a backoff up to a max
				// of 1 minute.
				scaledInterval := connectionRetryInterval.Nanoseconds() * c.retryCount
				scaledDuration := time.Duration(scaledInterval)
				if scaledDuration > time.Minute {
					scaledDuration = time.Minute
				}
				log.Infof("Retrying connection to %s in "+
					"%s", c.config.Host, scaledDuration)
				select {
				case <-time.After(scaledDuration):
				case <-c.shutdown:
					break out
				}
				continue reconnect
			}

			log.Infof("Reestablished connection to miner %s",
				c.config.Host)

			// Reset the connection state and signal the reconnect
			// has happened.
			c.retryCount = 0
			c.mtx.Lock()
			c.wsConn = wsConn
			c.disconnect = make(chan struct{})
			c.disconnected = false
			c.mtx.Unlock()

			// Start processing input for the new connection.
			c.start()

			// Break out of the reconnect loop back to wait for
			// disconnect again.
			break reconnect
		}
	}
	log.Tracef("Feed client reconnect handler done for %s", c.config.Host)
	c.wg.Done()
}

// dial opens a websocket connection using the passed connection configuration
// details.
func dial(config *ConnConfig) (*websocket.Conn, error) {
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	var dialer websocket.Dialer
	url := fmt.Sprintf("ws://%s/%s", config.Host, endpoint)
	wsConn, resp, err := dialer.Dial(url, nil)
	if err != nil {
		if err != websocket.ErrBadHandshake || resp == nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status %s", err, resp.Status)
	}
	return wsConn, nil
}

// New creates a new feed client connected to the miner described by config.
// The notification handlers parameter may be nil if you are not interested in
// receiving notifications.
func New(config *ConnConfig, ntfnHandlers *NotificationHandlers) (*Client, error) {
	wsConn, err := dial(config)
	if err != nil {
		return nil, err
	}

	client := &Client{
		config:       config,
		wsConn:       wsConn,
		ntfnHandlers: ntfnHandlers,
		disconnect:   make(chan struct{}),
		shutdown:     make(chan struct{}),
	}

	log.Infof("Established connection to miner %s", config.Host)
	client.start()
	if !config.DisableAutoReconnect {
		client.wg.Add(1)
		go client.wsReconnectHandler()
	}

	return client, nil
}
