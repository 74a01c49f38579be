package wsnotify

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/btcsuite/websocket"
	"github.com/google/uuid"

	"github.com/MonteCarloClub/vanityhash/hashjson"
)

const (
	// websocketSendBufferSize is the number of messages a client can
	// have queued before further notifications are dropped.
	websocketSendBufferSize = 50

	// writeTimeout bounds a single websocket write.
	writeTimeout = 30 * time.Second
)

// ErrClientQuit describes the error where a client send is not processed
// due to the client having already been disconnected or dropped.
var ErrClientQuit = errors.New("client quit")

// ErrClientQueueFull describes the error where a notification is dropped
// because the client is not keeping up.
var ErrClientQueueFull = errors.New("client send queue full")

// wsClient provides an abstraction for handling a websocket client.  Inbound
// messages are read by inHandler, which only exists to notice the peer going
// away and to reject requests, since the feed is notification only.  All
// outbound messages are written by outHandler from a buffered channel.
type wsClient struct {
	sync.Mutex

	// conn is the underlying websocket connection.
	conn *websocket.Conn

	// disconnected indicated whether or not the websocket client is
	// disconnected.
	disconnected bool

	// addr is the remote address of the client.
	addr string

	// sessionID is a random ID generated for each client when connected.
	sessionID uuid.UUID

	sendChan chan []byte
	quit     chan struct{}
	wg       sync.WaitGroup
}

// newWebsocketClient returns a new websocket client given the websocket
// connection and remote address.  The returned client is ready to start.
func newWebsocketClient(conn *websocket.Conn, remoteAddr string) *wsClient {
	return &wsClient{
		conn:      conn,
		addr:      remoteAddr,
		sessionID: uuid.New(),
		sendChan:  make(chan []byte, websocketSendBufferSize),
		quit:      make(chan struct{}),
	}
}

// inHandler handles all incoming messages for the websocket connection.  It
// must be run as a goroutine.
func (c *wsClient) inHandler() {
out:
	for {
		// Break out of the loop once the quit channel has been closed.
		// Use a non-blocking select here so we fall through otherwise.
		select {
		case <-c.quit:
			break out
		default:
		}

		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			// Log the error if it's not due to disconnecting.
			if !c.Disconnected() {
				log.Tracef("Websocket receive error from %s: %v",
					c.addr, err)
			}
			break out
		}

		var request hashjson.Request
		rpcErr := hashjson.ErrRPCMethodNotFound
		if err := json.Unmarshal(msg, &request); err != nil {
			rpcErr = hashjson.ErrRPCParse
		} else if request.Method == "" {
			rpcErr = hashjson.ErrRPCInvalidRequest
		}

		// Notifications from the client need no reply.
		if request.ID == nil && rpcErr != hashjson.ErrRPCParse {
			continue
		}

		reply, err := hashjson.MarshalResponse(request.ID, nil, rpcErr)
		if err != nil {
			log.Errorf("Failed to marshal reply for %s: %v", c.addr, err)
			continue
		}
		if err := c.queue(reply); err != nil {
			log.Debugf("Dropped reply to %s: %v", c.addr, err)
		}
	}

	// Ensure the connection is closed.
	c.Disconnect()
	log.Tracef("Websocket client input handler done for %s", c.addr)
	c.wg.Done()
}

// outHandler handles all outgoing messages for the websocket connection.  It
// must be run as a goroutine.
func (c *wsClient) outHandler() {
out:
	for {
		// Send any messages ready for send until the quit channel is
		// closed.
		select {
		case msg := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, msg)
			if err != nil {
				c.Disconnect()
				break out
			}

		case <-c.quit:
			break out
		}
	}

	// Drain any wait channels before exiting so nothing is left waiting
	// around to send.
cleanup:
	for {
		select {
		case <-c.sendChan:
		default:
			break cleanup
		}
	}
	log.Tracef("Websocket client output handler done for %s", c.addr)
	c.wg.Done()
}

// queue hands msg to the output handler without blocking.
func (c *wsClient) queue(msg []byte) error {
	// Don't queue the message if disconnected.
	if c.Disconnected() {
		return ErrClientQuit
	}

	select {
	case c.sendChan <- msg:
		return nil
	default:
		return ErrClientQueueFull
	}
}

// QueueNotification queues the passed notification to be sent to the
// websocket client.  It never blocks: when the client is not keeping up the
// notification is dropped.
func (c *wsClient) QueueNotification(marshalledJSON []byte) error {
	err := c.queue(marshalledJSON)
	if err == ErrClientQueueFull {
		log.Warnf("Dropping notification for slow websocket client %s",
			c.addr)
	}
	return err
}

// Disconnected returns whether or not the websocket client is disconnected.
func (c *wsClient) Disconnected() bool {
	c.Lock()
	isDisconnected := c.disconnected
	c.Unlock()

	return isDisconnected
}

// Disconnect disconnects the websocket client.
func (c *wsClient) Disconnect() {
	c.Lock()
	defer c.Unlock()

	// Nothing to do if already disconnected.
	if c.disconnected {
		return
	}

	log.Tracef("Disconnecting websocket client %s", c.addr)
	close(c.quit)
	c.conn.Close()
	c.disconnected = true
}

// Start begins processing input and output messages.
func (c *wsClient) Start() {
	log.Tracef("Starting websocket client %s", c.addr)

	// Start processing input and output.
	c.wg.Add(2)
	go c.inHandler()
	go c.outHandler()
}

// WaitForShutdown blocks until the websocket client goroutines are stopped
// and the connection is closed.
func (c *wsClient) WaitForShutdown() {
	c.wg.Wait()
}
