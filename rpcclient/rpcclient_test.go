package rpcclient_test

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MonteCarloClub/vanityhash/hashjson"
	"github.com/MonteCarloClub/vanityhash/rpcclient"
	"github.com/MonteCarloClub/vanityhash/wsnotify"
)

func startServer(t *testing.T, maxClients int) (*wsnotify.Server, string) {
	t.Helper()
	return startServerOn(t, "127.0.0.1:0", maxClients)
}

func startServerOn(t *testing.T, addr string, maxClients int) (*wsnotify.Server, string) {
	t.Helper()

	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	server := wsnotify.New(&wsnotify.Config{
		Listeners:  []net.Listener{listener},
		MaxClients: maxClients,
	})
	server.Start()
	t.Cleanup(func() { _ = server.Stop() })
	return server, listener.Addr().String()
}

func connect(t *testing.T, host string) (*rpcclient.Client, chan *hashjson.NewBestNtfn) {
	t.Helper()

	ntfns := make(chan *hashjson.NewBestNtfn, 10)
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                 host,
		DisableAutoReconnect: true,
	}, &rpcclient.NotificationHandlers{
		OnNewBest: func(n *hashjson.NewBestNtfn) { ntfns <- n },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Shutdown()
		client.WaitForShutdown()
	})
	return client, ntfns
}

func receive(t *testing.T, ntfns chan *hashjson.NewBestNtfn) *hashjson.NewBestNtfn {
	t.Helper()

	select {
	case n := <-ntfns:
		return n
	case <-time.After(10 * time.Second):
		t.Fatal("no notification received")
		return nil
	}
}

func TestNewBestRoundTrip(t *testing.T) {
	server, host := startServer(t, 0)
	_, ntfns := connect(t, host)

	require.Eventually(t, func() bool { return server.NumClients() == 1 },
		10*time.Second, 5*time.Millisecond)

	first := hashjson.NewNewBestNtfn(1700000000, []byte("ABCA"), 'C', 0,
		"e7ee82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f")
	second := hashjson.NewNewBestNtfn(1700000001, []byte("/dummyprefix/AA"), 'A', 1,
		"590aed20b8ce78f7437c15134bbefedf76abbb47f1bbcaef5b11c8e7b9538973")
	server.NotifyNewBest(first)
	server.NotifyNewBest(second)

	assert.Equal(t, first, receive(t, ntfns))
	assert.Equal(t, second, receive(t, ntfns))
}

func TestLateClientReceivesLatest(t *testing.T) {
	server, host := startServer(t, 0)

	latest := hashjson.NewNewBestNtfn(1700000002, []byte("xyAB"), 'B', 3,
		"000f82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f")
	require.True(t, server.NotifyNewBest(hashjson.NewNewBestNtfn(1,
		[]byte("old"), 'A', 0,
		"ffee82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f")))
	require.True(t, server.NotifyNewBest(latest))

	_, ntfns := connect(t, host)
	assert.Equal(t, latest, receive(t, ntfns))
}

func TestMaxClients(t *testing.T) {
	server, host := startServer(t, 1)
	connect(t, host)
	require.Eventually(t, func() bool { return server.NumClients() == 1 },
		10*time.Second, 5*time.Millisecond)

	// The second connection is accepted by the handshake and closed right
	// away.
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                 host,
		DisableAutoReconnect: true,
	}, nil)
	require.NoError(t, err)
	select {
	case <-client.ShutdownChan():
	case <-time.After(10 * time.Second):
		t.Fatal("excess client was not disconnected")
	}
	client.WaitForShutdown()
	assert.Equal(t, 1, server.NumClients())
}

func TestServerRejectsRequests(t *testing.T) {
	_, host := startServer(t, 0)

	var dialer websocket.Dialer
	conn, _, err := dialer.Dial("ws://"+host+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"1.0","method":"getbest","params":[],"id":1}`)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var reply hashjson.Response
	require.NoError(t, json.Unmarshal(msg, &reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, hashjson.ErrRPCMethodNotFound.Code, reply.Error.Code)
	assert.Equal(t, float64(1), reply.ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"1.0","params":[],"id":2}`)))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	reply = hashjson.Response{}
	require.NoError(t, json.Unmarshal(msg, &reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, hashjson.ErrRPCInvalidRequest.Code, reply.Error.Code)
	assert.Equal(t, float64(2), reply.ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	reply = hashjson.Response{}
	require.NoError(t, json.Unmarshal(msg, &reply))
	require.NotNil(t, reply.Error)
	assert.Equal(t, hashjson.ErrRPCParse.Code, reply.Error.Code)
}

func TestStaleNewBestDropped(t *testing.T) {
	server, host := startServer(t, 0)
	_, liveNtfns := connect(t, host)
	require.Eventually(t, func() bool { return server.NumClients() == 1 },
		10*time.Second, 5*time.Millisecond)

	better := hashjson.NewNewBestNtfn(2, []byte("better"), 'B', 1,
		"0aee82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f")
	worse := hashjson.NewNewBestNtfn(3, []byte("worse"), 'A', 0,
		"e7ee82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f")
	best := hashjson.NewNewBestNtfn(4, []byte("best"), 'C', 2,
		"00ee82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f")

	assert.True(t, server.NotifyNewBest(better))
	assert.False(t, server.NotifyNewBest(worse))
	assert.False(t, server.NotifyNewBest(better))
	assert.False(t, server.NotifyNewBest(hashjson.NewNewBestNtfn(5,
		[]byte("bad"), 'A', 0, "00")))

	// A client joining now is told about the better record, not the
	// worse one that arrived after it.
	_, lateNtfns := connect(t, host)
	assert.Equal(t, better, receive(t, lateNtfns))

	assert.True(t, server.NotifyNewBest(best))
	assert.Equal(t, better, receive(t, liveNtfns))
	assert.Equal(t, best, receive(t, liveNtfns))
	assert.Equal(t, best, receive(t, lateNtfns))
}

func TestReconnect(t *testing.T) {
	first, host := startServer(t, 0)

	connected := make(chan struct{}, 4)
	ntfns := make(chan *hashjson.NewBestNtfn, 4)
	client, err := rpcclient.New(&rpcclient.ConnConfig{Host: host},
		&rpcclient.NotificationHandlers{
			OnClientConnected: func() { connected <- struct{}{} },
			OnNewBest:         func(n *hashjson.NewBestNtfn) { ntfns <- n },
		})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Shutdown()
		client.WaitForShutdown()
	})
	<-connected

	require.NoError(t, first.Stop())
	second, _ := startServerOn(t, host, 0)

	// The first dial may race the restart, which costs one retry
	// interval.
	select {
	case <-connected:
	case <-time.After(20 * time.Second):
		t.Fatal("client did not reconnect")
	}
	require.Eventually(t, func() bool { return second.NumClients() == 1 },
		10*time.Second, 5*time.Millisecond)
	assert.False(t, client.Disconnected())

	ntfn := hashjson.NewNewBestNtfn(1, []byte("x"), 'A', 0,
		"e7ee82ccd29b1c3079db7826385e5dd1a8ebf20b4ea9fe0a4e5e21196d176f3f")
	require.True(t, second.NotifyNewBest(ntfn))
	assert.Equal(t, ntfn, receive(t, ntfns))
}

func TestWaitForShutdownStopsLogging(t *testing.T) {
	_, host := startServer(t, 0)
	client, err := rpcclient.New(&rpcclient.ConnConfig{Host: host}, nil)
	require.NoError(t, err)

	client.Shutdown()
	client.WaitForShutdown()

	// Every client goroutine is done with the package logger once
	// WaitForShutdown returns.
	rpcclient.UseLogger(btclog.Disabled)
	rpcclient.DisableLog()
}
