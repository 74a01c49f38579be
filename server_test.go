package main

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MonteCarloClub/vanityhash/chainhash"
	"github.com/MonteCarloClub/vanityhash/hashjson"
	"github.com/MonteCarloClub/vanityhash/rpcclient"
)

// lockedBuffer is a bytes.Buffer safe for the concurrent writes of the
// miner and the reads of the test.
type lockedBuffer struct {
	mtx sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.buf.String()
}

func testConfig() *config {
	return &config{
		Prefix:         "srvtest/",
		Workers:        2,
		ReportInterval: duration{time.Hour},
		MaxHashes:      2000,
		BatchSize:      256,
	}
}

func TestServerRunsToCompletion(t *testing.T) {
	var out lockedBuffer
	cfg := testConfig()
	cfg.NotifyListeners = []string{"127.0.0.1:0"}

	s, err := newServer(cfg, &out)
	require.NoError(t, err)
	require.Len(t, s.notifyListeners, 1)
	s.Start()

	select {
	case <-s.Done():
	case <-time.After(30 * time.Second):
		t.Fatal("miner did not finish")
	}

	// A client connecting after the search finished is still told about
	// the best hash.
	ntfns := make(chan *hashjson.NewBestNtfn, 1)
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:                 s.notifyListeners[0].Addr().String(),
		DisableAutoReconnect: true,
	}, &rpcclient.NotificationHandlers{
		OnNewBest: func(n *hashjson.NewBestNtfn) {
			select {
			case ntfns <- n:
			default:
			}
		},
	})
	require.NoError(t, err)
	defer func() {
		client.Shutdown()
		client.WaitForShutdown()
	}()

	var ntfn *hashjson.NewBestNtfn
	select {
	case ntfn = <-ntfns:
	case <-time.After(10 * time.Second):
		t.Fatal("no newbest notification received")
	}

	hash, err := chainhash.NewHashFromStr(ntfn.Hash)
	require.NoError(t, err)
	assert.LessOrEqual(t, s.miner.Lowest(), hash.Prefix())
	assert.True(t, strings.HasPrefix(ntfn.Input, "srvtest/"+ntfn.WorkerID))
	assert.Equal(t, chainhash.HashH([]byte(ntfn.Input)), *hash)

	require.NoError(t, s.Stop())
	require.NoError(t, s.WaitForShutdown())

	output := out.String()
	assert.Contains(t, output, "A all hashes computed\n")
	assert.Contains(t, output, "B all hashes computed\n")
	assert.Contains(t, output, "hash: "+ntfn.Hash+"\n")
}

func TestServerStop(t *testing.T) {
	var out lockedBuffer
	cfg := testConfig()
	cfg.MaxHashes = 0

	s, err := newServer(cfg, &out)
	require.NoError(t, err)
	assert.Nil(t, s.ntfnServer)
	s.Start()

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.NoError(t, s.WaitForShutdown())
	assert.NotContains(t, out.String(), "all hashes computed")
}

func TestServerListenerInUse(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	cfg := testConfig()
	cfg.NotifyListeners = []string{listener.Addr().String()}
	_, err = newServer(cfg, &lockedBuffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't listen on")
}

func TestServerInvalidMinerConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.NotifyListeners = []string{"127.0.0.1:0"}
	_, err := newServer(cfg, &lockedBuffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "power of two")
}
