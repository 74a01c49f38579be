package rpcclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MonteCarloClub/vanityhash/hashjson"
)

func TestHandleMessage(t *testing.T) {
	var (
		best    []*hashjson.NewBestNtfn
		unknown []string
	)
	c := &Client{
		config: &ConnConfig{Host: "test"},
		ntfnHandlers: &NotificationHandlers{
			OnNewBest: func(n *hashjson.NewBestNtfn) {
				best = append(best, n)
			},
			OnUnknownNotification: func(method string, _ []json.RawMessage) {
				unknown = append(unknown, method)
			},
		},
	}

	msg, err := hashjson.MarshalNtfn(hashjson.NewNewBestNtfn(5, []byte("in"), 'A', 2, "ab"))
	require.NoError(t, err)
	c.handleMessage(msg)

	c.handleMessage([]byte(`{"method":"blockconnected","params":[],"id":null}`))

	// Malformed messages and replies are ignored.
	c.handleMessage([]byte(`garbage`))
	c.handleMessage([]byte(`{"method":"","params":[],"id":null}`))
	c.handleMessage([]byte(`{"method":"newbest","id":null}`))
	c.handleMessage([]byte(`{"method":"newbest","params":[1,2],"id":null}`))
	c.handleMessage([]byte(`{"result":null,"error":null,"id":3}`))

	require.Len(t, best, 1)
	assert.Equal(t, &hashjson.NewBestNtfn{
		Timestamp:  5,
		Input:      "in",
		InputHex:   "696e",
		WorkerID:   "A",
		ZeroDigits: 2,
		Hash:       "ab",
	}, best[0])
	assert.Equal(t, []string{"blockconnected"}, unknown)
}

func TestHandleMessageWithoutHandlers(t *testing.T) {
	c := &Client{config: &ConnConfig{Host: "test"}}
	msg, err := hashjson.MarshalNtfn(hashjson.NewNewBestNtfn(5, []byte("in"), 'A', 2, "ab"))
	require.NoError(t, err)

	assert.NotPanics(t, func() { c.handleMessage(msg) })
}
