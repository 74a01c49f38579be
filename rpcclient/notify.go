package rpcclient

import (
	"encoding/json"

	"github.com/MonteCarloClub/vanityhash/hashjson"
)

// NotificationHandlers defines callback function pointers to invoke with
// notifications.  Since all of the functions are nil by default, all
// notifications are effectively ignored until their handlers are set to a
// concrete callback.
//
// NOTE: These handlers must NOT directly call any blocking calls on the client
// instance since the input reader goroutine blocks until the callback has
// completed.  Doing so will result in a deadlock situation.
type NotificationHandlers struct {
	// OnClientConnected is invoked when the client connects or reconnects
	// to the miner.  This callback is run async with the rest of the
	// notification handlers.
	OnClientConnected func()

	// OnNewBest is invoked when the miner publishes a lower hash.  A
	// freshly connected client first receives the current best, if any.
	OnNewBest func(ntfn *hashjson.NewBestNtfn)

	// OnUnknownNotification is invoked when an unrecognized notification
	// is received.  This typically means the notification handling code
	// for this package needs to be updated for a new notification type or
	// the caller is using a custom notification this package does not know
	// about.
	OnUnknownNotification func(method string, params []json.RawMessage)
}

// handleNotification examines the passed notification type, performs
// conversions to get the raw notification types into higher level types and
// delivers the notification to the appropriate On<X> handler registered with
// the client.
func (c *Client) handleNotification(ntfn *rawNotification) {
	// Ignore the notification if the client is not interested in any
	// notifications.
	if c.ntfnHandlers == nil {
		return
	}

	switch ntfn.Method {
	case hashjson.NewBestNtfnMethod:
		// Ignore the notification if the client is not interested in
		// it.
		if c.ntfnHandlers.OnNewBest == nil {
			return
		}

		parsed, err := hashjson.UnmarshalNtfn(ntfn.Method, ntfn.Params)
		if err != nil {
			log.Warnf("Received invalid newbest notification: %v",
				err)
			return
		}

		c.ntfnHandlers.OnNewBest(parsed.(*hashjson.NewBestNtfn))

	// OnUnknownNotification
	default:
		if c.ntfnHandlers.OnUnknownNotification == nil {
			return
		}

		c.ntfnHandlers.OnUnknownNotification(ntfn.Method, ntfn.Params)
	}
}
