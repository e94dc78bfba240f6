// Package transport defines the contract between the topology engine and the
// underlying point-to-point transport. The engine never reasons about radios,
// sockets or platform lifecycle; it only issues connection commands and
// receives lifecycle callbacks through this interface.
package transport

import (
	"context"
	"errors"

	"github.com/xiaonanln/gomesh/meshstate"
)

var (
	// ErrAlreadyConnected distinguishes the benign race where both sides
	// dialed each other from a genuine connection failure. Strategies
	// reconcile their local phase to CONNECTED when they see it.
	ErrAlreadyConnected = errors.New("already connected to endpoint")

	// ErrUnknownEndpoint indicates the endpoint is not reachable (it may
	// have left radio range or stopped advertising).
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrRejected indicates the remote side declined the connection.
	ErrRejected = errors.New("connection rejected by remote")
)

// Callbacks are the lifecycle events a transport delivers to its owner.
// Unset callbacks are simply skipped. Callbacks are invoked without any
// transport-internal lock held, so handlers may call back into the transport.
type Callbacks struct {
	// ConnectionInitiated fires on the receiving side when a remote peer
	// requests a connection; the owner must Accept or Reject the endpoint.
	ConnectionInitiated func(endpoint meshstate.EndpointHandle, name meshstate.DeviceIdentity)

	// ConnectionResult fires on both sides once a requested connection is
	// fully established (err == nil) or has failed.
	ConnectionResult func(endpoint meshstate.EndpointHandle, err error)

	// Disconnected fires when an established connection closes for any reason.
	Disconnected func(endpoint meshstate.EndpointHandle)

	// PayloadReceived fires for every payload delivered by a connected peer.
	PayloadReceived func(endpoint meshstate.EndpointHandle, payload []byte)

	// EndpointFound fires while discovery is running, once per endpoint
	// that becomes visible.
	EndpointFound func(endpoint meshstate.EndpointHandle, name meshstate.DeviceIdentity)

	// EndpointLost fires when a previously found endpoint stops being visible.
	EndpointLost func(endpoint meshstate.EndpointHandle)
}

// Transport is the collaborator consumed by the strategies, the gossip
// manager and the healing service.
type Transport interface {
	// SetCallbacks installs the lifecycle callbacks. Must be called before
	// any other method.
	SetCallbacks(cb Callbacks)

	// RequestConnection asks the transport to connect to a discovered
	// endpoint, announcing selfName to the remote side. Immediate failures
	// are returned; ErrAlreadyConnected is returned for dial races. The
	// final outcome arrives via the ConnectionResult callback.
	RequestConnection(ctx context.Context, selfName meshstate.DeviceIdentity, endpoint meshstate.EndpointHandle) error

	// AcceptConnection admits an inbound connection previously announced
	// through ConnectionInitiated.
	AcceptConnection(endpoint meshstate.EndpointHandle) error

	// RejectConnection declines an inbound connection.
	RejectConnection(endpoint meshstate.EndpointHandle) error

	// DisconnectFromEndpoint tears down an established connection.
	DisconnectFromEndpoint(endpoint meshstate.EndpointHandle) error

	// StartDiscovery begins scanning for advertising peers.
	StartDiscovery() error

	// StopDiscovery stops scanning.
	StopDiscovery() error

	// StartAdvertising makes this node visible to discovering peers.
	StartAdvertising() error

	// StopAll stops discovery and advertising. Established connections are
	// kept; tearing those down is always an explicit strategy decision.
	StopAll() error

	// Broadcast sends a payload to every currently connected peer.
	Broadcast(payload []byte) error

	// SendTo sends a payload to one connected peer.
	SendTo(endpoint meshstate.EndpointHandle, payload []byte) error
}
