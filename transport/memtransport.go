package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaonanln/gomesh/meshstate"
)

// MemHub is an in-process switchboard connecting any number of MemTransports.
// It exists for tests and simulations: discovery is hub visibility, payloads
// are delivered synchronously, and racing dials surface ErrAlreadyConnected
// exactly like a real transport's connection dedup would.
type MemHub struct {
	mu     sync.Mutex
	nodes  map[meshstate.EndpointHandle]*MemTransport
	nextID int
}

// NewMemHub creates an empty hub.
func NewMemHub() *MemHub {
	return &MemHub{nodes: make(map[meshstate.EndpointHandle]*MemTransport)}
}

// Join adds a node to the hub and returns its transport. The endpoint handle
// is assigned by the hub, mirroring how real transports hand out ephemeral
// endpoint identifiers.
func (h *MemHub) Join(name meshstate.DeviceIdentity) *MemTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	endpoint := meshstate.EndpointHandle(fmt.Sprintf("mem-%d", h.nextID))
	mt := &MemTransport{
		hub:        h,
		name:       name,
		endpoint:   endpoint,
		conns:      make(map[meshstate.EndpointHandle]bool),
		pendingIn:  make(map[meshstate.EndpointHandle]meshstate.DeviceIdentity),
		pendingOut: make(map[meshstate.EndpointHandle]bool),
	}
	h.nodes[endpoint] = mt
	return mt
}

// MemTransport is one node's view of the hub. It implements Transport.
type MemTransport struct {
	hub      *MemHub
	name     meshstate.DeviceIdentity
	endpoint meshstate.EndpointHandle

	cb          Callbacks
	advertising bool
	discovering bool
	conns       map[meshstate.EndpointHandle]bool
	pendingIn   map[meshstate.EndpointHandle]meshstate.DeviceIdentity
	pendingOut  map[meshstate.EndpointHandle]bool
}

var _ Transport = (*MemTransport)(nil)

// Endpoint returns the handle the hub assigned to this node.
func (t *MemTransport) Endpoint() meshstate.EndpointHandle {
	return t.endpoint
}

// SetCallbacks installs the lifecycle callbacks
func (t *MemTransport) SetCallbacks(cb Callbacks) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.cb = cb
}

// RequestConnection initiates a dial toward a visible endpoint.
func (t *MemTransport) RequestConnection(ctx context.Context, selfName meshstate.DeviceIdentity, endpoint meshstate.EndpointHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.hub.mu.Lock()
	target, ok := t.hub.nodes[endpoint]
	if !ok {
		t.hub.mu.Unlock()
		return ErrUnknownEndpoint
	}
	if t.conns[endpoint] || t.pendingOut[endpoint] {
		t.hub.mu.Unlock()
		return ErrAlreadyConnected
	}
	if _, dialingUs := t.pendingIn[endpoint]; dialingUs {
		// The remote side dialed first; treat our request as the losing
		// side of the race.
		t.hub.mu.Unlock()
		return ErrAlreadyConnected
	}

	t.pendingOut[endpoint] = true
	target.pendingIn[t.endpoint] = selfName
	initiated := target.cb.ConnectionInitiated
	from := t.endpoint
	t.hub.mu.Unlock()

	if initiated != nil {
		initiated(from, selfName)
	}
	return nil
}

// AcceptConnection admits a pending inbound connection.
func (t *MemTransport) AcceptConnection(endpoint meshstate.EndpointHandle) error {
	t.hub.mu.Lock()
	if _, ok := t.pendingIn[endpoint]; !ok {
		t.hub.mu.Unlock()
		return ErrUnknownEndpoint
	}
	requester, ok := t.hub.nodes[endpoint]
	if !ok {
		delete(t.pendingIn, endpoint)
		t.hub.mu.Unlock()
		return ErrUnknownEndpoint
	}

	delete(t.pendingIn, endpoint)
	delete(requester.pendingOut, t.endpoint)
	t.conns[endpoint] = true
	requester.conns[t.endpoint] = true

	localResult := t.cb.ConnectionResult
	remoteResult := requester.cb.ConnectionResult
	self := t.endpoint
	t.hub.mu.Unlock()

	if localResult != nil {
		localResult(endpoint, nil)
	}
	if remoteResult != nil {
		remoteResult(self, nil)
	}
	return nil
}

// RejectConnection declines a pending inbound connection.
func (t *MemTransport) RejectConnection(endpoint meshstate.EndpointHandle) error {
	t.hub.mu.Lock()
	if _, ok := t.pendingIn[endpoint]; !ok {
		t.hub.mu.Unlock()
		return ErrUnknownEndpoint
	}
	delete(t.pendingIn, endpoint)

	var remoteResult func(meshstate.EndpointHandle, error)
	if requester, ok := t.hub.nodes[endpoint]; ok {
		delete(requester.pendingOut, t.endpoint)
		remoteResult = requester.cb.ConnectionResult
	}
	self := t.endpoint
	t.hub.mu.Unlock()

	if remoteResult != nil {
		remoteResult(self, ErrRejected)
	}
	return nil
}

// DisconnectFromEndpoint tears down an established connection. Both sides
// observe a Disconnected callback, same as a transport-reported close.
func (t *MemTransport) DisconnectFromEndpoint(endpoint meshstate.EndpointHandle) error {
	t.hub.mu.Lock()
	if !t.conns[endpoint] {
		t.hub.mu.Unlock()
		return ErrUnknownEndpoint
	}
	delete(t.conns, endpoint)

	var remoteDisc func(meshstate.EndpointHandle)
	if other, ok := t.hub.nodes[endpoint]; ok {
		delete(other.conns, t.endpoint)
		remoteDisc = other.cb.Disconnected
	}
	localDisc := t.cb.Disconnected
	self := t.endpoint
	t.hub.mu.Unlock()

	if localDisc != nil {
		localDisc(endpoint)
	}
	if remoteDisc != nil {
		remoteDisc(self)
	}
	return nil
}

// StartDiscovery begins scanning; every currently advertising node is
// reported immediately.
func (t *MemTransport) StartDiscovery() error {
	t.hub.mu.Lock()
	t.discovering = true
	type found struct {
		endpoint meshstate.EndpointHandle
		name     meshstate.DeviceIdentity
	}
	var visible []found
	for ep, other := range t.hub.nodes {
		if other == t || !other.advertising {
			continue
		}
		visible = append(visible, found{ep, other.name})
	}
	cb := t.cb.EndpointFound
	t.hub.mu.Unlock()

	if cb != nil {
		for _, f := range visible {
			cb(f.endpoint, f.name)
		}
	}
	return nil
}

// StopDiscovery stops scanning.
func (t *MemTransport) StopDiscovery() error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.discovering = false
	return nil
}

// StartAdvertising makes this node visible; every node currently discovering
// is notified.
func (t *MemTransport) StartAdvertising() error {
	t.hub.mu.Lock()
	t.advertising = true
	var watchers []func(meshstate.EndpointHandle, meshstate.DeviceIdentity)
	for _, other := range t.hub.nodes {
		if other == t || !other.discovering {
			continue
		}
		if other.cb.EndpointFound != nil {
			watchers = append(watchers, other.cb.EndpointFound)
		}
	}
	self, name := t.endpoint, t.name
	t.hub.mu.Unlock()

	for _, w := range watchers {
		w(self, name)
	}
	return nil
}

// StopAll stops discovery and advertising; connections are kept.
func (t *MemTransport) StopAll() error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.discovering = false
	t.advertising = false
	return nil
}

// Broadcast delivers a payload to all connected peers.
func (t *MemTransport) Broadcast(payload []byte) error {
	t.hub.mu.Lock()
	type target struct {
		cb func(meshstate.EndpointHandle, []byte)
	}
	var targets []target
	for ep := range t.conns {
		if other, ok := t.hub.nodes[ep]; ok && other.cb.PayloadReceived != nil {
			targets = append(targets, target{other.cb.PayloadReceived})
		}
	}
	self := t.endpoint
	t.hub.mu.Unlock()

	for _, tg := range targets {
		tg.cb(self, append([]byte(nil), payload...))
	}
	return nil
}

// SendTo delivers a payload to one connected peer.
func (t *MemTransport) SendTo(endpoint meshstate.EndpointHandle, payload []byte) error {
	t.hub.mu.Lock()
	if !t.conns[endpoint] {
		t.hub.mu.Unlock()
		return ErrUnknownEndpoint
	}
	other, ok := t.hub.nodes[endpoint]
	if !ok || other.cb.PayloadReceived == nil {
		t.hub.mu.Unlock()
		return nil
	}
	cb := other.cb.PayloadReceived
	self := t.endpoint
	t.hub.mu.Unlock()

	cb(self, append([]byte(nil), payload...))
	return nil
}
