package strategy

import (
	"context"
	"sync"

	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
)

// fakeTransport records every command issued by a strategy without moving any
// real connection state. Tests drive the strategies' callbacks by hand.
type fakeTransport struct {
	mu           sync.Mutex
	cb           transport.Callbacks
	requests     []meshstate.EndpointHandle
	accepted     []meshstate.EndpointHandle
	rejected     []meshstate.EndpointHandle
	disconnected []meshstate.EndpointHandle
	requestErr   map[meshstate.EndpointHandle]error

	discoveryStarts int
	discoveryStops  int
	advertiseStarts int
	stopAlls        int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{requestErr: make(map[meshstate.EndpointHandle]error)}
}

func (f *fakeTransport) SetCallbacks(cb transport.Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeTransport) RequestConnection(_ context.Context, _ meshstate.DeviceIdentity, endpoint meshstate.EndpointHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, endpoint)
	return f.requestErr[endpoint]
}

func (f *fakeTransport) AcceptConnection(endpoint meshstate.EndpointHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, endpoint)
	return nil
}

func (f *fakeTransport) RejectConnection(endpoint meshstate.EndpointHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, endpoint)
	return nil
}

func (f *fakeTransport) DisconnectFromEndpoint(endpoint meshstate.EndpointHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, endpoint)
	return nil
}

func (f *fakeTransport) StartDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoveryStarts++
	return nil
}

func (f *fakeTransport) StopDiscovery() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discoveryStops++
	return nil
}

func (f *fakeTransport) StartAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertiseStarts++
	return nil
}

func (f *fakeTransport) StopAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopAlls++
	return nil
}

func (f *fakeTransport) Broadcast([]byte) error { return nil }

func (f *fakeTransport) SendTo(meshstate.EndpointHandle, []byte) error { return nil }

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) requestedEndpoints() []meshstate.EndpointHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]meshstate.EndpointHandle(nil), f.requests...)
}

func (f *fakeTransport) acceptedEndpoints() []meshstate.EndpointHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]meshstate.EndpointHandle(nil), f.accepted...)
}

func (f *fakeTransport) rejectedEndpoints() []meshstate.EndpointHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]meshstate.EndpointHandle(nil), f.rejected...)
}

func (f *fakeTransport) disconnectedEndpoints() []meshstate.EndpointHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]meshstate.EndpointHandle(nil), f.disconnected...)
}

func (f *fakeTransport) discoveryCounts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discoveryStarts, f.discoveryStops
}
