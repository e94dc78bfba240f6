// Package tcptransport implements the transport contract over plain TCP.
// Peers exchange length-prefixed JSON messages; a connection opens with a
// hello announcing the dialer's identity and advertised address, and is
// established once the listener's owner accepts it. Discovery and advertising
// are delegated to a Discoverer backend such as the etcd registry.
package tcptransport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
	"github.com/xiaonanln/gomesh/util/logger"
)

const (
	maxFrameSize     = 1 << 20
	helloTimeout     = 10 * time.Second
	handshakeTimeout = 30 * time.Second
)

// Discoverer is the pluggable discovery/advertising backend.
type Discoverer interface {
	SetHandlers(onFound, onLost func(id, addr string))
	StartDiscovery(ctx context.Context) error
	StopDiscovery()
	StartAdvertising(ctx context.Context) error
	StopAdvertising(ctx context.Context) error
}

// wireMsg is the single JSON message shape on the wire.
type wireMsg struct {
	Kind string `json:"kind"` // hello, accept, reject, already, payload
	Name string `json:"name,omitempty"`
	Addr string `json:"addr,omitempty"`
	Data []byte `json:"data,omitempty"`
}

// peerConn is one TCP connection to a peer, keyed by the peer's advertised
// address so discovery results and live connections use the same handle.
type peerConn struct {
	endpoint  meshstate.EndpointHandle
	name      meshstate.DeviceIdentity
	conn      net.Conn
	writeMu   sync.Mutex
	abandoned bool // set when a dial race is resolved in favor of the other side
}

func (pc *peerConn) write(msg wireMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal wire message: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if _, err := pc.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err = pc.conn.Write(data)
	return err
}

func readMsg(conn net.Conn) (wireMsg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return wireMsg{}, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return wireMsg{}, fmt.Errorf("frame too large: %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return wireMsg{}, err
	}
	var msg wireMsg
	if err := json.Unmarshal(buf, &msg); err != nil {
		return wireMsg{}, fmt.Errorf("unmarshal wire message: %w", err)
	}
	return msg, nil
}

// TCPTransport is the production transport.
type TCPTransport struct {
	node          meshstate.DeviceIdentity
	listenAddr    string
	advertiseAddr string
	disc          Discoverer
	logger        *logger.Logger

	cbMu sync.RWMutex
	cb   transport.Callbacks

	mu      sync.Mutex
	ln      net.Listener
	conns   map[meshstate.EndpointHandle]*peerConn
	pending map[meshstate.EndpointHandle]*peerConn
	dialing map[meshstate.EndpointHandle]*peerConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(node meshstate.DeviceIdentity, listenAddr, advertiseAddr string, disc Discoverer) *TCPTransport {
	return &TCPTransport{
		node:          node,
		listenAddr:    listenAddr,
		advertiseAddr: advertiseAddr,
		disc:          disc,
		logger:        logger.NewLogger("TCPTransport"),
		conns:         make(map[meshstate.EndpointHandle]*peerConn),
		pending:       make(map[meshstate.EndpointHandle]*peerConn),
		dialing:       make(map[meshstate.EndpointHandle]*peerConn),
	}
}

func (t *TCPTransport) SetCallbacks(cb transport.Callbacks) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.cb = cb
}

func (t *TCPTransport) callbacks() transport.Callbacks {
	t.cbMu.RLock()
	defer t.cbMu.RUnlock()
	return t.cb
}

// Start binds the listener and wires the discoverer's events to the
// EndpointFound/EndpointLost callbacks.
func (t *TCPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return errors.New("transport already started")
	}
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.listenAddr, err)
	}
	t.ln = ln
	t.ctx, t.cancel = context.WithCancel(ctx)

	if t.disc != nil {
		t.disc.SetHandlers(
			func(id, addr string) {
				if cb := t.callbacks(); cb.EndpointFound != nil {
					cb.EndpointFound(meshstate.EndpointHandle(addr), meshstate.DeviceIdentity(id))
				}
			},
			func(_, addr string) {
				if cb := t.callbacks(); cb.EndpointLost != nil {
					cb.EndpointLost(meshstate.EndpointHandle(addr))
				}
			},
		)
	}

	t.wg.Add(1)
	go t.acceptLoop(ln)
	t.logger.Infof("listening on %s, advertising %s", ln.Addr(), t.advertiseAddr)
	return nil
}

// ListenAddr returns the bound listener address, useful when listening on
// an ephemeral port.
func (t *TCPTransport) ListenAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return t.listenAddr
	}
	return t.ln.Addr().String()
}

// Close stops the listener and tears down every connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	ln := t.ln
	t.ln = nil
	cancel := t.cancel
	conns := make([]*peerConn, 0, len(t.conns)+len(t.pending)+len(t.dialing))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	for _, pc := range t.pending {
		conns = append(conns, pc)
	}
	for _, pc := range t.dialing {
		conns = append(conns, pc)
	}
	t.conns = make(map[meshstate.EndpointHandle]*peerConn)
	t.pending = make(map[meshstate.EndpointHandle]*peerConn)
	t.dialing = make(map[meshstate.EndpointHandle]*peerConn)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	for _, pc := range conns {
		pc.conn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		t.wg.Add(1)
		go t.handleIncoming(conn)
	}
}

// handleIncoming reads the hello and announces the connection to the owner,
// resolving dial races on the way.
func (t *TCPTransport) handleIncoming(conn net.Conn) {
	defer t.wg.Done()
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	msg, err := readMsg(conn)
	if err != nil || msg.Kind != "hello" || msg.Name == "" || msg.Addr == "" {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	ep := meshstate.EndpointHandle(msg.Addr)
	name := meshstate.DeviceIdentity(msg.Name)
	pc := &peerConn{endpoint: ep, name: name, conn: conn}

	t.mu.Lock()
	if _, ok := t.conns[ep]; ok {
		t.mu.Unlock()
		pc.write(wireMsg{Kind: "already"})
		conn.Close()
		return
	}
	if _, ok := t.pending[ep]; ok {
		t.mu.Unlock()
		conn.Close()
		return
	}
	if dialPc, ok := t.dialing[ep]; ok {
		// Both sides dialed at once; the lexicographically smaller
		// identity keeps its outbound attempt.
		if t.node < name {
			t.mu.Unlock()
			pc.write(wireMsg{Kind: "already"})
			conn.Close()
			return
		}
		dialPc.abandoned = true
		delete(t.dialing, ep)
		dialPc.conn.Close()
	}
	t.pending[ep] = pc
	t.mu.Unlock()

	t.logger.Infof("inbound connection from %s (%s)", name, ep)
	if cb := t.callbacks(); cb.ConnectionInitiated != nil {
		cb.ConnectionInitiated(ep, name)
	}
}

func (t *TCPTransport) AcceptConnection(endpoint meshstate.EndpointHandle) error {
	t.mu.Lock()
	pc, ok := t.pending[endpoint]
	if !ok {
		t.mu.Unlock()
		return transport.ErrUnknownEndpoint
	}
	delete(t.pending, endpoint)
	t.conns[endpoint] = pc
	t.mu.Unlock()

	if err := pc.write(wireMsg{Kind: "accept", Name: string(t.node)}); err != nil {
		t.dropConn(pc)
		return fmt.Errorf("send accept: %w", err)
	}
	t.wg.Add(1)
	go t.readLoop(pc)
	if cb := t.callbacks(); cb.ConnectionResult != nil {
		cb.ConnectionResult(endpoint, nil)
	}
	return nil
}

func (t *TCPTransport) RejectConnection(endpoint meshstate.EndpointHandle) error {
	t.mu.Lock()
	pc, ok := t.pending[endpoint]
	delete(t.pending, endpoint)
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownEndpoint
	}
	pc.write(wireMsg{Kind: "reject"})
	pc.conn.Close()
	return nil
}

// RequestConnection dials the endpoint, sends the hello and waits for the
// remote verdict in the background. Dial errors are returned synchronously;
// the verdict arrives through ConnectionResult.
func (t *TCPTransport) RequestConnection(ctx context.Context, selfName meshstate.DeviceIdentity, endpoint meshstate.EndpointHandle) error {
	t.mu.Lock()
	if _, ok := t.conns[endpoint]; ok {
		t.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	if _, ok := t.dialing[endpoint]; ok {
		t.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	if _, ok := t.pending[endpoint]; ok {
		t.mu.Unlock()
		return transport.ErrAlreadyConnected
	}
	t.mu.Unlock()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", string(endpoint))
	if err != nil {
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
	pc := &peerConn{endpoint: endpoint, conn: conn}
	if err := pc.write(wireMsg{Kind: "hello", Name: string(selfName), Addr: t.advertiseAddr}); err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	t.mu.Lock()
	t.dialing[endpoint] = pc
	t.mu.Unlock()

	t.wg.Add(1)
	go t.awaitVerdict(pc)
	return nil
}

// awaitVerdict reads the remote's response to our hello.
func (t *TCPTransport) awaitVerdict(pc *peerConn) {
	defer t.wg.Done()
	pc.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msg, err := readMsg(pc.conn)
	pc.conn.SetReadDeadline(time.Time{})

	t.mu.Lock()
	abandoned := pc.abandoned
	delete(t.dialing, pc.endpoint)
	t.mu.Unlock()

	cb := t.callbacks()
	result := func(err error) {
		if cb.ConnectionResult != nil {
			cb.ConnectionResult(pc.endpoint, err)
		}
	}

	if abandoned {
		result(transport.ErrAlreadyConnected)
		return
	}
	if err != nil {
		pc.conn.Close()
		result(fmt.Errorf("handshake with %s: %w", pc.endpoint, err))
		return
	}
	switch msg.Kind {
	case "accept":
		pc.name = meshstate.DeviceIdentity(msg.Name)
		t.mu.Lock()
		t.conns[pc.endpoint] = pc
		t.mu.Unlock()
		t.wg.Add(1)
		go t.readLoop(pc)
		result(nil)
	case "reject":
		pc.conn.Close()
		result(transport.ErrRejected)
	case "already":
		pc.conn.Close()
		result(transport.ErrAlreadyConnected)
	default:
		pc.conn.Close()
		result(fmt.Errorf("unexpected handshake message %q", msg.Kind))
	}
}

// readLoop pumps payloads from one established connection until it closes.
func (t *TCPTransport) readLoop(pc *peerConn) {
	defer t.wg.Done()
	for {
		msg, err := readMsg(pc.conn)
		if err != nil {
			t.dropConn(pc)
			return
		}
		if msg.Kind != "payload" {
			continue
		}
		if cb := t.callbacks(); cb.PayloadReceived != nil {
			cb.PayloadReceived(pc.endpoint, msg.Data)
		}
	}
}

// dropConn removes an established connection and reports the disconnect once.
func (t *TCPTransport) dropConn(pc *peerConn) {
	t.mu.Lock()
	cur, ok := t.conns[pc.endpoint]
	if !ok || cur != pc {
		t.mu.Unlock()
		return
	}
	delete(t.conns, pc.endpoint)
	t.mu.Unlock()

	pc.conn.Close()
	t.logger.Infof("disconnected from %s (%s)", pc.name, pc.endpoint)
	if cb := t.callbacks(); cb.Disconnected != nil {
		cb.Disconnected(pc.endpoint)
	}
}

func (t *TCPTransport) DisconnectFromEndpoint(endpoint meshstate.EndpointHandle) error {
	t.mu.Lock()
	pc, ok := t.conns[endpoint]
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownEndpoint
	}
	// Closing the socket makes both read loops report the disconnect.
	pc.conn.Close()
	return nil
}

func (t *TCPTransport) runCtx() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

func (t *TCPTransport) StartDiscovery() error {
	if t.disc == nil {
		return nil
	}
	return t.disc.StartDiscovery(t.runCtx())
}

func (t *TCPTransport) StopDiscovery() error {
	if t.disc == nil {
		return nil
	}
	t.disc.StopDiscovery()
	return nil
}

func (t *TCPTransport) StartAdvertising() error {
	if t.disc == nil {
		return nil
	}
	return t.disc.StartAdvertising(t.runCtx())
}

func (t *TCPTransport) StopAll() error {
	if t.disc == nil {
		return nil
	}
	t.disc.StopDiscovery()
	return t.disc.StopAdvertising(t.runCtx())
}

func (t *TCPTransport) Broadcast(payload []byte) error {
	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	var firstErr error
	for _, pc := range conns {
		if err := pc.write(wireMsg{Kind: "payload", Data: payload}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("send to %s: %w", pc.endpoint, err)
		}
	}
	return firstErr
}

func (t *TCPTransport) SendTo(endpoint meshstate.EndpointHandle, payload []byte) error {
	t.mu.Lock()
	pc, ok := t.conns[endpoint]
	t.mu.Unlock()
	if !ok {
		return transport.ErrUnknownEndpoint
	}
	return pc.write(wireMsg{Kind: "payload", Data: payload})
}
