// Package node wires the mesh components together: one state store, one
// active topology strategy, the gossip manager, the flood router and the
// healing service, all sharing a single transport.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/flood"
	"github.com/xiaonanln/gomesh/gossip"
	"github.com/xiaonanln/gomesh/healing"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/strategy"
	"github.com/xiaonanln/gomesh/transport"
	"github.com/xiaonanln/gomesh/util/logger"
)

// MeshNode is the composition root for one mesh participant.
type MeshNode struct {
	cfg    config.MeshConfig
	self   meshstate.DeviceIdentity
	store  *meshstate.Store
	tr     transport.Transport
	strat  strategy.Strategy
	gossip *gossip.Manager
	flood  *flood.Router
	healer *healing.Healer
	logger *logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts node construction; used by tests to pin randomness.
type Option func(*options)

type options struct {
	rng *rand.Rand
}

// WithRand injects a deterministic random source into the strategy.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

func New(cfg config.MeshConfig, self meshstate.DeviceIdentity, tr transport.Transport, opts ...Option) (*MeshNode, error) {
	if self == "" {
		return nil, errors.New("node identity must not be empty")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := meshstate.NewStore(self)
	strat, err := strategy.New(cfg, store, tr, o.rng)
	if err != nil {
		return nil, fmt.Errorf("create strategy: %w", err)
	}
	n := &MeshNode{
		cfg:    cfg,
		self:   self,
		store:  store,
		tr:     tr,
		strat:  strat,
		gossip: gossip.NewManager(cfg, store, tr),
		flood:  flood.NewRouter(cfg, store, tr),
		healer: healing.NewHealer(cfg, self, tr),
		logger: logger.NewLogger(fmt.Sprintf("MeshNode-%s", self)),
	}
	tr.SetCallbacks(transport.Callbacks{
		ConnectionInitiated: n.onConnectionInitiated,
		ConnectionResult:    n.onConnectionResult,
		Disconnected:        n.onDisconnected,
		PayloadReceived:     n.onPayloadReceived,
		EndpointFound:       n.onEndpointFound,
		EndpointLost:        n.onEndpointLost,
	})
	return n, nil
}

// Self returns this node's identity.
func (n *MeshNode) Self() meshstate.DeviceIdentity { return n.self }

// Store returns the mesh state store.
func (n *MeshNode) Store() *meshstate.Store { return n.store }

// Flood returns the flood router for sending and receiving messages.
func (n *MeshNode) Flood() *flood.Router { return n.flood }

// Strategy returns the active topology strategy.
func (n *MeshNode) Strategy() strategy.Strategy { return n.strat }

// Start launches the strategy, gossip, healing and the connecting watchdog.
func (n *MeshNode) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return errors.New("node already started")
	}
	n.ctx, n.cancel = context.WithCancel(ctx)

	if err := n.strat.Start(n.ctx); err != nil {
		return fmt.Errorf("start strategy: %w", err)
	}
	if err := n.gossip.Start(n.ctx); err != nil {
		n.strat.Stop()
		return fmt.Errorf("start gossip: %w", err)
	}
	if err := n.healer.Start(n.ctx); err != nil {
		n.gossip.Stop()
		n.strat.Stop()
		return fmt.Errorf("start healer: %w", err)
	}
	n.wg.Add(1)
	go n.watchdogLoop()

	n.logger.Infof("started with %s strategy", n.strat.Name())
	return nil
}

// Stop shuts everything down. Safe to call more than once.
func (n *MeshNode) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	n.healer.Stop()
	n.gossip.Stop()
	n.strat.Stop()
	n.wg.Wait()
	n.logger.Infof("stopped")
}

// watchdogLoop fails connection attempts the transport never reported back
// on, so a wedged CONNECTING peer becomes retryable instead of permanent.
func (n *MeshNode) watchdogLoop() {
	defer n.wg.Done()
	interval := n.cfg.ConnectingTimeout.Std() / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, ep := range n.store.SweepConnecting(n.cfg.ConnectingTimeout.Std()) {
				n.logger.Warnf("connection attempt to %s timed out", ep)
			}
		}
	}
}

func (n *MeshNode) onConnectionInitiated(endpoint meshstate.EndpointHandle, name meshstate.DeviceIdentity) {
	n.strat.OnConnectionInitiated(endpoint, name)
}

func (n *MeshNode) onConnectionResult(endpoint meshstate.EndpointHandle, err error) {
	n.strat.OnConnectionResult(endpoint, err)
	if err == nil {
		// Seed the new neighbor with our graph right away instead of
		// waiting out the gossip interval.
		if berr := n.gossip.BroadcastNow(); berr != nil {
			n.logger.Warnf("gossip after connect: %v", berr)
		}
	}
}

func (n *MeshNode) onDisconnected(endpoint meshstate.EndpointHandle) {
	n.strat.OnDisconnected(endpoint)
}

func (n *MeshNode) onPayloadReceived(endpoint meshstate.EndpointHandle, payload []byte) {
	frame, err := gossip.DecodeFrame(payload)
	if err != nil {
		n.logger.Warnf("bad frame from %s: %v", endpoint, err)
		return
	}
	switch frame.Type {
	case gossip.FrameTopologyGossip:
		if err := n.gossip.HandleFrame(frame); err != nil {
			n.logger.Warnf("gossip frame from %s: %v", endpoint, err)
		}
	case gossip.FrameRoutedMessage:
		if err := n.flood.HandleFrame(frame); err != nil {
			n.logger.Warnf("routed frame from %s: %v", endpoint, err)
		}
	default:
		n.logger.Warnf("unknown frame type %s from %s", frame.Type, endpoint)
	}
}

func (n *MeshNode) onEndpointFound(endpoint meshstate.EndpointHandle, name meshstate.DeviceIdentity) {
	if name == n.self {
		return
	}
	n.store.UpsertDevice(endpoint, name, meshstate.PhaseDiscovered)
	n.store.AddPotentialPeer(endpoint)
}

func (n *MeshNode) onEndpointLost(endpoint meshstate.EndpointHandle) {
	dev, ok := n.store.DeviceByEndpoint(endpoint)
	if ok && dev.Phase == meshstate.PhaseDiscovered {
		n.store.RemoveDevice(endpoint)
		return
	}
	n.store.RemovePotentialPeer(endpoint)
}
