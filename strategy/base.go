package strategy

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
	"github.com/xiaonanln/gomesh/util/backoff"
	"github.com/xiaonanln/gomesh/util/logger"
	"github.com/xiaonanln/gomesh/util/metrics"
)

// BaseStrategy greedily fills free connection slots with discovered peers,
// preferring peers not yet present in the known network graph. At capacity it
// can free a slot by dropping one peer of a triangle (two of our neighbors
// that are also connected to each other), and it periodically rotates out a
// leaf neighbor to keep the overlay exploring.
type BaseStrategy struct {
	cfg    config.MeshConfig
	store  *meshstate.Store
	tr     transport.Transport
	rng    *lockedRand
	logger *logger.Logger

	pending *pendingSet

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBaseStrategy(cfg config.MeshConfig, store *meshstate.Store, tr transport.Transport, rng *rand.Rand) *BaseStrategy {
	return &BaseStrategy{
		cfg:     cfg,
		store:   store,
		tr:      tr,
		rng:     newLockedRand(rng),
		logger:  logger.NewLogger("BaseStrategy"),
		pending: newPendingSet(),
		ctx:     context.Background(),
	}
}

func (s *BaseStrategy) Name() string { return "base" }

func (s *BaseStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("strategy already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go s.manageLoop()
	go s.rotationLoop()
	s.logger.Infof("started, max connections %d", s.cfg.MaxConnections)
	return nil
}

func (s *BaseStrategy) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.pending.Clear()
	s.logger.Infof("stopped")
}

func (s *BaseStrategy) manageLoop() {
	defer s.wg.Done()
	for sleepCtx(s.ctx, s.cfg.ManageInterval.Std()) {
		s.manageTick()
	}
}

// manageTick fills one free slot per cycle.
func (s *BaseStrategy) manageTick() {
	if s.store.ActiveCount() >= s.cfg.MaxConnections {
		return
	}
	dev, ok := s.pickCandidate()
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectTo(dev)
	}()
}

// pickCandidate chooses a dialable peer, preferring ones whose identity is
// absent from the network graph: connecting to an unknown peer is more likely
// to bridge toward an unreached part of the overlay.
func (s *BaseStrategy) pickCandidate() (meshstate.DeviceState, bool) {
	graph := s.store.Graph()
	var novel, known []meshstate.DeviceState
	for _, dev := range s.store.Devices() {
		if !dialable(dev.Phase) || s.pending.Contains(dev.Endpoint) {
			continue
		}
		if dev.Name == "" || !graph.HasVertex(dev.Name) {
			novel = append(novel, dev)
		} else {
			known = append(known, dev)
		}
	}
	pool := novel
	if len(pool) == 0 {
		pool = known
	}
	if len(pool) == 0 {
		return meshstate.DeviceState{}, false
	}
	return pool[s.rng.Intn(len(pool))], true
}

func (s *BaseStrategy) connectTo(dev meshstate.DeviceState) {
	if !s.pending.Add(dev.Endpoint) {
		return
	}
	defer s.pending.Remove(dev.Endpoint)

	if rc := s.store.RetryCount(dev.Name); rc > 0 {
		delay := backoff.DelayForRetry(rc, 6, s.cfg.RingBackoffBase.Std()) + s.rng.Jitter(s.cfg.RingBackoffJitter.Std())
		if !sleepCtx(s.ctx, delay) {
			return
		}
	}
	// The mesh may have moved on since this candidate was picked, with or
	// without a backoff wait: a racing inbound connect flips the peer to
	// CONNECTED and resets its retry counter. Re-check before dialing.
	cur, ok := s.store.DeviceByEndpoint(dev.Endpoint)
	if !ok || !dialable(cur.Phase) {
		return
	}
	if s.store.ActiveCount() >= s.cfg.MaxConnections {
		return
	}

	s.logger.Infof("connecting to %s (%s)", dev.Endpoint, dev.Name)
	s.store.UpdatePhase(dev.Endpoint, meshstate.PhaseConnecting)
	if err := s.tr.RequestConnection(s.ctx, s.store.Self(), dev.Endpoint); err != nil {
		s.OnConnectionResult(dev.Endpoint, err)
	}
}

// tryDisconnectRedundantPeer scans the connected neighbors for a triangle:
// two neighbors that the graph shows as also connected to each other. Either
// one can be dropped without partitioning, so one is disconnected at random.
// Returns true if a slot was freed.
func (s *BaseStrategy) tryDisconnectRedundantPeer() bool {
	graph := s.store.Graph()
	neighbors := s.store.ConnectedNames()
	for i := 0; i < len(neighbors); i++ {
		for j := i + 1; j < len(neighbors); j++ {
			a, b := neighbors[i], neighbors[j]
			if !graph.HasEdge(a, b) && !graph.HasEdge(b, a) {
				continue
			}
			victim := a
			if s.rng.Intn(2) == 1 {
				victim = b
			}
			dev, ok := s.store.DeviceByName(victim)
			if !ok || dev.Phase != meshstate.PhaseConnected {
				continue
			}
			s.logger.Infof("dropping redundant peer %s (triangle with %s)", a, b)
			if err := s.tr.DisconnectFromEndpoint(dev.Endpoint); err != nil {
				s.logger.Warnf("disconnect %s: %v", dev.Endpoint, err)
				continue
			}
			metrics.RecordDisconnect(string(s.store.Self()), "prune")
			return true
		}
	}
	return false
}

func (s *BaseStrategy) rotationLoop() {
	defer s.wg.Done()
	for {
		delay := s.cfg.RotationInterval.Std() + s.rng.Jitter(s.cfg.RotationJitter.Std())
		if !sleepCtx(s.ctx, delay) {
			return
		}
		s.rotateTick()
	}
}

// rotateTick disconnects one random leaf neighbor (a peer whose only known
// edge is to us) when all slots are full, so a saturated node keeps giving
// isolated newcomers a chance to attach elsewhere.
func (s *BaseStrategy) rotateTick() {
	if s.store.ConnectedCount() < s.cfg.MaxConnections {
		return
	}
	graph := s.store.Graph()
	self := s.store.Self()
	var leaves []meshstate.DeviceIdentity
	for _, n := range s.store.ConnectedNames() {
		// A peer that has not announced any edge beyond us counts as a
		// leaf, including peers that have not gossiped a row yet.
		nb := graph.Neighbors(n)
		if len(nb) == 0 || (len(nb) == 1 && nb[0] == self) {
			leaves = append(leaves, n)
		}
	}
	if len(leaves) == 0 {
		return
	}
	victim := leaves[s.rng.Intn(len(leaves))]
	dev, ok := s.store.DeviceByName(victim)
	if !ok || dev.Phase != meshstate.PhaseConnected {
		return
	}
	s.logger.Infof("rotating out leaf peer %s", victim)
	if err := s.tr.DisconnectFromEndpoint(dev.Endpoint); err != nil {
		s.logger.Warnf("disconnect %s: %v", dev.Endpoint, err)
		return
	}
	metrics.RecordDisconnect(string(self), "rotation")
}

func (s *BaseStrategy) OnConnectionInitiated(endpoint meshstate.EndpointHandle, name meshstate.DeviceIdentity) {
	s.store.UpsertDevice(endpoint, name, meshstate.PhaseDiscovered)
	if s.store.ActiveCount() >= s.cfg.MaxConnections && !s.tryDisconnectRedundantPeer() {
		s.logger.Infof("rejecting %s (%s): at capacity", endpoint, name)
		metrics.RecordInbound(string(s.store.Self()), "rejected")
		if err := s.tr.RejectConnection(endpoint); err != nil {
			s.logger.Warnf("reject %s: %v", endpoint, err)
		}
		return
	}
	s.store.UpdatePhase(endpoint, meshstate.PhaseConnecting)
	metrics.RecordInbound(string(s.store.Self()), "accepted")
	if err := s.tr.AcceptConnection(endpoint); err != nil {
		s.logger.Warnf("accept %s: %v", endpoint, err)
		s.OnConnectionResult(endpoint, err)
	}
}

func (s *BaseStrategy) OnConnectionResult(endpoint meshstate.EndpointHandle, err error) {
	node := string(s.store.Self())
	if err == nil || errors.Is(err, transport.ErrAlreadyConnected) {
		s.store.UpdatePhase(endpoint, meshstate.PhaseConnected)
		s.store.SyncLocalAdjacency()
		metrics.RecordConnectAttempt(node, s.Name(), "success")
		metrics.SetConnectedPeers(node, s.store.ConnectedCount())
		return
	}
	s.logger.Warnf("connection to %s failed: %v", endpoint, err)
	if dev, ok := s.store.DeviceByEndpoint(endpoint); ok {
		s.store.IncrementRetry(dev.Name)
	}
	s.store.UpdatePhase(endpoint, meshstate.PhaseError)
	metrics.RecordConnectAttempt(node, s.Name(), "failure")
}

func (s *BaseStrategy) OnDisconnected(endpoint meshstate.EndpointHandle) {
	s.store.UpdatePhase(endpoint, meshstate.PhaseDisconnected)
	s.store.SyncLocalAdjacency()
	metrics.SetConnectedPeers(string(s.store.Self()), s.store.ConnectedCount())
}

// dialable reports whether a peer in this phase may be dialed. Failed peers
// stay dialable and are throttled by their retry backoff.
func dialable(p meshstate.Phase) bool {
	return p == meshstate.PhaseDiscovered || p == meshstate.PhaseError
}
