package strategy

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
	"github.com/xiaonanln/gomesh/util/backoff"
	"github.com/xiaonanln/gomesh/util/logger"
	"github.com/xiaonanln/gomesh/util/metrics"
)

// RingStrategy arranges all known identities on a sorted ring and maintains
// connections to its successor, predecessor and opposite node. Every node
// derives the same ring from the same identity set, so each dials its
// successor and opposite and is dialed by its predecessor in turn. Once the
// desired neighbors are connected and the view holds for a debounce window,
// discovery is switched off until the ring changes again.
type RingStrategy struct {
	cfg    config.MeshConfig
	store  *meshstate.Store
	tr     transport.Transport
	rng    *lockedRand
	logger *logger.Logger

	pending     *pendingSet
	stabilityCh chan bool

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    chan struct{}
}

func NewRingStrategy(cfg config.MeshConfig, store *meshstate.Store, tr transport.Transport, rng *rand.Rand) *RingStrategy {
	return &RingStrategy{
		cfg:         cfg,
		store:       store,
		tr:          tr,
		rng:         newLockedRand(rng),
		logger:      logger.NewLogger("RingStrategy"),
		pending:     newPendingSet(),
		stabilityCh: make(chan bool, 1),
		ctx:         context.Background(),
	}
}

func (s *RingStrategy) Name() string { return "ring" }

func (s *RingStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("strategy already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.sub = s.store.Subscribe()
	s.wg.Add(2)
	go s.run()
	go s.discoveryLoop()
	s.logger.Infof("started")
	return nil
}

func (s *RingStrategy) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	sub := s.sub
	s.cancel = nil
	s.sub = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.store.Unsubscribe(sub)
	s.pending.Clear()
	s.logger.Infof("stopped")
}

// run re-evaluates the ring on every state change. The ticker is a safety
// net for dial attempts abandoned between store notifications.
func (s *RingStrategy) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ManageInterval.Std())
	defer ticker.Stop()
	s.evaluate()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.sub:
			s.evaluate()
		case <-ticker.C:
			s.evaluate()
		}
	}
}

// ringMembers returns the identities currently considered part of the ring:
// every known, named peer that has not disconnected.
func (s *RingStrategy) ringMembers(exclude meshstate.DeviceIdentity) []meshstate.DeviceIdentity {
	var members []meshstate.DeviceIdentity
	for _, dev := range s.store.Devices() {
		if dev.Name == "" || dev.Name == exclude || dev.Phase == meshstate.PhaseDisconnected {
			continue
		}
		members = append(members, dev.Name)
	}
	return members
}

// evaluate derives the desired neighbor set from the current view and issues
// whatever dials and disconnects close the gap.
func (s *RingStrategy) evaluate() {
	ring := ringOrder(s.store.Self(), s.ringMembers(""))
	if len(ring) < 2 {
		s.setStability(false)
		return
	}
	succ, pred, opp := ringTargets(ring, s.store.Self())
	s.logger.Debugf("ring size %d: successor=%s predecessor=%s opposite=%s", len(ring), succ, pred, opp)

	// Dial successor and opposite; the predecessor dials us by the same rule.
	for _, target := range []meshstate.DeviceIdentity{succ, opp} {
		if target == "" || target == s.store.Self() {
			continue
		}
		dev, ok := s.store.DeviceByName(target)
		if !ok || !dialable(dev.Phase) || s.pending.Contains(dev.Endpoint) {
			continue
		}
		d := dev
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dial(d)
		}()
	}

	s.pruneSpares(succ, pred, opp)

	stable := s.isConnected(succ) && s.isConnected(pred) &&
		(opp == "" || s.isConnected(opp)) &&
		s.store.ConnectedCount() >= 2
	s.setStability(stable)
}

func (s *RingStrategy) isConnected(name meshstate.DeviceIdentity) bool {
	if name == "" {
		return false
	}
	dev, ok := s.store.DeviceByName(name)
	return ok && dev.Phase == meshstate.PhaseConnected
}

func (s *RingStrategy) isActive(name meshstate.DeviceIdentity) bool {
	dev, ok := s.store.DeviceByName(name)
	return ok && (dev.Phase == meshstate.PhaseConnected || dev.Phase == meshstate.PhaseConnecting)
}

// dial connects to one desired peer, honoring its retry backoff. The view
// may shift while we wait, so the target is re-validated afterwards.
func (s *RingStrategy) dial(dev meshstate.DeviceState) {
	if !s.pending.Add(dev.Endpoint) {
		return
	}
	defer s.pending.Remove(dev.Endpoint)

	if rc := s.store.RetryCount(dev.Name); rc > 0 {
		delay := backoff.DelayForRetry(rc, 6, s.cfg.RingBackoffBase.Std()) + s.rng.Jitter(s.cfg.RingBackoffJitter.Std())
		s.logger.Debugf("backing off %v before retry %d to %s", delay, rc, dev.Name)
		if !sleepCtx(s.ctx, delay) {
			return
		}
	}
	// The snapshot can be stale even without a backoff wait: a racing
	// inbound connect flips the peer to CONNECTED and resets its retry
	// counter. Re-validate right before dialing.
	cur, ok := s.store.DeviceByName(dev.Name)
	if !ok || !dialable(cur.Phase) || !s.stillDesired(dev.Name) {
		return
	}
	dev = cur

	s.logger.Infof("connecting to %s (%s)", dev.Endpoint, dev.Name)
	s.store.UpdatePhase(dev.Endpoint, meshstate.PhaseConnecting)
	if err := s.tr.RequestConnection(s.ctx, s.store.Self(), dev.Endpoint); err != nil {
		s.OnConnectionResult(dev.Endpoint, err)
	}
}

// stillDesired reports whether name is currently one of our ring targets.
func (s *RingStrategy) stillDesired(name meshstate.DeviceIdentity) bool {
	ring := ringOrder(s.store.Self(), s.ringMembers(""))
	succ, pred, opp := ringTargets(ring, s.store.Self())
	return name == succ || name == pred || name == opp
}

// pruneSpares disconnects surplus non-desired peers. Spares are tolerated up
// to the slots left over after reserving room for every desired peer that is
// not yet connected or connecting.
func (s *RingStrategy) pruneSpares(succ, pred, opp meshstate.DeviceIdentity) {
	desired := map[meshstate.DeviceIdentity]struct{}{}
	missing := 0
	for _, d := range []meshstate.DeviceIdentity{succ, pred, opp} {
		if d == "" || d == s.store.Self() {
			continue
		}
		if _, dup := desired[d]; dup {
			continue
		}
		desired[d] = struct{}{}
		if !s.isActive(d) {
			missing++
		}
	}

	var important, spares []meshstate.DeviceIdentity
	for _, n := range s.store.ConnectedNames() {
		if _, ok := desired[n]; ok {
			important = append(important, n)
		} else {
			spares = append(spares, n)
		}
	}

	allowed := s.cfg.MaxConnections - len(important) - missing
	if allowed < 0 {
		allowed = 0
	}
	for i := allowed; i < len(spares); i++ {
		dev, ok := s.store.DeviceByName(spares[i])
		if !ok || dev.Phase != meshstate.PhaseConnected {
			continue
		}
		s.logger.Infof("pruning spare peer %s", spares[i])
		if err := s.tr.DisconnectFromEndpoint(dev.Endpoint); err != nil {
			s.logger.Warnf("disconnect %s: %v", dev.Endpoint, err)
			continue
		}
		metrics.RecordDisconnect(string(s.store.Self()), "prune")
	}
}

// setStability pushes the latest stability verdict, replacing any queued one.
func (s *RingStrategy) setStability(stable bool) {
	metrics.SetRingStable(string(s.store.Self()), stable)
	for {
		select {
		case s.stabilityCh <- stable:
			return
		default:
		}
		select {
		case <-s.stabilityCh:
		default:
		}
	}
}

// discoveryLoop turns discovery off only after the ring has been stable for
// a full debounce window, and back on the moment stability is lost. Churned
// overlays flap between the two; the debounce keeps the radio from flapping
// with them.
func (s *RingStrategy) discoveryLoop() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	for {
		select {
		case <-s.ctx.Done():
			if armed && !timer.Stop() {
				<-timer.C
			}
			return
		case stable := <-s.stabilityCh:
			if armed && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = false
			if stable {
				timer.Reset(s.cfg.RingStabilityDebounce.Std())
				armed = true
			} else {
				if err := s.tr.StartDiscovery(); err != nil {
					s.logger.Warnf("start discovery: %v", err)
				}
			}
		case <-timer.C:
			armed = false
			s.logger.Infof("ring stable, stopping discovery")
			if err := s.tr.StopDiscovery(); err != nil {
				s.logger.Warnf("stop discovery: %v", err)
			}
		}
	}
}

// OnConnectionInitiated accepts immediate ring neighbors unconditionally. A
// requester that slots in between us and a currently held immediate neighbor
// is cutting in: the displaced neighbor is dropped first to make room. An
// inbound opposite must fit within capacity, dropping a spare if one exists.
// Other requesters are admitted as spares while capacity lasts.
func (s *RingStrategy) OnConnectionInitiated(endpoint meshstate.EndpointHandle, name meshstate.DeviceIdentity) {
	s.store.UpsertDevice(endpoint, name, meshstate.PhaseDiscovered)
	node := string(s.store.Self())

	oldRing := ringOrder(s.store.Self(), s.ringMembers(name))
	oldSucc, oldPred, _ := ringTargets(oldRing, s.store.Self())
	ring := ringOrder(s.store.Self(), s.ringMembers(""))
	succ, pred, opp := ringTargets(ring, s.store.Self())

	if name == succ || name == pred {
		if name == succ && oldSucc != "" && oldSucc != succ {
			s.cutIn(oldSucc)
		}
		if name == pred && oldPred != "" && oldPred != pred {
			s.cutIn(oldPred)
		}
		s.accept(endpoint, name)
		return
	}
	if opp != "" && name == opp {
		// Desired, but not an immediate neighbor: admit only when a slot
		// is free or a spare can be dropped to make one.
		if s.store.ActiveCount() >= s.cfg.MaxConnections && !s.dropSpare(succ, pred, opp) {
			s.logger.Infof("rejecting opposite %s (%s): at capacity with no spare to drop", endpoint, name)
			metrics.RecordInbound(node, "rejected")
			if err := s.tr.RejectConnection(endpoint); err != nil {
				s.logger.Warnf("reject %s: %v", endpoint, err)
			}
			return
		}
		s.accept(endpoint, name)
		return
	}
	if s.store.ActiveCount() < s.cfg.MaxConnections {
		s.accept(endpoint, name)
		return
	}
	s.logger.Infof("rejecting %s (%s): not a ring target and at capacity", endpoint, name)
	metrics.RecordInbound(node, "rejected")
	if err := s.tr.RejectConnection(endpoint); err != nil {
		s.logger.Warnf("reject %s: %v", endpoint, err)
	}
}

// dropSpare disconnects one connected peer outside the desired set to free a
// slot. Returns false when every connection is a desired peer.
func (s *RingStrategy) dropSpare(succ, pred, opp meshstate.DeviceIdentity) bool {
	for _, dev := range s.store.Devices() {
		if dev.Phase != meshstate.PhaseConnected {
			continue
		}
		if dev.Name == succ || dev.Name == pred || dev.Name == opp {
			continue
		}
		s.logger.Infof("dropping spare %s (%s) for an inbound ring target", dev.Endpoint, dev.Name)
		if err := s.tr.DisconnectFromEndpoint(dev.Endpoint); err != nil {
			s.logger.Warnf("disconnect %s: %v", dev.Endpoint, err)
			continue
		}
		metrics.RecordDisconnect(string(s.store.Self()), "prune")
		return true
	}
	return false
}

// cutIn drops a neighbor displaced from the desired set by a new arrival.
func (s *RingStrategy) cutIn(displaced meshstate.DeviceIdentity) {
	dev, ok := s.store.DeviceByName(displaced)
	if !ok || dev.Phase != meshstate.PhaseConnected {
		return
	}
	s.logger.Infof("dropping displaced neighbor %s", displaced)
	if err := s.tr.DisconnectFromEndpoint(dev.Endpoint); err != nil {
		s.logger.Warnf("disconnect %s: %v", dev.Endpoint, err)
		return
	}
	metrics.RecordDisconnect(string(s.store.Self()), "cut_in")
}

func (s *RingStrategy) accept(endpoint meshstate.EndpointHandle, name meshstate.DeviceIdentity) {
	s.store.UpdatePhase(endpoint, meshstate.PhaseConnecting)
	metrics.RecordInbound(string(s.store.Self()), "accepted")
	if err := s.tr.AcceptConnection(endpoint); err != nil {
		s.logger.Warnf("accept %s (%s): %v", endpoint, name, err)
		s.OnConnectionResult(endpoint, err)
	}
}

func (s *RingStrategy) OnConnectionResult(endpoint meshstate.EndpointHandle, err error) {
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
	s.setStability(false)
}

func (s *RingStrategy) OnDisconnected(endpoint meshstate.EndpointHandle) {
	s.store.UpdatePhase(endpoint, meshstate.PhaseDisconnected)
	s.store.SyncLocalAdjacency()
	metrics.SetConnectedPeers(string(s.store.Self()), s.store.ConnectedCount())
	s.setStability(false)
}
