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
	"github.com/xiaonanln/gomesh/util/logger"
	"github.com/xiaonanln/gomesh/util/metrics"
)

// RandomStrategy keeps the slots full with randomly chosen peers and, once
// full, occasionally drops a random connection on purpose. The deliberate
// churn keeps re-wiring the overlay so no node's failure mode becomes
// load-bearing.
type RandomStrategy struct {
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

func NewRandomStrategy(cfg config.MeshConfig, store *meshstate.Store, tr transport.Transport, rng *rand.Rand) *RandomStrategy {
	return &RandomStrategy{
		cfg:     cfg,
		store:   store,
		tr:      tr,
		rng:     newLockedRand(rng),
		logger:  logger.NewLogger("RandomStrategy"),
		pending: newPendingSet(),
		ctx:     context.Background(),
	}
}

func (s *RandomStrategy) Name() string { return "random" }

func (s *RandomStrategy) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("strategy already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Infof("started, churn probability %.2f", s.cfg.ChurnProbability)
	return nil
}

func (s *RandomStrategy) Stop() {
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

func (s *RandomStrategy) run() {
	defer s.wg.Done()
	for {
		delay := s.cfg.RandomLoopInterval.Std() + s.rng.Jitter(s.cfg.RandomLoopJitter.Std())
		if !sleepCtx(s.ctx, delay) {
			return
		}
		s.tick()
	}
}

// tick either fills a free slot or, at capacity, rolls the churn dice.
func (s *RandomStrategy) tick() {
	if s.store.ActiveCount() < s.cfg.MaxConnections {
		if dev, ok := s.pickCandidate(); ok {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.connectTo(dev)
			}()
		}
		return
	}
	if s.rng.Float64() < s.cfg.ChurnProbability {
		s.churn()
	}
}

// pickCandidate chooses a random dialable peer, preferring peers with no
// failed attempts so fresh candidates are tried before backed-off ones.
func (s *RandomStrategy) pickCandidate() (meshstate.DeviceState, bool) {
	var fresh, tried []meshstate.DeviceState
	for _, dev := range s.store.Devices() {
		if !dialable(dev.Phase) || s.pending.Contains(dev.Endpoint) {
			continue
		}
		if s.store.RetryCount(dev.Name) == 0 {
			fresh = append(fresh, dev)
		} else {
			tried = append(tried, dev)
		}
	}
	pool := fresh
	if len(pool) == 0 {
		pool = tried
	}
	if len(pool) == 0 {
		return meshstate.DeviceState{}, false
	}
	return pool[s.rng.Intn(len(pool))], true
}

func (s *RandomStrategy) connectTo(dev meshstate.DeviceState) {
	if !s.pending.Add(dev.Endpoint) {
		return
	}
	defer s.pending.Remove(dev.Endpoint)

	if rc := s.store.RetryCount(dev.Name); rc > 0 {
		// 2^min(rc,5) * base; the first retry already waits 2*base.
		exp := rc
		if exp > 5 {
			exp = 5
		}
		delay := s.cfg.RandomBackoffBase.Std() * time.Duration(1<<uint(exp))
		s.logger.Debugf("backing off %v before retry %d to %s", delay, rc, dev.Name)
		if !sleepCtx(s.ctx, delay) {
			return
		}
	}
	// The phase may have moved since this candidate was picked (a racing
	// inbound connect also resets the retry counter), so the snapshot is
	// stale on the no-backoff path too. Re-check right before dialing.
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

// churn drops one random established connection.
func (s *RandomStrategy) churn() {
	var connected []meshstate.DeviceState
	for _, dev := range s.store.Devices() {
		if dev.Phase == meshstate.PhaseConnected {
			connected = append(connected, dev)
		}
	}
	if len(connected) == 0 {
		return
	}
	victim := connected[s.rng.Intn(len(connected))]
	s.logger.Infof("churning out %s (%s)", victim.Endpoint, victim.Name)
	if err := s.tr.DisconnectFromEndpoint(victim.Endpoint); err != nil {
		s.logger.Warnf("disconnect %s: %v", victim.Endpoint, err)
		return
	}
	metrics.RecordDisconnect(string(s.store.Self()), "churn")
}

func (s *RandomStrategy) OnConnectionInitiated(endpoint meshstate.EndpointHandle, name meshstate.DeviceIdentity) {
	s.store.UpsertDevice(endpoint, name, meshstate.PhaseDiscovered)
	node := string(s.store.Self())
	if s.store.ActiveCount() >= s.cfg.MaxConnections {
		s.logger.Infof("rejecting %s (%s): at capacity", endpoint, name)
		metrics.RecordInbound(node, "rejected")
		if err := s.tr.RejectConnection(endpoint); err != nil {
			s.logger.Warnf("reject %s: %v", endpoint, err)
		}
		return
	}
	s.store.UpdatePhase(endpoint, meshstate.PhaseConnecting)
	metrics.RecordInbound(node, "accepted")
	if err := s.tr.AcceptConnection(endpoint); err != nil {
		s.logger.Warnf("accept %s: %v", endpoint, err)
		s.OnConnectionResult(endpoint, err)
	}
}

func (s *RandomStrategy) OnConnectionResult(endpoint meshstate.EndpointHandle, err error) {
	node := string(s.store.Self())
	if err == nil || errors.Is(err, transport.ErrAlreadyConnected) {
		// A dial race losing to the peer's own dial still means connected.
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

func (s *RandomStrategy) OnDisconnected(endpoint meshstate.EndpointHandle) {
	s.store.UpdatePhase(endpoint, meshstate.PhaseDisconnected)
	s.store.SyncLocalAdjacency()
	metrics.SetConnectedPeers(string(s.store.Self()), s.store.ConnectedCount())
}
