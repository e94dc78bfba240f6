package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
	"github.com/xiaonanln/gomesh/util/logger"
	"github.com/xiaonanln/gomesh/util/metrics"
)

// Manager periodically broadcasts the local network graph to every connected
// peer and merges graphs received from them. Received frames that grow the
// local graph are broadcast onward immediately, so new information crosses
// the overlay faster than the ticker alone would carry it.
type Manager struct {
	cfg    config.MeshConfig
	store  *meshstate.Store
	tr     transport.Transport
	logger *logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg config.MeshConfig, store *meshstate.Store, tr transport.Transport) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		tr:     tr,
		logger: logger.NewLogger("GossipManager"),
	}
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("gossip manager already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
	m.logger.Infof("started, interval %v", m.cfg.GossipInterval.Std())
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Infof("stopped")
}

func (m *Manager) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.GossipInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.BroadcastNow(); err != nil {
				m.logger.Warnf("broadcast: %v", err)
			}
		}
	}
}

// BroadcastNow sends the current graph snapshot to all connected peers. An
// empty graph carries no information and is skipped.
func (m *Manager) BroadcastNow() error {
	graph := m.store.Graph()
	if len(graph) == 0 {
		return nil
	}
	data, err := EncodeFrame(FrameTopologyGossip, payloadFromGraph(graph))
	if err != nil {
		return err
	}
	if err := m.tr.Broadcast(data); err != nil {
		return fmt.Errorf("broadcast gossip: %w", err)
	}
	metrics.RecordGossipFrame(string(m.store.Self()), "sent")
	return nil
}

// HandleFrame merges one received gossip frame into the local graph. Only a
// frame that actually taught us something is forwarded onward; unchanged
// merges terminate the exchange, which is what lets repeated anti-entropy
// rounds quiesce.
func (m *Manager) HandleFrame(frame Frame) error {
	if frame.Type != FrameTopologyGossip {
		return fmt.Errorf("unexpected frame type %s", frame.Type)
	}
	var payload TopologyPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal gossip payload: %w", err)
	}
	node := string(m.store.Self())
	metrics.RecordGossipFrame(node, "received")

	if !m.store.MergeGraph(graphFromPayload(payload)) {
		return nil
	}
	metrics.RecordGossipMergeChange(node)
	m.logger.Debugf("graph grew from gossip, forwarding")
	return m.BroadcastNow()
}
