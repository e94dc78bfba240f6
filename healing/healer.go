// Package healing periodically alternates discovery and advertising so that
// isolated nodes or split overlay islands eventually see each other again,
// regardless of what the active strategy is doing with its own discovery.
package healing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
	"github.com/xiaonanln/gomesh/util/logger"
	"github.com/xiaonanln/gomesh/util/metrics"
)

// Healer runs the global healing cycle: a short discovery window to spot
// unknown peers, then a long advertising window to be spotted by them.
type Healer struct {
	cfg    config.MeshConfig
	node   meshstate.DeviceIdentity
	tr     transport.Transport
	logger *logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHealer(cfg config.MeshConfig, node meshstate.DeviceIdentity, tr transport.Transport) *Healer {
	return &Healer{
		cfg:    cfg,
		node:   node,
		tr:     tr,
		logger: logger.NewLogger("Healer"),
	}
}

func (h *Healer) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return errors.New("healer already started")
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.run()
	h.logger.Infof("started, discovery %v / advertising %v",
		h.cfg.HealingDiscoveryWindow.Std(), h.cfg.HealingAdvertiseWindow.Std())
	return nil
}

func (h *Healer) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	h.wg.Wait()
	h.logger.Infof("stopped")
}

func (h *Healer) run() {
	defer h.wg.Done()
	defer func() {
		if err := h.tr.StopAll(); err != nil {
			h.logger.Warnf("stop all: %v", err)
		}
	}()
	for {
		if err := h.tr.StartDiscovery(); err != nil {
			h.logger.Warnf("start discovery: %v", err)
		}
		if !sleepCtx(h.ctx, h.cfg.HealingDiscoveryWindow.Std()) {
			return
		}

		if err := h.tr.StopAll(); err != nil {
			h.logger.Warnf("stop all: %v", err)
		}
		if err := h.tr.StartAdvertising(); err != nil {
			h.logger.Warnf("start advertising: %v", err)
		}
		metrics.RecordHealingCycle(string(h.node))
		if !sleepCtx(h.ctx, h.cfg.HealingAdvertiseWindow.Std()) {
			return
		}
	}
}

// sleepCtx waits for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
