// Package strategy implements the topology decision policies. All strategies
// share one contract: they consume the mesh state store, issue connection
// commands to the transport, and receive the transport's lifecycle callbacks.
// Exactly one strategy is active per node, selected at startup.
package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
)

// Strategy is the contract every topology policy implements. The transport's
// lifecycle callbacks are routed to the active strategy by the node.
type Strategy interface {
	// Name returns the strategy's config name ("base", "ring", "random").
	Name() string

	// Start launches the strategy's background tasks.
	Start(ctx context.Context) error

	// Stop cancels all outstanding tasks promptly. After Stop returns no
	// task of this strategy touches the state store again.
	Stop()

	// OnConnectionInitiated handles an inbound connection request; the
	// strategy decides to accept or reject it.
	OnConnectionInitiated(endpoint meshstate.EndpointHandle, name meshstate.DeviceIdentity)

	// OnConnectionResult handles the outcome of a connection attempt,
	// ours or inbound. A nil error means the connection is established.
	OnConnectionResult(endpoint meshstate.EndpointHandle, err error)

	// OnDisconnected handles a closed connection.
	OnDisconnected(endpoint meshstate.EndpointHandle)
}

// New constructs the strategy named by cfg.Strategy. The rng may be nil, in
// which case a time-seeded source is used; tests inject a fixed seed.
func New(cfg config.MeshConfig, store *meshstate.Store, tr transport.Transport, rng *rand.Rand) (Strategy, error) {
	switch cfg.Strategy {
	case "base":
		return NewBaseStrategy(cfg, store, tr, rng), nil
	case "ring":
		return NewRingStrategy(cfg, store, tr, rng), nil
	case "random":
		return NewRandomStrategy(cfg, store, tr, rng), nil
	default:
		return nil, fmt.Errorf("unknown strategy: %s", cfg.Strategy)
	}
}

// lockedRand makes a rand.Rand safe for use from multiple strategy tasks.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newLockedRand(rng *rand.Rand) *lockedRand {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &lockedRand{rng: rng}
}

func (lr *lockedRand) Float64() float64 {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rng.Float64()
}

func (lr *lockedRand) Intn(n int) int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rng.Intn(n)
}

// Jitter returns a uniform duration in [0, max).
func (lr *lockedRand) Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return time.Duration(lr.rng.Int63n(int64(max)))
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

// pendingSet tracks endpoints with a connect attempt in flight, so that two
// decision cycles never dial the same endpoint concurrently.
type pendingSet struct {
	mu  sync.Mutex
	set map[meshstate.EndpointHandle]struct{}
}

func newPendingSet() *pendingSet {
	return &pendingSet{set: make(map[meshstate.EndpointHandle]struct{})}
}

// Add marks an endpoint pending; returns false if it already was.
func (p *pendingSet) Add(ep meshstate.EndpointHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.set[ep]; ok {
		return false
	}
	p.set[ep] = struct{}{}
	return true
}

// Remove clears an endpoint's pending mark.
func (p *pendingSet) Remove(ep meshstate.EndpointHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.set, ep)
}

// Contains reports whether an endpoint is pending.
func (p *pendingSet) Contains(ep meshstate.EndpointHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.set[ep]
	return ok
}

// Clear empties the set.
func (p *pendingSet) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set = make(map[meshstate.EndpointHandle]struct{})
}
