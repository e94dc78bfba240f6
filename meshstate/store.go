package meshstate

import (
	"sort"
	"sync"
	"time"

	"github.com/xiaonanln/gomesh/util/logger"
)

// Store is the single shared mutable resource of the topology engine: the
// device table, the discovered-but-unconnected peer pool and the gossiped
// network graph. It is constructed once and injected into every component;
// all mutation goes through its methods under one lock so that concurrent
// strategy, gossip and healing tasks never observe torn updates. Every read
// returns a deep snapshot that stays consistent for one decision cycle.
type Store struct {
	mu        sync.RWMutex
	self      DeviceIdentity
	devices   map[EndpointHandle]*DeviceState
	potential map[EndpointHandle]struct{}
	graph     NetworkGraph
	subs      map[chan struct{}]struct{}
	now       func() time.Time
	logger    *logger.Logger
}

// NewStore creates a store for the given local identity.
func NewStore(self DeviceIdentity) *Store {
	return &Store{
		self:      self,
		devices:   make(map[EndpointHandle]*DeviceState),
		potential: make(map[EndpointHandle]struct{}),
		graph:     NewNetworkGraph(),
		subs:      make(map[chan struct{}]struct{}),
		now:       time.Now,
		logger:    logger.NewLogger("MeshState"),
	}
}

// SetClock overrides the time source. Tests use this to control LastSeen and
// watchdog behavior deterministically.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Self returns the local device identity.
func (s *Store) Self() DeviceIdentity {
	return s.self
}

// Subscribe returns a coalescing notification channel that receives a signal
// after any mutation. The channel has capacity 1 and signals are dropped when
// one is already pending, so subscribers always wake at least once after the
// latest change but are never flooded.
func (s *Store) Subscribe() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (s *Store) Unsubscribe(ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, ch)
}

// notifyLocked signals all subscribers. Callers must hold s.mu.
func (s *Store) notifyLocked() {
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// UpsertDevice creates or refreshes the entry for an endpoint. A new entry
// starts in the given phase; an existing entry keeps its phase and retry
// count but picks up a newly learned name.
func (s *Store) UpsertDevice(endpoint EndpointHandle, name DeviceIdentity, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[endpoint]
	if !ok {
		d = &DeviceState{
			Name:     name,
			Endpoint: endpoint,
			Phase:    phase,
		}
		if phase == PhaseConnecting {
			d.ConnectingSince = s.now()
		}
		s.devices[endpoint] = d
	} else if name != "" {
		d.Name = name
	}
	d.LastSeen = s.now()

	s.notifyLocked()
}

// DeviceByEndpoint returns a copy of the device entry for an endpoint.
func (s *Store) DeviceByEndpoint(endpoint EndpointHandle) (DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[endpoint]
	if !ok {
		return DeviceState{}, false
	}
	return *d, true
}

// DeviceByName returns a copy of the most recently seen entry with the given
// name. Endpoints are ephemeral, so a name can map to several stale entries;
// the freshest one wins.
func (s *Store) DeviceByName(name DeviceIdentity) (DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *DeviceState
	for _, d := range s.devices {
		if d.Name != name {
			continue
		}
		if best == nil || d.LastSeen.After(best.LastSeen) {
			best = d
		}
	}
	if best == nil {
		return DeviceState{}, false
	}
	return *best, true
}

// Devices returns a snapshot of all device entries.
func (s *Store) Devices() []DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceState, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// UpdatePhase transitions an endpoint's phase atomically. The transition is a
// read-modify-write under the store lock, so concurrent updates from several
// tasks cannot be lost. Side effects:
//   - entering CONNECTING stamps ConnectingSince and removes the endpoint
//     from the potential pool,
//   - entering CONNECTED resets the retry counter and removes the endpoint
//     from the potential pool,
//   - entering DISCOVERED adds the endpoint back to the potential pool.
func (s *Store) UpdatePhase(endpoint EndpointHandle, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[endpoint]
	if !ok {
		d = &DeviceState{Endpoint: endpoint, Phase: phase}
		s.devices[endpoint] = d
	}

	old := d.Phase
	d.Phase = phase
	d.LastSeen = s.now()

	switch phase {
	case PhaseConnecting:
		d.ConnectingSince = s.now()
		delete(s.potential, endpoint)
	case PhaseConnected:
		d.RetryCount = 0
		d.ConnectingSince = time.Time{}
		delete(s.potential, endpoint)
	case PhaseDiscovered:
		d.ConnectingSince = time.Time{}
		s.potential[endpoint] = struct{}{}
	default:
		d.ConnectingSince = time.Time{}
	}

	if old != phase {
		s.logger.Debugf("phase %s -> %s for %s (%s)", old, phase, endpoint, d.Name)
	}
	s.notifyLocked()
}

// RemoveDevice drops an endpoint entirely: its device entry and any potential
// pool membership. Used when the transport reports a closed connection and no
// retry is pending.
func (s *Store) RemoveDevice(endpoint EndpointHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, endpoint)
	delete(s.potential, endpoint)
	s.notifyLocked()
}

// IncrementRetry bumps the retry counter for every entry with the given name
// and returns the new count. Counters are kept per logical peer, not per
// endpoint, because endpoints change across reconnect attempts.
func (s *Store) IncrementRetry(name DeviceIdentity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, d := range s.devices {
		if d.Name == name {
			d.RetryCount++
			if d.RetryCount > count {
				count = d.RetryCount
			}
		}
	}
	s.notifyLocked()
	return count
}

// RetryCount returns the highest retry counter recorded for a name.
func (s *Store) RetryCount(name DeviceIdentity) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, d := range s.devices {
		if d.Name == name && d.RetryCount > count {
			count = d.RetryCount
		}
	}
	return count
}

// AddPotentialPeer records a discovered, unconnected endpoint.
func (s *Store) AddPotentialPeer(endpoint EndpointHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.potential[endpoint] = struct{}{}
	s.notifyLocked()
}

// RemovePotentialPeer removes an endpoint from the potential pool.
func (s *Store) RemovePotentialPeer(endpoint EndpointHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.potential, endpoint)
	s.notifyLocked()
}

// PotentialPeers returns a snapshot of the discovered-but-unconnected pool.
func (s *Store) PotentialPeers() []EndpointHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EndpointHandle, 0, len(s.potential))
	for e := range s.potential {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnectedCount returns the number of devices in CONNECTED phase.
func (s *Store) ConnectedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.devices {
		if d.Phase == PhaseConnected {
			n++
		}
	}
	return n
}

// ActiveCount returns the number of devices in CONNECTED or CONNECTING phase.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.devices {
		if d.Phase == PhaseConnected || d.Phase == PhaseConnecting {
			n++
		}
	}
	return n
}

// ConnectedNames returns the names of all CONNECTED devices, sorted.
func (s *Store) ConnectedNames() []DeviceIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceIdentity, 0)
	for _, d := range s.devices {
		if d.Phase == PhaseConnected && d.Name != "" {
			out = append(out, d.Name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SyncLocalAdjacency re-derives this node's own row of the network graph from
// its currently CONNECTED devices. The local row is authoritative for local
// observations and replaces the previous row; monotonic growth only applies
// to merged remote rows. Returns whether the row changed.
func (s *Store) SyncLocalAdjacency() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := make(map[DeviceIdentity]struct{})
	for _, d := range s.devices {
		if d.Phase == PhaseConnected && d.Name != "" {
			row[d.Name] = struct{}{}
		}
	}

	old := s.graph[s.self]
	if len(old) == len(row) {
		same := true
		for n := range row {
			if _, ok := old[n]; !ok {
				same = false
				break
			}
		}
		if same {
			return false
		}
	}

	s.graph[s.self] = row
	s.notifyLocked()
	return true
}

// MergeGraph union-merges a remote graph into the local one. Monotonic: no
// edge present locally is ever removed. Returns whether anything changed.
func (s *Store) MergeGraph(remote NetworkGraph) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.graph.Merge(remote)
	if changed {
		s.notifyLocked()
	}
	return changed
}

// Graph returns a deep snapshot of the network graph.
func (s *Store) Graph() NetworkGraph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Clone()
}

// SweepConnecting fails every device stuck in CONNECTING longer than timeout:
// the phase moves to ERROR and the retry counter is bumped, exactly as if the
// transport had reported a failure. This is the watchdog for transports that
// never deliver a result for an attempt. Returns the affected endpoints.
func (s *Store) SweepConnecting(timeout time.Duration) []EndpointHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []EndpointHandle
	now := s.now()
	for _, d := range s.devices {
		if d.Phase != PhaseConnecting || d.ConnectingSince.IsZero() {
			continue
		}
		if now.Sub(d.ConnectingSince) < timeout {
			continue
		}
		d.Phase = PhaseError
		d.RetryCount++
		d.ConnectingSince = time.Time{}
		d.LastSeen = now
		stuck = append(stuck, d.Endpoint)
		s.logger.Warnf("watchdog: %s (%s) stuck in CONNECTING, marking ERROR (retry=%d)", d.Endpoint, d.Name, d.RetryCount)
	}

	if len(stuck) > 0 {
		s.notifyLocked()
	}
	return stuck
}
