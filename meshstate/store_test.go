package meshstate

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestUpsertAndLookup(t *testing.T) {
	s := NewStore("self")

	s.UpsertDevice("ep1", "alice", PhaseDiscovered)
	s.UpsertDevice("ep2", "bob", PhaseConnecting)

	d, ok := s.DeviceByEndpoint("ep1")
	if !ok || d.Name != "alice" || d.Phase != PhaseDiscovered {
		t.Fatalf("DeviceByEndpoint(ep1) = %+v, %v", d, ok)
	}

	d, ok = s.DeviceByName("bob")
	if !ok || d.Endpoint != "ep2" {
		t.Fatalf("DeviceByName(bob) = %+v, %v", d, ok)
	}

	// Upsert with a learned name fills in the blank, keeps phase.
	s.UpsertDevice("ep3", "", PhaseDiscovered)
	s.UpsertDevice("ep3", "carol", PhaseConnected)
	d, _ = s.DeviceByEndpoint("ep3")
	if d.Name != "carol" || d.Phase != PhaseDiscovered {
		t.Fatalf("upsert should keep existing phase, got %+v", d)
	}
}

func TestUpdatePhaseSideEffects(t *testing.T) {
	s := NewStore("self")

	t.Run("connected resets retry and leaves pool", func(t *testing.T) {
		s.UpsertDevice("ep1", "alice", PhaseDiscovered)
		s.AddPotentialPeer("ep1")
		s.IncrementRetry("alice")
		s.IncrementRetry("alice")

		s.UpdatePhase("ep1", PhaseConnected)

		d, _ := s.DeviceByEndpoint("ep1")
		if d.RetryCount != 0 {
			t.Errorf("RetryCount = %d; want 0 after connect", d.RetryCount)
		}
		for _, p := range s.PotentialPeers() {
			if p == "ep1" {
				t.Error("connected endpoint still in potential pool")
			}
		}
	})

	t.Run("connecting stamps watchdog time", func(t *testing.T) {
		s.UpsertDevice("ep2", "bob", PhaseDiscovered)
		s.UpdatePhase("ep2", PhaseConnecting)
		d, _ := s.DeviceByEndpoint("ep2")
		if d.ConnectingSince.IsZero() {
			t.Error("ConnectingSince not stamped")
		}
	})

	t.Run("rediscovered endpoint rejoins pool", func(t *testing.T) {
		s.UpdatePhase("ep2", PhaseDiscovered)
		found := false
		for _, p := range s.PotentialPeers() {
			if p == "ep2" {
				found = true
			}
		}
		if !found {
			t.Error("rediscovered endpoint missing from potential pool")
		}
	})
}

func TestRetryCounters(t *testing.T) {
	s := NewStore("self")
	s.UpsertDevice("ep1", "alice", PhaseError)

	if got := s.RetryCount("alice"); got != 0 {
		t.Errorf("initial RetryCount = %d; want 0", got)
	}
	if got := s.IncrementRetry("alice"); got != 1 {
		t.Errorf("IncrementRetry = %d; want 1", got)
	}
	if got := s.IncrementRetry("alice"); got != 2 {
		t.Errorf("IncrementRetry = %d; want 2", got)
	}
	if got := s.RetryCount("unknown"); got != 0 {
		t.Errorf("RetryCount(unknown) = %d; want 0", got)
	}
}

func TestCounts(t *testing.T) {
	s := NewStore("self")
	s.UpsertDevice("ep1", "a", PhaseConnected)
	s.UpsertDevice("ep2", "b", PhaseConnecting)
	s.UpsertDevice("ep3", "c", PhaseDiscovered)
	s.UpsertDevice("ep4", "d", PhaseError)

	if got := s.ConnectedCount(); got != 1 {
		t.Errorf("ConnectedCount = %d; want 1", got)
	}
	if got := s.ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d; want 2", got)
	}
	names := s.ConnectedNames()
	if len(names) != 1 || names[0] != "a" {
		t.Errorf("ConnectedNames = %v; want [a]", names)
	}
}

func TestSyncLocalAdjacency(t *testing.T) {
	s := NewStore("self")
	s.UpsertDevice("ep1", "alice", PhaseConnected)
	s.UpsertDevice("ep2", "bob", PhaseConnected)
	s.UpsertDevice("ep3", "carol", PhaseDiscovered)

	if !s.SyncLocalAdjacency() {
		t.Fatal("first sync should report a change")
	}
	g := s.Graph()
	if !g.HasEdge("self", "alice") || !g.HasEdge("self", "bob") {
		t.Errorf("own row incomplete: %v", g.Neighbors("self"))
	}
	if g.HasEdge("self", "carol") {
		t.Error("non-connected peer in own row")
	}

	if s.SyncLocalAdjacency() {
		t.Error("second sync without changes should report no change")
	}

	// A disconnect shrinks the local row; the local row is authoritative.
	s.UpdatePhase("ep2", PhaseDisconnected)
	if !s.SyncLocalAdjacency() {
		t.Fatal("sync after disconnect should report a change")
	}
	if s.Graph().HasEdge("self", "bob") {
		t.Error("disconnected peer still in own row")
	}
}

func TestMergeGraphMonotonic(t *testing.T) {
	s := NewStore("self")

	remote := NewNetworkGraph()
	remote.AddEdge("x", "y")
	remote.AddEdge("y", "x")

	if !s.MergeGraph(remote) {
		t.Fatal("first merge should change the graph")
	}
	if s.MergeGraph(remote) {
		t.Error("repeated merge should be a no-op")
	}

	// Merging a smaller row must not remove edges.
	smaller := NewNetworkGraph()
	smaller["x"] = map[DeviceIdentity]struct{}{}
	s.MergeGraph(smaller)
	if !s.Graph().HasEdge("x", "y") {
		t.Error("merge removed an edge")
	}
}

func TestGraphSnapshotIsolation(t *testing.T) {
	s := NewStore("self")
	remote := NewNetworkGraph()
	remote.AddEdge("x", "y")
	s.MergeGraph(remote)

	snap := s.Graph()
	snap.AddEdge("x", "z")

	if s.Graph().HasEdge("x", "z") {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestSubscribeCoalesces(t *testing.T) {
	s := NewStore("self")
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	// Many mutations, but a capacity-1 channel only holds one signal.
	for i := 0; i < 10; i++ {
		s.AddPotentialPeer(EndpointHandle(fmt.Sprintf("ep%d", i)))
	}

	select {
	case <-ch:
	default:
		t.Fatal("expected a pending notification")
	}
	select {
	case <-ch:
		t.Fatal("expected signals to be coalesced")
	default:
	}
}

func TestSweepConnecting(t *testing.T) {
	s := NewStore("self")

	base := time.Now()
	current := base
	s.SetClock(func() time.Time { return current })

	s.UpsertDevice("ep1", "alice", PhaseDiscovered)
	s.UpdatePhase("ep1", PhaseConnecting)
	s.UpsertDevice("ep2", "bob", PhaseConnected)

	// Not stuck yet.
	if stuck := s.SweepConnecting(30 * time.Second); len(stuck) != 0 {
		t.Fatalf("premature sweep: %v", stuck)
	}

	current = base.Add(31 * time.Second)
	stuck := s.SweepConnecting(30 * time.Second)
	if len(stuck) != 1 || stuck[0] != "ep1" {
		t.Fatalf("SweepConnecting = %v; want [ep1]", stuck)
	}

	d, _ := s.DeviceByEndpoint("ep1")
	if d.Phase != PhaseError {
		t.Errorf("phase = %s; want ERROR", d.Phase)
	}
	if d.RetryCount != 1 {
		t.Errorf("RetryCount = %d; want 1", d.RetryCount)
	}

	// Connected peer untouched.
	d, _ = s.DeviceByEndpoint("ep2")
	if d.Phase != PhaseConnected {
		t.Errorf("connected peer swept: %s", d.Phase)
	}
}

func TestConcurrentMutations(t *testing.T) {
	s := NewStore("self")

	var wg sync.WaitGroup
	const goroutines = 16
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ep := EndpointHandle(fmt.Sprintf("ep%d", i))
			name := DeviceIdentity(fmt.Sprintf("peer%d", i))
			for j := 0; j < 200; j++ {
				s.UpsertDevice(ep, name, PhaseDiscovered)
				s.UpdatePhase(ep, PhaseConnecting)
				s.UpdatePhase(ep, PhaseConnected)
				s.SyncLocalAdjacency()
				s.IncrementRetry(name)
				_ = s.Devices()
				_ = s.Graph()
				_ = s.PotentialPeers()
				s.UpdatePhase(ep, PhaseDisconnected)
			}
		}(i)
	}
	wg.Wait()
}
