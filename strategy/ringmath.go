package strategy

import (
	"sort"

	"github.com/xiaonanln/gomesh/meshstate"
)

// ringOrder builds the canonical ring: the given identities plus self,
// deduplicated and sorted lexicographically. Every node that knows the same
// identity set derives the same ring.
func ringOrder(self meshstate.DeviceIdentity, others []meshstate.DeviceIdentity) []meshstate.DeviceIdentity {
	seen := map[meshstate.DeviceIdentity]struct{}{self: {}}
	ring := []meshstate.DeviceIdentity{self}
	for _, id := range others {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ring = append(ring, id)
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i] < ring[j] })
	return ring
}

// ringDistance is the minimum of the forward and backward hop counts between
// two ring indices. It is symmetric and never exceeds n/2.
func ringDistance(i, j, n int) int {
	d := i - j
	if d < 0 {
		d = -d
	}
	if n-d < d {
		d = n - d
	}
	return d
}

// ringTargets computes self's desired neighbors on the ring: successor
// (next index), predecessor (previous index), and opposite (roughly
// diametric). The opposite walk starts at index+n/2 and advances past any
// candidate within ring-distance 2 of self; if it comes back around to self,
// no opposite exists. Rings of five or fewer nodes have no opposite, since
// every other node sits within distance 2.
func ringTargets(ring []meshstate.DeviceIdentity, self meshstate.DeviceIdentity) (succ, pred, opp meshstate.DeviceIdentity) {
	n := len(ring)
	if n < 2 {
		return "", "", ""
	}
	idx := -1
	for i, id := range ring {
		if id == self {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", "", ""
	}
	succ = ring[(idx+1)%n]
	pred = ring[(idx-1+n)%n]

	start := (idx + n/2) % n
	for k := 0; k < n; k++ {
		c := (start + k) % n
		if c == idx {
			break
		}
		if ringDistance(c, idx, n) > 2 {
			opp = ring[c]
			break
		}
	}
	return succ, pred, opp
}
