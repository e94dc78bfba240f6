package strategy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaonanln/gomesh/meshstate"
)

func TestRingOrder(t *testing.T) {
	ring := ringOrder("c", []meshstate.DeviceIdentity{"b", "a", "b", "", "d"})
	assert.Equal(t, []meshstate.DeviceIdentity{"a", "b", "c", "d"}, ring)
}

func TestRingOrderSelfOnly(t *testing.T) {
	ring := ringOrder("a", nil)
	assert.Equal(t, []meshstate.DeviceIdentity{"a"}, ring)
}

func TestRingDistanceSymmetricAndBounded(t *testing.T) {
	for n := 2; n <= 12; n++ {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				d := ringDistance(i, j, n)
				assert.Equal(t, d, ringDistance(j, i, n), "n=%d i=%d j=%d", n, i, j)
				assert.GreaterOrEqual(t, d, 0)
				assert.LessOrEqual(t, d, n/2, "n=%d i=%d j=%d", n, i, j)
			}
		}
	}
}

func TestRingTargetsPair(t *testing.T) {
	ring := []meshstate.DeviceIdentity{"a", "b"}
	succ, pred, opp := ringTargets(ring, "a")
	assert.Equal(t, meshstate.DeviceIdentity("b"), succ)
	assert.Equal(t, meshstate.DeviceIdentity("b"), pred)
	assert.Empty(t, opp)
}

func TestRingTargetsFiveNodes(t *testing.T) {
	ring := []meshstate.DeviceIdentity{"a", "b", "c", "d", "e"}
	succ, pred, opp := ringTargets(ring, "c")
	assert.Equal(t, meshstate.DeviceIdentity("d"), succ)
	assert.Equal(t, meshstate.DeviceIdentity("b"), pred)
	// On a five-node ring every other node sits within distance 2, so no
	// valid opposite remains.
	assert.Empty(t, opp)
}

func TestRingTargetsSevenNodes(t *testing.T) {
	ring := []meshstate.DeviceIdentity{"a", "b", "c", "d", "e", "f", "g"}
	succ, pred, opp := ringTargets(ring, "a")
	assert.Equal(t, meshstate.DeviceIdentity("b"), succ)
	assert.Equal(t, meshstate.DeviceIdentity("g"), pred)
	assert.Equal(t, meshstate.DeviceIdentity("d"), opp)
}

func TestRingTargetsOppositeNeverNear(t *testing.T) {
	for n := 4; n <= 16; n++ {
		ring := make([]meshstate.DeviceIdentity, n)
		for i := range ring {
			ring[i] = meshstate.DeviceIdentity(fmt.Sprintf("node-%02d", i))
		}
		for idx := 0; idx < n; idx++ {
			_, _, opp := ringTargets(ring, ring[idx])
			if n >= 6 {
				require.NotEmpty(t, opp, "n=%d idx=%d", n, idx)
			}
			if opp == "" {
				continue
			}
			oppIdx := -1
			for i, id := range ring {
				if id == opp {
					oppIdx = i
				}
			}
			require.GreaterOrEqual(t, oppIdx, 0)
			assert.Greater(t, ringDistance(oppIdx, idx, n), 2, "n=%d idx=%d opp=%d", n, idx, oppIdx)
		}
	}
}

func TestRingTargetsSelfNotInRing(t *testing.T) {
	succ, pred, opp := ringTargets([]meshstate.DeviceIdentity{"a", "b"}, "z")
	assert.Empty(t, succ)
	assert.Empty(t, pred)
	assert.Empty(t, opp)
}
