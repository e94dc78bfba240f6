package healing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
	"github.com/xiaonanln/gomesh/util/testutil"
)

type radioRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *radioRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *radioRecorder) callCount(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *radioRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *radioRecorder) StartDiscovery() error   { r.record("startDiscovery"); return nil }
func (r *radioRecorder) StopDiscovery() error    { r.record("stopDiscovery"); return nil }
func (r *radioRecorder) StartAdvertising() error { r.record("startAdvertising"); return nil }
func (r *radioRecorder) StopAll() error          { r.record("stopAll"); return nil }

func (r *radioRecorder) SetCallbacks(transport.Callbacks) {}
func (r *radioRecorder) RequestConnection(context.Context, meshstate.DeviceIdentity, meshstate.EndpointHandle) error {
	return nil
}
func (r *radioRecorder) AcceptConnection(meshstate.EndpointHandle) error       { return nil }
func (r *radioRecorder) RejectConnection(meshstate.EndpointHandle) error       { return nil }
func (r *radioRecorder) DisconnectFromEndpoint(meshstate.EndpointHandle) error { return nil }
func (r *radioRecorder) Broadcast([]byte) error                                { return nil }
func (r *radioRecorder) SendTo(meshstate.EndpointHandle, []byte) error         { return nil }

func TestHealerCyclesDiscoveryThenAdvertising(t *testing.T) {
	cfg := config.DefaultMeshConfig()
	cfg.HealingDiscoveryWindow = config.Duration(20 * time.Millisecond)
	cfg.HealingAdvertiseWindow = config.Duration(30 * time.Millisecond)
	tr := &radioRecorder{}
	h := NewHealer(cfg, "a", tr)

	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	testutil.WaitFor(t, 2*time.Second, "two full healing cycles", func() bool {
		return tr.callCount("startAdvertising") >= 2
	})

	calls := tr.snapshot()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, "startDiscovery", calls[0])
	assert.Equal(t, "stopAll", calls[1])
	assert.Equal(t, "startAdvertising", calls[2])
	assert.GreaterOrEqual(t, tr.callCount("startDiscovery"), 2)
}

func TestHealerStopEndsCycle(t *testing.T) {
	cfg := config.DefaultMeshConfig()
	cfg.HealingDiscoveryWindow = config.Duration(10 * time.Millisecond)
	cfg.HealingAdvertiseWindow = config.Duration(10 * time.Millisecond)
	tr := &radioRecorder{}
	h := NewHealer(cfg, "a", tr)

	require.NoError(t, h.Start(context.Background()))
	testutil.WaitFor(t, time.Second, "one healing cycle", func() bool {
		return tr.callCount("startAdvertising") >= 1
	})
	h.Stop()

	// The radios are quiesced on the way out.
	assert.GreaterOrEqual(t, tr.callCount("stopAll"), 2)

	before := len(tr.snapshot())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, len(tr.snapshot()))

	// Stop again is a no-op.
	h.Stop()
}

func TestHealerStartTwiceFails(t *testing.T) {
	cfg := config.DefaultMeshConfig()
	tr := &radioRecorder{}
	h := NewHealer(cfg, "a", tr)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()
	assert.Error(t, h.Start(context.Background()))
}
