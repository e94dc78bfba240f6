// Package registry implements peer discovery and advertising on etcd. An
// advertising node holds a leased key under <prefix>/nodes/<id> whose value
// is its dial address; a discovering node reads the prefix and watches it for
// changes. A crashed node's key disappears when its lease expires.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/util/logger"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// NodeLeaseTTL is the advertising lease in seconds; a vanished node is
	// noticed by its peers within this bound.
	NodeLeaseTTL = 15

	dialTimeout = 5 * time.Second
)

// Registry is the etcd-backed discovery and advertising backend.
type Registry struct {
	cfg           config.EtcdConfig
	nodeID        string
	advertiseAddr string
	logger        *logger.Logger

	client *clientv3.Client

	mu          sync.RWMutex
	leaseID     clientv3.LeaseID
	peers       map[string]string // node id -> dial address
	watchCancel context.CancelFunc
	onFound     func(id, addr string)
	onLost      func(id, addr string)
}

func New(cfg config.EtcdConfig, nodeID, advertiseAddr string) *Registry {
	return &Registry{
		cfg:           cfg,
		nodeID:        nodeID,
		advertiseAddr: advertiseAddr,
		logger:        logger.NewLogger("Registry"),
		peers:         make(map[string]string),
	}
}

// SetHandlers installs the peer event callbacks. Must be called before
// StartDiscovery.
func (r *Registry) SetHandlers(onFound, onLost func(id, addr string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFound = onFound
	r.onLost = onLost
}

// Connect establishes the etcd client connection.
func (r *Registry) Connect() error {
	r.logger.Infof("connecting to etcd at %v", r.cfg.Endpoints)
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   r.cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect to etcd: %w", err)
	}
	r.client = cli
	return nil
}

// Close stops watching and closes the client.
func (r *Registry) Close() error {
	r.StopDiscovery()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// NodesPrefix returns the key prefix all node registrations live under.
func (r *Registry) NodesPrefix() string {
	return r.cfg.Prefix + "/nodes/"
}

// nodeIDFromKey extracts the node id from a registration key. Returns "" for
// keys outside the nodes prefix.
func (r *Registry) nodeIDFromKey(key string) string {
	if !strings.HasPrefix(key, r.NodesPrefix()) {
		return ""
	}
	return key[len(r.NodesPrefix()):]
}

// StartAdvertising registers this node under a keepalive lease.
func (r *Registry) StartAdvertising(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("etcd client not connected")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leaseID != 0 {
		return nil
	}

	lease, err := r.client.Grant(ctx, NodeLeaseTTL)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	key := r.NodesPrefix() + r.nodeID
	if _, err := r.client.Put(ctx, key, r.advertiseAddr, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	r.leaseID = lease.ID
	r.logger.Infof("advertising %s at %s with lease %d", r.nodeID, r.advertiseAddr, lease.ID)

	keepAliveCh, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keep alive lease: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ka, ok := <-keepAliveCh:
				if !ok {
					r.logger.Warnf("keep-alive channel closed for lease %d", lease.ID)
					return
				}
				if ka != nil {
					r.logger.Debugf("keep-alive for lease %d, ttl %d", ka.ID, ka.TTL)
				}
			}
		}
	}()
	return nil
}

// StopAdvertising revokes the lease and removes the registration.
func (r *Registry) StopAdvertising(ctx context.Context) error {
	if r.client == nil {
		return nil
	}
	r.mu.Lock()
	leaseID := r.leaseID
	r.leaseID = 0
	r.mu.Unlock()
	if leaseID == 0 {
		return nil
	}
	if _, err := r.client.Revoke(ctx, leaseID); err != nil {
		r.logger.Warnf("revoke lease: %v", err)
	}
	if _, err := r.client.Delete(ctx, r.NodesPrefix()+r.nodeID); err != nil {
		return fmt.Errorf("unregister node: %w", err)
	}
	r.logger.Infof("stopped advertising %s", r.nodeID)
	return nil
}

// StartDiscovery reads the current registrations and then watches the prefix
// for churn. Every registration except our own is reported through onFound,
// removals through onLost.
func (r *Registry) StartDiscovery(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("etcd client not connected")
	}
	r.mu.Lock()
	if r.watchCancel != nil {
		r.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	r.mu.Unlock()

	resp, err := r.client.Get(ctx, r.NodesPrefix(), clientv3.WithPrefix())
	if err != nil {
		cancel()
		r.mu.Lock()
		r.watchCancel = nil
		r.mu.Unlock()
		return fmt.Errorf("get nodes: %w", err)
	}
	for _, kv := range resp.Kvs {
		r.applyPut(string(kv.Key), string(kv.Value))
	}

	watchChan := r.client.Watch(watchCtx, r.NodesPrefix(),
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		r.logger.Infof("watching %s", r.NodesPrefix())
		for {
			select {
			case <-watchCtx.Done():
				r.logger.Infof("node watch stopped")
				return
			case watchResp, ok := <-watchChan:
				if !ok {
					r.logger.Warnf("watch channel closed")
					return
				}
				if watchResp.Err() != nil {
					r.logger.Errorf("watch error: %v", watchResp.Err())
					continue
				}
				for _, event := range watchResp.Events {
					switch event.Type {
					case clientv3.EventTypePut:
						r.applyPut(string(event.Kv.Key), string(event.Kv.Value))
					case clientv3.EventTypeDelete:
						r.applyDelete(string(event.Kv.Key))
					}
				}
			}
		}
	}()
	return nil
}

// StopDiscovery cancels the prefix watch.
func (r *Registry) StopDiscovery() {
	r.mu.Lock()
	cancel := r.watchCancel
	r.watchCancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// applyPut records one registration and reports it if new or moved.
func (r *Registry) applyPut(key, addr string) {
	id := r.nodeIDFromKey(key)
	if id == "" || id == r.nodeID {
		return
	}
	r.mu.Lock()
	prev, known := r.peers[id]
	r.peers[id] = addr
	onFound := r.onFound
	r.mu.Unlock()
	if known && prev == addr {
		return
	}
	r.logger.Infof("peer found: %s at %s", id, addr)
	if onFound != nil {
		onFound(id, addr)
	}
}

// applyDelete drops one registration and reports the loss.
func (r *Registry) applyDelete(key string) {
	id := r.nodeIDFromKey(key)
	if id == "" || id == r.nodeID {
		return
	}
	r.mu.Lock()
	addr, known := r.peers[id]
	delete(r.peers, id)
	onLost := r.onLost
	r.mu.Unlock()
	if !known {
		return
	}
	r.logger.Infof("peer lost: %s at %s", id, addr)
	if onLost != nil {
		onLost(id, addr)
	}
}

// Peers returns a copy of the currently known registrations.
func (r *Registry) Peers() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.peers))
	for id, addr := range r.peers {
		out[id] = addr
	}
	return out
}
