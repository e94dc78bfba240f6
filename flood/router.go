package flood

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiaonanln/gomesh/config"
	"github.com/xiaonanln/gomesh/gossip"
	"github.com/xiaonanln/gomesh/meshstate"
	"github.com/xiaonanln/gomesh/transport"
	"github.com/xiaonanln/gomesh/util/logger"
	"github.com/xiaonanln/gomesh/util/metrics"
	"github.com/xiaonanln/gomesh/util/uniqueid"
)

// seenMaxAge bounds how long a dedup entry is useful: far longer than any
// plausible flood traversal, short enough to recycle the cache.
const seenMaxAge = 10 * time.Minute

// Delivery is a message addressed to this node.
type Delivery struct {
	Source  meshstate.DeviceIdentity
	Payload []byte
}

// Router originates and forwards flood messages.
type Router struct {
	cfg    config.MeshConfig
	store  *meshstate.Store
	tr     transport.Transport
	logger *logger.Logger

	seen      *seenCache
	delivered chan Delivery
}

func NewRouter(cfg config.MeshConfig, store *meshstate.Store, tr transport.Transport) *Router {
	return &Router{
		cfg:       cfg,
		store:     store,
		tr:        tr,
		logger:    logger.NewLogger("FloodRouter"),
		seen:      newSeenCache(cfg.FloodSeenLimit, seenMaxAge),
		delivered: make(chan Delivery, 64),
	}
}

// Delivered returns the channel of messages addressed to this node.
func (r *Router) Delivered() <-chan Delivery {
	return r.delivered
}

// Send originates a message to dest (or BroadcastDest) and returns its id.
func (r *Router) Send(dest string, payload []byte) (string, error) {
	msg := RoutedMessage{
		MessageID: uniqueid.UniqueId(),
		SourceID:  string(r.store.Self()),
		DestID:    dest,
		TTL:       r.cfg.FloodTTL,
		Payload:   payload,
	}
	// Mark our own envelope seen so echoes from neighbors die here.
	r.seen.Add(keyOf(msg))
	if err := r.broadcast(msg); err != nil {
		return "", err
	}
	metrics.RecordFloodMessage(string(r.store.Self()), "sent")
	return msg.MessageID, nil
}

// HandleInbound processes one received envelope: drop if expired or already
// seen, deliver locally when addressed to us or to everyone, then re-forward
// with the TTL decremented while it lasts.
func (r *Router) HandleInbound(msg RoutedMessage) {
	node := string(r.store.Self())
	if msg.TTL <= 0 {
		metrics.RecordFloodMessage(node, "expired")
		return
	}
	if !r.seen.Add(keyOf(msg)) {
		metrics.RecordFloodMessage(node, "deduped")
		return
	}

	toSelf := msg.DestID == node
	if toSelf || msg.DestID == BroadcastDest {
		select {
		case r.delivered <- Delivery{Source: meshstate.DeviceIdentity(msg.SourceID), Payload: msg.Payload}:
			metrics.RecordFloodMessage(node, "delivered")
		default:
			r.logger.Warnf("delivery queue full, dropping message %s from %s", msg.MessageID, msg.SourceID)
		}
		if toSelf {
			// Unicast reached its destination; nothing left to flood.
			return
		}
	}

	msg.TTL--
	if msg.TTL <= 0 {
		metrics.RecordFloodMessage(node, "expired")
		return
	}
	if err := r.broadcast(msg); err != nil {
		r.logger.Warnf("forward message %s: %v", msg.MessageID, err)
		return
	}
	metrics.RecordFloodMessage(node, "forwarded")
}

// HandleFrame decodes a routed-message frame and processes it.
func (r *Router) HandleFrame(frame gossip.Frame) error {
	if frame.Type != gossip.FrameRoutedMessage {
		return fmt.Errorf("unexpected frame type %s", frame.Type)
	}
	var msg RoutedMessage
	if err := json.Unmarshal(frame.Payload, &msg); err != nil {
		return fmt.Errorf("unmarshal routed message: %w", err)
	}
	r.HandleInbound(msg)
	return nil
}

func (r *Router) broadcast(msg RoutedMessage) error {
	data, err := gossip.EncodeFrame(gossip.FrameRoutedMessage, msg)
	if err != nil {
		return err
	}
	if err := r.tr.Broadcast(data); err != nil {
		return fmt.Errorf("broadcast routed message: %w", err)
	}
	return nil
}
