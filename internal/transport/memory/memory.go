// Package memory is an in-process Broadcaster/ConditionWatcher pair that
// wires a fixed set of engines together by direct method call, standing in
// for the out-of-core JSON-RPC transport in multi-node integration tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pangea-net/ecdkg-node/internal/curve"
	"github.com/pangea-net/ecdkg-node/internal/ecdkg"
)

// Hub is the shared switchboard every test node's Engine registers against:
// a lookup of "who else is in this protocol run" plus the ability to call a
// named method on each of them.
type Hub struct {
	mu      sync.RWMutex
	engines map[curve.Address]*ecdkg.Engine

	condMu     sync.Mutex
	satisfied  map[string]chan struct{}
}

// NewHub returns an empty switchboard.
func NewHub() *Hub {
	return &Hub{
		engines:   make(map[curve.Address]*ecdkg.Engine),
		satisfied: make(map[string]chan struct{}),
	}
}

// Register makes e reachable under addr for every other node's Broadcaster.
func (h *Hub) Register(addr curve.Address, e *ecdkg.Engine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engines[addr] = e
}

// SatisfyCondition unblocks every WaitUntilSatisfied call pending on
// condition, present or future.
func (h *Hub) SatisfyCondition(condition string) {
	h.condMu.Lock()
	defer h.condMu.Unlock()
	ch, ok := h.satisfied[condition]
	if !ok {
		ch = make(chan struct{})
		h.satisfied[condition] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (h *Hub) conditionChannel(condition string) chan struct{} {
	h.condMu.Lock()
	defer h.condMu.Unlock()
	ch, ok := h.satisfied[condition]
	if !ok {
		ch = make(chan struct{})
		h.satisfied[condition] = ch
	}
	return ch
}

// BroadcasterFor returns a Broadcaster that treats self as the asking node,
// excluding it from its own Peers() list and from broadcast fan-out.
func (h *Hub) BroadcasterFor(self curve.Address) ecdkg.Broadcaster {
	return &broadcaster{hub: h, self: self}
}

// WatcherFor returns a ConditionWatcher bound to this Hub.
func (h *Hub) WatcherFor() ecdkg.ConditionWatcher {
	return &watcher{hub: h}
}

type broadcaster struct {
	hub  *Hub
	self curve.Address
}

func (b *broadcaster) Peers(ctx context.Context) ([]curve.Address, error) {
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	peers := make([]curve.Address, 0, len(b.hub.engines))
	for addr := range b.hub.engines {
		if addr == b.self {
			continue
		}
		peers = append(peers, addr)
	}
	return peers, nil
}

func (b *broadcaster) BroadcastJSONRPC(ctx context.Context, method, condition string) (map[curve.Address]json.RawMessage, error) {
	b.hub.mu.RLock()
	peers := make(map[curve.Address]*ecdkg.Engine, len(b.hub.engines))
	for addr, e := range b.hub.engines {
		if addr == b.self {
			continue
		}
		peers[addr] = e
	}
	b.hub.mu.RUnlock()

	out := make(map[curve.Address]json.RawMessage, len(peers))
	for addr, e := range peers {
		var (
			payload any
			err     error
		)
		switch method {
		case "get_signed_secret_shares":
			payload, err = e.GetSignedSecretShares(condition, b.self)
		case "get_verification_points":
			payload, err = e.GetVerificationPoints(condition)
		case "get_encryption_key_part":
			payload, err = e.GetEncryptionKeyPart(condition)
		case "get_decryption_key_part":
			payload, err = e.GetDecryptionKeyPart(condition)
		case "get_complaints":
			payload, err = e.GetComplaintsBy(condition)
		default:
			return nil, fmt.Errorf("memory transport: unknown RPC method %q", method)
		}
		if err != nil {
			// A peer unable to answer yet is treated as absent for this
			// round: it is simply missing from the broadcast result map.
			continue
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("memory transport: marshal %s response from %x: %w", method, addr, err)
		}
		out[addr] = raw
	}
	return out, nil
}

type watcher struct {
	hub *Hub
}

func (w *watcher) WaitUntilSatisfied(ctx context.Context, condition string) error {
	ch := w.hub.conditionChannel(condition)
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
