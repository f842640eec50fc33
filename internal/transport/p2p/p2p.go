// Package p2p is the libp2p-backed Broadcaster and ConditionWatcher that
// make the protocol engine runnable across a real network: a single stream
// handler per protocol ID on a caller-supplied libp2p host, and a
// request/response-over-stream shape using a length-prefixed JSON envelope
// for the five ECDKG RPC methods. The host itself is built by the caller.
package p2p

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/pangea-net/ecdkg-node/internal/curve"
	"github.com/pangea-net/ecdkg-node/internal/ecdkg"
)

// ProtocolID is the dedicated libp2p protocol this transport speaks,
// distinct from any other protocol the host may also serve.
const ProtocolID = protocol.ID("/pangea/ecdkg/1.0.0")

// ComsTimeout bounds how long a single broadcast RPC waits for one peer to
// answer.
const ComsTimeout = 10 * time.Second

const maxFrameBytes = 1 << 20 // 1 MiB, generous for a commitment vector

// request is the wire envelope written to a freshly opened stream.
type request struct {
	ID        string `json:"id"`
	Method    string `json:"method"`
	Condition string `json:"condition"`
	Requester string `json:"requester"` // hex address of the asking node
}

// response is the wire envelope read back from the stream.
type response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Node is a libp2p-backed ECDKG transport endpoint implementing
// ecdkg.Broadcaster. Pair it with a ConditionWatcher (see watcher.go) bound
// to the same Store for the decryption-condition-signal half, and call
// BindEngine so inbound RPCs have an Engine to answer from.
type Node struct {
	host host.Host
	self curve.Address
	log  *log.Logger

	mu    sync.RWMutex
	peers map[curve.Address]peer.ID

	engineMu sync.RWMutex
	engine   *ecdkg.Engine

	guard *RPCGuard
}

// New wraps h as an ECDKG transport endpoint for the node identified by
// self, registering the stream handler that answers inbound RPCs.
func New(h host.Host, self curve.Address, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	n := &Node{
		host:  h,
		self:  self,
		log:   logger,
		peers: make(map[curve.Address]peer.ID),
		guard: NewRPCGuard(DefaultGuardConfig()),
	}
	h.SetStreamHandler(ProtocolID, n.handleStream)
	return n
}

// BindEngine attaches the local Engine whose outbound methods answer
// inbound RPCs. Must be called before the host starts accepting streams in
// practice, since New and NewEngine have a circular construction order
// (the Engine needs this Node as its Broadcaster).
func (n *Node) BindEngine(e *ecdkg.Engine) {
	n.engineMu.Lock()
	defer n.engineMu.Unlock()
	n.engine = e
}

// RegisterPeer records the libp2p peer ID backing a participant's
// ECDKG address, learned out of band (bootstrap config, a prior
// handshake RPC, or operator input) before a session can reach that peer.
func (n *Node) RegisterPeer(addr curve.Address, pid peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[addr] = pid
}

// Peers implements ecdkg.Broadcaster.
func (n *Node) Peers(ctx context.Context) ([]curve.Address, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]curve.Address, 0, len(n.peers))
	for addr := range n.peers {
		out = append(out, addr)
	}
	return out, nil
}

// BroadcastJSONRPC implements ecdkg.Broadcaster: it opens one stream per
// known peer, concurrently, each bounded by ComsTimeout, and collects
// whichever peers answer in time. A peer that errors or times out is
// simply absent from the result.
func (n *Node) BroadcastJSONRPC(ctx context.Context, method, condition string) (map[curve.Address]json.RawMessage, error) {
	n.mu.RLock()
	peers := make(map[curve.Address]peer.ID, len(n.peers))
	for addr, pid := range n.peers {
		peers[addr] = pid
	}
	n.mu.RUnlock()

	type result struct {
		addr curve.Address
		raw  json.RawMessage
	}
	results := make(chan result, len(peers))
	var wg sync.WaitGroup

	for addr, pid := range peers {
		wg.Add(1)
		go func(addr curve.Address, pid peer.ID) {
			defer wg.Done()
			raw, err := n.call(ctx, pid, method, condition)
			if err != nil {
				n.log.Printf("⚠️ ecdkg/p2p: %s call to %x failed: %v", method, addr, err)
				return
			}
			results <- result{addr: addr, raw: raw}
		}(addr, pid)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[curve.Address]json.RawMessage, len(peers))
	for r := range results {
		out[r.addr] = r.raw
	}
	return out, nil
}

func (n *Node) call(ctx context.Context, pid peer.ID, method, condition string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, ComsTimeout)
	defer cancel()

	stream, err := n.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	req := request{ID: uuid.NewString(), Method: method, Condition: condition, Requester: curve.FormatAddress(n.self)}
	if err := writeFrame(stream, req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	var resp response
	if err := readFrame(stream, &resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("peer error: %s", resp.Error)
	}
	return resp.Result, nil
}

func (n *Node) handleStream(stream network.Stream) {
	defer stream.Close()

	remote := stream.Conn().RemotePeer()
	if err := n.guard.Allow(remote); err != nil {
		n.log.Printf("⛔ ecdkg/p2p: rejected stream from %s: %v", remote.ShortString(), err)
		return
	}

	var req request
	if err := readFrame(stream, &req); err != nil {
		n.log.Printf("❌ ecdkg/p2p: failed to read request from %s: %v", remote.ShortString(), err)
		return
	}

	n.engineMu.RLock()
	engine := n.engine
	n.engineMu.RUnlock()
	if engine == nil {
		writeFrame(stream, response{ID: req.ID, Error: "node not ready"})
		return
	}

	requester, err := curve.ParseAddress(req.Requester)
	if err != nil {
		writeFrame(stream, response{ID: req.ID, Error: "malformed requester address"})
		return
	}

	result, err := dispatch(engine, req.Method, req.Condition, requester)
	if err != nil {
		writeFrame(stream, response{ID: req.ID, Error: err.Error()})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		writeFrame(stream, response{ID: req.ID, Error: "failed to marshal result"})
		return
	}
	if err := writeFrame(stream, response{ID: req.ID, Result: raw}); err != nil {
		n.log.Printf("❌ ecdkg/p2p: failed to write response to %s: %v", remote.ShortString(), err)
	}
}

func dispatch(engine *ecdkg.Engine, method, condition string, requester curve.Address) (any, error) {
	switch method {
	case "get_signed_secret_shares":
		return engine.GetSignedSecretShares(condition, requester)
	case "get_verification_points":
		return engine.GetVerificationPoints(condition)
	case "get_encryption_key_part":
		return engine.GetEncryptionKeyPart(condition)
	case "get_decryption_key_part":
		return engine.GetDecryptionKeyPart(condition)
	case "get_complaints":
		return engine.GetComplaintsBy(condition)
	default:
		return nil, fmt.Errorf("unknown RPC method %q", method)
	}
}

// writeFrame writes v as a 4-byte big-endian length prefix followed by its
// JSON encoding.
func writeFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}

// readFrame reads a 4-byte big-endian length prefix followed by a JSON
// payload and unmarshals it into v.
func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return fmt.Errorf("frame too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
