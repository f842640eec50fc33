package p2p

import (
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// GuardConfig bounds how many ECDKG RPC streams a single peer may open.
// Peer identity here is the libp2p connection itself; there is no
// whitelist or shared-secret auth layered on top.
type GuardConfig struct {
	MaxRequestsPerMin int
	BanDuration       time.Duration
}

// DefaultGuardConfig allows a generous but bounded rate, enough for a node
// driving several concurrent sessions without being mistaken for abuse.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{MaxRequestsPerMin: 240, BanDuration: 30 * time.Second}
}

type peerStats struct {
	requestCount  int
	windowStart   time.Time
	bannedUntil   time.Time
}

// RPCGuard tracks per-peer request rates on inbound ECDKG streams,
// adapted from guard.go's GuardObject.CheckRateLimit.
type RPCGuard struct {
	config GuardConfig

	mu    sync.Mutex
	stats map[peer.ID]*peerStats
}

// NewRPCGuard constructs a guard with config.
func NewRPCGuard(config GuardConfig) *RPCGuard {
	return &RPCGuard{config: config, stats: make(map[peer.ID]*peerStats)}
}

// Allow records a request from pid and fails if pid is currently banned or
// has exceeded its per-minute budget.
func (g *RPCGuard) Allow(pid peer.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	stats, ok := g.stats[pid]
	if !ok {
		g.stats[pid] = &peerStats{requestCount: 1, windowStart: now}
		return nil
	}

	if now.Before(stats.bannedUntil) {
		return fmt.Errorf("peer banned until %s", stats.bannedUntil.Format(time.RFC3339))
	}

	if now.Sub(stats.windowStart) > time.Minute {
		stats.requestCount = 1
		stats.windowStart = now
		return nil
	}

	stats.requestCount++
	if stats.requestCount > g.config.MaxRequestsPerMin {
		stats.bannedUntil = now.Add(g.config.BanDuration)
		return fmt.Errorf("rate limit exceeded")
	}
	return nil
}
