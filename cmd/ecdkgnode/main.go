// Command ecdkgnode is the runnable ECDKG node binary: it loads a node's
// persistent config and signing key, opens its durable session store,
// stands up the libp2p transport, and drives whichever decryption
// conditions the operator names to completion.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/pangea-net/ecdkg-node/internal/config"
	"github.com/pangea-net/ecdkg-node/internal/curve"
	"github.com/pangea-net/ecdkg-node/internal/ecdkg"
	"github.com/pangea-net/ecdkg-node/internal/ecdkgstore"
	"github.com/pangea-net/ecdkg-node/internal/transport/p2p"
)

func main() {
	var (
		nodeID     = flag.Uint("node-id", 1, "node ID, used to name the config and session-store files")
		listenAddr = flag.String("listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")
		peerList   = flag.String("peers", "", "comma-separated bootstrap peers as multiaddr#ecdkg-address pairs")
		conditions = flag.String("conditions", "", "comma-separated decryption conditions to drive to completion")
		testMode   = flag.Bool("test", false, "enable verbose debug logging")
	)
	flag.Parse()

	if *testMode {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Printf("🧪 TESTING MODE ENABLED")
	}
	log.Printf("🚀 starting ecdkg node (id: %d)", *nodeID)

	cm := config.NewConfigManager(uint32(*nodeID))
	cfg, err := cm.LoadConfig()
	if err != nil {
		log.Fatalf("❌ failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if cfg.SigningKeyPath == "" {
		cfg.SigningKeyPath = filepath.Join(filepath.Dir(cfg.BoltPath), fmt.Sprintf("node_%d_signing_key.hex", cfg.NodeID))
	}
	for _, p := range splitNonEmpty(*peerList) {
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, p)
	}
	for _, c := range splitNonEmpty(*conditions) {
		cm.AddDecryptionCondition(c)
	}
	cfg = cm.GetConfig()
	if err := cm.SaveConfig(cfg); err != nil {
		log.Printf("⚠️ failed to persist config: %v", err)
	}

	identity, libp2pKey, err := loadIdentity(cfg)
	if err != nil {
		log.Fatalf("❌ failed to load signing key: %v", err)
	}
	log.Printf("✅ node address: %s", curve.FormatAddress(identity.Address))

	store, err := ecdkgstore.Open(cfg.BoltPath)
	if err != nil {
		log.Fatalf("❌ failed to open session store at %s: %v", cfg.BoltPath, err)
	}
	defer store.Close()

	host, err := libp2p.New(
		libp2p.Identity(libp2pKey),
		libp2p.ListenAddrStrings(cfg.ListenAddr),
	)
	if err != nil {
		log.Fatalf("❌ failed to create libp2p host: %v", err)
	}
	defer host.Close()
	log.Printf("🌐 listening on %v", host.Addrs())

	transport := p2p.New(host, identity.Address, log.Default())
	watcher := p2p.NewConditionWatcher(store)
	engine := ecdkg.NewEngine(identity, store, transport, watcher, log.Default())
	transport.BindEngine(engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := connectBootstrapPeers(ctx, host, transport, cfg.BootstrapPeers); err != nil {
		log.Printf("⚠️ some bootstrap peers could not be reached: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for _, condition := range cfg.DecryptionConditions {
		condition := condition
		go func() {
			log.Printf("🔄 driving condition %q to completion", condition)
			if err := engine.RunUntilPhase(ctx, condition, ecdkgstore.PhaseComplete); err != nil {
				log.Printf("❌ condition %q failed: %v", condition, err)
				return
			}
			log.Printf("✅ condition %q reached Complete", condition)
		}()
	}

	<-sigCh
	log.Printf("🛑 shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond)
}

// loadIdentity reads the node's hex-encoded secp256k1 private key from
// cfg.SigningKeyPath (generating and persisting a fresh one on first run),
// and derives both the ECDKG NodeIdentity and the libp2p host identity key
// from it. Signing-key provisioning proper (e.g. HSM-backed loading) is an
// external collaborator outside this binary's scope; this is the minimal
// concrete loader a runnable binary needs.
func loadIdentity(cfg *config.NodeConfig) (ecdkg.NodeIdentity, crypto.PrivKey, error) {
	if cfg.SigningKeyPath == "" {
		return ecdkg.NodeIdentity{}, nil, fmt.Errorf("signing_key_path not configured")
	}

	raw, err := os.ReadFile(cfg.SigningKeyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return ecdkg.NodeIdentity{}, nil, fmt.Errorf("read signing key: %w", err)
		}
		priv, genErr := secp256k1.GeneratePrivateKey()
		if genErr != nil {
			return ecdkg.NodeIdentity{}, nil, fmt.Errorf("generate signing key: %w", genErr)
		}
		hexKey := hex.EncodeToString(priv.Serialize())
		if writeErr := os.WriteFile(cfg.SigningKeyPath, []byte(hexKey), 0600); writeErr != nil {
			return ecdkg.NodeIdentity{}, nil, fmt.Errorf("write new signing key: %w", writeErr)
		}
		log.Printf("🔑 generated new signing key at %s", cfg.SigningKeyPath)
		raw = []byte(hexKey)
	}

	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(keyBytes) != 32 {
		return ecdkg.NodeIdentity{}, nil, fmt.Errorf("signing key at %s must be 32 hex-encoded bytes", cfg.SigningKeyPath)
	}
	priv := secp256k1.PrivKeyFromBytes(keyBytes)
	addr := curve.AddressFromPublicKey(priv.PubKey())

	libp2pKey, err := crypto.UnmarshalSecp256k1PrivateKey(keyBytes)
	if err != nil {
		return ecdkg.NodeIdentity{}, nil, fmt.Errorf("derive libp2p identity key: %w", err)
	}

	return ecdkg.NodeIdentity{Address: addr, SigningKey: priv}, libp2pKey, nil
}

// connectBootstrapPeers dials every "multiaddr#ecdkg-address" pair in
// peers and registers the connection with transport so the engine's
// Uninitialized phase can see it in transport.Peers().
func connectBootstrapPeers(ctx context.Context, h libp2phost.Host, transport *p2p.Node, peers []string) error {
	var firstErr error
	for _, entry := range peers {
		parts := strings.SplitN(entry, "#", 2)
		if len(parts) != 2 {
			log.Printf("⚠️ malformed bootstrap peer entry %q, expected multiaddr#ecdkg-address", entry)
			continue
		}
		maStr, addrStr := parts[0], parts[1]

		addr, err := curve.ParseAddress(addrStr)
		if err != nil {
			log.Printf("⚠️ bad ecdkg address in bootstrap entry %q: %v", entry, err)
			continue
		}
		ma, err := multiaddr.NewMultiaddr(maStr)
		if err != nil {
			log.Printf("⚠️ bad multiaddr in bootstrap entry %q: %v", entry, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			log.Printf("⚠️ bad peer info in bootstrap entry %q: %v", entry, err)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = h.Connect(dialCtx, *info)
		cancel()
		if err != nil {
			log.Printf("⚠️ failed to connect to bootstrap peer %s: %v", info.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		transport.RegisterPeer(addr, info.ID)
		log.Printf("🔗 connected to peer %s as ecdkg address %s", info.ID, addrStr)
	}
	return firstErr
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
