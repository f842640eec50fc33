package config

import (
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *ConfigManager {
	t.Helper()
	cm := NewConfigManager(1)
	cm.configPath = filepath.Join(t.TempDir(), "node_1_config.json")
	return cm
}

func TestSaveAndLoadConfigRoundTrip(t *testing.T) {
	cm := newTestManager(t)

	cfg := cm.GetConfig()
	cfg.ListenAddr = "/ip4/0.0.0.0/tcp/4001"
	cfg.SigningKeyPath = "/tmp/key.hex"
	cm.AddBootstrapPeer("/ip4/10.0.0.1/tcp/4001/p2p/Qm123")
	cm.AddDecryptionCondition("order-42")

	if err := cm.SaveConfig(cm.GetConfig()); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	reloaded := NewConfigManager(1)
	reloaded.configPath = cm.configPath
	loaded, err := reloaded.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(loaded.BootstrapPeers) != 1 || len(loaded.DecryptionConditions) != 1 {
		t.Fatalf("expected persisted peer and condition, got %+v", loaded)
	}
}

func TestAddBootstrapPeerDeduplicates(t *testing.T) {
	cm := newTestManager(t)
	cm.AddBootstrapPeer("peer-a")
	cm.AddBootstrapPeer("peer-a")
	if got := len(cm.GetConfig().BootstrapPeers); got != 1 {
		t.Fatalf("expected deduplication, got %d entries", got)
	}
}
