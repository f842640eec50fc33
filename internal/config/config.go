// Package config is the node's persistent configuration layer: a
// ConfigManager/NodeConfig pair backed by os.UserHomeDir with a temp-dir
// fallback, os.MkdirAll, encoding/json with MarshalIndent, and a
// RWMutex-guarded in-memory copy.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NodeConfig is the persistent configuration for one ECDKG node.
type NodeConfig struct {
	NodeID uint32 `json:"node_id"`

	ListenAddr     string   `json:"listen_addr"`
	BootstrapPeers []string `json:"bootstrap_peers"`

	// BoltPath is the file path of this node's durable session store.
	BoltPath string `json:"bolt_path"`

	// DecryptionConditions are the conditions this node should rejoin a
	// session for on restart, so an in-flight protocol run survives a
	// process crash and not just a crash mid-phase.
	DecryptionConditions []string `json:"decryption_conditions"`

	// SigningKeyPath is the file holding this node's hex-encoded
	// secp256k1 private key, used both to derive its Address and to sign
	// outbound secret shares.
	SigningKeyPath string `json:"signing_key_path"`

	LastSavedAt    string            `json:"last_saved_at"`
	CustomSettings map[string]string `json:"custom_settings,omitempty"`
}

// ConfigManager loads and saves a NodeConfig under
// ~/.pangea-ecdkg/node_<id>_config.json.
type ConfigManager struct {
	configPath string
	config     *NodeConfig
	mu         sync.RWMutex
}

// NewConfigManager creates a configuration manager for nodeID, resolving
// (and creating, if necessary) its config directory.
func NewConfigManager(nodeID uint32) *ConfigManager {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Printf("⚠️ could not get user home directory: %v", err)
		homeDir = os.TempDir()
	}

	configDir := filepath.Join(homeDir, ".pangea-ecdkg")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Printf("⚠️ could not create config directory: %v", err)
		configDir = os.TempDir()
	}

	configPath := filepath.Join(configDir, fmt.Sprintf("node_%d_config.json", nodeID))

	return &ConfigManager{
		configPath: configPath,
		config: &NodeConfig{
			NodeID:         nodeID,
			BoltPath:       filepath.Join(configDir, fmt.Sprintf("node_%d_sessions.bolt", nodeID)),
			CustomSettings: make(map[string]string),
		},
	}
}

// LoadConfig loads configuration from disk, or returns the default config
// if no file exists yet.
func (cm *ConfigManager) LoadConfig() (*NodeConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		log.Printf("📄 no existing config file found at %s, using defaults", cm.configPath)
		return cm.config, nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cm.config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	log.Printf("✅ loaded configuration from %s (last saved: %s)", cm.configPath, cm.config.LastSavedAt)
	return cm.config, nil
}

// SaveConfig persists config to disk, stamping LastSavedAt.
func (cm *ConfigManager) SaveConfig(config *NodeConfig) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	config.LastSavedAt = time.Now().Format(time.RFC3339)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.config = config
	log.Printf("✅ saved configuration to %s", cm.configPath)
	return nil
}

// GetConfig returns a defensive copy of the current configuration.
func (cm *ConfigManager) GetConfig() *NodeConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	configCopy := *cm.config
	if cm.config.CustomSettings != nil {
		configCopy.CustomSettings = make(map[string]string, len(cm.config.CustomSettings))
		for k, v := range cm.config.CustomSettings {
			configCopy.CustomSettings[k] = v
		}
	}
	if cm.config.BootstrapPeers != nil {
		configCopy.BootstrapPeers = append([]string(nil), cm.config.BootstrapPeers...)
	}
	if cm.config.DecryptionConditions != nil {
		configCopy.DecryptionConditions = append([]string(nil), cm.config.DecryptionConditions...)
	}
	return &configCopy
}

// AddBootstrapPeer appends peerAddr to the bootstrap list, ignoring
// duplicates.
func (cm *ConfigManager) AddBootstrapPeer(peerAddr string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, existing := range cm.config.BootstrapPeers {
		if existing == peerAddr {
			return
		}
	}
	cm.config.BootstrapPeers = append(cm.config.BootstrapPeers, peerAddr)
	log.Printf("➕ added bootstrap peer: %s", peerAddr)
}

// AddDecryptionCondition appends condition to the rejoin-on-restart list,
// ignoring duplicates.
func (cm *ConfigManager) AddDecryptionCondition(condition string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, existing := range cm.config.DecryptionConditions {
		if existing == condition {
			return
		}
	}
	cm.config.DecryptionConditions = append(cm.config.DecryptionConditions, condition)
	log.Printf("➕ added decryption condition: %s", condition)
}
