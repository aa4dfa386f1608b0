package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.dechat/config.toml plus per-session
// overrides from session.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Address is the wallet address this session chats as. Usually set in
	// the per-session session.toml rather than the global config.
	Address string `toml:"address"`

	Relay    Relay    `toml:"relay"`
	Presence Presence `toml:"presence"`
	Pinning  Pinning  `toml:"pinning"`
	KDF      KDF      `toml:"kdf"`
}

// Relay configures the replicated graph relay peers.
type Relay struct {
	Peers []string `toml:"peers"`
}

// Presence configures the heartbeat publisher.
type Presence struct {
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
}

// Pinning configures the external blob pinning service.
type Pinning struct {
	Endpoint  string `toml:"endpoint"`
	APIKey    string `toml:"api_key"`
	SecretKey string `toml:"secret_key"`
}

// KDF configures credential-based key derivation. Zero values fall back to
// the identity package defaults.
type KDF struct {
	Time      uint32 `toml:"time"`
	MemoryKiB uint32 `toml:"memory_kib"`
	Threads   uint8  `toml:"threads"`
}

// Default returns a config with working defaults for a fresh session.
func Default() *Config {
	return &Config{
		Relay: Relay{
			Peers: []string{"wss://gun-manhattan.herokuapp.com/gun"},
		},
		Presence: Presence{HeartbeatSeconds: 5},
		// Bare host: the pinning client appends the API path itself.
		Pinning: Pinning{Endpoint: "https://api.pinata.cloud"},
	}
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
