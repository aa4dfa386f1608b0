package config

import (
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultSession = "main"
	cfg.Relay.Peers = []string{"ws://localhost:8765/gun"}
	cfg.Presence.HeartbeatSeconds = 10
	cfg.KDF.Time = 3
	cfg.KDF.MemoryKiB = 4096

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.DefaultSession != "main" {
		t.Errorf("default_session = %q, want main", got.DefaultSession)
	}
	if len(got.Relay.Peers) != 1 || got.Relay.Peers[0] != "ws://localhost:8765/gun" {
		t.Errorf("relay peers = %v", got.Relay.Peers)
	}
	if got.Presence.HeartbeatSeconds != 10 {
		t.Errorf("heartbeat_seconds = %d, want 10", got.Presence.HeartbeatSeconds)
	}
	if got.KDF.Time != 3 || got.KDF.MemoryKiB != 4096 {
		t.Errorf("kdf = %+v", got.KDF)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
