package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"data_dir": "/var/lib/peernet/chunks",
		"chunk_size": "128KiB",
		"default_k": 6,
		"default_m": 3,
		"bootstrap_peers": [
			{"node_id": "deadbeef", "address": "10.0.0.1", "dht_port": 7702, "serve_port": 7701}
		]
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/peernet/chunks" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.ChunkSize != "128KiB" {
		t.Errorf("ChunkSize = %q", cfg.ChunkSize)
	}
	if cfg.DefaultK != 6 || cfg.DefaultM != 3 {
		t.Errorf("DefaultK/M = %d/%d, want 6/3", cfg.DefaultK, cfg.DefaultM)
	}
	// Fields absent from the file fall back to Default().
	if cfg.ServeAddr != Default().ServeAddr {
		t.Errorf("ServeAddr = %q, want default %q", cfg.ServeAddr, Default().ServeAddr)
	}
	if len(cfg.Bootstrap) != 1 || cfg.Bootstrap[0].Address != "10.0.0.1" {
		t.Errorf("Bootstrap = %+v", cfg.Bootstrap)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PEERNET_DATA_DIR", "/tmp/peernet-data")
	t.Setenv("PEERNET_CHUNK_SIZE", "32KiB")
	t.Setenv("PEERNET_SERVE_ADDRESS", ":9001")

	cfg := LoadFromEnv()
	if cfg.DataDir != "/tmp/peernet-data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.ChunkSize != "32KiB" {
		t.Errorf("ChunkSize = %q", cfg.ChunkSize)
	}
	if cfg.ServeAddr != ":9001" {
		t.Errorf("ServeAddr = %q", cfg.ServeAddr)
	}
	// Unset vars keep their Default() value.
	if cfg.DHTAddr != Default().DHTAddr {
		t.Errorf("DHTAddr = %q, want default %q", cfg.DHTAddr, Default().DHTAddr)
	}
}

func TestChunkSizeBytes(t *testing.T) {
	cfg := Default()
	cfg.ChunkSize = "64KiB"
	n, err := cfg.ChunkSizeBytes()
	if err != nil {
		t.Fatalf("ChunkSizeBytes: %v", err)
	}
	if n != 65536 {
		t.Errorf("ChunkSizeBytes = %d, want 65536", n)
	}
}
