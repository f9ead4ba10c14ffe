// Package config loads a node's configuration from a JSON file or, absent
// that, from environment variables, mirroring the layered override scheme
// the rest of this codebase's config packages use.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/collective-net/peernet/internal/apperr"
)

// Config is the full startup configuration for one peernode process.
type Config struct {
	NodeIDFile  string       `json:"node_id_file"`
	DataDir     string       `json:"data_dir"`
	ChunkSize   string       `json:"chunk_size"`
	ServeAddr   string       `json:"serve_address"`
	DHTAddr     string       `json:"dht_address"`
	Bootstrap   []PeerConfig `json:"bootstrap_peers"`
	DefaultK    int          `json:"default_k"`
	DefaultM    int          `json:"default_m"`
	TTLSeconds  int64        `json:"ttl_seconds"`
	MaxInflight int          `json:"max_inflight"`
}

// PeerConfig is one bootstrap contact, given as a DHT-reachable endpoint.
type PeerConfig struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	DHTPort   int    `json:"dht_port"`
	ServePort int    `json:"serve_port"`
}

// Default returns the configuration a node runs with when no file or
// environment override is given.
func Default() Config {
	return Config{
		NodeIDFile:  "./data/node_id",
		DataDir:     "./data/chunks",
		ChunkSize:   "64KiB",
		ServeAddr:   ":7701",
		DHTAddr:     ":7702",
		DefaultK:    4,
		DefaultM:    2,
		TTLSeconds:  3600,
		MaxInflight: 5,
	}
}

// ChunkSizeBytes resolves the configured human-readable ChunkSize into a
// byte count.
func (c Config) ChunkSizeBytes() (int, error) {
	return ParseSize(c.ChunkSize)
}

// Load reads path as JSON and returns the resulting Config.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, apperr.ErrConfig)
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, apperr.ErrConfig)
	}
	return cfg, nil
}

// LoadFromEnv builds a Config from PEERNET_* environment variables layered
// over Default.
func LoadFromEnv() Config {
	cfg := Default()
	cfg.NodeIDFile = getEnv("PEERNET_NODE_ID_FILE", cfg.NodeIDFile)
	cfg.DataDir = getEnv("PEERNET_DATA_DIR", cfg.DataDir)
	cfg.ChunkSize = getEnv("PEERNET_CHUNK_SIZE", cfg.ChunkSize)
	cfg.ServeAddr = getEnv("PEERNET_SERVE_ADDRESS", cfg.ServeAddr)
	cfg.DHTAddr = getEnv("PEERNET_DHT_ADDRESS", cfg.DHTAddr)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
