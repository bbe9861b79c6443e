package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// config holds spentstored's tunables, loadable from an optional JWCC
// (JSON-with-comments) file and overridable by flags, trimmed to one file
// since this tool has no notion of a project directory.
type config struct {
	DataDir        string `json:"data_dir"`
	FileSize       uint32 `json:"file_size"`
	MaxContentSize uint32 `json:"max_content_size"`
	MaxBlockSize   int    `json:"max_block_size"`
	GenesisHash    string `json:"genesis_hash"`
}

func defaultConfig() config {
	return config{
		DataDir:        "spentstore-data",
		FileSize:       128 << 20,
		MaxContentSize: 127 << 20,
		MaxBlockSize:   4 << 20,
	}
}

// loadConfigFile reads a JWCC config file at path, standardizing it to
// plain JSON before unmarshaling. A missing path is not an error: callers
// pass "" when --config was not given.
func loadConfigFile(path string) (config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return config{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// genesisHashBytes decodes the config's hex-encoded genesis hash. An empty
// string means no genesis block is configured (every block then requires a
// known parent).
func (c config) genesisHashBytes() ([32]byte, error) {
	var out [32]byte

	if c.GenesisHash == "" {
		return out, nil
	}

	b, err := hex.DecodeString(c.GenesisHash)
	if err != nil {
		return out, fmt.Errorf("genesis_hash: %w", err)
	}

	if len(b) != 32 {
		return out, fmt.Errorf("genesis_hash: want 32 bytes, got %d", len(b))
	}

	copy(out[:], b)

	return out, nil
}
