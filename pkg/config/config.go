// Package config loads process-wide tunables from a YAML file, with
// defaults for anything the file leaves unset; environment variables are
// not consulted. A RuntimeConfig is constructed once at startup
// and passed explicitly to every constructor that needs it, rather than
// read from a package-level singleton.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig holds the tunables every subsystem needs at construction
// time.
type RuntimeConfig struct {
	// InferenceDylibPath is the process-wide dynamic-library path for the
	// embedding/rerank inference runtime.
	InferenceDylibPath string `yaml:"inference_dylib_path"`

	// EmbeddingBaseURL, EmbeddingAPIKey, and EmbeddingModel point the
	// embedding service at whatever OpenAI-compatible endpoint serves
	// the system's local text/image embedding models, rather than at a
	// user-managed model row: the embedding model is process-wide
	// infrastructure, not something the user swaps per knowledge base.
	EmbeddingBaseURL string `yaml:"embedding_base_url"`
	EmbeddingAPIKey  string `yaml:"embedding_api_key"`
	EmbeddingModel   string `yaml:"embedding_model"`

	// ModelsCatalogURL and McpCatalogURL feed the background pollers
	// that keep the MCP and model catalogs fresh.
	ModelsCatalogURL string `yaml:"models_catalog_url"`
	McpCatalogURL    string `yaml:"mcp_catalog_url"`

	// HTTPConnectTimeoutSeconds is the connect timeout of the vision-model
	// HTTP client (which has no read timeout) and the whole-request
	// timeout of the MCP catalog poller's client. The embedding and
	// chat-model clients do not use it and have no connect timeout.
	HTTPConnectTimeoutSeconds int `yaml:"http_connect_timeout_seconds"`

	// EnableProfileEncryption toggles AES-256-GCM at rest for the user
	// profile blob; on by default, and changed only through the YAML file.
	EnableProfileEncryption bool `yaml:"enable_profile_encryption"`

	// ProfileEncryptionKeyHex is a 32-byte AES-256 key, hex encoded.
	ProfileEncryptionKeyHex string `yaml:"profile_encryption_key_hex"`
}

// Default returns sane out-of-the-box defaults.
func Default() RuntimeConfig {
	return RuntimeConfig{
		HTTPConnectTimeoutSeconds: 10,
		EnableProfileEncryption:   true,
	}
}

// Load reads a YAML config file, falling back to Default() values for
// anything the file doesn't set.
func Load(path string) (RuntimeConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %q: %w", path, err)
	}

	return cfg, nil
}
