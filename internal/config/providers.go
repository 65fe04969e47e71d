package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// ProviderEndpoint describes one configured LLM provider: where to reach
// it, which environment variable (or inline value) carries its API key,
// and which models it serves.
type ProviderEndpoint struct {
	BaseURL   string   `json:"base_url,omitempty"`
	APIKey    string   `json:"api_key,omitempty"`
	APIKeyEnv string   `json:"api_key_env,omitempty"`
	Models    []string `json:"models,omitempty"`
}

// ProviderConfig is the JSONC-layered document covering everything that
// must never be committed to the YAML module config: provider endpoints,
// key references, default model routes, and run-time defaults.
type ProviderConfig struct {
	Providers map[string]ProviderEndpoint `json:"providers,omitempty"`

	// DefaultModel is "provider_id/model_id".
	DefaultModel string `json:"default_model,omitempty"`

	StatelessHistory  bool `json:"stateless_history,omitempty"`
	ParallelToolCalls bool `json:"parallel_tool_calls,omitempty"`
}

// ResolveAPIKey returns the effective key for an endpoint: an inline
// APIKey wins, otherwise APIKeyEnv is looked up in the environment.
func (e ProviderEndpoint) ResolveAPIKey() (string, bool) {
	if e.APIKey != "" {
		return e.APIKey, true
	}
	if e.APIKeyEnv != "" {
		return os.LookupEnv(e.APIKeyEnv)
	}
	return "", false
}

// LoadProviders deep-merges global < custom < project JSONC layers into a
// single ProviderConfig. A missing layer is not an error; an unreadable or
// malformed one is. customPath may be empty.
func LoadProviders(customPath string) (*ProviderConfig, error) {
	layers := []string{
		globalProviderConfigPath(),
	}
	if customPath != "" {
		layers = append(layers, customPath)
	}
	layers = append(layers, projectProviderConfigPath())

	merged := map[string]any{}
	found := false

	for _, path := range layers {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}

		std, err := hujson.Standardize(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parsing JSONC %s: %w", path, err)
		}

		var layer map[string]any
		if err := json.Unmarshal(std, &layer); err != nil {
			return nil, fmt.Errorf("config: decoding %s: %w", path, err)
		}

		deepMerge(merged, layer)
		found = true
	}

	if !found {
		return &ProviderConfig{}, nil
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("config: re-marshaling merged provider config: %w", err)
	}

	var cfg ProviderConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: decoding merged provider config: %w", err)
	}
	return &cfg, nil
}

// deepMerge merges src into dst in place. Maps merge key-by-key; every
// other value (including slices) is replaced wholesale by the later layer.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if existing, ok := dst[k]; ok {
			existingMap, existingIsMap := existing.(map[string]any)
			incomingMap, incomingIsMap := v.(map[string]any)
			if existingIsMap && incomingIsMap {
				deepMerge(existingMap, incomingMap)
				continue
			}
		}
		dst[k] = v
	}
}

func globalProviderConfigPath() string {
	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		return filepath.Join(xdg, "rip", "providers.jsonc")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "rip", "providers.jsonc")
}

func projectProviderConfigPath() string {
	return filepath.Join(".rip", "providers.jsonc")
}

// ErrNoDefaultModel is returned when a caller requires a default model
// route but none was configured in any layer.
var ErrNoDefaultModel = errors.New("config: no default_model configured")
