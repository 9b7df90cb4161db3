package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates, strips
// comments and trailing commas, unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates before standardizing, since the
	// templates live inside JSON strings.
	expanded := expandEnvTemplates(string(data))

	standardized, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// ApplyDefaults fills in zero-value fields with sensible defaults.
//
// The default provider set mirrors the reference deployment: a small medical
// vision model and a 7B instruct orchestrator, both served by a local Ollama.
func ApplyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8420
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Pipeline.MaxClarificationRounds == 0 {
		cfg.Pipeline.MaxClarificationRounds = 2
	}
	if cfg.Pipeline.CallTimeout.Duration() == 0 {
		cfg.Pipeline.CallTimeout = Duration(120 * time.Second)
	}
	if cfg.Pipeline.SessionTTL.Duration() == 0 {
		cfg.Pipeline.SessionTTL = Duration(2 * time.Hour)
	}

	if cfg.Models.Providers == nil {
		cfg.Models.Providers = map[string]ProviderConfig{}
	}
	if cfg.Models.Vision == "" {
		cfg.Models.Vision = "vision"
	}
	if cfg.Models.Orchestrator == "" {
		cfg.Models.Orchestrator = "orchestrator"
	}
	if _, ok := cfg.Models.Providers[cfg.Models.Vision]; !ok {
		cfg.Models.Providers[cfg.Models.Vision] = ProviderConfig{
			Driver:    "ollama",
			Model:     "hf.co/unsloth/medgemma-1.5-4b-it-GGUF:Q4_K_M",
			MaxTokens: 512,
			Timeout:   Duration(120 * time.Second),
			Options: map[string]any{
				// Guard against deterministic repetition loops in small
				// vision models. Do not add num_ctx: forcing a large window
				// on a model with a small native context destabilises it.
				"temperature":    0.2,
				"repeat_penalty": 1.25,
				"repeat_last_n":  float64(64),
			},
		}
	}
	if _, ok := cfg.Models.Providers[cfg.Models.Orchestrator]; !ok {
		cfg.Models.Providers[cfg.Models.Orchestrator] = ProviderConfig{
			Driver:  "ollama",
			Model:   "qwen2.5:7b-instruct",
			Timeout: Duration(360 * time.Second),
			Options: map[string]any{
				// The synthesis stages receive every upstream output as
				// context; the Ollama default window (2048) silently
				// truncates it and the model hangs or emits nothing.
				"num_ctx": float64(16384),
			},
		}
	}

	if cfg.Tools.PubMed.BaseURL == "" {
		cfg.Tools.PubMed.BaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	}
	if cfg.Tools.PubMed.Email == "" {
		cfg.Tools.PubMed.Email = "researcher@dermaflow.local"
	}
	if cfg.Tools.PubMed.MaxCalls == 0 {
		cfg.Tools.PubMed.MaxCalls = 2
	}
}
