package config

import "time"

// Config is the root configuration for Dermaflow.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Models   ModelsConfig   `json:"models"`
	Events   EventsConfig   `json:"events"`
	Pipeline PipelineConfig `json:"pipeline"`
	Tools    ToolsConfig    `json:"tools"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ModelsConfig holds model provider configuration.
//
// Two backend classes are distinguished by name, not capability flags:
// Vision names the provider that accepts embedded image payloads, and
// Orchestrator names the long-context text provider used for everything
// that reads many upstream outputs.
type ModelsConfig struct {
	Vision       string                    `json:"vision"`
	Orchestrator string                    `json:"orchestrator"`
	Providers    map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
//
// Options carries backend decoding knobs (temperature, num_ctx, num_predict,
// repeat_penalty, repeat_last_n). The repetition controls are not optional
// tuning for small local models: without them a generation can collapse into
// a repeated-token loop that parses as valid UTF-8 but contains no JSON.
type ProviderConfig struct {
	Driver    string         `json:"driver"` // "ollama", "openai"
	Model     string         `json:"model"`
	BaseURL   string         `json:"base_url,omitempty"`
	APIKey    string         `json:"api_key,omitempty"` // direct key or ${{ .Env.VAR }} template
	MaxTokens int            `json:"max_tokens,omitempty"`
	Timeout   Duration       `json:"timeout,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int `json:"buffer_size"`
}

// PipelineConfig holds pipeline execution settings.
type PipelineConfig struct {
	// MaxClarificationRounds bounds the pre-pass loop. Default 2.
	MaxClarificationRounds int `json:"max_clarification_rounds"`
	// CallTimeout is the per-invocation timeout, distinct from any overall
	// pipeline budget — local backends may incur one-time load latency.
	CallTimeout Duration `json:"call_timeout,omitempty"`
	// SessionTTL is how long terminal sessions and uploads are kept.
	SessionTTL Duration `json:"session_ttl,omitempty"`
}

// ToolsConfig configures the external tool clients.
type ToolsConfig struct {
	PubMed PubMedConfig `json:"pubmed"`
}

// PubMedConfig configures the NCBI E-utilities client.
type PubMedConfig struct {
	BaseURL  string `json:"base_url,omitempty"`
	Email    string `json:"email,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	MaxCalls int    `json:"max_calls,omitempty"` // per pipeline run
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
