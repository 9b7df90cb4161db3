package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Gateway.Host)
	}
	if cfg.Pipeline.MaxClarificationRounds != 2 {
		t.Errorf("max clarification rounds = %d", cfg.Pipeline.MaxClarificationRounds)
	}
	if cfg.Pipeline.CallTimeout.Duration() != 2*time.Minute {
		t.Errorf("call timeout = %s", cfg.Pipeline.CallTimeout.Duration())
	}
	if _, ok := cfg.Models.Providers["vision"]; !ok {
		t.Error("default vision provider missing")
	}
	if _, ok := cfg.Models.Providers["orchestrator"]; !ok {
		t.Error("default orchestrator provider missing")
	}
	if cfg.Tools.PubMed.MaxCalls != 2 {
		t.Errorf("pubmed max calls = %d", cfg.Tools.PubMed.MaxCalls)
	}
}

func TestLoadJSONCComments(t *testing.T) {
	path := writeConfig(t, `{
		// gateway binding
		"gateway": {"host": "0.0.0.0", "port": 9000},
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 9000 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
}

func TestLoadExpandsEnvTemplates(t *testing.T) {
	t.Setenv("TEST_NCBI_KEY", "secret-key")
	path := writeConfig(t, `{
		"tools": {"pubmed": {"api_key": "${{ .Env.TEST_NCBI_KEY }}"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tools.PubMed.APIKey != "secret-key" {
		t.Errorf("api key = %q", cfg.Tools.PubMed.APIKey)
	}
}

func TestLoadProviderOptions(t *testing.T) {
	path := writeConfig(t, `{
		"models": {
			"providers": {
				"vision": {
					"driver": "ollama",
					"model": "medgemma",
					"timeout": "90s",
					"options": {"repeat_penalty": 1.25, "repeat_last_n": 64}
				}
			}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Models.Providers["vision"]
	if p.Timeout.Duration() != 90*time.Second {
		t.Errorf("timeout = %s", p.Timeout.Duration())
	}
	if p.Options["repeat_penalty"] != 1.25 {
		t.Errorf("repeat_penalty = %v", p.Options["repeat_penalty"])
	}
}
