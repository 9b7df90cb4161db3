package models

import (
	"context"
	"strings"
	"testing"

	"github.com/dermaflow/dermaflow/internal/config"
)

func TestHandleErrorClassification(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"received 401 from server", "authentication failed"},
		{"429 too many requests", "rate limited"},
		{"prompt exceeds context length", "context too long"},
		{"model not found: medgemma", "model not found"},
		{"dial tcp: connection refused", "connection error"},
	}
	for _, tc := range cases {
		err := HandleError(errString(tc.in))
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("HandleError(%q) = %v, want prefix %q", tc.in, err, tc.want)
		}
	}

	if HandleError(nil) != nil {
		t.Error("nil error should pass through")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry(config.ModelsConfig{
		Vision:       "vision",
		Orchestrator: "orchestrator",
		Providers:    map[string]config.ProviderConfig{},
	})
	if _, err := r.Get(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown provider")
	}
	if _, err := r.Vision(context.Background()); err == nil {
		t.Error("expected error for missing vision provider")
	}
}

func TestRegistryUnknownDriver(t *testing.T) {
	r := NewRegistry(config.ModelsConfig{
		Vision: "vision",
		Providers: map[string]config.ProviderConfig{
			"vision": {Driver: "carrier-pigeon", Model: "x"},
		},
	})
	if _, err := r.Vision(context.Background()); err == nil {
		t.Error("expected error for unknown driver")
	}
}
