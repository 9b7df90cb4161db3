package schema

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestExtractObjectStripsNarration(t *testing.T) {
	raw := "Let me verify the findings first.\n```json\n{\"surface\": \"scaly\"}\n```\nThat looks right."
	block, err := ExtractObject(raw)
	if err != nil {
		t.Fatalf("ExtractObject: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(block), &m); err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if m["surface"] != "scaly" {
		t.Errorf("surface = %v", m["surface"])
	}
}

func TestExtractObjectProseWithoutFences(t *testing.T) {
	raw := `Here is my assessment: {"border": "irregular", "reason": "notched edge"} as requested.`
	block, err := ExtractObject(raw)
	if err != nil {
		t.Fatalf("ExtractObject: %v", err)
	}
	if !json.Valid([]byte(block)) {
		t.Fatalf("not valid JSON: %q", block)
	}
}

func TestExtractObjectNoJSON(t *testing.T) {
	_, err := ExtractObject("I am unable to analyse this image.")
	var noJSON *NoJSONError
	if !errors.As(err, &noJSON) {
		t.Fatalf("want *NoJSONError, got %v", err)
	}
	if noJSON.Raw == "" {
		t.Error("raw text not preserved")
	}
}

func TestExtractObjectRepairsTruncation(t *testing.T) {
	// Generation ran out of tokens mid-string.
	raw := `{"key_findings": ["topical steroids effective", "biopsy recommende`
	block, err := ExtractObject(raw)
	if err != nil {
		t.Fatalf("ExtractObject: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(block), &m); err != nil {
		t.Fatalf("repaired block not valid JSON: %v (%q)", err, block)
	}
	findings, _ := m["key_findings"].([]any)
	if len(findings) != 2 {
		t.Errorf("key_findings = %v", findings)
	}
}

func TestExtractObjectUnwrapsSingleKeyWrapper(t *testing.T) {
	raw := `{"FinalDiagnosis": {"primary_diagnosis": "Psoriasis"}}`
	block, err := ExtractObject(raw)
	if err != nil {
		t.Fatalf("ExtractObject: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(block), &m); err != nil {
		t.Fatal(err)
	}
	if m["primary_diagnosis"] != "Psoriasis" {
		t.Errorf("wrapper not unwrapped: %v", m)
	}
}

func TestExtractObjectEllipsisPlaceholders(t *testing.T) {
	raw := `{"surface": ..., "reason": "...smooth with fine scale"}`
	block, err := ExtractObject(raw)
	if err != nil {
		t.Fatalf("ExtractObject: %v", err)
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(block), &m); err != nil {
		t.Fatalf("not valid JSON after placeholder repair: %v", err)
	}
	if m["surface"] != "" {
		t.Errorf("surface = %q", m["surface"])
	}
	if m["reason"] != "smooth with fine scale" {
		t.Errorf("reason = %q", m["reason"])
	}
}

func TestExtractObjectBadEscapes(t *testing.T) {
	raw := `{"reason": "matches pattern \s of tinea"}`
	block, err := ExtractObject(raw)
	if err != nil {
		t.Fatalf("ExtractObject: %v", err)
	}
	if !json.Valid([]byte(block)) {
		t.Fatalf("escape not repaired: %q", block)
	}
}

func TestDecodeNeverFailsOnValidObject(t *testing.T) {
	out, err := Decode[Clarification](`{"needs_clarification": "true", "questions": null}`)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !out.NeedsClarification {
		t.Error("string \"true\" not coerced to bool")
	}
	if out.Questions == nil || len(out.Questions) != 0 {
		t.Errorf("null list not defaulted: %v", out.Questions)
	}
}
