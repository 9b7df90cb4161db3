package agents

import (
	"strings"
	"testing"

	"github.com/dermaflow/dermaflow/internal/schema"
)

func TestSynthesisSpecFeedbackInjection(t *testing.T) {
	spec := SynthesisSpec(SynthesisInput{Feedback: "Consider contact dermatitis instead."})
	if !strings.Contains(spec.Instruction, "Consider contact dermatitis instead.") {
		t.Error("feedback not injected into instruction")
	}
	if !strings.Contains(spec.Instruction, "revision_applied = true") {
		t.Error("revision obligation missing")
	}

	spec = SynthesisSpec(SynthesisInput{})
	if strings.Contains(spec.Instruction, "DOCTOR FEEDBACK") {
		t.Error("feedback block present without feedback")
	}
}

func TestSynthesisSpecConfirmedDiagnosisAuthoritative(t *testing.T) {
	spec := SynthesisSpec(SynthesisInput{ConfirmedDiagnosis: "Granuloma annulare"})
	if !strings.Contains(spec.Instruction, "Granuloma annulare") {
		t.Error("confirmed diagnosis not injected")
	}
	if !strings.Contains(spec.Instruction, "Do NOT override") {
		t.Error("authority clause missing")
	}
}

func TestLesionSpecInjectsObservation(t *testing.T) {
	dim := LesionDimensions[0]
	spec := LesionSpec(dim, "Erythematous plaque, darker than surrounding skin.")
	if spec.Backend != BackendVision {
		t.Error("lesion tasks must run on the vision backend")
	}
	// Tool output is framed as the agent's own examination.
	if !strings.Contains(spec.Instruction, "You directly examined") {
		t.Error("observation not framed as first-person examination")
	}
	if !strings.Contains(spec.Instruction, "Erythematous plaque") {
		t.Error("observation text missing")
	}

	out, err := spec.Decode(`{"lesion_colour": "erythematous", "reason": "diffuse redness"}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	obs, ok := out.(*schema.LesionObservation)
	if !ok {
		t.Fatalf("decode type = %T", out)
	}
	if obs.Value != "erythematous" {
		t.Errorf("value = %q", obs.Value)
	}
}

func TestBuildLesionSummary(t *testing.T) {
	summary := BuildLesionSummary(map[string]string{
		StageColour: "Erythematous.",
		StageShape:  "Annular.",
	})
	if !strings.Contains(summary, "- Colour: Erythematous.") {
		t.Errorf("summary = %q", summary)
	}
	if !strings.Contains(summary, "- Shape: Annular.") {
		t.Errorf("summary = %q", summary)
	}
	if strings.Contains(summary, "Border") {
		t.Error("missing dimensions must be omitted")
	}
	if BuildLesionSummary(nil) != "" {
		t.Error("empty observations should produce empty summary")
	}
}

func TestDebatePromptDeduplicatesCandidates(t *testing.T) {
	prompt := DebatePrompt("Psoriasis", []string{"psoriasis", "Tinea corporis", "", "Tinea Corporis"})
	if strings.Count(strings.ToLower(prompt), "psoriasis") != 1 {
		t.Errorf("primary duplicated:\n%s", prompt)
	}
	if strings.Count(strings.ToLower(prompt), "tinea corporis") != 1 {
		t.Errorf("candidate duplicated:\n%s", prompt)
	}
}

func TestBiodataSpecCarriesProfile(t *testing.T) {
	p := &PatientProfile{Name: "Ravi Kumar", Age: 34, Occupation: "Farmer"}
	spec := BiodataSpec(p)
	if !strings.Contains(spec.System, "Ravi Kumar") || !strings.Contains(spec.System, "Farmer") {
		t.Error("profile not embedded in role prompt")
	}
}

func TestProfileContextStringEmpty(t *testing.T) {
	p := &PatientProfile{}
	if !strings.Contains(p.ContextString(), "No biodata provided") {
		t.Errorf("context = %q", p.ContextString())
	}
}

func TestProfileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/profile.json"

	p := &PatientProfile{Name: "Test", Age: 40, KnownAllergies: []string{"nickel"}}
	if err := SaveProfile(path, p); err != nil {
		t.Fatal(err)
	}
	got, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Age != 40 || len(got.KnownAllergies) != 1 {
		t.Errorf("profile = %+v", got)
	}

	// Missing file yields an anonymous profile.
	anon, err := LoadProfile(dir + "/nope.json")
	if err != nil {
		t.Fatal(err)
	}
	if anon.Name != "Anonymous" {
		t.Errorf("name = %q", anon.Name)
	}
}
