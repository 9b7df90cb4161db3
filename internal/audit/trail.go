// Package audit accumulates the complete record of everything the pipeline
// did to reach a diagnosis: every structured stage output, the raw vision
// text before any normalization, adapter telemetry, and the doctor's
// feedback history. The trail feeds the reviewer UI and the approval loop.
package audit

import (
	"sync"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/schema"
)

// Adapter status values recorded per stage.
const (
	StatusDirect    = "direct"    // raw output parsed on the first attempt
	StatusRecovered = "recovered" // formatter retry was needed
	StatusDefaulted = "defaulted" // all parsing failed, contract defaults used
	StatusMissing   = "missing"   // stage never produced output
)

// TaskRecord is the per-stage slice of a finished run handed to Record.
type TaskRecord struct {
	Structured any
	Raw        string
	Status     string
	Err        string
}

// FeedbackEntry is one round of the doctor review loop. The history is
// append-only: it is the only place prior-round information survives a rerun.
type FeedbackEntry struct {
	Round    int    `json:"round"`
	Action   string `json:"action"` // "approved" or "rejected"
	Feedback string `json:"feedback,omitempty"`
	Scope    string `json:"rerun_scope,omitempty"`
}

// Trail is the audit record for one session. The "current" slots always
// describe the latest run; each Record call replaces them wholesale.
type Trail struct {
	mu sync.Mutex

	PatientText string `json:"patient_text"`
	ImagePath   string `json:"image_path,omitempty"`

	// Raw vision-model text per lesion stage, before any coercion. Kept
	// separately so a reviewer can see exactly what the model said.
	VisionRaw map[string]string `json:"vision_raw,omitempty"`

	BiodataSummary string `json:"biodata_summary"`

	Colour    *schema.LesionObservation `json:"colour_output,omitempty"`
	Texture   *schema.LesionObservation `json:"texture_output,omitempty"`
	Levelling *schema.LesionObservation `json:"levelling_output,omitempty"`
	Border    *schema.LesionObservation `json:"border_output,omitempty"`
	Shape     *schema.LesionObservation `json:"shape_output,omitempty"`

	Decomposition *schema.Decomposition         `json:"decomposition_output,omitempty"`
	Research      *schema.ResearchSummary       `json:"research_output,omitempty"`
	Differential  *schema.DifferentialDiagnosis `json:"differential_output,omitempty"`
	Mimic         *schema.MimicResolution       `json:"mimic_resolution_output,omitempty"`

	DebateRaw string                   `json:"debate_resolver_raw,omitempty"`
	Debate    *schema.DebateResolution `json:"debate_resolver_output,omitempty"`

	Treatment *schema.TreatmentPlan   `json:"treatment_output,omitempty"`
	Synthesis *schema.SynthesisResult `json:"synthesis_output,omitempty"`
	Final     *schema.FinalDiagnosis  `json:"final_diagnosis,omitempty"`

	RawOutputs    map[string]string `json:"raw_outputs"`
	AdapterStatus map[string]string `json:"adapter_status"`
	AdapterErrors map[string]string `json:"adapter_errors"`

	FeedbackHistory []FeedbackEntry `json:"feedback_history"`
	RunCount        int             `json:"run_count"`
}

// NewTrail creates a trail for one session's inputs.
func NewTrail(patientText, imagePath string) *Trail {
	return &Trail{
		PatientText:   patientText,
		ImagePath:     imagePath,
		VisionRaw:     map[string]string{},
		RawOutputs:    map[string]string{},
		AdapterStatus: map[string]string{},
		AdapterErrors: map[string]string{},
		RunCount:      1,
	}
}

// Record writes one terminal run into the current slots. Slots for stages
// absent from records are cleared: the trail always reflects the latest run,
// never a blend of runs. The feedback history and run counter are untouched.
func (t *Trail) Record(records map[string]TaskRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.RawOutputs = map[string]string{}
	t.AdapterStatus = map[string]string{}
	t.AdapterErrors = map[string]string{}

	t.BiodataSummary = ""
	t.Colour, t.Texture, t.Levelling, t.Border, t.Shape = nil, nil, nil, nil, nil
	t.Decomposition, t.Research, t.Differential, t.Mimic = nil, nil, nil, nil
	t.Treatment, t.Synthesis, t.Final = nil, nil, nil
	t.Debate, t.DebateRaw = nil, ""

	for stage, rec := range records {
		t.RawOutputs[stage] = rec.Raw
		if rec.Status != "" {
			t.AdapterStatus[stage] = rec.Status
		}
		if rec.Err != "" {
			t.AdapterErrors[stage] = rec.Err
		}
		t.setSlot(stage, rec)
	}
}

func (t *Trail) setSlot(stage string, rec TaskRecord) {
	switch stage {
	case agents.StageBiodata:
		t.BiodataSummary = rec.Raw
	case agents.StageColour:
		t.Colour, _ = rec.Structured.(*schema.LesionObservation)
	case agents.StageTexture:
		t.Texture, _ = rec.Structured.(*schema.LesionObservation)
	case agents.StageLevelling:
		t.Levelling, _ = rec.Structured.(*schema.LesionObservation)
	case agents.StageBorder:
		t.Border, _ = rec.Structured.(*schema.LesionObservation)
	case agents.StageShape:
		t.Shape, _ = rec.Structured.(*schema.LesionObservation)
	case agents.StageDecomposition:
		t.Decomposition, _ = rec.Structured.(*schema.Decomposition)
	case agents.StageResearch:
		t.Research, _ = rec.Structured.(*schema.ResearchSummary)
	case agents.StageDifferential:
		t.Differential, _ = rec.Structured.(*schema.DifferentialDiagnosis)
	case agents.StageMimic:
		t.Mimic, _ = rec.Structured.(*schema.MimicResolution)
	case agents.StageDebate:
		t.Debate, _ = rec.Structured.(*schema.DebateResolution)
		t.DebateRaw = rec.Raw
	case agents.StageTreatment:
		t.Treatment, _ = rec.Structured.(*schema.TreatmentPlan)
	case agents.StageSynthesis:
		t.Synthesis, _ = rec.Structured.(*schema.SynthesisResult)
	case agents.StageScribe:
		t.Final, _ = rec.Structured.(*schema.FinalDiagnosis)
	}
}

// RecordVision stores the raw pre-coercion vision observations.
func (t *Trail) RecordVision(observations map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.VisionRaw = map[string]string{}
	for stage, raw := range observations {
		t.VisionRaw[stage] = raw
	}
}

// AppendFeedback appends one review round to the append-only history.
func (t *Trail) AppendFeedback(entry FeedbackEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.FeedbackHistory = append(t.FeedbackHistory, entry)
}

// IncrementRun bumps the run counter and returns the new value.
func (t *Trail) IncrementRun() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RunCount++
	return t.RunCount
}

// CurrentRun returns the run counter.
func (t *Trail) CurrentRun() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.RunCount
}

// FinalResult returns the latest final diagnosis, or nil.
func (t *Trail) FinalResult() *schema.FinalDiagnosis {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Final
}
