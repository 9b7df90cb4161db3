// Package agents defines the task specifications of the diagnostic pipeline:
// who each agent is, what it is asked to do, which backend class runs it, and
// how its raw output decodes into a structured contract. Roles are plain data
// carried by TaskSpec values, so adding an agent means writing a constructor,
// not a type.
package agents

import "github.com/dermaflow/dermaflow/internal/schema"

// Backend selects the model class a task runs on. The split is a capability
// boundary: the vision backend accepts an embedded image payload but cannot
// do protocol-level tool calling, the orchestrator backend is text-only.
type Backend int

const (
	BackendOrchestrator Backend = iota
	BackendVision
)

// Stage identifiers. Each doubles as the audit slot key for the task's
// structured output.
const (
	StageBiodata       = "biodata"
	StageColour        = "lesion_colour"
	StageTexture       = "lesion_texture"
	StageLevelling     = "lesion_levelling"
	StageBorder        = "lesion_border"
	StageShape         = "lesion_shape"
	StageDecomposition = "decomposition"
	StageResearch      = "research"
	StageDifferential  = "differential"
	StageMimic         = "mimic_resolution"
	StageDebate        = "debate_resolver"
	StageTreatment     = "treatment"
	StageSynthesis     = "synthesis"
	StageScribe        = "final_diagnosis"
)

// DecodeFunc turns a task's raw model output into its structured contract.
type DecodeFunc func(raw string) (any, error)

// TaskSpec pairs a role with one task: the instruction, the backend class,
// and the decoder for the expected output contract. Which upstream outputs
// become context is the runner's call, not the spec's.
type TaskSpec struct {
	ID          string
	Role        string
	System      string // role prompt: who the agent is and how it reasons
	Instruction string // the task itself
	Expected    string // output contract, appended to the instruction
	Backend     Backend
	Decode      DecodeFunc // nil means the raw text is the output
}

func decodeAs[T any](raw string) (any, error) {
	v, err := schema.Decode[T](raw)
	if err != nil {
		return nil, err
	}
	return v, nil
}
