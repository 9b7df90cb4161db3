package agents

import (
	"fmt"
	"strings"

	"github.com/dermaflow/dermaflow/internal/schema"
)

// LesionDimension is one independent visual axis of lesion analysis. Each
// dimension gets its own vision probe and its own formatting task, so a
// failure in one never contaminates the others.
type LesionDimension struct {
	Stage string
	Key   string // primary field name in the output contract
	Role  string
	Probe string // prompt for the direct vision-tool call
}

// LesionDimensions lists the five visual axes examined for every image, in
// audit-slot order.
var LesionDimensions = []LesionDimension{
	{
		Stage: StageColour,
		Key:   "lesion_colour",
		Role:  "Dermatology Colour Analyst",
		Probe: "You are a Dermatology Colour Analyst examining a skin lesion. " +
			"In 2-3 concise sentences, describe the colour of the lesion using clinical dermatology terms. " +
			"State what colour(s) are present and how the lesion compares to the surrounding skin.",
	},
	{
		Stage: StageTexture,
		Key:   "surface",
		Role:  "Dermatology Texture and Lesion Surface Analyst",
		Probe: "You are a Dermatology Texture Analyst examining a skin lesion. " +
			"In 2-3 concise sentences, describe the surface texture of the lesion using clinical terms. " +
			"Note the key surface characteristics you observe.",
	},
	{
		Stage: StageLevelling,
		Key:   "levelling",
		Role:  "Dermatology Morphology and Elevation Analyst",
		Probe: "You are a Dermatology Morphology Analyst examining a skin lesion. " +
			"In 2-3 concise sentences, describe the elevation of the lesion relative to surrounding skin. " +
			"State whether it is raised, flat, or depressed and any relevant 3D features visible.",
	},
	{
		Stage: StageBorder,
		Key:   "border",
		Role:  "Dermatology Border Analyst",
		Probe: "You are a Dermatology Border Analyst examining a skin lesion. " +
			"In 2-3 concise sentences, describe the border and edge characteristics of the lesion. " +
			"Describe how the edge transitions to surrounding skin and any notable edge features.",
	},
	{
		Stage: StageShape,
		Key:   "shape",
		Role:  "Dermatology Shape Analyst",
		Probe: "You are a Dermatology Shape Analyst examining a skin lesion. " +
			"In 2-3 concise sentences, describe the geometric shape and overall outline of the lesion. " +
			"State the form, symmetry, and any distinctive structural characteristics.",
	},
}

// LesionSpec builds the formatting task for one visual dimension. The vision
// tool has already been called directly; its observation is injected into the
// instruction framed as the agent's own examination, because the vision
// backend cannot run protocol-level tool calls. The task asks the agent to
// finalise that observation against the patient biodata.
func LesionSpec(dim LesionDimension, observation string) TaskSpec {
	return TaskSpec{
		ID:   dim.Stage,
		Role: dim.Role,
		System: fmt.Sprintf("You are a specialist dermatologist focused on lesion %s assessment. "+
			"You use standard dermatology terminology and adjust your interpretation for the "+
			"patient's skin tone, age and sex where relevant.", dim.Key),
		Instruction: "You directly examined the skin lesion image.\n\n" +
			"Your clinical observations from the image:\n" + observation + "\n\n" +
			"Using your direct visual examination above and the patient biodata context, " +
			"provide your final clinical assessment. If the biodata changes your " +
			"interpretation, note that explicitly.",
		Expected: fmt.Sprintf("A single JSON object with keys %q and \"reason\". "+
			"No markdown, no wrapper keys.", dim.Key),
		Backend: BackendVision,
		Decode: func(raw string) (any, error) {
			return schema.DecodeLesionObservation(raw, dim.Key)
		},
	}
}

// BuildLesionSummary renders the raw vision observations as the compact
// block injected into downstream instructions, replacing five verbose task
// outputs in context.
func BuildLesionSummary(observations map[string]string) string {
	parts := []string{"LESION VISUAL SUMMARY (from vision specialist agents):"}
	for _, dim := range LesionDimensions {
		if value := strings.TrimSpace(observations[dim.Stage]); value != "" {
			name := strings.TrimPrefix(dim.Stage, "lesion_")
			label := strings.ToUpper(name[:1]) + name[1:]
			parts = append(parts, fmt.Sprintf("- %s: %s", label, value))
		}
	}
	if len(parts) == 1 {
		return ""
	}
	return strings.Join(parts, "\n")
}

// InitialAssessmentPrompt is the holistic first-look probe: the vision model
// sees the full image plus the raw patient text and proposes a diagnosis
// freely. The result anchors every downstream text-only stage.
func InitialAssessmentPrompt(patientText string) string {
	return "You are an experienced dermatologist examining a skin lesion photograph.\n\n" +
		"Patient's description of the problem:\n" + patientText + "\n\n" +
		"Look at the image and the patient's story together. What is the single most " +
		"likely diagnosis? Answer with the diagnosis name and a short clinical " +
		"justification grounded in what you can see."
}

// DebatePrompt asks the vision model to arbitrate between the text-side
// candidates by re-examining the image. Exactly one winner must be named.
func DebatePrompt(primary string, candidates []string) string {
	seen := map[string]bool{}
	var list []string
	for _, c := range append([]string{primary}, candidates...) {
		c = strings.TrimSpace(c)
		if c == "" || seen[strings.ToLower(c)] {
			continue
		}
		seen[strings.ToLower(c)] = true
		list = append(list, c)
	}

	var b strings.Builder
	b.WriteString("You are a dermatologist resolving a diagnostic debate by direct image examination.\n\n")
	b.WriteString("Candidate diagnoses under consideration:\n")
	for i, c := range list {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	b.WriteString("\nRe-examine the lesion image. Pick the ONE candidate most consistent with what " +
		"you actually see. Then respond with a single JSON object with keys " +
		"\"confirmed_diagnosis\", \"visual_reasoning\" and \"candidates_considered\" " +
		"(the list of candidates you weighed). No markdown fences.")
	return b.String()
}
