package agents

import "github.com/dermaflow/dermaflow/internal/schema"

// SynthesisInput carries everything the final synthesis stage receives
// outside the ordinary dependency context. Feedback is an explicit parameter:
// it comes from the review state machine, never from ambient process state.
type SynthesisInput struct {
	LesionSummary      string
	ConfirmedDiagnosis string // from the debate resolver; authoritative when set
	Anchor             string // initial image-based assessment
	Feedback           string // doctor feedback from the rejection that triggered this run
}

// SynthesisSpec builds the chief-reviewer task that makes the final,
// authoritative clinical decision.
func SynthesisSpec(in SynthesisInput) TaskSpec {
	var instruction string

	if in.Feedback != "" {
		instruction += "DOCTOR FEEDBACK FROM PREVIOUS RUN:\n" +
			"   \"" + in.Feedback + "\"\n\n" +
			"The doctor has provided feedback. You MUST address it — update the diagnosis " +
			"or reasoning as needed, set revision_applied = true in your output, and " +
			"explain what changed in revision_reason.\n\n"
	}

	if in.LesionSummary != "" {
		instruction += in.LesionSummary + "\n\n"
	}

	if in.ConfirmedDiagnosis != "" {
		instruction += "CONFIRMED DIAGNOSIS (visual debate resolver — authoritative):\n" +
			"   " + in.ConfirmedDiagnosis + "\n\n" +
			"This diagnosis was selected by direct image analysis. " +
			"Do NOT override it unless the doctor feedback above explicitly requires a change.\n\n"
		instruction += "Your task is to build the clinical output for the confirmed diagnosis above.\n\n" +
			"1. Set primary_diagnosis to the confirmed diagnosis exactly as written.\n" +
			"2. Use the lesion visual summary, patient history, demographics, and research evidence " +
			"to construct the clinical reasoning that supports this diagnosis.\n" +
			"3. Assign appropriate confidence and severity based on the evidence.\n" +
			"4. List suggested investigations and cited PMIDs.\n" +
			"5. Set revision_applied = false unless doctor feedback requires a change."
	} else {
		if in.Anchor != "" {
			instruction += "INITIAL IMAGE-BASED ASSESSMENT (highest-authority visual evidence):\n" +
				in.Anchor + "\n\n"
		}
		instruction += "Review all specialist agent outputs and make the final diagnostic decision.\n\n" +
			"1. Read the lesion visual summary above first — morphology is the strongest evidence.\n" +
			"2. Identify the diagnosis best supported by all available evidence.\n" +
			"3. Assign confidence, severity, investigations, and PMIDs.\n" +
			"4. Set revision_applied = true if you correct the proposed diagnosis, and " +
			"explain why in revision_reason."
	}

	return TaskSpec{
		ID:   StageSynthesis,
		Role: "Chief Medical Officer (Dermatology)",
		System: "You are the Chief Medical Officer. You review outputs from all specialist " +
			"agents and make the final authoritative diagnosis. Your job is purely " +
			"clinical validation: cross-check the proposed diagnosis against all " +
			"visual, historical, and research evidence, then confirm or correct it. " +
			"You do not write patient letters, only strict medical reasoning.",
		Instruction: instruction,
		Expected: "A single JSON object with keys: primary_diagnosis, confidence, severity, " +
			"lesion_profile_summary (object), clinical_reasoning, revision_applied, " +
			"revision_reason, suggested_investigations, cited_pmids.",
		Backend: BackendOrchestrator,
		Decode:  decodeAs[schema.SynthesisResult],
	}
}

// ScribeSpec compiles the final patient- and doctor-facing report from the
// synthesis decision and the treatment plan.
func ScribeSpec() TaskSpec {
	return TaskSpec{
		ID:   StageScribe,
		Role: "Medical Scribe & Patient Communicator",
		System: "You are a Medical Scribe. You excel at taking complex medical logic from " +
			"the chief reviewer and translating it into empathetic patient summaries " +
			"and structured technical doctor notes. You never invent diagnoses; you " +
			"only format what you are given.",
		Instruction: "You have received the final clinical decision, the treatment plan, and " +
			"the literature research in your context.\n\n" +
			"Compile the final report.\n" +
			"1. Copy primary_diagnosis, severity, confidence, clinical_reasoning, " +
			"suggested_investigations, cited_pmids, revision_applied and revision_reason " +
			"DIRECTLY from the final clinical decision — do not alter them.\n" +
			"2. Write a compassionate, jargon-free patient_summary (2-3 sentences).\n" +
			"3. Extract actionable patient_recommendations from the treatment plan.\n" +
			"4. Write technical doctor_notes combining the clinical reasoning with the " +
			"treatment protocol.\n" +
			"5. Summarize literature_support from the research.\n" +
			"6. Write when_to_seek_care with clear, specific guidance.",
		Expected: "Output a single flat JSON object with these exact top-level keys: " +
			"primary_diagnosis, confidence, severity, lesion_profile, clinical_reasoning, " +
			"suggested_investigations, cited_pmids, revision_applied, revision_reason, " +
			"patient_summary, patient_recommendations, doctor_notes, treatment_suggestions, " +
			"literature_support, when_to_seek_care. " +
			"CRITICAL: Do NOT wrap the output inside a wrapper key. " +
			"All fields must be at the top level of the JSON object.",
		Backend: BackendOrchestrator,
		Decode:  decodeAs[schema.FinalDiagnosis],
	}
}
