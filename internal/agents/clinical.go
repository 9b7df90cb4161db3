package agents

import "github.com/dermaflow/dermaflow/internal/schema"

// DecompositionSpec breaks the patient's free-text description into the
// structured anamnesis every downstream stage keys on.
func DecompositionSpec(patientText string) TaskSpec {
	return TaskSpec{
		ID:   StageDecomposition,
		Role: "Clinical Symptom Decomposition Specialist",
		System: "You are a clinical intake specialist. You take unstructured patient " +
			"narratives and decompose them into precise clinical data points without " +
			"inventing anything the patient did not say.",
		Instruction: "The patient describes their skin problem as follows:\n\n" +
			patientText + "\n\n" +
			"Decompose this description into structured clinical fields. Extract only " +
			"what is stated or directly implied; leave everything else empty. Convert " +
			"any duration into days (time_days).",
		Expected: "A single JSON object with keys: symptoms, time_days, onset, progression, " +
			"body_location, aggravating_factors, relieving_factors, associated_symptoms, " +
			"occupational_exposure, recent_exposures, patient_description, prior_treatments. " +
			"Lists of strings where plural, no markdown.",
		Backend: BackendOrchestrator,
		Decode:  decodeAs[schema.Decomposition],
	}
}

// ClarificationSpec is the gap-analysis task of the clarification pre-pass:
// given the decomposition, decide whether critical anamnesis fields are
// missing and what to ask the patient.
func ClarificationSpec() TaskSpec {
	return TaskSpec{
		ID:   "clarification",
		Role: "Clinical Information Gap Analyst",
		System: "You are a clinical triage specialist. You review structured intake data " +
			"and identify whether the critical fields needed for a dermatological " +
			"differential are present: lesion location, duration, and progression at " +
			"minimum. You ask only questions a patient can answer.",
		Instruction: "Review the symptom decomposition in your context. Determine whether any " +
			"critical clinical information is missing. If the location, duration and " +
			"progression are all present, no clarification is needed. Otherwise list " +
			"the missing fields and formulate at most three short, plain-language " +
			"questions for the patient.",
		Expected: "A single JSON object with keys: needs_clarification (true/false), " +
			"questions (list of strings), missing_fields (list of strings), reasoning.",
		Backend: BackendOrchestrator,
		Decode:  decodeAs[schema.Clarification],
	}
}

// ResearchQuerySpec is phase one of the two-phase research stage: the agent
// proposes the PubMed queries it wants. The pipeline runs the searches
// directly and feeds the results into ResearchSpec, because the backend
// cannot emit protocol-level tool calls.
func ResearchQuerySpec(lesionSummary string) TaskSpec {
	instruction := "Based on the patient presentation and symptom decomposition in your " +
		"context, propose PubMed search queries to ground the differential in " +
		"recent literature.\n\n" +
		"Rules for queries: 2-4 clinical terms, lead with the suspected diagnosis or " +
		"lesion morphology, then add one or two modifiers. " +
		"Good: 'tinea corporis hand pruritus'. Bad: long descriptive phrases."
	if lesionSummary != "" {
		instruction = lesionSummary + "\n\n" + instruction
	}
	return TaskSpec{
		ID:          "research_queries",
		Role:        "Dermatology Research Analyst",
		System:      researchSystem,
		Instruction: instruction,
		Expected: "A single JSON object with keys: primary_search_query, " +
			"secondary_search_query.",
		Backend: BackendOrchestrator,
		Decode:  decodeAs[schema.SearchQueries],
	}
}

const researchSystem = "You are a dermatology research analyst. You ground clinical hypotheses " +
	"in peer-reviewed literature and never cite an article you have not seen."

// ResearchSpec is phase two: the search results come back injected as the
// agent's own retrieval, and it writes the structured summary.
func ResearchSpec(searchResults string) TaskSpec {
	return TaskSpec{
		ID:     StageResearch,
		Role:   "Dermatology Research Analyst",
		System: researchSystem,
		Instruction: "You searched PubMed for literature relevant to this case. " +
			"Your search results:\n\n" + searchResults + "\n\n" +
			"Write a structured research summary for the clinical team. Extract the key " +
			"findings, note which candidate diagnoses the literature supports or " +
			"contradicts, and cite PMIDs only for articles listed above. If the search " +
			"returned errors or nothing useful, say so in research_notes and leave the " +
			"findings empty.",
		Expected: "A single JSON object with keys: primary_search_query, secondary_search_query, " +
			"articles_found, key_findings, supported_diagnoses, contradicted_findings, " +
			"evidence_strength, cited_pmids, research_notes.",
		Backend: BackendOrchestrator,
		Decode:  decodeAs[schema.ResearchSummary],
	}
}

// DifferentialSpec synthesises all upstream evidence into a ranked
// differential. The anchor, when present, is the vision model's holistic
// first-look diagnosis and carries the highest evidential weight.
func DifferentialSpec(anchor string) TaskSpec {
	instruction := "Synthesise the patient biodata, lesion findings, symptom decomposition and " +
		"research evidence in your context into a differential diagnosis. Name the " +
		"single best-supported primary diagnosis, then rank the plausible " +
		"alternatives with the features for and against each. Flag any red-flag " +
		"findings and whether urgent referral is required."
	if anchor != "" {
		instruction = "INITIAL IMAGE-BASED ASSESSMENT (highest-authority visual evidence):\n" +
			anchor + "\n\n" + instruction +
			"\n\nThe image-based assessment above examined the actual lesion; depart from " +
			"it only if the history or research evidence clearly contradicts it."
	}
	return TaskSpec{
		ID:   StageDifferential,
		Role: "Dermatology Differential Diagnosis Specialist",
		System: "You are a board-certified dermatologist specialising in differential " +
			"diagnosis. You reason systematically from morphology, history and " +
			"epidemiology, and you always weigh competing explanations explicitly.",
		Instruction: instruction,
		Expected: "A single JSON object with keys: primary_diagnosis, confidence_in_primary, " +
			"primary_reasoning, differentials (list of objects with condition, probability, " +
			"key_features_matching, key_features_against, distinguishing_test, " +
			"clinical_reasoning), red_flags, requires_urgent_referral.",
		Backend: BackendOrchestrator,
		Decode:  decodeAs[schema.DifferentialDiagnosis],
	}
}

// MimicSpec stress-tests the differential's primary against its closest
// clinical mimic.
func MimicSpec(anchor string) TaskSpec {
	instruction := "Take the primary diagnosis from the differential in your context and " +
		"identify the clinical mimic most likely to be confused with it for this " +
		"presentation. Compare them point by point against the visual findings and " +
		"history, then either confirm the primary or replace it with the mimic. " +
		"Name the single observation or test that best distinguishes the two."
	if anchor != "" {
		instruction = "INITIAL IMAGE-BASED ASSESSMENT (highest-authority visual evidence):\n" +
			anchor + "\n\n" + instruction
	}
	return TaskSpec{
		ID:   StageMimic,
		Role: "Clinical Mimic & Edge-Case Specialist",
		System: "You are a dermatologist who specialises in commonly confused conditions. " +
			"Your job is adversarial: you try to break the working diagnosis with its " +
			"best-known mimic before the patient leaves the clinic.",
		Instruction: instruction,
		Expected: "A single JSON object with keys: primary_diagnosis_confirmed, rejected_mimic, " +
			"distinguishing_factor, mimic_reasoning.",
		Backend: BackendOrchestrator,
		Decode:  decodeAs[schema.MimicResolution],
	}
}

// TreatmentSpec plans management for the confirmed diagnosis.
func TreatmentSpec() TaskSpec {
	return TaskSpec{
		ID:   StageTreatment,
		Role: "Dermatology Treatment Protocol Specialist",
		System: "You are a dermatology treatment specialist. You build stepwise, " +
			"evidence-graded management plans and always account for the patient's " +
			"allergies and current medications.",
		Instruction: "Build the treatment plan for the confirmed diagnosis in your context. " +
			"Order medications by treatment line, include dosing or protocol for each, " +
			"list non-pharmacological measures, and state contraindications given the " +
			"patient's recorded allergies and medications. Decide whether specialist " +
			"referral is needed and grade the overall evidence level.",
		Expected: "A single JSON object with keys: for_diagnosis, immediate_actions, medications " +
			"(list of objects with line, treatment_name, dose_or_protocol, duration, " +
			"rationale, monitoring), non_pharmacological, patient_instructions, follow_up, " +
			"referral_needed, referral_to, contraindications, evidence_level.",
		Backend: BackendOrchestrator,
		Decode:  decodeAs[schema.TreatmentPlan],
	}
}
