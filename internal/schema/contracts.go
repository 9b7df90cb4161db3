package schema

import "encoding/json"

// Every contract type implements UnmarshalJSON through the coercion helpers,
// so any structurally valid JSON object decodes into a fully populated value.
// Null, missing and mistyped fields resolve to defaults; enum fields resolve
// through the normalizers. This is what lets the pipeline keep running when a
// model answers with half a schema.

// LesionObservation is one visual dimension of the lesion (colour, surface,
// elevation, border or shape) with the model's reasoning for it.
type LesionObservation struct {
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// DecodeLesionObservation decodes one visual-dimension output whose primary
// key varies by dimension ("lesion_colour", "surface", "levelling", "border",
// "shape"). Elevation values are normalised to raised / flat / depressed.
func DecodeLesionObservation(raw, field string) (*LesionObservation, error) {
	block, err := ExtractObject(raw)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(block), &m); err != nil {
		return nil, err
	}
	obs := &LesionObservation{
		Value:  asString(m, field, ""),
		Reason: asString(m, "reason", ""),
	}
	if field == "levelling" && obs.Value != "" {
		obs.Value = NormalizeLevelling(obs.Value)
	}
	return obs, nil
}

// InitialVisionAssessment is the holistic first-look diagnosis from the
// vision model, used as an anchor for the text-only clinical stages.
type InitialVisionAssessment struct {
	PrimaryDiagnosis string `json:"primary_diagnosis"`
	Reasoning        string `json:"reasoning"`
}

func (o *InitialVisionAssessment) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.PrimaryDiagnosis = asString(m, "primary_diagnosis", "")
	o.Reasoning = asString(m, "reasoning", "")
	return nil
}

// Decomposition is the structured breakdown of the patient's free-text
// symptom description.
type Decomposition struct {
	Symptoms             []string `json:"symptoms"`
	TimeDays             int      `json:"time_days"`
	Onset                string   `json:"onset"`
	Progression          string   `json:"progression"`
	BodyLocation         []string `json:"body_location"`
	AggravatingFactors   []string `json:"aggravating_factors"`
	RelievingFactors     []string `json:"relieving_factors"`
	AssociatedSymptoms   []string `json:"associated_symptoms"`
	OccupationalExposure []string `json:"occupational_exposure"`
	RecentExposures      []string `json:"recent_exposures"`
	PatientDescription   string   `json:"patient_description"`
	PriorTreatments      []string `json:"prior_treatments"`
}

func (o *Decomposition) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.Symptoms = asStringList(m, "symptoms")
	o.TimeDays = asInt(m, "time_days", 0)
	o.Onset = asString(m, "onset", "")
	o.Progression = asString(m, "progression", "")
	o.BodyLocation = asStringList(m, "body_location")
	o.AggravatingFactors = asStringList(m, "aggravating_factors")
	o.RelievingFactors = asStringList(m, "relieving_factors")
	o.AssociatedSymptoms = asStringList(m, "associated_symptoms")
	o.OccupationalExposure = asStringList(m, "occupational_exposure")
	o.RecentExposures = asStringList(m, "recent_exposures")
	o.PatientDescription = asString(m, "patient_description", "")
	o.PriorTreatments = asStringList(m, "prior_treatments")
	return nil
}

// Clarification is the gap-analysis verdict over a decomposition: whether
// critical anamnesis fields are missing and which questions would fill them.
type Clarification struct {
	NeedsClarification bool     `json:"needs_clarification"`
	Questions          []string `json:"questions"`
	MissingFields      []string `json:"missing_fields"`
	Reasoning          string   `json:"reasoning"`
}

func (o *Clarification) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.NeedsClarification = asBool(m, "needs_clarification", false)
	o.Questions = asStringList(m, "questions")
	o.MissingFields = asStringList(m, "missing_fields")
	o.Reasoning = asString(m, "reasoning", "")
	return nil
}

// SearchQueries is the first half of the two-phase research stage: the
// queries the agent wants run against PubMed before it writes its summary.
type SearchQueries struct {
	PrimarySearchQuery   string `json:"primary_search_query"`
	SecondarySearchQuery string `json:"secondary_search_query"`
}

func (o *SearchQueries) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.PrimarySearchQuery = asString(m, "primary_search_query", "")
	o.SecondarySearchQuery = asString(m, "secondary_search_query", "")
	return nil
}

// ResearchSummary is the literature-review stage output.
type ResearchSummary struct {
	PrimarySearchQuery   string   `json:"primary_search_query"`
	SecondarySearchQuery string   `json:"secondary_search_query"`
	ArticlesFound        int      `json:"articles_found"`
	KeyFindings          []string `json:"key_findings"`
	SupportedDiagnoses   []string `json:"supported_diagnoses"`
	ContradictedFindings []string `json:"contradicted_findings"`
	EvidenceStrength     string   `json:"evidence_strength"`
	CitedPMIDs           []string `json:"cited_pmids"`
	ResearchNotes        string   `json:"research_notes"`
}

func (o *ResearchSummary) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.PrimarySearchQuery = asString(m, "primary_search_query", "")
	o.SecondarySearchQuery = asString(m, "secondary_search_query", "")
	o.ArticlesFound = asInt(m, "articles_found", 0)
	o.KeyFindings = asStringList(m, "key_findings")
	o.SupportedDiagnoses = asStringList(m, "supported_diagnoses")
	o.ContradictedFindings = asStringList(m, "contradicted_findings")
	o.EvidenceStrength = asString(m, "evidence_strength", "limited")
	o.CitedPMIDs = asStringList(m, "cited_pmids")
	o.ResearchNotes = asString(m, "research_notes", "")
	return nil
}

// DifferentialEntry is one candidate condition in the differential.
type DifferentialEntry struct {
	Condition           string   `json:"condition"`
	Probability         string   `json:"probability"`
	KeyFeaturesMatching []string `json:"key_features_matching"`
	KeyFeaturesAgainst  []string `json:"key_features_against"`
	DistinguishingTest  string   `json:"distinguishing_test"`
	ClinicalReasoning   string   `json:"clinical_reasoning"`
}

func differentialEntryFromMap(m map[string]any) DifferentialEntry {
	return DifferentialEntry{
		Condition:           asString(m, "condition", ""),
		Probability:         NormalizeConfidence(asString(m, "probability", "")),
		KeyFeaturesMatching: asStringList(m, "key_features_matching"),
		KeyFeaturesAgainst:  asStringList(m, "key_features_against"),
		DistinguishingTest:  asString(m, "distinguishing_test", ""),
		ClinicalReasoning:   asString(m, "clinical_reasoning", ""),
	}
}

// DifferentialDiagnosis ranks the primary diagnosis against its differentials.
type DifferentialDiagnosis struct {
	PrimaryDiagnosis       string              `json:"primary_diagnosis"`
	ConfidenceInPrimary    string              `json:"confidence_in_primary"`
	PrimaryReasoning       string              `json:"primary_reasoning"`
	Differentials          []DifferentialEntry `json:"differentials"`
	RedFlags               []string            `json:"red_flags"`
	RequiresUrgentReferral bool                `json:"requires_urgent_referral"`
}

func (o *DifferentialDiagnosis) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.PrimaryDiagnosis = asString(m, "primary_diagnosis", "")
	o.ConfidenceInPrimary = NormalizeConfidence(asString(m, "confidence_in_primary", ""))
	o.PrimaryReasoning = asString(m, "primary_reasoning", "")
	o.Differentials = []DifferentialEntry{}
	for _, entry := range asObjectList(m, "differentials") {
		o.Differentials = append(o.Differentials, differentialEntryFromMap(entry))
	}
	o.RedFlags = asStringList(m, "red_flags")
	o.RequiresUrgentReferral = asBool(m, "requires_urgent_referral", false)
	return nil
}

// MimicResolution distinguishes the primary diagnosis from its closest
// clinical mimic.
type MimicResolution struct {
	PrimaryDiagnosisConfirmed string `json:"primary_diagnosis_confirmed"`
	RejectedMimic             string `json:"rejected_mimic"`
	DistinguishingFactor      string `json:"distinguishing_factor"`
	MimicReasoning            string `json:"mimic_reasoning"`
}

func (o *MimicResolution) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.PrimaryDiagnosisConfirmed = asString(m, "primary_diagnosis_confirmed", "")
	o.RejectedMimic = asString(m, "rejected_mimic", "")
	o.DistinguishingFactor = asString(m, "distinguishing_factor", "")
	o.MimicReasoning = asString(m, "mimic_reasoning", "")
	return nil
}

// DebateResolution is the image-grounded arbitration between the text-side
// primary diagnosis and its differentials. Its confirmed diagnosis is
// authoritative for all downstream stages.
type DebateResolution struct {
	ConfirmedDiagnosis   string   `json:"confirmed_diagnosis"`
	VisualReasoning      string   `json:"visual_reasoning"`
	CandidatesConsidered []string `json:"candidates_considered"`
}

func (o *DebateResolution) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.ConfirmedDiagnosis = asString(m, "confirmed_diagnosis", "")
	o.VisualReasoning = asString(m, "visual_reasoning", "")
	o.CandidatesConsidered = asStringList(m, "candidates_considered")
	return nil
}

// TreatmentEntry is one medication or intervention in the treatment plan.
type TreatmentEntry struct {
	Line           string `json:"line"`
	TreatmentName  string `json:"treatment_name"`
	DoseOrProtocol string `json:"dose_or_protocol"`
	Duration       string `json:"duration"`
	Rationale      string `json:"rationale"`
	Monitoring     string `json:"monitoring"`
}

func treatmentEntryFromMap(m map[string]any) TreatmentEntry {
	return TreatmentEntry{
		Line:           NormalizeTreatmentLine(asString(m, "line", "")),
		TreatmentName:  asString(m, "treatment_name", ""),
		DoseOrProtocol: asString(m, "dose_or_protocol", ""),
		Duration:       asString(m, "duration", ""),
		Rationale:      asString(m, "rationale", ""),
		Monitoring:     asString(m, "monitoring", ""),
	}
}

// TreatmentPlan is the evidence-graded management plan for the confirmed
// diagnosis.
type TreatmentPlan struct {
	ForDiagnosis        string           `json:"for_diagnosis"`
	ImmediateActions    []string         `json:"immediate_actions"`
	Medications         []TreatmentEntry `json:"medications"`
	NonPharmacological  []string         `json:"non_pharmacological"`
	PatientInstructions string           `json:"patient_instructions"`
	FollowUp            string           `json:"follow_up"`
	ReferralNeeded      bool             `json:"referral_needed"`
	ReferralTo          string           `json:"referral_to"`
	Contraindications   []string         `json:"contraindications"`
	EvidenceLevel       string           `json:"evidence_level"`
}

func (o *TreatmentPlan) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.ForDiagnosis = asString(m, "for_diagnosis", "")
	o.ImmediateActions = asStringList(m, "immediate_actions")
	o.Medications = []TreatmentEntry{}
	for _, entry := range asObjectList(m, "medications") {
		o.Medications = append(o.Medications, treatmentEntryFromMap(entry))
	}
	o.NonPharmacological = asStringList(m, "non_pharmacological")
	o.PatientInstructions = asString(m, "patient_instructions", "")
	o.FollowUp = asString(m, "follow_up", "")
	o.ReferralNeeded = asBool(m, "referral_needed", false)
	o.ReferralTo = asString(m, "referral_to", "")
	o.Contraindications = asStringList(m, "contraindications")
	o.EvidenceLevel = NormalizeEvidenceLevel(asString(m, "evidence_level", ""))
	return nil
}

// SynthesisResult is the chief-reviewer synthesis of the whole run. When
// doctor feedback was injected into the run, RevisionApplied must be true and
// RevisionReason must explain what changed.
type SynthesisResult struct {
	PrimaryDiagnosis        string         `json:"primary_diagnosis"`
	Confidence              string         `json:"confidence"`
	Severity                string         `json:"severity"`
	LesionProfileSummary    map[string]any `json:"lesion_profile_summary"`
	ClinicalReasoning       string         `json:"clinical_reasoning"`
	RevisionApplied         bool           `json:"revision_applied"`
	RevisionReason          string         `json:"revision_reason"`
	SuggestedInvestigations []string       `json:"suggested_investigations"`
	CitedPMIDs              []string       `json:"cited_pmids"`
}

func (o *SynthesisResult) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.PrimaryDiagnosis = asString(m, "primary_diagnosis", "Unknown")
	o.Confidence = NormalizeConfidence(asString(m, "confidence", ""))
	o.Severity = NormalizeSeverity(asString(m, "severity", ""))
	o.LesionProfileSummary = asMap(m, "lesion_profile_summary")
	o.ClinicalReasoning = asString(m, "clinical_reasoning", "")
	o.RevisionApplied = asBool(m, "revision_applied", false)
	o.RevisionReason = asString(m, "revision_reason", "")
	o.SuggestedInvestigations = asStringList(m, "suggested_investigations")
	o.CitedPMIDs = asStringList(m, "cited_pmids")
	return nil
}

// DefaultDisclaimer is attached to every final report the scribe produces.
const DefaultDisclaimer = "This assessment is generated by an AI system and is intended for informational " +
	"purposes only. It does not constitute a medical diagnosis. Please consult a " +
	"qualified dermatologist or healthcare provider for proper evaluation and treatment."

// FinalDiagnosis is the complete patient- and doctor-facing report produced
// by the scribe stage. The diagnostic header fields mirror SynthesisResult
// so the report is self-contained.
type FinalDiagnosis struct {
	PrimaryDiagnosis        string         `json:"primary_diagnosis"`
	Confidence              string         `json:"confidence"`
	Severity                string         `json:"severity"`
	LesionProfile           map[string]any `json:"lesion_profile"`
	ClinicalReasoning       string         `json:"clinical_reasoning"`
	SuggestedInvestigations []string       `json:"suggested_investigations"`
	CitedPMIDs              []string       `json:"cited_pmids"`
	RevisionApplied         bool           `json:"revision_applied"`
	RevisionReason          string         `json:"revision_reason"`

	PatientSummary         string   `json:"patient_summary"`
	PatientRecommendations []string `json:"patient_recommendations"`
	DoctorNotes            string   `json:"doctor_notes"`
	TreatmentSuggestions   []string `json:"treatment_suggestions"`
	LiteratureSupport      string   `json:"literature_support"`
	WhenToSeekCare         string   `json:"when_to_seek_care"`
	Disclaimer             string   `json:"disclaimer"`
}

func (o *FinalDiagnosis) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	o.PrimaryDiagnosis = asString(m, "primary_diagnosis", "Unknown")
	o.Confidence = NormalizeConfidence(asString(m, "confidence", ""))
	o.Severity = NormalizeSeverity(asString(m, "severity", ""))
	o.LesionProfile = asMap(m, "lesion_profile")
	o.ClinicalReasoning = asString(m, "clinical_reasoning", "")
	o.SuggestedInvestigations = asStringList(m, "suggested_investigations")
	o.CitedPMIDs = asStringList(m, "cited_pmids")
	o.RevisionApplied = asBool(m, "revision_applied", false)
	o.RevisionReason = asString(m, "revision_reason", "")
	o.PatientSummary = asString(m, "patient_summary", "")
	o.PatientRecommendations = asStringList(m, "patient_recommendations")
	o.DoctorNotes = asString(m, "doctor_notes", "")
	o.TreatmentSuggestions = asStringList(m, "treatment_suggestions")
	o.LiteratureSupport = asString(m, "literature_support", "")
	o.WhenToSeekCare = asString(m, "when_to_seek_care", "")
	o.Disclaimer = asString(m, "disclaimer", DefaultDisclaimer)
	if o.Disclaimer == "" {
		o.Disclaimer = DefaultDisclaimer
	}
	return nil
}
