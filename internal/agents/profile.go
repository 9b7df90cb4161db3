package agents

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// PatientProfile is the structured biodata collected once per patient and
// reused across sessions. Zero values mean "not provided" and are reported
// as such, never guessed.
type PatientProfile struct {
	Name               string   `json:"name"`
	Age                int      `json:"age,omitempty"`
	Sex                string   `json:"sex,omitempty"`
	Gender             string   `json:"gender,omitempty"`
	SkinTone           string   `json:"skin_tone,omitempty"`
	Occupation         string   `json:"occupation,omitempty"`
	KnownAllergies     []string `json:"known_allergies,omitempty"`
	CurrentMedications []string `json:"current_medications,omitempty"`
	PastSkinConditions []string `json:"past_skin_conditions,omitempty"`
	FamilySkinHistory  string   `json:"family_skin_history,omitempty"`
	Notes              string   `json:"notes,omitempty"`
}

// LoadProfile reads the saved patient profile. A missing file yields an
// anonymous profile rather than an error.
func LoadProfile(path string) (*PatientProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PatientProfile{Name: "Anonymous"}, nil
		}
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var p PatientProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	if p.Name == "" {
		p.Name = "Anonymous"
	}
	return &p, nil
}

// SaveProfile writes the profile to disk.
func SaveProfile(path string, p *PatientProfile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// ContextString renders the profile as the labelled block the biodata agent
// reports from.
func (p *PatientProfile) ContextString() string {
	lines := []string{"PATIENT PROFILE ON RECORD:"}
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, fmt.Sprintf("  %s: %s", label, value))
		}
	}
	add("Name", p.Name)
	if p.Age > 0 {
		add("Age", fmt.Sprintf("%d years", p.Age))
	}
	add("Sex", p.Sex)
	add("Gender", p.Gender)
	add("Skin Tone", p.SkinTone)
	add("Occupation", p.Occupation)
	add("Known Allergies", strings.Join(p.KnownAllergies, ", "))
	add("Current Medications", strings.Join(p.CurrentMedications, ", "))
	add("Past Skin Conditions", strings.Join(p.PastSkinConditions, ", "))
	add("Family Skin History", p.FamilySkinHistory)
	add("Notes", p.Notes)

	if len(lines) == 1 {
		lines = append(lines, "  No biodata provided.")
	}
	return strings.Join(lines, "\n")
}

// BiodataSpec reports the patient profile in a structured form that every
// downstream task receives as context.
func BiodataSpec(profile *PatientProfile) TaskSpec {
	return TaskSpec{
		ID:   StageBiodata,
		Role: "Patient Profile Specialist",
		System: "You are a clinical data administrator at a dermatology clinic. " +
			"You maintain precise patient records and provide them to the medical team " +
			"whenever needed. You only share what is documented.\n\n" +
			profile.ContextString(),
		Instruction: "Summarise the patient's biodata in a structured format. " +
			"Include all fields that have values. For any field not provided, " +
			"state 'not provided'. Do not add any assumptions or inferences.",
		Expected: "A structured summary of the patient profile with clearly labelled fields, " +
			"each field on its own line.",
		Backend: BackendOrchestrator,
	}
}
