package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/schema"
)

// Assessment is the outcome of one clarification round: the structured
// decomposition of what the patient said so far, and the questions still
// worth asking, if any.
type Assessment struct {
	Decomposition *schema.Decomposition
	Needs         bool
	Questions     []string
	MissingFields []string
}

// Clarifier runs the interactive pre-pass that fills anamnesis gaps before
// the diagnostic graph spends model calls on an incomplete story. It never
// blocks a diagnosis: any failure inside the pre-pass means "proceed with
// what we have".
type Clarifier struct {
	invoker   *Invoker
	maxRounds int
}

// NewClarifier creates a clarifier. maxRounds bounds how many times the
// patient can be asked follow-up questions in one session.
func NewClarifier(invoker *Invoker, maxRounds int) *Clarifier {
	if maxRounds <= 0 {
		maxRounds = 1
	}
	return &Clarifier{invoker: invoker, maxRounds: maxRounds}
}

// MaxRounds returns the round limit.
func (c *Clarifier) MaxRounds() int {
	return c.maxRounds
}

// Assess decomposes the patient text and runs the gap analysis. round is
// 1-based; at the limit no further questions are asked regardless of gaps.
// When answers for this round's questions have already been merged into the
// text, callers should proceed to the pipeline without reassessing — asking
// twice about the same gap exhausts patients fast.
func (c *Clarifier) Assess(ctx context.Context, patientText string, profile *agents.PatientProfile, round int) (*Assessment, error) {
	if strings.TrimSpace(patientText) == "" {
		return nil, fmt.Errorf("empty patient description")
	}

	var contexts []string
	if profile != nil {
		contexts = append(contexts, "=== Patient Biodata ===\n"+profile.ContextString())
	}

	decompRes, err := c.invoker.Invoke(ctx, agents.DecompositionSpec(patientText), contexts)
	if err != nil {
		slog.Warn("clarification decomposition failed, proceeding without pre-pass", "error", err)
		return &Assessment{}, nil
	}
	decomp, _ := resultAs[schema.Decomposition](decompRes)

	out := &Assessment{Decomposition: decomp}
	if round > c.maxRounds || decomp == nil {
		return out, nil
	}

	gapRes, err := c.invoker.Invoke(ctx, agents.ClarificationSpec(), []string{ContextText(decompRes)})
	if err != nil {
		slog.Warn("gap analysis failed, proceeding without clarification", "error", err)
		return out, nil
	}
	gap, _ := resultAs[schema.Clarification](gapRes)
	if gap == nil || !gap.NeedsClarification || len(gap.Questions) == 0 {
		return out, nil
	}

	out.Needs = true
	out.Questions = gap.Questions
	out.MissingFields = gap.MissingFields
	return out, nil
}

// MergeAnswers folds the patient's answers back into the narrative. Blank
// answers are skipped; if every answer is blank the text comes back
// unchanged, which callers treat as "patient declined, proceed".
func MergeAnswers(patientText string, questions, answers []string) string {
	var lines []string
	for i, a := range answers {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		q := ""
		if i < len(questions) {
			q = strings.TrimSpace(questions[i])
		}
		if q != "" {
			lines = append(lines, fmt.Sprintf("- %s %s", q, a))
		} else {
			lines = append(lines, "- "+a)
		}
	}
	if len(lines) == 0 {
		return patientText
	}
	return patientText + "\n\nAdditional information from follow-up questions:\n" + strings.Join(lines, "\n")
}
