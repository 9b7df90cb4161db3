package review

import (
	"testing"

	"github.com/dermaflow/dermaflow/internal/audit"
)

func TestApproveIsTerminal(t *testing.T) {
	trail := audit.NewTrail("rash", "")
	m := NewMachine("s1", nil)

	if err := m.Approve(trail); err == nil {
		t.Error("approval accepted while a run is in flight")
	}

	m.RunFinished(true)
	if m.State() != StateAwaitingReview {
		t.Fatalf("state = %q", m.State())
	}
	if err := m.Approve(trail); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateApproved {
		t.Errorf("state = %q", m.State())
	}

	if _, err := m.RequestRerun(trail, "try again", ""); err == nil {
		t.Error("rerun accepted after approval")
	}
	if len(trail.FeedbackHistory) != 1 || trail.FeedbackHistory[0].Action != "approved" {
		t.Errorf("history = %+v", trail.FeedbackHistory)
	}
}

func TestRerunRecordsFeedbackAndBumpsRound(t *testing.T) {
	trail := audit.NewTrail("rash", "")
	m := NewMachine("s1", nil)
	m.RunFinished(true)

	rerun, err := m.RequestRerun(trail, "  reconsider tinea  ", ScopePostResearch)
	if err != nil {
		t.Fatal(err)
	}
	if rerun.Feedback != "reconsider tinea" || rerun.Round != 2 {
		t.Errorf("rerun = %+v", rerun)
	}
	if m.State() != StateRunning {
		t.Errorf("state = %q", m.State())
	}

	entry := trail.FeedbackHistory[0]
	if entry.Round != 1 || entry.Action != "rejected" || entry.Scope != ScopePostResearch {
		t.Errorf("entry = %+v", entry)
	}
}

func TestRerunDefaultsFeedbackAndScope(t *testing.T) {
	trail := audit.NewTrail("rash", "")
	m := NewMachine("s1", nil)
	m.RunFinished(true)

	rerun, err := m.RequestRerun(trail, "   ", "")
	if err != nil {
		t.Fatal(err)
	}
	if rerun.Feedback != NoFeedback {
		t.Errorf("feedback = %q", rerun.Feedback)
	}
	if rerun.Scope != ScopeFull {
		t.Errorf("scope = %q", rerun.Scope)
	}
}

func TestRerunRejectsUnknownScope(t *testing.T) {
	trail := audit.NewTrail("rash", "")
	m := NewMachine("s1", nil)
	m.RunFinished(true)

	if _, err := m.RequestRerun(trail, "x", "vision_only"); err == nil {
		t.Error("unknown scope accepted")
	}
	if m.State() != StateAwaitingReview {
		t.Errorf("state changed on rejected scope: %q", m.State())
	}
}

func TestFailedRunStillAllowsRerun(t *testing.T) {
	trail := audit.NewTrail("rash", "")
	m := NewMachine("s1", nil)
	m.RunFinished(false)

	if m.State() != StateFailed {
		t.Fatalf("state = %q", m.State())
	}
	if err := m.Approve(trail); err == nil {
		t.Error("approved a run with no result")
	}
	if _, err := m.RequestRerun(trail, "", ""); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateRunning {
		t.Errorf("state = %q", m.State())
	}
}
