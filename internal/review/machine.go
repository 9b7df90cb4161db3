// Package review implements the doctor approval loop: once a run produces a
// result the session waits for an explicit verdict, and a rejection carries
// the doctor's feedback into exactly one more run. Approval is terminal.
package review

import (
	"fmt"
	"strings"
	"sync"

	"github.com/dermaflow/dermaflow/internal/audit"
	"github.com/dermaflow/dermaflow/internal/events"
)

// Review states.
const (
	StateRunning        = "running"         // a pipeline run is in flight
	StateAwaitingReview = "awaiting_review" // result ready, waiting on the doctor
	StateApproved       = "approved"        // terminal
	StateFailed         = "failed"          // run produced no result; rerun still allowed
)

// Rerun scopes a doctor may request. Every scope re-executes the full graph;
// the scope is recorded so the audit shows what the doctor asked for, and the
// feedback reaches the synthesis stage regardless.
const (
	ScopeFull             = "full"
	ScopePostResearch     = "post_research"
	ScopeOrchestratorOnly = "orchestrator_only"
)

// NoFeedback is recorded when a doctor rejects without saying why. The
// synthesis stage still sees a rejection happened.
const NoFeedback = "No specific feedback provided."

var validScopes = map[string]bool{
	ScopeFull:             true,
	ScopePostResearch:     true,
	ScopeOrchestratorOnly: true,
}

// Rerun is the outcome of an accepted rejection: what the next run must be
// told.
type Rerun struct {
	Round    int
	Feedback string
	Scope    string
}

// Machine is the per-session review state machine. It owns the state
// transitions and the feedback bookkeeping on the trail; actually launching
// reruns is the session's job.
type Machine struct {
	mu        sync.Mutex
	state     string
	sessionID string
	bus       *events.Bus
}

// NewMachine creates a machine in the running state.
func NewMachine(sessionID string, bus *events.Bus) *Machine {
	return &Machine{state: StateRunning, sessionID: sessionID, bus: bus}
}

// State returns the current review state.
func (m *Machine) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RunFinished moves the machine out of the running state when a run
// terminates. ok reports whether the run produced a reviewable result.
func (m *Machine) RunFinished(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return
	}
	if ok {
		m.state = StateAwaitingReview
	} else {
		m.state = StateFailed
	}
}

// Approve accepts the current result. Terminal: no further reruns are
// possible for this session.
func (m *Machine) Approve(trail *audit.Trail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingReview {
		return fmt.Errorf("cannot approve in state %q", m.state)
	}

	round := trail.CurrentRun()
	trail.AppendFeedback(audit.FeedbackEntry{Round: round, Action: "approved"})
	m.state = StateApproved

	m.publish(events.ReviewApprovedPayload{Round: round})
	return nil
}

// RequestRerun rejects the current result and prepares the next run. Empty
// feedback is recorded as NoFeedback; an empty scope defaults to full; an
// unknown scope is an error. On success the machine is back in the running
// state and the caller must launch the run described by Rerun.
func (m *Machine) RequestRerun(trail *audit.Trail, feedback, scope string) (*Rerun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingReview && m.state != StateFailed {
		return nil, fmt.Errorf("cannot request rerun in state %q", m.state)
	}

	if scope == "" {
		scope = ScopeFull
	}
	if !validScopes[scope] {
		return nil, fmt.Errorf("unknown rerun scope %q", scope)
	}

	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		feedback = NoFeedback
	}

	rejectedRound := trail.CurrentRun()
	trail.AppendFeedback(audit.FeedbackEntry{
		Round: rejectedRound, Action: "rejected", Feedback: feedback, Scope: scope,
	})
	round := trail.IncrementRun()
	m.state = StateRunning

	m.publish(events.ReviewRerunPayload{Round: round, Scope: scope, Feedback: feedback})
	return &Rerun{Round: round, Feedback: feedback, Scope: scope}, nil
}

func (m *Machine) publish(payload events.EventPayload) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewTypedEventWithSession(events.SourceReview, payload, m.sessionID))
}
