// Package session owns the per-consultation state: the inputs gathered from
// the patient, the audit trail, the review machine, and the single-flight
// guard around pipeline runs. Sessions live in memory and expire on a TTL;
// their audit snapshots outlive them in the store.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/audit"
	"github.com/dermaflow/dermaflow/internal/review"
	"github.com/dermaflow/dermaflow/internal/schema"
)

// Session is one patient consultation.
type Session struct {
	ID        string
	CreatedAt time.Time

	Trail   *audit.Trail
	Machine *review.Machine

	mu               sync.Mutex
	updatedAt        time.Time
	patientText      string
	imagePath        string
	profile          *agents.PatientProfile
	clarifyRound     int
	pendingQuestions []string
	result           *schema.FinalDiagnosis
	failedTasks      []string

	running atomic.Bool
}

func newSession(patientText, imagePath string, profile *agents.PatientProfile) *Session {
	now := time.Now()
	return &Session{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		Trail:       audit.NewTrail(patientText, imagePath),
		updatedAt:   now,
		patientText: patientText,
		imagePath:   imagePath,
		profile:     profile,
	}
}

// touch refreshes the TTL clock.
func (s *Session) touch() {
	s.mu.Lock()
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// Age returns time since the last activity.
func (s *Session) Age(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.updatedAt)
}

// PatientText returns the current narrative, including merged clarification
// answers.
func (s *Session) PatientText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patientText
}

// ImagePath returns the lesion image path, empty for text-only sessions.
func (s *Session) ImagePath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imagePath
}

// Profile returns the patient profile bound at session creation.
func (s *Session) Profile() *agents.PatientProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Result returns the final report of the latest completed run, or nil.
func (s *Session) Result() *schema.FinalDiagnosis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// FailedTasks lists the stages that produced no output in the latest run.
func (s *Session) FailedTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failedTasks...)
}

// PendingQuestions returns the clarification questions awaiting answers.
func (s *Session) PendingQuestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pendingQuestions...)
}

func (s *Session) setPendingQuestions(qs []string) {
	s.mu.Lock()
	s.pendingQuestions = qs
	s.clarifyRound++
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) mergeAnswers(merge func(text string, questions []string) string) {
	s.mu.Lock()
	s.patientText = merge(s.patientText, s.pendingQuestions)
	s.pendingQuestions = nil
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) setOutcome(result *schema.FinalDiagnosis, failed []string) {
	s.mu.Lock()
	s.result = result
	s.failedTasks = failed
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// beginRun claims the single run slot.
func (s *Session) beginRun() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("an analysis is already running for session %s", s.ID)
	}
	return nil
}

func (s *Session) endRun() {
	s.running.Store(false)
}

// Running reports whether a pipeline run is in flight.
func (s *Session) Running() bool {
	return s.running.Load()
}
