package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cron "github.com/netresearch/go-cron"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/audit"
	"github.com/dermaflow/dermaflow/internal/config"
	"github.com/dermaflow/dermaflow/internal/events"
	"github.com/dermaflow/dermaflow/internal/pipeline"
	"github.com/dermaflow/dermaflow/internal/review"
)

// janitorSpec sweeps expired sessions once a minute.
const janitorSpec = "* * * * *"

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = fmt.Errorf("session not found")

// analysisRunner is the slice of the pipeline runner the manager needs.
type analysisRunner interface {
	Run(ctx context.Context, in pipeline.RunInput) (*pipeline.RunResult, error)
}

// gapAssessor is the clarification pre-pass.
type gapAssessor interface {
	Assess(ctx context.Context, patientText string, profile *agents.PatientProfile, round int) (*pipeline.Assessment, error)
}

// SnapshotStore persists audit snapshots. *audit.Store is the production
// implementation.
type SnapshotStore interface {
	Save(sessionID string, t *audit.Trail) error
}

// Manager owns all live sessions and drives their runs.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl       time.Duration
	runner    analysisRunner
	clarifier gapAssessor
	store     SnapshotStore
	bus       *events.Bus

	rootCtx context.Context
}

// NewManager wires a session manager. store may be nil when snapshot
// persistence is disabled.
func NewManager(cfg config.PipelineConfig, runner analysisRunner, clarifier gapAssessor, store SnapshotStore, bus *events.Bus) *Manager {
	ttl := time.Duration(cfg.SessionTTL)
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		ttl:       ttl,
		runner:    runner,
		clarifier: clarifier,
		store:     store,
		bus:       bus,
		rootCtx:   context.Background(),
	}
}

// Start binds the manager to its lifetime context and starts the expiry
// janitor. Background runs inherit this context, not the HTTP request's.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.rootCtx = ctx
	m.mu.Unlock()
	go m.janitor(ctx)
}

// Create opens a session and runs the clarification pre-pass. When the
// assessment asks questions the session parks until Answer is called;
// otherwise the analysis launches immediately.
func (m *Manager) Create(patientText, imagePath string, profile *agents.PatientProfile) (*Session, *pipeline.Assessment, error) {
	if profile == nil {
		profile = &agents.PatientProfile{Name: "Anonymous"}
	}

	s := newSession(patientText, imagePath, profile)
	s.Machine = review.NewMachine(s.ID, m.bus)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.publish(s.ID, events.SessionCreatedPayload{CreatedAt: s.CreatedAt})
	slog.Info("session created", "session", s.ID, "has_image", imagePath != "")

	assessment, err := m.clarifier.Assess(m.ctx(), patientText, profile, 1)
	if err != nil {
		m.remove(s.ID)
		return nil, nil, err
	}

	if assessment.Needs {
		s.setPendingQuestions(assessment.Questions)
		return s, assessment, nil
	}

	if err := m.launch(s, ""); err != nil {
		return nil, nil, err
	}
	return s, assessment, nil
}

// Answer merges the patient's clarification answers and launches the
// analysis. Blank answers are treated as "patient declined"; the pipeline
// proceeds either way.
func (m *Manager) Answer(s *Session, answers []string) error {
	questions := s.PendingQuestions()
	if len(questions) == 0 {
		return fmt.Errorf("session %s has no pending questions", s.ID)
	}
	s.mergeAnswers(func(text string, qs []string) string {
		return pipeline.MergeAnswers(text, qs, answers)
	})
	return m.launch(s, "")
}

// Analyze force-starts the analysis, skipping any pending clarification.
func (m *Manager) Analyze(s *Session) error {
	s.mergeAnswers(func(text string, _ []string) string { return text })
	return m.launch(s, "")
}

// Approve records the doctor's acceptance and persists the final snapshot.
func (m *Manager) Approve(s *Session) error {
	if err := s.Machine.Approve(s.Trail); err != nil {
		return err
	}
	s.touch()
	m.snapshot(s)
	return nil
}

// Reject records the doctor's rejection and launches the rerun with the
// feedback bound to it.
func (m *Manager) Reject(s *Session, feedback, scope string) error {
	rerun, err := s.Machine.RequestRerun(s.Trail, feedback, scope)
	if err != nil {
		return err
	}
	return m.launch(s, rerun.Feedback)
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// launch claims the session's run slot and executes the pipeline in the
// background. Terminal events and the audit snapshot happen here, whatever
// the outcome.
func (m *Manager) launch(s *Session, feedback string) error {
	if err := s.beginRun(); err != nil {
		return err
	}

	in := pipeline.RunInput{
		SessionID:   s.ID,
		PatientText: s.PatientText(),
		ImagePath:   s.ImagePath(),
		Profile:     s.Profile(),
		Feedback:    feedback,
		RunCount:    s.Trail.CurrentRun(),
	}

	go func() {
		defer s.endRun()

		result, err := m.runner.Run(m.ctx(), in)
		if err != nil {
			slog.Error("pipeline run aborted", "session", s.ID, "error", err)
			s.Machine.RunFinished(false)
			m.publish(s.ID, events.ErrorPayload{Message: err.Error()})
			return
		}

		s.Trail.Record(result.Records)
		s.Trail.RecordVision(result.VisionRaw)
		s.setOutcome(result.Final, result.FailedTasks)
		// Snapshot before the state flips: the doctor must never review a
		// result that is not yet on disk.
		m.snapshot(s)
		s.Machine.RunFinished(result.Final != nil)

		if result.Final == nil {
			m.publish(s.ID, events.ErrorPayload{
				Message:     "analysis did not produce a final report",
				FailedTasks: result.FailedTasks,
			})
			return
		}
		m.publish(s.ID, events.CompletePayload{RunCount: s.Trail.CurrentRun()})
	}()
	return nil
}

func (m *Manager) snapshot(s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(s.ID, s.Trail); err != nil {
		slog.Error("audit snapshot failed", "session", s.ID, "error", err)
	}
}

// janitor evicts idle sessions on a fixed schedule. Sessions with a run in
// flight are never evicted, whatever their age.
func (m *Manager) janitor(ctx context.Context) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(janitorSpec)
	if err != nil {
		slog.Error("janitor schedule invalid, expiry disabled", "error", err)
		return
	}

	for {
		next := schedule.Next(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			m.Sweep(time.Now())
		}
	}
}

// Sweep removes sessions idle past the TTL and returns how many were
// evicted.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.Running() {
			continue
		}
		if s.Age(now) > m.ttl {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		slog.Info("session expired", "session", s.ID)
		m.publish(s.ID, events.SessionExpiredPayload{Age: s.Age(now)})
	}
	return len(expired)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) ctx() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rootCtx
}

func (m *Manager) publish(sessionID string, payload events.EventPayload) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewTypedEventWithSession(events.SourceSession, payload, sessionID))
}
