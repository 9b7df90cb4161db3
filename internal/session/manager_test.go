package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/audit"
	"github.com/dermaflow/dermaflow/internal/config"
	"github.com/dermaflow/dermaflow/internal/pipeline"
	"github.com/dermaflow/dermaflow/internal/review"
	"github.com/dermaflow/dermaflow/internal/schema"
)

type fakeRunner struct {
	mu     sync.Mutex
	inputs []pipeline.RunInput
	result *pipeline.RunResult
	err    error
	block  chan struct{} // when set, Run waits on it
}

func (f *fakeRunner) Run(ctx context.Context, in pipeline.RunInput) (*pipeline.RunResult, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.result, f.err
}

func (f *fakeRunner) lastInput() pipeline.RunInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

type fakeClarifier struct {
	assessment *pipeline.Assessment
	err        error
}

func (f *fakeClarifier) Assess(ctx context.Context, patientText string, profile *agents.PatientProfile, round int) (*pipeline.Assessment, error) {
	return f.assessment, f.err
}

type fakeStore struct {
	mu    sync.Mutex
	saves int
}

func (f *fakeStore) Save(sessionID string, t *audit.Trail) error {
	f.mu.Lock()
	f.saves++
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func goodResult() *pipeline.RunResult {
	return &pipeline.RunResult{
		Records: map[string]audit.TaskRecord{
			agents.StageScribe: {
				Structured: &schema.FinalDiagnosis{PrimaryDiagnosis: "Psoriasis vulgaris"},
				Raw:        "{}",
				Status:     audit.StatusDirect,
			},
		},
		VisionRaw: map[string]string{},
		Final:     &schema.FinalDiagnosis{PrimaryDiagnosis: "Psoriasis vulgaris"},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(runner *fakeRunner, clarifier *fakeClarifier, store SnapshotStore) *Manager {
	return NewManager(config.PipelineConfig{SessionTTL: config.Duration(2 * time.Hour)},
		runner, clarifier, store, nil)
}

func TestCreateRunsWhenNoClarificationNeeded(t *testing.T) {
	runner := &fakeRunner{result: goodResult()}
	m := newTestManager(runner, &fakeClarifier{assessment: &pipeline.Assessment{}}, nil)

	s, assessment, err := m.Create("itchy rash on elbow", "", &agents.PatientProfile{Name: "Pat"})
	if err != nil {
		t.Fatal(err)
	}
	if assessment.Needs {
		t.Fatal("unexpected clarification request")
	}

	waitFor(t, "run completion", func() bool {
		return s.Machine.State() == review.StateAwaitingReview
	})
	if s.Result() == nil || s.Result().PrimaryDiagnosis != "Psoriasis vulgaris" {
		t.Errorf("result = %+v", s.Result())
	}
	if got := runner.lastInput(); got.RunCount != 1 || got.Feedback != "" {
		t.Errorf("input = %+v", got)
	}
	if s.Trail.FinalResult() == nil {
		t.Error("trail not recorded")
	}
}

func TestCreateParksOnClarificationQuestions(t *testing.T) {
	runner := &fakeRunner{result: goodResult()}
	m := newTestManager(runner, &fakeClarifier{assessment: &pipeline.Assessment{
		Needs:     true,
		Questions: []string{"Where is the rash?", "How long have you had it?"},
	}}, nil)

	s, assessment, err := m.Create("I have a rash", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !assessment.Needs || len(s.PendingQuestions()) != 2 {
		t.Fatalf("assessment = %+v", assessment)
	}
	if runner.runCount() != 0 {
		t.Fatal("run launched before answers arrived")
	}

	if err := m.Answer(s, []string{"On my elbow", "Two weeks"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run completion", func() bool {
		return s.Machine.State() == review.StateAwaitingReview
	})
	if got := runner.lastInput().PatientText; !strings.Contains(got, "On my elbow") {
		t.Errorf("answers not merged into narrative: %q", got)
	}
}

func TestAnswerWithoutQuestionsFails(t *testing.T) {
	m := newTestManager(&fakeRunner{result: goodResult()},
		&fakeClarifier{assessment: &pipeline.Assessment{}}, nil)

	s, _, err := m.Create("rash", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run completion", func() bool {
		return s.Machine.State() == review.StateAwaitingReview
	})
	if err := m.Answer(s, []string{"x"}); err == nil {
		t.Error("answer accepted with no pending questions")
	}
}

func TestRejectRerunsWithFeedback(t *testing.T) {
	runner := &fakeRunner{result: goodResult()}
	store := &fakeStore{}
	m := newTestManager(runner, &fakeClarifier{assessment: &pipeline.Assessment{}}, store)

	s, _, err := m.Create("rash", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first run", func() bool {
		return s.Machine.State() == review.StateAwaitingReview
	})

	if err := m.Reject(s, "reconsider tinea", ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "rerun", func() bool {
		return runner.runCount() == 2 && s.Machine.State() == review.StateAwaitingReview
	})

	got := runner.lastInput()
	if got.Feedback != "reconsider tinea" || got.RunCount != 2 {
		t.Errorf("rerun input = %+v", got)
	}
	if len(s.Trail.FeedbackHistory) != 1 || s.Trail.FeedbackHistory[0].Action != "rejected" {
		t.Errorf("history = %+v", s.Trail.FeedbackHistory)
	}

	if err := m.Approve(s); err != nil {
		t.Fatal(err)
	}
	if store.count() < 3 { // two run snapshots plus the approval snapshot
		t.Errorf("snapshots = %d", store.count())
	}
}

func TestSingleActiveRun(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{result: goodResult(), block: block}
	m := newTestManager(runner, &fakeClarifier{assessment: &pipeline.Assessment{}}, nil)

	s, _, err := m.Create("rash", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run start", func() bool { return s.Running() })

	if err := m.Analyze(s); err == nil {
		t.Error("second concurrent run accepted")
	}
	close(block)
	waitFor(t, "run completion", func() bool { return !s.Running() })
}

func TestFailedRunReportsFailedTasks(t *testing.T) {
	runner := &fakeRunner{result: &pipeline.RunResult{
		Records:     map[string]audit.TaskRecord{},
		VisionRaw:   map[string]string{},
		FailedTasks: []string{"synthesis", "final_diagnosis"},
	}}
	m := newTestManager(runner, &fakeClarifier{assessment: &pipeline.Assessment{}}, nil)

	s, _, err := m.Create("rash", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure state", func() bool {
		return s.Machine.State() == review.StateFailed
	})
	if got := s.FailedTasks(); len(got) != 2 {
		t.Errorf("failed tasks = %v", got)
	}
	if err := m.Approve(s); err == nil {
		t.Error("approved a failed run")
	}
}

func TestRunErrorMovesToFailed(t *testing.T) {
	runner := &fakeRunner{err: errors.New("context canceled")}
	m := newTestManager(runner, &fakeClarifier{assessment: &pipeline.Assessment{}}, nil)

	s, _, err := m.Create("rash", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failure state", func() bool {
		return s.Machine.State() == review.StateFailed
	})
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	m := newTestManager(&fakeRunner{result: goodResult()}, &fakeClarifier{assessment: &pipeline.Assessment{
		Needs: true, Questions: []string{"Where?"},
	}}, nil)

	s, _, err := m.Create("rash", "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if n := m.Sweep(time.Now().Add(time.Hour)); n != 0 {
		t.Errorf("evicted %d sessions before TTL", n)
	}
	if n := m.Sweep(time.Now().Add(3 * time.Hour)); n != 1 {
		t.Errorf("evicted %d sessions after TTL", n)
	}
	if _, err := m.Get(s.ID); err != ErrNotFound {
		t.Errorf("expired session lookup = %v", err)
	}
}
