package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/audit"
	"github.com/dermaflow/dermaflow/internal/config"
	"github.com/dermaflow/dermaflow/internal/events"
	"github.com/dermaflow/dermaflow/internal/pipeline"
	"github.com/dermaflow/dermaflow/internal/review"
	"github.com/dermaflow/dermaflow/internal/schema"
	"github.com/dermaflow/dermaflow/internal/session"
)

type stubRunner struct {
	result *pipeline.RunResult
}

func (s *stubRunner) Run(ctx context.Context, in pipeline.RunInput) (*pipeline.RunResult, error) {
	return s.result, nil
}

type stubClarifier struct {
	assessment *pipeline.Assessment
}

func (s *stubClarifier) Assess(ctx context.Context, patientText string, profile *agents.PatientProfile, round int) (*pipeline.Assessment, error) {
	return s.assessment, nil
}

func testServer(t *testing.T, runner *stubRunner, clarifier *stubClarifier) (*Server, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)

	manager := session.NewManager(config.PipelineConfig{}, runner, clarifier, nil, bus)
	profilePath := filepath.Join(t.TempDir(), "profile.json")
	return NewServer(bus, manager, nil, profilePath, "127.0.0.1", 0), bus
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("response not JSON: %s", rec.Body.String())
		}
	}
	return rec, out
}

func finalResult() *pipeline.RunResult {
	return &pipeline.RunResult{
		Records: map[string]audit.TaskRecord{
			agents.StageScribe: {
				Structured: &schema.FinalDiagnosis{PrimaryDiagnosis: "Psoriasis vulgaris"},
				Status:     audit.StatusDirect,
			},
		},
		VisionRaw: map[string]string{},
		Final:     &schema.FinalDiagnosis{PrimaryDiagnosis: "Psoriasis vulgaris"},
	}
}

func waitForState(t *testing.T, handler http.Handler, sessionID, state string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, out := doJSON(t, handler, http.MethodGet, "/api/sessions/"+sessionID+"/result", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("result status = %d", rec.Code)
		}
		if out["state"] == state {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never reached state %q", sessionID, state)
	return nil
}

func TestStartAnalyzeApproveFlow(t *testing.T) {
	srv, _ := testServer(t, &stubRunner{result: finalResult()}, &stubClarifier{assessment: &pipeline.Assessment{}})
	h := srv.httpServer.Handler

	rec, out := doJSON(t, h, http.MethodPost, "/api/start", map[string]string{
		"patient_text": "itchy rash on elbow",
	})
	if rec.Code != http.StatusOK || out["status"] != "running" {
		t.Fatalf("start = %d %v", rec.Code, out)
	}
	sessionID, _ := out["session_id"].(string)

	result := waitForState(t, h, sessionID, review.StateAwaitingReview)
	final, _ := result["result"].(map[string]any)
	if final["primary_diagnosis"] != "Psoriasis vulgaris" {
		t.Errorf("result = %v", result)
	}

	rec, out = doJSON(t, h, http.MethodPost, "/api/sessions/"+sessionID+"/approve", nil)
	if rec.Code != http.StatusOK || out["state"] != review.StateApproved {
		t.Errorf("approve = %d %v", rec.Code, out)
	}

	// Approval is terminal: a rejection afterwards must be refused.
	rec, _ = doJSON(t, h, http.MethodPost, "/api/sessions/"+sessionID+"/reject",
		map[string]string{"feedback": "reconsider"})
	if rec.Code != http.StatusConflict {
		t.Errorf("reject after approve = %d", rec.Code)
	}
}

func TestStartWithClarificationThenAnswer(t *testing.T) {
	srv, _ := testServer(t, &stubRunner{result: finalResult()}, &stubClarifier{assessment: &pipeline.Assessment{
		Needs:     true,
		Questions: []string{"Where is the rash?"},
	}})
	h := srv.httpServer.Handler

	rec, out := doJSON(t, h, http.MethodPost, "/api/start", map[string]string{
		"patient_text": "I have a rash",
	})
	if rec.Code != http.StatusOK || out["status"] != "needs_clarification" {
		t.Fatalf("start = %d %v", rec.Code, out)
	}
	questions, _ := out["questions"].([]any)
	if len(questions) != 1 {
		t.Fatalf("questions = %v", out["questions"])
	}
	sessionID, _ := out["session_id"].(string)

	rec, out = doJSON(t, h, http.MethodPost, "/api/sessions/"+sessionID+"/clarify",
		map[string]any{"answers": []string{"On my elbow"}})
	if rec.Code != http.StatusOK || out["status"] != "running" {
		t.Fatalf("clarify = %d %v", rec.Code, out)
	}
	waitForState(t, h, sessionID, review.StateAwaitingReview)
}

func TestRejectTriggersRerun(t *testing.T) {
	srv, _ := testServer(t, &stubRunner{result: finalResult()}, &stubClarifier{assessment: &pipeline.Assessment{}})
	h := srv.httpServer.Handler

	_, out := doJSON(t, h, http.MethodPost, "/api/start", map[string]string{
		"patient_text": "rash",
	})
	sessionID, _ := out["session_id"].(string)
	waitForState(t, h, sessionID, review.StateAwaitingReview)

	rec, out := doJSON(t, h, http.MethodPost, "/api/sessions/"+sessionID+"/reject",
		map[string]string{"feedback": "reconsider tinea", "scope": "full"})
	if rec.Code != http.StatusOK {
		t.Fatalf("reject = %d %v", rec.Code, out)
	}
	result := waitForState(t, h, sessionID, review.StateAwaitingReview)
	if fmt.Sprint(result["run_count"]) != "2" {
		t.Errorf("run_count = %v", result["run_count"])
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	srv, _ := testServer(t, &stubRunner{result: finalResult()}, &stubClarifier{assessment: &pipeline.Assessment{}})
	rec, _ := doJSON(t, srv.httpServer.Handler, http.MethodGet, "/api/sessions/nope/result", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStartRequiresPatientText(t *testing.T) {
	srv, _ := testServer(t, &stubRunner{result: finalResult()}, &stubClarifier{assessment: &pipeline.Assessment{}})
	rec, _ := doJSON(t, srv.httpServer.Handler, http.MethodPost, "/api/start", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	srv, _ := testServer(t, &stubRunner{result: finalResult()}, &stubClarifier{assessment: &pipeline.Assessment{}})
	h := srv.httpServer.Handler

	rec, out := doJSON(t, h, http.MethodPut, "/api/profile", agents.PatientProfile{
		Name: "Pat", Age: 34, SkinTone: "type IV",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d %v", rec.Code, out)
	}

	rec, out = doJSON(t, h, http.MethodGet, "/api/profile", nil)
	if rec.Code != http.StatusOK || out["name"] != "Pat" || out["skin_tone"] != "type IV" {
		t.Errorf("get = %d %v", rec.Code, out)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := testServer(t, &stubRunner{result: finalResult()}, &stubClarifier{assessment: &pipeline.Assessment{}})
	rec, out := doJSON(t, srv.httpServer.Handler, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, out)
	}
}
