package events

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// summaryLimit bounds the task_done summary pushed to clients. Raw model
// output can run to thousands of characters.
const summaryLimit = 120

// Summarize truncates raw task output to a client-safe progress summary,
// never splitting a multi-byte rune.
func Summarize(raw string) string {
	if len(raw) <= summaryLimit {
		return raw
	}
	cut := summaryLimit
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return raw[:cut]
}

// TaskDonePayload announces completion of one pipeline task.
type TaskDonePayload struct {
	Agent   string `json:"agent"`
	Summary string `json:"summary"`
}

func (TaskDonePayload) EventType() EventType { return EventTaskDone }

// CompletePayload announces that a run produced a structured final result.
type CompletePayload struct {
	RunCount int `json:"run_count"`
}

func (CompletePayload) EventType() EventType { return EventComplete }

// ErrorPayload announces a failed run. FailedTasks lists every task that
// produced no output.
type ErrorPayload struct {
	Message     string   `json:"message"`
	FailedTasks []string `json:"failed_tasks,omitempty"`
}

func (ErrorPayload) EventType() EventType { return EventError }

// RunStartedPayload marks the start of a pipeline run.
type RunStartedPayload struct {
	RunCount int  `json:"run_count"`
	HasImage bool `json:"has_image"`
}

func (RunStartedPayload) EventType() EventType { return EventRunStarted }

// SessionCreatedPayload marks the creation of a session.
type SessionCreatedPayload struct {
	CreatedAt time.Time `json:"created_at"`
}

func (SessionCreatedPayload) EventType() EventType { return EventSessionCreated }

// SessionExpiredPayload marks a session removed by the cleanup job.
type SessionExpiredPayload struct {
	Age time.Duration `json:"age"`
}

func (SessionExpiredPayload) EventType() EventType { return EventSessionExpired }

// ReviewApprovedPayload marks doctor approval of the current result.
type ReviewApprovedPayload struct {
	Round int `json:"round"`
}

func (ReviewApprovedPayload) EventType() EventType { return EventReviewApproved }

// ReviewRerunPayload marks a doctor rejection and the rerun it triggers.
type ReviewRerunPayload struct {
	Round    int    `json:"round"`
	Scope    string `json:"scope"`
	Feedback string `json:"feedback"`
}

func (ReviewRerunPayload) EventType() EventType { return EventReviewRerun }

// NewTypedEvent creates an event from a typed payload.
func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

// NewTypedEventWithSession creates an event with session context.
func NewTypedEventWithSession(source EventSource, payload EventPayload, sessionID string) Event {
	return Event{
		ID:        generateEventID(),
		SessionID: sessionID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes an event's payload into a typed struct.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
