// Package pipeline executes the diagnostic task graph: invoking agents
// against their backends, recovering from partial failures, accumulating the
// audit trail, and streaming progress events.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"

	"github.com/dermaflow/dermaflow/internal/agents"
	"github.com/dermaflow/dermaflow/internal/audit"
	"github.com/dermaflow/dermaflow/internal/models"
)

// Adapter statuses mirror the audit vocabulary so results flow straight into
// trail records.
const (
	StatusDirect    = audit.StatusDirect
	StatusRecovered = audit.StatusRecovered
	StatusDefaulted = audit.StatusDefaulted
)

// TaskResult is the outcome of one agent invocation. Success means a
// structured object exists; a parse failure leaves the raw text and sets
// Success false, it is never an error. Only transport-level failures
// propagate as errors.
type TaskResult struct {
	Stage      string
	Role       string
	Raw        string
	Structured any
	Success    bool
	Status     string // adapter status: direct / recovered / defaulted
	Err        string // last adapter error, if any
}

// Backends supplies the two model classes. *models.Registry is the
// production implementation; tests inject scripted fakes.
type Backends interface {
	Vision(ctx context.Context) (model.ToolCallingChatModel, error)
	Orchestrator(ctx context.Context) (model.ToolCallingChatModel, error)
}

var _ Backends = (*models.Registry)(nil)

// Invoker runs single agent tasks against the configured backends.
type Invoker struct {
	registry Backends
	timeout  time.Duration
}

// NewInvoker creates an invoker over the model backends.
func NewInvoker(registry Backends) *Invoker {
	return &Invoker{registry: registry}
}

// WithCallTimeout bounds each invocation, including any formatter recovery
// calls. Zero leaves the invocation bounded only by the caller's context.
func (inv *Invoker) WithCallTimeout(d time.Duration) *Invoker {
	inv.timeout = d
	return inv
}

// Invoke executes one TaskSpec: exactly one generate call on the selected
// backend, then extraction, coercion and (if needed) a formatter recovery
// pass on the output. Context texts from completed upstream tasks are
// concatenated as a preamble to the instruction.
func (inv *Invoker) Invoke(ctx context.Context, spec agents.TaskSpec, contexts []string) (*TaskResult, error) {
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	backend, err := inv.backend(ctx, spec.Backend)
	if err != nil {
		return nil, err
	}

	msgs := buildMessages(spec, contexts)
	resp, err := backend.Generate(ctx, msgs)
	if err != nil {
		// Transport failures propagate to the runner; everything after a
		// successful generation is handled without raising.
		return nil, models.HandleError(err)
	}

	result := &TaskResult{Stage: spec.ID, Role: spec.Role, Raw: resp.Content}
	inv.decode(ctx, spec, result)
	return result, nil
}

func (inv *Invoker) backend(ctx context.Context, b agents.Backend) (model.ToolCallingChatModel, error) {
	if b == agents.BackendVision {
		return inv.registry.Vision(ctx)
	}
	return inv.registry.Orchestrator(ctx)
}

// decode fills Structured via the spec decoder, falling back to the
// formatter adapter when the raw output never parses.
func (inv *Invoker) decode(ctx context.Context, spec agents.TaskSpec, result *TaskResult) {
	if spec.Decode == nil {
		// Free-text task: the raw output is the output.
		result.Success = result.Raw != ""
		result.Status = StatusDirect
		return
	}

	structured, err := spec.Decode(result.Raw)
	if err == nil {
		result.Structured = structured
		result.Success = true
		result.Status = StatusDirect
		return
	}

	slog.Debug("direct parse failed, trying formatter",
		"stage", spec.ID, "error", err)

	formatter, ferr := inv.registry.Orchestrator(ctx)
	if ferr != nil {
		result.Status = StatusDefaulted
		result.Err = err.Error()
		result.Structured, result.Success = defaultedObject(spec)
		return
	}

	structured, status, lastErr := adapt(ctx, formatter, spec, result.Raw)
	result.Structured = structured
	result.Status = status
	result.Err = lastErr
	result.Success = structured != nil
}

// defaultedObject builds the contract's all-defaults object by decoding an
// empty JSON object through the coercion layer.
func defaultedObject(spec agents.TaskSpec) (any, bool) {
	structured, err := spec.Decode("{}")
	if err != nil {
		return nil, false
	}
	return structured, true
}

// buildMessages assembles the chat turn: the role prompt as system message,
// then the dependency context preamble, instruction and output contract as
// the user message.
func buildMessages(spec agents.TaskSpec, contexts []string) []*einoschema.Message {
	var b strings.Builder
	if len(contexts) > 0 {
		b.WriteString("CONTEXT FROM PRIOR ANALYSIS:\n\n")
		for _, c := range contexts {
			if c = strings.TrimSpace(c); c != "" {
				b.WriteString(c)
				b.WriteString("\n\n")
			}
		}
		b.WriteString("---\n\n")
	}
	b.WriteString(spec.Instruction)
	if spec.Expected != "" {
		b.WriteString("\n\nEXPECTED OUTPUT:\n")
		b.WriteString(spec.Expected)
	}

	return []*einoschema.Message{
		einoschema.SystemMessage(spec.System),
		einoschema.UserMessage(b.String()),
	}
}

// ContextText renders a completed task result as a context block for a
// downstream instruction. Failed results render as empty and must be
// omitted, never passed as placeholders.
func ContextText(r *TaskResult) string {
	if r == nil || strings.TrimSpace(r.Raw) == "" {
		return ""
	}
	return fmt.Sprintf("=== %s ===\n%s", r.Role, strings.TrimSpace(r.Raw))
}
