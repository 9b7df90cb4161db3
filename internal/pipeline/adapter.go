package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"

	"github.com/dermaflow/dermaflow/internal/agents"
)

// formatterAttempts bounds the recovery loop. Two tries is the point of
// diminishing returns for a local model restating its own output.
const formatterAttempts = 2

const formatterSystem = "You are a strict JSON formatter. You convert free-form text into a " +
	"single valid JSON object. You never add commentary, markdown fences, or " +
	"explanation. You output the JSON object and nothing else."

// adapt recovers a structured object from raw text that failed direct parsing.
// The formatter model restates the text as strict JSON, up to
// formatterAttempts times; if every attempt fails the contract's defaults are
// used so a malformed agent output degrades the run instead of aborting it.
// Returns the object (nil only when even defaults cannot be built), the
// adapter status, and the last parse error.
func adapt(ctx context.Context, formatter model.ToolCallingChatModel, spec agents.TaskSpec, raw string) (any, string, string) {
	var lastErr string

	for attempt := 1; attempt <= formatterAttempts; attempt++ {
		resp, err := formatter.Generate(ctx, formatterMessages(spec, raw, lastErr))
		if err != nil {
			lastErr = err.Error()
			slog.Warn("formatter call failed",
				"stage", spec.ID, "attempt", attempt, "error", err)
			continue
		}

		structured, err := spec.Decode(resp.Content)
		if err == nil {
			slog.Info("formatter recovered output", "stage", spec.ID, "attempt", attempt)
			return structured, StatusRecovered, lastErr
		}
		lastErr = err.Error()
	}

	slog.Warn("formatter exhausted, using contract defaults",
		"stage", spec.ID, "error", lastErr)
	structured, _ := defaultedObject(spec)
	return structured, StatusDefaulted, lastErr
}

func formatterMessages(spec agents.TaskSpec, raw, priorErr string) []*einoschema.Message {
	var b strings.Builder
	b.WriteString("Convert the text below into a single valid JSON object.\n\n")
	b.WriteString("REQUIRED CONTRACT:\n")
	b.WriteString(spec.Expected)
	b.WriteString("\n\nRULES:\n")
	b.WriteString("- Output ONLY the JSON object. No markdown fences, no prose.\n")
	b.WriteString("- Every key from the contract must be present. Use null, \"\" or [] when the text has no value for a key.\n")
	b.WriteString("- Preserve the text's content faithfully; never invent clinical facts.\n")
	if priorErr != "" {
		b.WriteString("- A previous attempt failed with: ")
		b.WriteString(priorErr)
		b.WriteString("\n")
	}
	b.WriteString("\nTEXT:\n")
	b.WriteString(raw)

	return []*einoschema.Message{
		einoschema.SystemMessage(formatterSystem),
		einoschema.UserMessage(b.String()),
	}
}
