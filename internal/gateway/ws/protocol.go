// Package ws streams pipeline progress to browser clients. The protocol is
// push-only and deliberately flat: every frame is a JSON object whose "type"
// field is one of connected, task_done, complete, or error, with the payload
// fields at the top level. Clients that miss frames poll the result endpoint
// instead; nothing is replayed.
package ws

import (
	"encoding/json"
	"fmt"

	"github.com/dermaflow/dermaflow/internal/events"
)

// clientEventTypes are the bus events bridged to clients.
var clientEventTypes = []events.EventType{
	events.EventTaskDone,
	events.EventComplete,
	events.EventError,
}

// ConnectedFrame is the first frame every client receives.
func ConnectedFrame() []byte {
	return []byte(`{"type":"connected"}`)
}

// Flatten renders a bus event as a client frame: the payload fields merged
// with the event type at the top level.
func Flatten(e events.Event) ([]byte, error) {
	frame := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		frame[k] = v
	}
	frame["type"] = string(e.Type)

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal ws frame: %w", err)
	}
	return data, nil
}
