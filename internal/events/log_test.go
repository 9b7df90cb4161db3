package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoggerWritesSessionJSONL(t *testing.T) {
	dir := t.TempDir()
	bus := NewBus(16)
	defer bus.Close()

	logger := NewLogger(dir, bus)
	defer logger.Close()

	bus.Publish(NewTypedEventWithSession(SourcePipeline, TaskDonePayload{
		Agent: "Dermatology Colour Analyst", Summary: "red",
	}, "sess-1"))
	bus.Publish(NewTypedEventWithSession(SourceSession, CompletePayload{RunCount: 1}, "sess-1"))

	path := filepath.Join(dir, "sess-1.jsonl")
	var data []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, _ = os.ReadFile(path)
		if len(data) > 0 && countLines(data) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var types []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		types = append(types, string(e.Type))
	}
	if len(types) != 2 || types[0] != "task_done" || types[1] != "complete" {
		t.Errorf("logged types = %v", types)
	}
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
