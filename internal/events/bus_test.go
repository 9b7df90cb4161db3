package events

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		close(done)
	}, EventTaskDone)

	bus.Publish(NewTypedEventWithSession(SourcePipeline, TaskDonePayload{
		Agent:   "differential_diagnostician",
		Summary: "Psoriasis vulgaris most likely",
	}, "sess-1"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d events", len(received))
	}
	if received[0].SessionID != "sess-1" {
		t.Errorf("session id = %q", received[0].SessionID)
	}
	payload, ok := ExtractPayload[TaskDonePayload](received[0])
	if !ok {
		t.Fatal("payload extraction failed")
	}
	if payload.Agent != "differential_diagnostician" {
		t.Errorf("agent = %q", payload.Agent)
	}
}

func TestBusTypeFilter(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	got := make(chan Event, 4)
	bus.Subscribe(func(e Event) { got <- e }, EventComplete)

	bus.Publish(NewTypedEvent(SourcePipeline, TaskDonePayload{Agent: "scribe"}))
	bus.Publish(NewTypedEvent(SourcePipeline, CompletePayload{RunCount: 1}))

	select {
	case e := <-got:
		if e.Type != EventComplete {
			t.Errorf("type = %q", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("complete event not delivered")
	}

	select {
	case e := <-got:
		t.Errorf("unexpected extra event: %q", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	for i := 0; i < 3; i++ {
		bus.Publish(NewTypedEvent(SourcePipeline, TaskDonePayload{Agent: "lesion_colour"}))
	}

	// Dispatch is asynchronous.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(bus.History(10)) == 3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("history = %d events, want 3", len(bus.History(10)))
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var got []int
	bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Payload["seq"].(int))
		mu.Unlock()
	}, EventTaskDone)

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(NewEvent(EventTaskDone, SourcePipeline, map[string]any{"seq": i}))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(got) == n
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("delivered %d of %d events", len(got), n)
	}
	for i, seq := range got {
		if seq != i {
			t.Fatalf("event %d delivered with seq %d; publish order not preserved", i, seq)
		}
	}
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus(4)
	bus.Close()
	// Must not panic.
	bus.Publish(NewTypedEvent(SourcePipeline, CompletePayload{}))
}

func TestSummarizeTruncates(t *testing.T) {
	long := strings.Repeat("differential reasoning ", 20)
	if got := Summarize(long); len(got) != summaryLimit {
		t.Errorf("len = %d", len(got))
	}
	if got := Summarize("short"); got != "short" {
		t.Errorf("short summary = %q", got)
	}
}

func TestSummarizeKeepsRuneBoundaries(t *testing.T) {
	// Byte 120 falls inside the first multi-byte rune.
	long := strings.Repeat("a", summaryLimit-1) + strings.Repeat("日", 4)
	got := Summarize(long)
	if !utf8.ValidString(got) {
		t.Errorf("summary splits a rune: %q", got)
	}
	if len(got) != summaryLimit-1 {
		t.Errorf("len = %d, want %d", len(got), summaryLimit-1)
	}
}

func TestRingBufferZeroSizeDoesNotPanic(t *testing.T) {
	rb := NewRingBuffer(0)
	rb.Add(NewEvent(EventTaskDone, SourcePipeline, nil))
	if got := rb.Get(1); len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(NewEvent(EventTaskDone, SourcePipeline, map[string]any{"n": i}))
	}
	got := rb.Get(10)
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Payload["n"] != 2 {
		t.Errorf("oldest retained = %v", got[0].Payload["n"])
	}
}
