package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/donovanhide/eventsource"
)

func TestStream_DeliversToChannelSubscribers(t *testing.T) {
	stream := NewStream(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	srv := httptest.NewServer(stream.Handler("exec-1"))
	defer srv.Close()
	// Subscribers must be released before the test server can shut down.
	defer stream.Close()

	sub, err := eventsource.Subscribe(srv.URL, "")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-sub.Events:
			if ev.Event() != TypeExecutionStatus {
				t.Fatalf("event type=%q, want %q", ev.Event(), TypeExecutionStatus)
			}
			var body map[string]any
			if err := json.Unmarshal([]byte(ev.Data()), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != "running" {
				t.Fatalf("payload=%v", body)
			}
			return
		case <-tick.C:
			stream.Publish("exec-other", TypeExecutionStatus, map[string]any{"status": "failed"})
			stream.Publish("exec-1", TypeExecutionStatus, map[string]any{"status": "running"})
		case <-deadline:
			t.Fatalf("no event received")
		}
	}
}

func TestStream_PublishAfterCloseIsNoop(t *testing.T) {
	stream := NewStream(nil)
	stream.Close()
	stream.Close()
	stream.Publish("exec-1", TypeStepOutcome, map[string]any{"stepIndex": 0})
}

func TestEvent_ImplementsEventsource(t *testing.T) {
	var ev eventsource.Event = Event{ID: "1", Type: TypeStepOutcome, Payload: []byte(`{}`)}
	if ev.Id() != "1" || ev.Data() != "{}" {
		t.Fatalf("event=%+v", ev)
	}
}
