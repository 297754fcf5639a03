// Package events fans execution progress out to server-sent event
// subscribers. Each execution id is its own channel.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/donovanhide/eventsource"
)

const (
	TypeExecutionStatus = "execution.status"
	TypeStepOutcome     = "step.outcome"
	TypeStepAttempt     = "step.attempt"
)

type Event struct {
	ID      string
	Type    string
	Payload []byte
}

func (e Event) Id() string    { return e.ID }
func (e Event) Event() string { return e.Type }
func (e Event) Data() string  { return string(e.Payload) }

// Publisher is what the coordinator depends on.
type Publisher interface {
	Publish(channel, eventType string, payload any)
}

type Stream struct {
	srv    *eventsource.Server
	logger *slog.Logger
	seq    atomic.Uint64
	closed atomic.Bool
}

func NewStream(logger *slog.Logger) *Stream {
	return &Stream{srv: eventsource.NewServer(), logger: logger}
}

// Publish encodes payload as JSON and sends it to every subscriber of
// channel. Events published with no subscriber are dropped.
func (s *Stream) Publish(channel, eventType string, payload any) {
	if s == nil || s.closed.Load() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("event encode failed", "channel", channel, "type", eventType, "error", err)
		}
		return
	}
	id := strconv.FormatUint(s.seq.Add(1), 10)
	s.srv.Publish([]string{channel}, Event{ID: id, Type: eventType, Payload: data})
}

func (s *Stream) Handler(channel string) http.HandlerFunc {
	return s.srv.Handler(channel)
}

func (s *Stream) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.srv.Close()
	}
}

// Discard drops every event; used when no stream is configured.
type Discard struct{}

func (Discard) Publish(string, string, any) {}
