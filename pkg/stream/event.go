// Package stream issues streamed chat completion requests and decodes their event-stream bodies
// into a channel of tagged events.
package stream

import (
	"context"

	"github.com/go-go-golems/arbor/pkg/prompt"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrStreamClosed is reported when a stream ends before the reply finished: the body hit EOF
// without a done sentinel or finish reason, or the event channel closed without a terminal event.
var ErrStreamClosed = errors.New("completion stream closed without a terminal event")

type EventType string

const (
	EventDelta     EventType = "delta"
	EventUsage     EventType = "usage"
	EventDone      EventType = "done"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

type Usage struct {
	PromptTokens     int `json:"prompt_tokens" yaml:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" yaml:"completion_tokens"`
}

// Event is one element of a completion stream.
//
// A stream carries zero or more delta events, at most one usage event, and ends with exactly one
// terminal event: done, error or cancelled.
type Event struct {
	Type         EventType
	Delta        string
	Usage        *Usage
	FinishReason string
	Err          error
}

func (e Event) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError || e.Type == EventCancelled
}

func (e Event) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type))
	if e.Delta != "" {
		ev.Int("delta_len", len(e.Delta))
	}
	if e.Usage != nil {
		ev.Int("prompt_tokens", e.Usage.PromptTokens).Int("completion_tokens", e.Usage.CompletionTokens)
	}
	if e.FinishReason != "" {
		ev.Str("finish_reason", e.FinishReason)
	}
	if e.Err != nil {
		ev.Err(e.Err)
	}
}

var _ zerolog.LogObjectMarshaler = Event{}

type Request struct {
	Model string
	Turns []prompt.Turn
}

// Generator is the completion service.
//
// StreamCompletion returns a channel that is closed after the terminal event. Cancelling ctx stops
// the stream within one read and yields an EventCancelled rather than an error. Callers must drain
// the channel until it is closed.
type Generator interface {
	StreamCompletion(ctx context.Context, req Request) <-chan Event
}
