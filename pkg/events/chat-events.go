package events

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart to EventTypeFinal are for text completion
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	// The request was cancelled, the partial text is discarded
	EventTypeInterrupt EventType = "interrupt"
	EventTypeError     EventType = "error"

	EventTypeImageGenerated      EventType = "image-generated"
	EventTypeConversationUpdated EventType = "conversation-updated"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// store payload if the event was deserialized from JSON (see NewEventFromJson)
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

type EventPartialCompletionStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventPartialCompletionStart {
	return &EventPartialCompletionStart{
		EventImpl: EventImpl{
			Type_:     EventTypeStart,
			Metadata_: metadata,
		},
	}
}

var _ Event = &EventPartialCompletionStart{}

type EventPartialCompletion struct {
	EventImpl
	Delta string `json:"delta"`
	// The completion so far
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl: EventImpl{
			Type_:     EventTypePartialCompletion,
			Metadata_: metadata,
		},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

type EventFinal struct {
	EventImpl
	Text string  `json:"text"`
	Cost float64 `json:"cost"`
}

func NewFinalEvent(metadata EventMetadata, text string, cost float64) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{
			Type_:     EventTypeFinal,
			Metadata_: metadata,
		},
		Text: text,
		Cost: cost,
	}
}

var _ Event = &EventFinal{}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{
			Type_:     EventTypeInterrupt,
			Metadata_: metadata,
		},
		Text: text,
	}
}

var _ Event = &EventInterrupt{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	// Kind is the error category, see chat.ErrorKind
	Kind string `json:"kind,omitempty"`
}

func NewErrorEvent(metadata EventMetadata, kind string, err error) *EventError {
	return &EventError{
		EventImpl: EventImpl{
			Type_:     EventTypeError,
			Metadata_: metadata,
		},
		ErrorString: err.Error(),
		Kind:        kind,
	}
}

var _ Event = &EventError{}

type EventImageGenerated struct {
	EventImpl
	Prompt string  `json:"prompt"`
	URL    string  `json:"url"`
	Cost   float64 `json:"cost"`
}

func NewImageGeneratedEvent(metadata EventMetadata, prompt string, url string, cost float64) *EventImageGenerated {
	return &EventImageGenerated{
		EventImpl: EventImpl{
			Type_:     EventTypeImageGenerated,
			Metadata_: metadata,
		},
		Prompt: prompt,
		URL:    url,
		Cost:   cost,
	}
}

var _ Event = &EventImageGenerated{}

// EventConversationUpdated carries the conversation record after a finalize, a title change or a
// cost change.
type EventConversationUpdated struct {
	EventImpl
	Title string  `json:"title"`
	Cost  float64 `json:"cost"`
}

func NewConversationUpdatedEvent(metadata EventMetadata, title string, cost float64) *EventConversationUpdated {
	return &EventConversationUpdated{
		EventImpl: EventImpl{
			Type_:     EventTypeConversationUpdated,
			Metadata_: metadata,
		},
		Title: title,
		Cost:  cost,
	}
}

var _ Event = &EventConversationUpdated{}

func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event payload")
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		return toTyped[EventPartialCompletionStart](e, "EventPartialCompletionStart")
	case EventTypePartialCompletion:
		return toTyped[EventPartialCompletion](e, "EventPartialCompletion")
	case EventTypeFinal:
		return toTyped[EventFinal](e, "EventFinal")
	case EventTypeInterrupt:
		return toTyped[EventInterrupt](e, "EventInterrupt")
	case EventTypeError:
		return toTyped[EventError](e, "EventError")
	case EventTypeImageGenerated:
		return toTyped[EventImageGenerated](e, "EventImageGenerated")
	case EventTypeConversationUpdated:
		return toTyped[EventConversationUpdated](e, "EventConversationUpdated")
	}

	return e, nil
}

type payloadSetter interface {
	Event
	setPayload([]byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func toTyped[T any, PT interface {
	*T
	payloadSetter
}](e Event, name string) (Event, error) {
	ret, ok := ToTypedEvent[T](e)
	if !ok || ret == nil {
		return nil, fmt.Errorf("could not cast event to %s", name)
	}
	PT(ret).setPayload(e.Payload())
	return PT(ret), nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}

func (e EventPartialCompletion) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta)
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Int("text_length", len(e.Text))
	ev.Float64("cost", e.Cost)
}

func (e EventInterrupt) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
	if e.Kind != "" {
		ev.Str("kind", e.Kind)
	}
}

func (e EventImageGenerated) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("prompt", e.Prompt).Float64("cost", e.Cost)
}

func (e EventConversationUpdated) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("title", e.Title).Float64("cost", e.Cost)
}
