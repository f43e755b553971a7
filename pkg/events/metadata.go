package events

import (
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/rs/zerolog"
)

// Usage is the token accounting reported by the provider for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens" mapstructure:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens" mapstructure:"output_tokens"`
}

// EventMetadata identifies which conversation and which message an event belongs to.
// MessageID is the assistant placeholder while streaming and the stored message once finalized.
type EventMetadata struct {
	ConversationID conversation.NodeID `json:"conversation_id" yaml:"conversation_id" mapstructure:"conversation_id"`
	MessageID      conversation.NodeID `json:"message_id" yaml:"message_id" mapstructure:"message_id"`
	ParentID       conversation.NodeID `json:"parent_id" yaml:"parent_id" mapstructure:"parent_id"`
	Model          string              `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model,omitempty"`
	Usage          *Usage              `json:"usage,omitempty" yaml:"usage,omitempty" mapstructure:"usage,omitempty"`
	DurationMs     *int64              `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty" mapstructure:"duration_ms,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("conversation_id", em.ConversationID.String())
	e.Str("message_id", em.MessageID.String())
	if !em.ParentID.IsNull() {
		e.Str("parent_id", em.ParentID.String())
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.Usage != nil {
		e.Int("input_tokens", em.Usage.InputTokens)
		e.Int("output_tokens", em.Usage.OutputTokens)
	}
	if em.DurationMs != nil {
		e.Int64("duration_ms", *em.DurationMs)
	}
}
