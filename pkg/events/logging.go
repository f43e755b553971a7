package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CorrelationIDMetadataKey holds the conversation id of a published event, so every event of one
// conversation can be followed through the router logs.
const CorrelationIDMetadataKey = "correlation_id"

// routerLogger sends watermill's logs to zerolog. The router reports every subscription and
// handler start at info, which is demoted to debug.
type routerLogger struct {
	logger zerolog.Logger
}

func newRouterLogger(logger zerolog.Logger) *routerLogger {
	return &routerLogger{logger: logger.With().Str("component", "event-router").Logger()}
}

func (l *routerLogger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		if k == CorrelationIDMetadataKey {
			k = "conversation_id"
		}
		e = e.Interface(k, v)
	}
	return e
}

func (l *routerLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(l.logger.Error(), fields).Err(err).Msg(msg)
}

func (l *routerLogger) Info(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *routerLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(l.logger.Debug(), fields).Msg(msg)
}

func (l *routerLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(l.logger.Trace(), fields).Msg(msg)
}

func (l *routerLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &routerLogger{logger: l.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

var _ watermill.LoggerAdapter = (*routerLogger)(nil)

type conversationIDKey struct{}

func withConversationID(ctx context.Context, id conversation.NodeID) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, id)
}

// correlationID is the conversation id stored in ctx. Events outside of a conversation get a
// generated id prefixed with "gen_".
func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey{}).(conversation.NodeID); ok && !id.IsNull() {
		return id.String()
	}
	ret := "gen_" + shortuuid.New()
	log.Ctx(ctx).Trace().Str("correlation_id", ret).Msg("Event has no conversation, generated a correlation id")
	return ret
}

// correlatingPublisher sets a correlation id on every message that lacks one.
type correlatingPublisher struct {
	message.Publisher
}

func (c correlatingPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if msg.Metadata.Get(CorrelationIDMetadataKey) != "" {
			continue
		}
		msg.Metadata.Set(CorrelationIDMetadataKey, correlationID(msg.Context()))
	}
	return c.Publisher.Publish(topic, messages...)
}
