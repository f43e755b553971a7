// Package store persists conversations, messages, context blocks and knowledge entries.
package store

import (
	"context"
	"fmt"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/prompt"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// NotFoundError names the missing record.
type NotFoundError struct {
	Resource string
	ID       conversation.NodeID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type NewConversation struct {
	OwnerID   string
	Title     string
	Model     string
	MaxTokens int
}

// Store is the persistence collaborator of the chat engine.
//
// InsertMessage assigns the id, the timestamp and the sequence number of the stored message and
// returns the stored record. ListMessages orders by (timestamp, sequence). ListConversations orders
// by most recent activity first. DeleteConversation removes the conversation's messages too.
type Store interface {
	CreateConversation(ctx context.Context, c NewConversation) (*conversation.Conversation, error)
	GetConversation(ctx context.Context, id conversation.NodeID) (*conversation.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]*conversation.Conversation, error)
	UpdateConversation(ctx context.Context, id conversation.NodeID, update conversation.ConversationUpdate) error
	DeleteConversation(ctx context.Context, id conversation.NodeID) error

	ListMessages(ctx context.Context, conversationID conversation.NodeID) ([]*conversation.Message, error)
	InsertMessage(ctx context.Context, conversationID conversation.NodeID, ownerID string, m *conversation.Message) (*conversation.Message, error)
	UpdateMessage(ctx context.Context, id conversation.NodeID, update conversation.MessageUpdate) error

	CreateContextBlock(ctx context.Context, ownerID string, b *conversation.ContextBlock) (*conversation.ContextBlock, error)
	ListContextBlocks(ctx context.Context, ownerID string) ([]*conversation.ContextBlock, error)
	// DeleteContextBlock also removes the block from the wiring of every stored message.
	DeleteContextBlock(ctx context.Context, id conversation.NodeID) error

	Close() error
}

// Retriever returns knowledge fragments relevant to a query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]prompt.Fragment, error)
}
