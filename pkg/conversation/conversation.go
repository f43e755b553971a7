package conversation

import "time"

// Conversation is the metadata record grouping the messages of one tree.
// Cost is the sum of the cost of every finalized message of the conversation.
type Conversation struct {
	ID            NodeID    `json:"id" yaml:"id"`
	OwnerID       string    `json:"ownerID" yaml:"ownerID"`
	Title         string    `json:"title" yaml:"title"`
	SelectedModel string    `json:"selectedModel" yaml:"selectedModel"`
	MaxTokens     int       `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Cost          float64   `json:"cost" yaml:"cost"`
	CreatedAt     time.Time `json:"createdAt" yaml:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt" yaml:"lastMessageAt"`
}

// ConversationUpdate lists the fields a store merges into a conversation. Nil fields are left alone.
type ConversationUpdate struct {
	Title         *string
	SelectedModel *string
	MaxTokens     *int
	Cost          *float64
	LastMessageAt *time.Time
}

func (u ConversationUpdate) Apply(c *Conversation) {
	if u.Title != nil {
		c.Title = *u.Title
	}
	if u.SelectedModel != nil {
		c.SelectedModel = *u.SelectedModel
	}
	if u.MaxTokens != nil {
		c.MaxTokens = *u.MaxTokens
	}
	if u.Cost != nil {
		c.Cost = *u.Cost
	}
	if u.LastMessageAt != nil {
		c.LastMessageAt = *u.LastMessageAt
	}
}

func (u ConversationUpdate) IsEmpty() bool {
	return u.Title == nil && u.SelectedModel == nil && u.MaxTokens == nil && u.Cost == nil && u.LastMessageAt == nil
}
