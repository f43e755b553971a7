package conversation

import (
	"sort"
	"time"
)

type ContextBlockType string

const (
	ContextBlockText ContextBlockType = "text"
	ContextBlockFile ContextBlockType = "file"
)

// ContextBlock is an auxiliary text fragment that can be wired to messages.
type ContextBlock struct {
	ID        NodeID           `json:"id" yaml:"id"`
	Type      ContextBlockType `json:"type" yaml:"type"`
	Title     string           `json:"title" yaml:"title"`
	Content   string           `json:"content" yaml:"content"`
	CreatedAt time.Time        `json:"createdAt" yaml:"createdAt"`

	order uint64
}

func NewContextBlock(type_ ContextBlockType, title, content string) *ContextBlock {
	return &ContextBlock{
		ID:        NewNodeID(),
		Type:      type_,
		Title:     title,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// AddContextBlock registers b with the tree, replacing a block with the same id.
func (ct *ConversationTree) AddContextBlock(b *ContextBlock) *ContextBlock {
	if b.ID == NullNode {
		b.ID = NewNodeID()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	if b.Type == "" {
		b.Type = ContextBlockText
	}
	ct.blockOrder++
	b.order = ct.blockOrder
	ct.blocks[b.ID] = b
	return b
}

func (ct *ConversationTree) ContextBlock(id NodeID) (*ContextBlock, bool) {
	b, ok := ct.blocks[id]
	return b, ok
}

// ContextBlocks returns all blocks ordered by creation.
func (ct *ConversationTree) ContextBlocks() []*ContextBlock {
	ret := make([]*ContextBlock, 0, len(ct.blocks))
	for _, b := range ct.blocks {
		ret = append(ret, b)
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.Before(ret[j].CreatedAt)
		}
		return ret[i].order < ret[j].order
	})
	return ret
}

// RemoveContextBlock deletes a block and unwires it from every message.
// It returns the messages whose wiring changed.
func (ct *ConversationTree) RemoveContextBlock(id NodeID) ([]*Message, error) {
	if _, ok := ct.blocks[id]; !ok {
		return nil, notFound("context block", id)
	}
	delete(ct.blocks, id)

	var changed []*Message
	for _, m := range ct.Messages() {
		if unwire(m, id) {
			changed = append(changed, m)
		}
	}
	return changed, nil
}

// WireContext attaches a block to a message. Wiring an already wired block is a no-op.
func (ct *ConversationTree) WireContext(messageID, blockID NodeID) error {
	m, ok := ct.Nodes[messageID]
	if !ok {
		return notFound("message", messageID)
	}
	if _, ok := ct.blocks[blockID]; !ok {
		return notFound("context block", blockID)
	}
	if !m.IsWired(blockID) {
		m.WiredContextIDs = append(m.WiredContextIDs, blockID)
	}
	return nil
}

func (ct *ConversationTree) UnwireContext(messageID, blockID NodeID) error {
	m, ok := ct.Nodes[messageID]
	if !ok {
		return notFound("message", messageID)
	}
	unwire(m, blockID)
	return nil
}

func unwire(m *Message, blockID NodeID) bool {
	for i, id := range m.WiredContextIDs {
		if id == blockID {
			m.WiredContextIDs = append(m.WiredContextIDs[:i:i], m.WiredContextIDs[i+1:]...)
			return true
		}
	}
	return false
}

// WiredBlocks resolves the wiring of m in wiring order. Ids of blocks that no longer exist are skipped.
func (ct *ConversationTree) WiredBlocks(m *Message) []*ContextBlock {
	var ret []*ContextBlock
	for _, id := range m.WiredContextIDs {
		if b, ok := ct.blocks[id]; ok {
			ret = append(ret, b)
		}
	}
	return ret
}

// WiredOnPath collects the blocks wired to any message of the thread, keyed by block id.
func (ct *ConversationTree) WiredOnPath(thread Thread) map[NodeID]*ContextBlock {
	ret := make(map[NodeID]*ContextBlock)
	for _, m := range thread {
		for _, b := range ct.WiredBlocks(m) {
			ret[b.ID] = b
		}
	}
	return ret
}
