package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/prompt"
)

type storedMessage struct {
	conversationID conversation.NodeID
	ownerID        string
	message        *conversation.Message
}

type storedBlock struct {
	ownerID string
	block   *conversation.ContextBlock
}

// InMemoryStore keeps everything in maps. Returned records are copies.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[conversation.NodeID]*conversation.Conversation
	messages      map[conversation.NodeID]*storedMessage
	blocks        map[conversation.NodeID]*storedBlock
	knowledge     []prompt.Fragment
	seq           uint64
	closed        bool
	now           func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: map[conversation.NodeID]*conversation.Conversation{},
		messages:      map[conversation.NodeID]*storedMessage{},
		blocks:        map[conversation.NodeID]*storedBlock{},
		now:           time.Now,
	}
}

func (s *InMemoryStore) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func copyConversation(c *conversation.Conversation) *conversation.Conversation {
	ret := *c
	return &ret
}

func (s *InMemoryStore) CreateConversation(_ context.Context, c NewConversation) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	now := s.now().Truncate(time.Millisecond)
	ret := &conversation.Conversation{
		ID:            conversation.NewNodeID(),
		OwnerID:       c.OwnerID,
		Title:         c.Title,
		SelectedModel: c.Model,
		MaxTokens:     c.MaxTokens,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	s.conversations[ret.ID] = ret
	return copyConversation(ret), nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id conversation.NodeID) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, &NotFoundError{Resource: "conversation", ID: id}
	}
	return copyConversation(c), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context, ownerID string) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var ret []*conversation.Conversation
	for _, c := range s.conversations {
		if ownerID == "" || c.OwnerID == ownerID {
			ret = append(ret, copyConversation(c))
		}
	}
	SortByRecency(ret)
	return ret, nil
}

// SortByRecency orders conversations by last activity, newest first.
func SortByRecency(cs []*conversation.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].LastMessageAt.Equal(cs[j].LastMessageAt) {
			return cs[i].LastMessageAt.After(cs[j].LastMessageAt)
		}
		return cs[i].CreatedAt.After(cs[j].CreatedAt)
	})
}

func (s *InMemoryStore) UpdateConversation(_ context.Context, id conversation.NodeID, update conversation.ConversationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	c, ok := s.conversations[id]
	if !ok {
		return &NotFoundError{Resource: "conversation", ID: id}
	}
	update.Apply(c)
	return nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, id conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.conversations[id]; !ok {
		return &NotFoundError{Resource: "conversation", ID: id}
	}
	delete(s.conversations, id)
	for mid, m := range s.messages {
		if m.conversationID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, conversationID conversation.NodeID) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var ret []*conversation.Message
	for _, m := range s.messages {
		if m.conversationID == conversationID {
			ret = append(ret, m.message.Clone())
		}
	}
	conversation.SortMessages(ret)
	return ret, nil
}

func (s *InMemoryStore) InsertMessage(
	_ context.Context,
	conversationID conversation.NodeID,
	ownerID string,
	m *conversation.Message,
) (*conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, &NotFoundError{Resource: "conversation", ID: conversationID}
	}
	stored := m.Clone()
	stored.ID = conversation.NewNodeID()
	stored.Time = s.now().Truncate(time.Millisecond)
	stored.IsLoading = false
	s.seq++
	stored.Seq = s.seq
	s.messages[stored.ID] = &storedMessage{conversationID: conversationID, ownerID: ownerID, message: stored}
	return stored.Clone(), nil
}

func (s *InMemoryStore) UpdateMessage(_ context.Context, id conversation.NodeID, update conversation.MessageUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	m, ok := s.messages[id]
	if !ok {
		return &NotFoundError{Resource: "message", ID: id}
	}
	update.Apply(m.message)
	return nil
}

func (s *InMemoryStore) CreateContextBlock(_ context.Context, ownerID string, b *conversation.ContextBlock) (*conversation.ContextBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	stored := *b
	if stored.ID == conversation.NullNode {
		stored.ID = conversation.NewNodeID()
	}
	stored.CreatedAt = s.now().Truncate(time.Millisecond)
	s.blocks[stored.ID] = &storedBlock{ownerID: ownerID, block: &stored}
	ret := stored
	return &ret, nil
}

func (s *InMemoryStore) ListContextBlocks(_ context.Context, ownerID string) ([]*conversation.ContextBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var ret []*conversation.ContextBlock
	for _, b := range s.blocks {
		if ownerID == "" || b.ownerID == ownerID {
			c := *b.block
			ret = append(ret, &c)
		}
	}
	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret, nil
}

func (s *InMemoryStore) DeleteContextBlock(_ context.Context, id conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if _, ok := s.blocks[id]; !ok {
		return &NotFoundError{Resource: "context block", ID: id}
	}
	delete(s.blocks, id)
	for _, m := range s.messages {
		m.message.WiredContextIDs = without(m.message.WiredContextIDs, id)
	}
	return nil
}

func without(ids []conversation.NodeID, id conversation.NodeID) []conversation.NodeID {
	var ret []conversation.NodeID
	for _, i := range ids {
		if i != id {
			ret = append(ret, i)
		}
	}
	return ret
}

// AddKnowledge makes content available to Retrieve.
func (s *InMemoryStore) AddKnowledge(_ context.Context, source, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.knowledge = append(s.knowledge, prompt.Fragment{Source: source, Content: content})
	return nil
}

// Retrieve scores entries by the number of query terms they contain.
func (s *InMemoryStore) Retrieve(_ context.Context, query string, limit int) ([]prompt.Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	terms := QueryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	var ret []prompt.Fragment
	for _, k := range s.knowledge {
		lower := strings.ToLower(k.Content)
		score := 0
		for _, t := range terms {
			score += strings.Count(lower, t)
		}
		if score > 0 {
			f := k
			f.Score = float64(score)
			ret = append(ret, f)
		}
	}
	sortFragments(ret)
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

func sortFragments(fs []prompt.Fragment) {
	sort.SliceStable(fs, func(i, j int) bool {
		return fs[i].Score > fs[j].Score
	})
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ Store     = (*InMemoryStore)(nil)
	_ Retriever = (*InMemoryStore)(nil)
)
