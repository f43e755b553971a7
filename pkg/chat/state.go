package chat

import (
	"context"
	"sync"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/huandu/go-clone"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreparing  Phase = "preparing"
	PhaseStreaming  Phase = "streaming"
	PhaseFinalizing Phase = "finalizing"
	PhaseAborting   Phase = "aborting"
	PhaseFailing    Phase = "failing"
)

// Session is the in-flight request of a conversation.
type Session struct {
	ID            conversation.NodeID
	Model         string
	PlaceholderID conversation.NodeID

	cancel context.CancelFunc
	done   chan struct{}
}

func newSession(model string, cancel context.CancelFunc) *Session {
	return &Session{
		ID:     conversation.NewNodeID(),
		Model:  model,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Cancel is safe to call multiple times and after the session ended.
func (s *Session) Cancel() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

// Done is closed once the session returned to idle.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State is one open conversation: its record, its message tree, the error slot and the active
// session. All fields are guarded by the state's mutex; readers outside the orchestrator use
// Snapshot.
type State struct {
	mu sync.Mutex

	conversation *conversation.Conversation
	tree         *conversation.ConversationTree
	phase        Phase
	err          error
	session      *Session
}

func NewState(c *conversation.Conversation, tree *conversation.ConversationTree) *State {
	if tree == nil {
		tree = conversation.NewConversationTree()
	}
	return &State{
		conversation: c,
		tree:         tree,
		phase:        PhaseIdle,
	}
}

// Snapshot is a deep copy of a state at one point in time.
type Snapshot struct {
	Conversation *conversation.Conversation
	Tree         *conversation.ConversationTree
	Phase        Phase
	Error        string
}

func (s *State) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := &Snapshot{
		Tree:  clone.Clone(s.tree).(*conversation.ConversationTree),
		Phase: s.phase,
		Error: UserMessage(s.err),
	}
	if s.conversation != nil {
		ret.Conversation = clone.Clone(s.conversation).(*conversation.Conversation)
	}
	return ret
}

func (s *State) ConversationID() conversation.NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return conversation.NullNode
	}
	return s.conversation.ID
}

func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Err is the failure held in the error slot, if any.
func (s *State) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ErrorText is the human-readable content of the error slot.
func (s *State) ErrorText() string {
	return UserMessage(s.Err())
}

func (s *State) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
}

// InFlight reports whether a request is active.
func (s *State) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// ActiveSession returns the in-flight session or nil.
func (s *State) ActiveSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Cancel cancels the active session. It returns false when nothing is in flight.
func (s *State) Cancel() bool {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.Cancel()
	return true
}

// SetCurrentLeaf moves the leaf pointer, also while a request is in flight.
func (s *State) SetCurrentLeaf(id conversation.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.SetCurrentLeaf(id)
}

func (s *State) setError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *State) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

// withTree runs f with exclusive access to the tree and the conversation record.
func (s *State) withTree(f func(tree *conversation.ConversationTree, c *conversation.Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return f(s.tree, s.conversation)
}
