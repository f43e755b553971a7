package conversation

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// ConversationTree holds the messages of one conversation keyed by id, a current leaf pointer and
// the context blocks that can be wired to messages.
//
// Parent links live on the messages. The child index is derived and maintained on every mutation.
// A message whose parent is missing is an orphan: it is kept, but walks towards the root stop there.
//
// The tree is not safe for concurrent use. Callers serialize access.
type ConversationTree struct {
	Nodes     map[NodeID]*Message
	CurrentID NodeID

	blocks     map[NodeID]*ContextBlock
	children   map[NodeID][]NodeID
	seq        uint64
	blockOrder uint64
}

func NewConversationTree() *ConversationTree {
	return &ConversationTree{
		Nodes:    make(map[NodeID]*Message),
		blocks:   make(map[NodeID]*ContextBlock),
		children: make(map[NodeID][]NodeID),
	}
}

func (ct *ConversationTree) Len() int {
	return len(ct.Nodes)
}

func (ct *ConversationTree) GetMessageByID(id NodeID) (*Message, bool) {
	ret, exists := ct.Nodes[id]
	return ret, exists
}

func (ct *ConversationTree) Current() *Message {
	return ct.Nodes[ct.CurrentID]
}

// AppendMessage attaches msg below parentID. A null parentID makes msg a root.
// Missing ids and timestamps are filled in, and the sequence number is raised above every earlier
// insertion. It does not move the current leaf.
func (ct *ConversationTree) AppendMessage(parentID NodeID, msg *Message) (*Message, error) {
	if parentID != NullNode {
		if _, ok := ct.Nodes[parentID]; !ok {
			return nil, errors.Wrapf(ErrInvalidParent, "append below %s", parentID)
		}
	}
	if msg.ID == NullNode {
		msg.ID = NewNodeID()
	}
	if _, exists := ct.Nodes[msg.ID]; exists {
		return nil, errors.Errorf("message %s already exists", msg.ID)
	}
	msg.ParentID = parentID
	ct.insert(msg)
	return msg, nil
}

// InsertMessages adds already-persisted messages as they are, keeping their parent links even if the
// parent is not (yet) part of the tree. Used when rebuilding a tree from a store.
func (ct *ConversationTree) InsertMessages(msgs ...*Message) {
	for _, msg := range msgs {
		if old, exists := ct.Nodes[msg.ID]; exists {
			ct.unindex(old)
		}
		ct.insert(msg)
	}
}

func (ct *ConversationTree) insert(msg *Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	ct.seq++
	if msg.Seq < ct.seq {
		msg.Seq = ct.seq
	} else {
		ct.seq = msg.Seq
	}
	ct.Nodes[msg.ID] = msg
	ct.children[msg.ParentID] = append(ct.children[msg.ParentID], msg.ID)
}

func (ct *ConversationTree) unindex(msg *Message) {
	siblings := ct.children[msg.ParentID]
	for i, id := range siblings {
		if id == msg.ID {
			ct.children[msg.ParentID] = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	if len(ct.children[msg.ParentID]) == 0 {
		delete(ct.children, msg.ParentID)
	}
}

// MessageUpdate lists the fields UpdateMessage merges into a message. Nil fields are left alone.
type MessageUpdate struct {
	Content          *string
	Kind             *Kind
	ImageURL         *string
	IsLoading        *bool
	IsHidden         *bool
	PromptTokens     *int
	CompletionTokens *int
	Cost             *float64
	WiredContextIDs  []NodeID
}

func (u MessageUpdate) Apply(m *Message) {
	if u.Content != nil {
		m.Content = *u.Content
	}
	if u.Kind != nil {
		m.Kind = *u.Kind
	}
	if u.ImageURL != nil {
		m.ImageURL = *u.ImageURL
	}
	if u.IsLoading != nil {
		m.IsLoading = *u.IsLoading
	}
	if u.IsHidden != nil {
		m.IsHidden = *u.IsHidden
	}
	if u.PromptTokens != nil {
		m.PromptTokens = *u.PromptTokens
	}
	if u.CompletionTokens != nil {
		m.CompletionTokens = *u.CompletionTokens
	}
	if u.Cost != nil {
		m.Cost = *u.Cost
	}
	if u.WiredContextIDs != nil {
		m.WiredContextIDs = append([]NodeID{}, u.WiredContextIDs...)
	}
}

func (ct *ConversationTree) UpdateMessage(id NodeID, update MessageUpdate) error {
	msg, ok := ct.Nodes[id]
	if !ok {
		return notFound("message", id)
	}
	update.Apply(msg)
	return nil
}

// AppendContent grows the content of a message. Deltas are appended, never substituted.
func (ct *ConversationTree) AppendContent(id NodeID, delta string) error {
	msg, ok := ct.Nodes[id]
	if !ok {
		return notFound("message", id)
	}
	msg.Content += delta
	return nil
}

// ReplaceMessage swaps the node oldID for msg at the same position: same parent, same place among
// its siblings, and the children of oldID now point to msg. If the current leaf was oldID it moves to msg.
func (ct *ConversationTree) ReplaceMessage(oldID NodeID, msg *Message) error {
	old, ok := ct.Nodes[oldID]
	if !ok {
		return notFound("message", oldID)
	}
	if msg.ID == NullNode {
		msg.ID = NewNodeID()
	}
	if _, exists := ct.Nodes[msg.ID]; exists && msg.ID != oldID {
		return errors.Errorf("message %s already exists", msg.ID)
	}

	msg.ParentID = old.ParentID
	if msg.Time.IsZero() {
		msg.Time = old.Time
	}
	msg.Seq = old.Seq

	siblings := ct.children[old.ParentID]
	for i, id := range siblings {
		if id == oldID {
			siblings[i] = msg.ID
			break
		}
	}

	if kids, ok := ct.children[oldID]; ok && msg.ID != oldID {
		for _, kid := range kids {
			if k, ok := ct.Nodes[kid]; ok {
				k.ParentID = msg.ID
			}
		}
		ct.children[msg.ID] = kids
		delete(ct.children, oldID)
	}

	delete(ct.Nodes, oldID)
	ct.Nodes[msg.ID] = msg
	if ct.CurrentID == oldID {
		ct.CurrentID = msg.ID
	}
	return nil
}

// RemoveMessage deletes a single node. Children are not removed or re-parented: they keep a
// dangling parent reference and become orphans. If the current leaf was the removed node, it moves
// to the removed node's parent (or to null when that parent does not exist).
func (ct *ConversationTree) RemoveMessage(id NodeID) error {
	msg, ok := ct.Nodes[id]
	if !ok {
		return notFound("message", id)
	}
	ct.unindex(msg)
	delete(ct.Nodes, id)

	if ct.CurrentID == id {
		if _, ok := ct.Nodes[msg.ParentID]; ok {
			ct.CurrentID = msg.ParentID
		} else {
			ct.CurrentID = NullNode
		}
	}
	return nil
}

// PathToRoot returns the messages from the root (or the first orphan) down to leafID.
//
// A missing parent ends the walk without error. If the walk takes more steps than the tree has
// nodes, the path collected so far is returned together with a *CorruptTreeError.
func (ct *ConversationTree) PathToRoot(leafID NodeID) (Thread, error) {
	if leafID == NullNode {
		return nil, nil
	}
	if _, ok := ct.Nodes[leafID]; !ok {
		return nil, notFound("message", leafID)
	}

	var reversed Thread
	limit := len(ct.Nodes)
	id := leafID
	for id != NullNode {
		node, ok := ct.Nodes[id]
		if !ok {
			break
		}
		if len(reversed) >= limit {
			return reverse(reversed), &CorruptTreeError{LeafID: leafID, At: id, Steps: len(reversed)}
		}
		reversed = append(reversed, node)
		id = node.ParentID
	}
	return reverse(reversed), nil
}

func reverse(t Thread) Thread {
	ret := make(Thread, len(t))
	for i, m := range t {
		ret[len(t)-1-i] = m
	}
	return ret
}

// CurrentPath is PathToRoot(CurrentID).
func (ct *ConversationTree) CurrentPath() (Thread, error) {
	return ct.PathToRoot(ct.CurrentID)
}

// SetCurrentLeaf moves the leaf pointer. It does not look at the loading state of the target.
func (ct *ConversationTree) SetCurrentLeaf(id NodeID) error {
	if id != NullNode {
		if _, ok := ct.Nodes[id]; !ok {
			return notFound("message", id)
		}
	}
	ct.CurrentID = id
	return nil
}

// Children returns the direct children of id ordered by (time, sequence).
func (ct *ConversationTree) Children(id NodeID) []*Message {
	var ret []*Message
	for _, cid := range ct.children[id] {
		if m, ok := ct.Nodes[cid]; ok {
			ret = append(ret, m)
		}
	}
	SortMessages(ret)
	return ret
}

// Siblings returns the other children of the parent of id.
func (ct *ConversationTree) Siblings(id NodeID) []*Message {
	node, ok := ct.Nodes[id]
	if !ok {
		return nil
	}
	var ret []*Message
	for _, m := range ct.Children(node.ParentID) {
		if m.ID != id {
			ret = append(ret, m)
		}
	}
	return ret
}

// Roots returns messages without a parent together with orphans whose parent is gone.
func (ct *ConversationTree) Roots() []*Message {
	var ret []*Message
	for _, m := range ct.Nodes {
		if m.ParentID == NullNode {
			ret = append(ret, m)
			continue
		}
		if _, ok := ct.Nodes[m.ParentID]; !ok {
			ret = append(ret, m)
		}
	}
	SortMessages(ret)
	return ret
}

// LeftMostThread follows the oldest child from id down to a leaf.
func (ct *ConversationTree) LeftMostThread(id NodeID) Thread {
	var thread Thread
	seen := make(map[NodeID]bool)
	for id != NullNode && !seen[id] {
		node, exists := ct.Nodes[id]
		if !exists {
			break
		}
		seen[id] = true
		thread = append(thread, node)
		kids := ct.Children(id)
		if len(kids) == 0 {
			break
		}
		id = kids[0].ID
	}
	return thread
}

// Messages returns all messages ordered by (time, sequence).
func (ct *ConversationTree) Messages() []*Message {
	ret := make([]*Message, 0, len(ct.Nodes))
	for _, m := range ct.Nodes {
		ret = append(ret, m)
	}
	SortMessages(ret)
	return ret
}

// Latest is the newest message by (time, sequence), or nil for an empty tree.
func (ct *ConversationTree) Latest() *Message {
	msgs := ct.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// Loading returns every message still marked as in flight.
func (ct *ConversationTree) Loading() []*Message {
	var ret []*Message
	for _, m := range ct.Messages() {
		if m.IsLoading {
			ret = append(ret, m)
		}
	}
	return ret
}

func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Time.Equal(msgs[j].Time) {
			return msgs[i].Time.Before(msgs[j].Time)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}
