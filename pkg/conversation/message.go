package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// NodeID identifies messages, context blocks and conversations.
type NodeID uuid.UUID

var NullNode NodeID = NodeID(uuid.Nil)

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func ParseNodeID(s string) (NodeID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return NullNode, errors.Wrapf(err, "invalid id %q", s)
	}
	return NodeID(id), nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

// Short is the first block of the id, used in listings.
func (id NodeID) Short() string {
	return id.String()[:8]
}

func (id NodeID) IsNull() bool {
	return id == NullNode
}

// MarshalText is used by both the JSON and the YAML encoders.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*id = NullNode
		return nil
	}
	u, err := uuid.ParseBytes(data)
	if err != nil {
		return err
	}
	*id = NodeID(u)
	return nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Kind string

const (
	KindText                   Kind = "text"
	KindImage                  Kind = "image"
	KindAudio                  Kind = "audio"
	KindImageGenerationRequest Kind = "image-generation-request"
	KindGeneratedImage         Kind = "generated-image"
)

// HasImage reports whether the message carries an image reference that can be sent to a model.
func (m *Message) HasImage() bool {
	return (m.Kind == KindImage || m.Kind == KindGeneratedImage) && m.ImageURL != ""
}

// Message is a node of the conversation tree.
//
// Seq is assigned by the tree on insertion and breaks ties between messages that share a
// timestamp. IDs are random and must never be used for ordering.
type Message struct {
	ID       NodeID `json:"id" yaml:"id"`
	ParentID NodeID `json:"parentID" yaml:"parentID"`
	Role     Role   `json:"role" yaml:"role"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	Content  string `json:"content" yaml:"content"`

	ImageURL string `json:"imageURL,omitempty" yaml:"imageURL,omitempty"`
	AudioURL string `json:"audioURL,omitempty" yaml:"audioURL,omitempty"`
	FileURL  string `json:"fileURL,omitempty" yaml:"fileURL,omitempty"`

	Time time.Time `json:"time" yaml:"time"`
	Seq  uint64    `json:"seq" yaml:"seq"`

	IsLoading bool `json:"isLoading,omitempty" yaml:"isLoading,omitempty"`
	IsHidden  bool `json:"isHidden,omitempty" yaml:"isHidden,omitempty"`

	PromptTokens     int     `json:"promptTokens,omitempty" yaml:"promptTokens,omitempty"`
	CompletionTokens int     `json:"completionTokens,omitempty" yaml:"completionTokens,omitempty"`
	Cost             float64 `json:"cost,omitempty" yaml:"cost,omitempty"`

	WiredContextIDs []NodeID `json:"wiredContextIDs,omitempty" yaml:"wiredContextIDs,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithID(id NodeID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID NodeID) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Time = t
	}
}

func WithKind(kind Kind) MessageOption {
	return func(m *Message) {
		m.Kind = kind
	}
}

func WithImageURL(url string) MessageOption {
	return func(m *Message) {
		m.ImageURL = url
		if m.Kind == KindText {
			m.Kind = KindImage
		}
	}
}

func WithAudioURL(url string) MessageOption {
	return func(m *Message) {
		m.AudioURL = url
		if m.Kind == KindText {
			m.Kind = KindAudio
		}
	}
}

func WithFileURL(url string) MessageOption {
	return func(m *Message) {
		m.FileURL = url
	}
}

func WithLoading(loading bool) MessageOption {
	return func(m *Message) {
		m.IsLoading = loading
	}
}

func WithHidden(hidden bool) MessageOption {
	return func(m *Message) {
		m.IsHidden = hidden
	}
}

func WithWiredContext(ids ...NodeID) MessageOption {
	return func(m *Message) {
		m.WiredContextIDs = append(m.WiredContextIDs, ids...)
	}
}

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(m *Message) {
		m.Metadata = metadata
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:      NewNodeID(),
		Role:    role,
		Kind:    KindText,
		Content: content,
		Time:    time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Clone returns a copy that shares no slices or maps with m.
func (m *Message) Clone() *Message {
	ret := *m
	if m.WiredContextIDs != nil {
		ret.WiredContextIDs = append([]NodeID(nil), m.WiredContextIDs...)
	}
	if m.Metadata != nil {
		ret.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			ret.Metadata[k] = v
		}
	}
	return &ret
}

func (m *Message) IsWired(blockID NodeID) bool {
	for _, id := range m.WiredContextIDs {
		if id == blockID {
			return true
		}
	}
	return false
}

// View renders the message for terminal output.
func (m *Message) View() string {
	text := strings.TrimRight(m.Content, "\n")
	switch m.Kind {
	case KindImage, KindGeneratedImage:
		if text == "" {
			return fmt.Sprintf("[%s]: ![image](%s)", m.Role, m.ImageURL)
		}
		return fmt.Sprintf("[%s]: %s\n![image](%s)", m.Role, text, m.ImageURL)
	case KindAudio:
		return fmt.Sprintf("[%s]: (audio %s) %s", m.Role, m.AudioURL, text)
	case KindText, KindImageGenerationRequest:
	}
	// leading code fences need their own line to render as markdown
	if strings.HasPrefix(text, "```") {
		text = "\n" + text
	}
	return fmt.Sprintf("[%s]: %s", m.Role, text)
}

// Thread is a linear, root-first sequence of messages.
type Thread []*Message

func (t Thread) Last() *Message {
	if len(t) == 0 {
		return nil
	}
	return t[len(t)-1]
}

func (t Thread) IDs() []NodeID {
	ret := make([]NodeID, 0, len(t))
	for _, m := range t {
		ret = append(ret, m.ID)
	}
	return ret
}

// HasAssistantReply reports whether any finalized assistant message is part of the thread.
func (t Thread) HasAssistantReply() bool {
	for _, m := range t {
		if m.Role == RoleAssistant && !m.IsLoading {
			return true
		}
	}
	return false
}
