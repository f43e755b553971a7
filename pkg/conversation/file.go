package conversation

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Export is the on-disk form of a tree.
type Export struct {
	Conversation  *Conversation   `json:"conversation,omitempty" yaml:"conversation,omitempty"`
	CurrentID     NodeID          `json:"currentID" yaml:"currentID"`
	Messages      []*Message      `json:"messages" yaml:"messages"`
	ContextBlocks []*ContextBlock `json:"contextBlocks,omitempty" yaml:"contextBlocks,omitempty"`
}

func (ct *ConversationTree) Export(c *Conversation) *Export {
	return &Export{
		Conversation:  c,
		CurrentID:     ct.CurrentID,
		Messages:      ct.Messages(),
		ContextBlocks: ct.ContextBlocks(),
	}
}

// ImportTree rebuilds a tree from an export. A current id that does not exist falls back to the newest message.
func ImportTree(e *Export) *ConversationTree {
	ct := NewConversationTree()
	for _, b := range e.ContextBlocks {
		ct.AddContextBlock(b)
	}
	SortMessages(e.Messages)
	ct.InsertMessages(e.Messages...)
	if err := ct.SetCurrentLeaf(e.CurrentID); err != nil || e.CurrentID == NullNode {
		if latest := ct.Latest(); latest != nil {
			ct.CurrentID = latest.ID
		}
	}
	return ct
}

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func FormatFromFilename(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func (e *Export) Write(w io.Writer, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(e); err != nil {
			return errors.Wrap(err, "could not encode yaml")
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(e), "could not encode json")
	default:
		return errors.Errorf("unknown format %s", format)
	}
}

func ReadExport(r io.Reader, format Format) (*Export, error) {
	ret := &Export{}
	var err error
	switch format {
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(ret)
	case FormatJSON:
		err = json.NewDecoder(r).Decode(ret)
	default:
		return nil, errors.Errorf("unknown format %s", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode %s export", format)
	}
	return ret, nil
}

// LoadFromFile reads an export written by Export.Write, picking the format from the extension.
func LoadFromFile(filename string) (*ConversationTree, *Conversation, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	e, err := ReadExport(f, FormatFromFilename(filename))
	if err != nil {
		return nil, nil, err
	}
	return ImportTree(e), e.Conversation, nil
}
