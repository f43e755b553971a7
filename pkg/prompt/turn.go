// Package prompt turns a root-to-leaf message path into the role-tagged turns sent to a model.
package prompt

import "strings"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image_url"
)

type Part struct {
	Type     PartType `json:"type" yaml:"type"`
	Text     string   `json:"text,omitempty" yaml:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty" yaml:"image_url,omitempty"`
}

func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

func ImagePart(url string) Part {
	return Part{Type: PartImage, ImageURL: url}
}

// Turn is one role-tagged unit of prompt content.
type Turn struct {
	Role  Role   `json:"role" yaml:"role"`
	Parts []Part `json:"parts" yaml:"parts"`
}

func NewTextTurn(role Role, text string) Turn {
	return Turn{Role: role, Parts: []Part{TextPart(text)}}
}

// Text concatenates the text parts of the turn.
func (t Turn) Text() string {
	var texts []string
	for _, p := range t.Parts {
		if p.Type == PartText && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// IsMultimodal reports whether the turn carries anything besides text.
func (t Turn) IsMultimodal() bool {
	for _, p := range t.Parts {
		if p.Type != PartText {
			return true
		}
	}
	return false
}

func (t Turn) IsEmpty() bool {
	for _, p := range t.Parts {
		switch p.Type {
		case PartText:
			if strings.TrimSpace(p.Text) != "" {
				return false
			}
		case PartImage:
			if p.ImageURL != "" {
				return false
			}
		}
	}
	return true
}

// Capabilities describes what a model accepts as input.
type Capabilities struct {
	SupportsImageInput bool
}

// Fragment is a piece of retrieved knowledge added to the submitted turn.
type Fragment struct {
	Source  string  `json:"source" yaml:"source"`
	Content string  `json:"content" yaml:"content"`
	Score   float64 `json:"score" yaml:"score"`
}
