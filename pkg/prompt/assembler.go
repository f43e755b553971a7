package prompt

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultLengthHintTemplate = `Please keep your response to approximately {{ .Words }} words.`

const (
	imageFallbackUser      = "[The user sent an image]"
	imageFallbackAssistant = "[An image was generated]"
	audioFallback          = "[The user sent an audio message]"
)

// Assembler is stateless after construction and safe for concurrent use.
type Assembler struct {
	lengthHint *template.Template
}

type AssemblerOption func(*Assembler) error

// WithLengthHintTemplate replaces the system instruction emitted for a response-length hint.
// The template sees .Tokens and .Words and has the sprig function map available.
func WithLengthHintTemplate(text string) AssemblerOption {
	return func(a *Assembler) error {
		if text == "" {
			return nil
		}
		t, err := template.New("length-hint").Funcs(sprig.TxtFuncMap()).Parse(text)
		if err != nil {
			return errors.Wrap(err, "could not parse length hint template")
		}
		a.lengthHint = t
		return nil
	}
}

func NewAssembler(options ...AssemblerOption) (*Assembler, error) {
	ret := &Assembler{}
	for _, o := range append([]AssemblerOption{WithLengthHintTemplate(DefaultLengthHintTemplate)}, options...) {
		if err := o(ret); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

// Input is everything the assembler needs to build a prompt.
type Input struct {
	// Path is the root-first message path.
	Path conversation.Thread
	// Blocks resolves wired context block ids. Unknown ids are skipped.
	Blocks map[conversation.NodeID]*conversation.ContextBlock
	// Retrieved fragments are added to the last turn, after its wired blocks.
	Retrieved []Fragment
	// MaxTokens is the response-length hint. Zero or less means no hint.
	MaxTokens    int
	Capabilities Capabilities
}

// Assemble never fails: content it cannot send is degraded to text, and no empty turn is emitted.
func (a *Assembler) Assemble(in Input) []Turn {
	var history conversation.Thread
	for _, m := range in.Path {
		if m.IsLoading {
			continue
		}
		history = append(history, m)
	}

	var turns []Turn
	if in.MaxTokens > 0 {
		turns = append(turns, NewTextTurn(RoleSystem, a.renderLengthHint(in.MaxTokens)))
	}

	for i, m := range history {
		var fragments []Fragment
		if i == len(history)-1 {
			fragments = in.Retrieved
		}
		if t, ok := a.turnFor(m, in.Blocks, fragments, in.Capabilities); ok {
			turns = append(turns, t)
		}
	}
	return turns
}

func (a *Assembler) turnFor(
	m *conversation.Message,
	blocks map[conversation.NodeID]*conversation.ContextBlock,
	fragments []Fragment,
	caps Capabilities,
) (Turn, bool) {
	role := RoleUser
	if m.Role == conversation.RoleAssistant {
		role = RoleAssistant
	}

	var segments []string
	for _, id := range m.WiredContextIDs {
		if b, ok := blocks[id]; ok && strings.TrimSpace(b.Content) != "" {
			segments = append(segments, b.Content)
		}
	}
	for _, f := range fragments {
		if strings.TrimSpace(f.Content) != "" {
			segments = append(segments, f.Content)
		}
	}
	text := m.Content

	// images can only be attached to user turns
	if m.HasImage() && caps.SupportsImageInput && role == RoleUser {
		var parts []Part
		if len(segments) > 0 {
			parts = append(parts, TextPart(strings.Join(segments, "\n\n")))
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, TextPart(text))
		}
		parts = append(parts, ImagePart(m.ImageURL))
		return Turn{Role: role, Parts: parts}, true
	}

	if strings.TrimSpace(text) == "" {
		text = fallbackText(m, role)
	}
	if len(segments) > 0 {
		text = strings.Join(append(segments, text), "\n\n")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Debug().Str("message_id", m.ID.String()).Msg("Skipping message without content")
		return Turn{}, false
	}
	return NewTextTurn(role, text), true
}

func fallbackText(m *conversation.Message, role Role) string {
	switch m.Kind {
	case conversation.KindImage, conversation.KindGeneratedImage:
		if role == RoleAssistant {
			return imageFallbackAssistant
		}
		return imageFallbackUser
	case conversation.KindAudio:
		return audioFallback
	case conversation.KindText, conversation.KindImageGenerationRequest:
	}
	return ""
}

// WordsForTokens converts a token budget into a word count, words ≈ tokens × 0.75.
func WordsForTokens(tokens int) int {
	return int(math.Round(float64(tokens) * 0.75))
}

func (a *Assembler) renderLengthHint(tokens int) string {
	data := struct {
		Tokens int
		Words  int
	}{tokens, WordsForTokens(tokens)}

	var buf bytes.Buffer
	if a.lengthHint != nil {
		if err := a.lengthHint.Execute(&buf, data); err == nil && strings.TrimSpace(buf.String()) != "" {
			return strings.TrimSpace(buf.String())
		} else if err != nil {
			log.Warn().Err(err).Msg("Length hint template failed, using default wording")
		}
	}
	return fmt.Sprintf("Please keep your response to approximately %d words.", data.Words)
}
