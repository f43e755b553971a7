package prompt

import (
	"strings"
	"testing"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAssembler(t *testing.T, options ...AssemblerOption) *Assembler {
	t.Helper()
	a, err := NewAssembler(options...)
	require.NoError(t, err)
	return a
}

func chain(texts ...string) conversation.Thread {
	var ret conversation.Thread
	parent := conversation.NullNode
	for i, text := range texts {
		role := conversation.RoleUser
		if i%2 == 1 {
			role = conversation.RoleAssistant
		}
		m := conversation.NewMessage(role, text, conversation.WithParentID(parent))
		ret = append(ret, m)
		parent = m.ID
	}
	return ret
}

func assertNoEmptyTurns(t *testing.T, turns []Turn) {
	t.Helper()
	systems := 0
	for _, turn := range turns {
		assert.False(t, turn.IsEmpty(), "empty turn %+v", turn)
		if turn.Role == RoleSystem {
			systems++
		}
	}
	assert.LessOrEqual(t, systems, 1)
}

func TestAssemblePreservesOrder(t *testing.T) {
	a := newAssembler(t)
	turns := a.Assemble(Input{Path: chain("q1", "a1", "q2")})

	want := []Turn{
		NewTextTurn(RoleUser, "q1"),
		NewTextTurn(RoleAssistant, "a1"),
		NewTextTurn(RoleUser, "q2"),
	}
	if diff := cmp.Diff(want, turns); diff != "" {
		t.Errorf("turns mismatch (-want +got):\n%s", diff)
	}
}

func TestAssembleSkipsLoadingMessages(t *testing.T) {
	a := newAssembler(t)
	path := chain("q1", "stale partial", "q2")
	path[1].IsLoading = true

	turns := a.Assemble(Input{Path: path})
	require.Len(t, turns, 2)
	assert.Equal(t, "q1", turns[0].Text())
	assert.Equal(t, "q2", turns[1].Text())
}

func TestAssembleLengthHint(t *testing.T) {
	a := newAssembler(t)
	turns := a.Assemble(Input{Path: chain("q1"), MaxTokens: 400})
	require.Len(t, turns, 2)
	assert.Equal(t, RoleSystem, turns[0].Role)
	assert.Contains(t, turns[0].Text(), "300 words")
	assertNoEmptyTurns(t, turns)

	turns = a.Assemble(Input{Path: chain("q1"), MaxTokens: 0})
	require.Len(t, turns, 1)
	assert.Equal(t, RoleUser, turns[0].Role)
}

func TestAssembleCustomLengthHintTemplate(t *testing.T) {
	a := newAssembler(t, WithLengthHintTemplate(`{{ "answer briefly" | upper }} ({{ .Words }}/{{ .Tokens }})`))
	turns := a.Assemble(Input{Path: chain("q1"), MaxTokens: 100})
	assert.Equal(t, "ANSWER BRIEFLY (75/100)", turns[0].Text())

	_, err := NewAssembler(WithLengthHintTemplate(`{{ .Words`))
	assert.Error(t, err)
}

func TestAssembleImageOnTextOnlyModel(t *testing.T) {
	a := newAssembler(t)
	m := conversation.NewMessage(conversation.RoleUser, "", conversation.WithImageURL("https://example.com/cat.png"))

	turns := a.Assemble(Input{Path: conversation.Thread{m}})
	require.Len(t, turns, 1)
	assert.False(t, turns[0].IsMultimodal())
	assert.Equal(t, imageFallbackUser, turns[0].Text())
}

func TestAssembleImageOnVisionModel(t *testing.T) {
	a := newAssembler(t)
	m := conversation.NewMessage(conversation.RoleUser, "what is this?", conversation.WithImageURL("https://example.com/cat.png"))

	turns := a.Assemble(Input{Path: conversation.Thread{m}, Capabilities: Capabilities{SupportsImageInput: true}})
	require.Len(t, turns, 1)
	assert.Equal(t, []Part{TextPart("what is this?"), ImagePart("https://example.com/cat.png")}, turns[0].Parts)

	m.Content = ""
	turns = a.Assemble(Input{Path: conversation.Thread{m}, Capabilities: Capabilities{SupportsImageInput: true}})
	assert.Equal(t, []Part{ImagePart("https://example.com/cat.png")}, turns[0].Parts)
}

func TestAssembleGeneratedImageDegradesForAssistant(t *testing.T) {
	a := newAssembler(t)
	path := chain("draw a cat", "")
	path[1].Kind = conversation.KindGeneratedImage
	path[1].ImageURL = "https://example.com/generated.png"

	turns := a.Assemble(Input{Path: path, Capabilities: Capabilities{SupportsImageInput: true}})
	require.Len(t, turns, 2)
	assert.Equal(t, imageFallbackAssistant, turns[1].Text())
	assertNoEmptyTurns(t, turns)
}

func TestAssembleWiredBlocksThenRetrieved(t *testing.T) {
	a := newAssembler(t)
	path := chain("q1", "a1", "q2")
	b1 := conversation.NewContextBlock(conversation.ContextBlockText, "one", "block one")
	b2 := conversation.NewContextBlock(conversation.ContextBlockFile, "two", "block two")
	path[2].WiredContextIDs = []conversation.NodeID{b2.ID, b1.ID, conversation.NewNodeID()}
	path[0].WiredContextIDs = []conversation.NodeID{b1.ID}

	turns := a.Assemble(Input{
		Path: path,
		Blocks: map[conversation.NodeID]*conversation.ContextBlock{
			b1.ID: b1,
			b2.ID: b2,
		},
		Retrieved: []Fragment{{Source: "kb", Content: "retrieved fact"}},
	})
	require.Len(t, turns, 3)
	assert.Equal(t, "block one\n\nq1", turns[0].Text())
	assert.Equal(t, "block two\n\nblock one\n\nretrieved fact\n\nq2", turns[2].Text())
}

func TestAssembleNeverEmitsEmptyTurns(t *testing.T) {
	a := newAssembler(t)
	path := chain("", "a1", "   ")
	turns := a.Assemble(Input{Path: path, MaxTokens: 10})
	assertNoEmptyTurns(t, turns)
	require.Len(t, turns, 2)
	assert.Equal(t, "a1", turns[1].Text())
}

func TestEstimateTokens(t *testing.T) {
	turns := []Turn{
		NewTextTurn(RoleUser, "hello world"),
		{Role: RoleUser, Parts: []Part{ImagePart("https://example.com/x.png")}},
	}
	n, err := EstimateTokens(turns, "gpt-4")
	require.NoError(t, err)
	assert.Greater(t, n, 2*perTurnOverhead+imageTokens)

	long, err := EstimateTokens([]Turn{NewTextTurn(RoleUser, strings.Repeat("hello world ", 50))}, "unknown-model")
	require.NoError(t, err)
	assert.Greater(t, long, 50)
}

func TestWordsForTokens(t *testing.T) {
	assert.Equal(t, 750, WordsForTokens(1000))
	assert.Equal(t, 1, WordsForTokens(1))
	assert.Equal(t, 0, WordsForTokens(0))
}
