package chat

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/stream"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportImportRoundTrip(t *testing.T) {
	g := &sequenceGenerator{scripts: []*scriptedGenerator{
		newScriptedGenerator(textReply(&stream.Usage{PromptTokens: 5, CompletionTokens: 2}, "a1")...),
		newScriptedGenerator(textReply(&stream.Usage{PromptTokens: 5, CompletionTokens: 2}, "a2")...),
	}}
	f := newFixture(t, g)
	ctx := context.Background()

	b, err := f.o.AddContextBlock(ctx, f.st, conversation.ContextBlockText, "notes", "some notes")
	require.NoError(t, err)
	a1, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "tell me about goroutines", ContextIDs: []conversation.NodeID{b.ID}})
	require.NoError(t, err)
	_, err = f.o.Submit(ctx, f.st, SubmitRequest{Text: "branch", ParentID: a1.ParentID})
	require.NoError(t, err)
	require.NoError(t, f.st.SetCurrentLeaf(a1.ID))

	e, err := f.o.Export(f.st)
	require.NoError(t, err)
	require.Len(t, e.Messages, 4)

	var buf bytes.Buffer
	require.NoError(t, e.Write(&buf, conversation.FormatYAML))
	read, err := conversation.ReadExport(&buf, conversation.FormatYAML)
	require.NoError(t, err)

	imported, err := f.o.Import(ctx, read)
	require.NoError(t, err)
	assert.NotEqual(t, f.st.ConversationID(), imported.ConversationID())

	snap := imported.Snapshot()
	assert.Equal(t, 4, snap.Tree.Len())
	assert.Equal(t, "tell me about goroutines", snap.Conversation.Title)
	assert.InDelta(t, 2*0.0000195, snap.Conversation.Cost, 1e-12)

	leaf := snap.Tree.Current()
	require.NotNil(t, leaf)
	assert.Equal(t, "a1", leaf.Content)
	path, err := snap.Tree.CurrentPath()
	require.NoError(t, err)
	require.Len(t, path, 2)
	require.Len(t, path[0].WiredContextIDs, 1)
	assert.NotEqual(t, b.ID, path[0].WiredContextIDs[0], "blocks are stored again with new ids")
	_, ok := snap.Tree.ContextBlock(path[0].WiredContextIDs[0])
	assert.True(t, ok)

	roots := snap.Tree.Roots()
	require.Len(t, roots, 1)
	assert.Len(t, snap.Tree.Children(roots[0].ID), 2)
}

func TestImportCycleIsCorrupt(t *testing.T) {
	f := newFixture(t, newScriptedGenerator())
	ctx := context.Background()

	root := conversation.NewMessage(conversation.RoleUser, "fine")
	a := conversation.NewMessage(conversation.RoleUser, "a")
	b := conversation.NewMessage(conversation.RoleAssistant, "b", conversation.WithParentID(a.ID))
	a.ParentID = b.ID
	block := conversation.NewContextBlock(conversation.ContextBlockText, "notes", "kept only on success")

	_, err := f.o.Import(ctx, &conversation.Export{
		Conversation:  &conversation.Conversation{Title: "broken import", SelectedModel: testModel},
		Messages:      []*conversation.Message{root, a, b},
		ContextBlocks: []*conversation.ContextBlock{block},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptTree))

	cs, err := f.o.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, cs, 1, "only the fixture's conversation is left")
	assert.Equal(t, f.st.ConversationID(), cs[0].ID)
	blocks, err := f.store.ListContextBlocks(ctx, "me")
	require.NoError(t, err)
	assert.Empty(t, blocks)

	_, err = f.o.Import(ctx, nil)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestImportInsertFailureLeavesNothing(t *testing.T) {
	f := newFixture(t, newScriptedGenerator())
	ctx := context.Background()
	f.store.failInsertRole = conversation.RoleAssistant

	q := conversation.NewMessage(conversation.RoleUser, "question")
	a := conversation.NewMessage(conversation.RoleAssistant, "answer", conversation.WithParentID(q.ID))
	_, err := f.o.Import(ctx, &conversation.Export{
		Conversation: &conversation.Conversation{SelectedModel: testModel},
		Messages:     []*conversation.Message{q, a},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))

	cs, err := f.o.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, cs, 1)
}
