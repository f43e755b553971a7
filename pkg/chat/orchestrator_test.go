package chat

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/cost"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/prompt"
	"github.com/go-go-golems/arbor/pkg/security"
	"github.com/go-go-golems/arbor/pkg/stream"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModel = "test-model"

func testPrices() *cost.PriceTable {
	return cost.DefaultPriceTable().Merge(&cost.PriceTable{
		Text: map[string]cost.TextRate{testModel: {Input: 0.0015, Output: 0.006}},
	})
}

type fixture struct {
	store *faultyStore
	sink  *snapshotSink
	o     *Orchestrator
	st    *State
}

func newFixture(t *testing.T, g stream.Generator, options ...Option) *fixture {
	s := newFaultyStore()
	sink := &snapshotSink{}
	options = append([]Option{
		WithPriceTable(testPrices()),
		WithEventSinks(sink),
		WithOwnerID("me"),
		WithFinalizeRetries(DefaultFinalizeRetries, 0),
	}, options...)
	o, err := NewOrchestrator(s, g, options...)
	require.NoError(t, err)

	st, err := o.NewConversation(context.Background(), testModel, 0)
	require.NoError(t, err)
	sink.st = st
	return &fixture{store: s, sink: sink, o: o, st: st}
}

func (f *fixture) conversationRecord(t *testing.T) *conversation.Conversation {
	c, err := f.store.GetConversation(context.Background(), f.st.ConversationID())
	require.NoError(t, err)
	return c
}

func assertNoLoading(t *testing.T, snap *Snapshot) {
	for _, m := range snap.Tree.Nodes {
		assert.False(t, m.IsLoading, "message %s is still loading", m.ID)
	}
}

func TestSubmitHelloScenario(t *testing.T) {
	g := newScriptedGenerator(textReply(&stream.Usage{PromptTokens: 5, CompletionTokens: 2}, "Hi", " there")...)
	f := newFixture(t, g)
	ctx := context.Background()

	reply, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "Hello"})
	require.NoError(t, err)

	// while streaming: user root, loading placeholder below it as the leaf
	require.Len(t, f.sink.snapshots, 2)
	streaming := f.sink.snapshots[1]
	assert.Equal(t, PhaseStreaming, streaming.Phase)
	placeholder := streaming.Tree.Current()
	require.NotNil(t, placeholder)
	assert.True(t, placeholder.IsLoading)
	assert.Equal(t, conversation.RoleAssistant, placeholder.Role)
	assert.Equal(t, "Hi there", placeholder.Content)
	user, ok := streaming.Tree.GetMessageByID(placeholder.ParentID)
	require.True(t, ok)
	assert.Equal(t, conversation.RoleUser, user.Role)
	assert.Equal(t, conversation.NullNode, user.ParentID)
	assert.Equal(t, "Hi", f.sink.snapshots[0].Tree.Current().Content)

	// finalized
	assert.Equal(t, "Hi there", reply.Content)
	assert.Equal(t, user.ID, reply.ParentID)
	assert.NotEqual(t, placeholder.ID, reply.ID, "the placeholder is replaced by the stored message")
	assert.Equal(t, 5, reply.PromptTokens)
	assert.Equal(t, 2, reply.CompletionTokens)
	assert.InDelta(t, 0.0000195, reply.Cost, 1e-12)
	assert.False(t, reply.IsLoading)

	snap := f.st.Snapshot()
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Empty(t, snap.Error)
	assert.Equal(t, 2, snap.Tree.Len())
	assert.Equal(t, reply.ID, snap.Tree.CurrentID)
	assertNoLoading(t, snap)
	assert.InDelta(t, 0.0000195, snap.Conversation.Cost, 1e-12)
	assert.Equal(t, conversation.DefaultTitle, snap.Conversation.Title)
	assert.False(t, f.st.InFlight())

	stored := f.conversationRecord(t)
	assert.InDelta(t, 0.0000195, stored.Cost, 1e-12)
	assert.Equal(t, "New Chat", stored.Title)

	msgs, err := f.store.ListMessages(ctx, f.st.ConversationID())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, user.ID, msgs[0].ID)
	assert.Equal(t, reply.ID, msgs[1].ID)

	assert.Equal(t, []events.EventType{
		events.EventTypeStart,
		events.EventTypePartialCompletion,
		events.EventTypePartialCompletion,
		events.EventTypeFinal,
		events.EventTypeConversationUpdated,
	}, f.sink.types())

	require.Len(t, g.requests, 1)
	assert.Equal(t, testModel, g.lastRequest().Model)
	assert.Equal(t, []prompt.Turn{prompt.NewTextTurn(prompt.RoleUser, "Hello")}, g.lastRequest().Turns)
}

func TestSubmitDerivesTitleOnFirstExchangeOnly(t *testing.T) {
	g := &sequenceGenerator{scripts: []*scriptedGenerator{
		newScriptedGenerator(textReply(nil, "Sure.")...),
		newScriptedGenerator(textReply(nil, "Again.")...),
	}}
	f := newFixture(t, g)
	ctx := context.Background()

	first, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "Can you explain goroutines to me"})
	require.NoError(t, err)
	assert.Zero(t, first.Cost, "no usage means zero cost")
	assert.Equal(t, "explain goroutines to me", f.st.Snapshot().Conversation.Title)

	_, err = f.o.Submit(ctx, f.st, SubmitRequest{Text: "Please tell me about channels instead"})
	require.NoError(t, err)
	assert.Equal(t, "explain goroutines to me", f.st.Snapshot().Conversation.Title)
	assert.Equal(t, "explain goroutines to me", f.conversationRecord(t).Title)
}

func TestSubmitCancelMidStream(t *testing.T) {
	g := newScriptedGenerator(textReply(&stream.Usage{PromptTokens: 5, CompletionTokens: 2}, "Hi", " there")...)
	g.blockAt = 1
	f := newFixture(t, g)
	ctx := context.Background()

	type result struct {
		m   *conversation.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "Hello"})
		done <- result{m, err}
	}()

	<-g.blocked
	require.True(t, f.st.InFlight())
	require.True(t, f.st.Cancel())

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not return after cancel")
	}
	require.Error(t, r.err)
	assert.Nil(t, r.m)
	assert.True(t, errors.Is(r.err, ErrCancelled))
	assert.Equal(t, KindCancelled, KindOf(r.err))
	assert.Empty(t, UserMessage(r.err))

	snap := f.st.Snapshot()
	assert.Empty(t, snap.Error, "cancellation is silent")
	require.Equal(t, 1, snap.Tree.Len())
	leaf := snap.Tree.Current()
	require.NotNil(t, leaf)
	assert.Equal(t, conversation.RoleUser, leaf.Role)
	assertNoLoading(t, snap)
	assert.Zero(t, snap.Conversation.Cost)
	assert.False(t, f.st.InFlight())
	assert.False(t, f.st.Cancel())

	msgs, err := f.store.ListMessages(ctx, f.st.ConversationID())
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the partial reply is never persisted")
	assert.Zero(t, f.conversationRecord(t).Cost)
	assert.Empty(t, f.store.updates())
	assert.Contains(t, f.sink.types(), events.EventTypeInterrupt)
}

func TestSubmitTransportErrorDiscardsPlaceholder(t *testing.T) {
	g := &sequenceGenerator{scripts: []*scriptedGenerator{
		newScriptedGenerator(
			stream.Event{Type: stream.EventDelta, Delta: "Hal"},
			stream.Event{Type: stream.EventError, Err: &stream.APIError{StatusCode: 503, Message: "overloaded"}},
		),
		newScriptedGenerator(textReply(nil, "ok")...),
	}}
	f := newFixture(t, g)
	ctx := context.Background()

	_, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "Hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	var apiErr *stream.APIError
	assert.True(t, errors.As(err, &apiErr))

	snap := f.st.Snapshot()
	assert.Equal(t, "The model service is unavailable right now. Please retry later.", snap.Error)
	require.Equal(t, 1, snap.Tree.Len())
	assert.Equal(t, conversation.RoleUser, snap.Tree.Current().Role)
	assertNoLoading(t, snap)
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Contains(t, f.sink.types(), events.EventTypeError)

	// the next submission clears the slot and continues below the user message
	reply, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "Hello again"})
	require.NoError(t, err)
	assert.Empty(t, f.st.ErrorText())
	path, err := f.st.Snapshot().Tree.PathToRoot(reply.ID)
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, "Hello", path[0].Content)
	assert.Equal(t, "Hello again", path[1].Content)
}

func TestSubmitStreamClosedWithoutTerminal(t *testing.T) {
	g := newScriptedGenerator(stream.Event{Type: stream.EventDelta, Delta: "Hi"})
	f := newFixture(t, g)

	_, err := f.o.Submit(context.Background(), f.st, SubmitRequest{Text: "Hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, stream.ErrStreamClosed))
	assertNoLoading(t, f.st.Snapshot())
}

func TestSubmitUserPersistenceFailsClosed(t *testing.T) {
	g := newScriptedGenerator(textReply(nil, "Hi")...)
	f := newFixture(t, g)
	f.store.failInsertRole = conversation.RoleUser

	_, err := f.o.Submit(context.Background(), f.st, SubmitRequest{Text: "Hello"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.True(t, errors.Is(err, errInjected))

	snap := f.st.Snapshot()
	assert.Equal(t, 0, snap.Tree.Len(), "a message the store does not have is not shown")
	assert.Equal(t, conversation.NullNode, snap.Tree.CurrentID)
	assert.NotEmpty(t, snap.Error)
	assert.Equal(t, 0, g.calls())
	assert.False(t, f.st.InFlight())
}

func TestSubmitValidation(t *testing.T) {
	g := newScriptedGenerator(textReply(nil, "Hi")...)
	f := newFixture(t, g)
	ctx := context.Background()

	_, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "   "})
	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, ErrEmptySubmission))

	_, err = f.o.Submit(ctx, nil, SubmitRequest{Text: "Hello"})
	assert.True(t, errors.Is(err, ErrNoConversation))

	_, err = f.o.Submit(ctx, f.st, SubmitRequest{Text: "Hello", ParentID: conversation.NewNodeID()})
	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, conversation.ErrInvalidParent))

	_, err = f.o.Submit(ctx, f.st, SubmitRequest{Text: "Hello", ContextIDs: []conversation.NodeID{conversation.NewNodeID()}})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = f.o.Submit(ctx, f.st, SubmitRequest{Text: "what is this?", ImageURL: "http://127.0.0.1/cat.png"})
	assert.True(t, errors.Is(err, ErrValidation))
	assert.True(t, errors.Is(err, security.ErrUnsafeURL))

	assert.Equal(t, 0, g.calls())
	assert.Equal(t, 0, f.st.Snapshot().Tree.Len())
}

func TestSubmitWhileActiveIsRejected(t *testing.T) {
	g := newScriptedGenerator(textReply(nil, "Hi", " there")...)
	g.blockAt = 1
	f := newFixture(t, g)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "Hello"})
		done <- err
	}()
	<-g.blocked

	_, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "Second"})
	assert.True(t, errors.Is(err, ErrSessionAlreadyActive))
	assert.True(t, errors.Is(err, ErrValidation))

	sess := f.st.ActiveSession()
	require.NotNil(t, sess)
	assert.Equal(t, testModel, sess.Model)
	assert.False(t, sess.PlaceholderID.IsNull())

	f.st.Cancel()
	assert.True(t, errors.Is(<-done, ErrCancelled))
	<-sess.Done()
}

func TestFinalizeRetriesCountCostOnce(t *testing.T) {
	g := newScriptedGenerator(textReply(&stream.Usage{PromptTokens: 5, CompletionTokens: 2}, "Hi there")...)
	f := newFixture(t, g)
	f.store.failConversationUpdates = 2

	_, err := f.o.Submit(context.Background(), f.st, SubmitRequest{Text: "Hello"})
	require.NoError(t, err)

	updates := f.store.updates()
	require.Len(t, updates, 3)
	for _, u := range updates {
		require.NotNil(t, u.Cost)
		assert.InDelta(t, 0.0000195, *u.Cost, 1e-12, "every attempt carries the same absolute cost")
	}
	assert.InDelta(t, 0.0000195, f.conversationRecord(t).Cost, 1e-12)
	assert.InDelta(t, 0.0000195, f.st.Snapshot().Conversation.Cost, 1e-12)
	assert.Empty(t, f.st.ErrorText())
}

func TestFinalizeReleasesWhenConversationUpdateFails(t *testing.T) {
	g := newScriptedGenerator(textReply(&stream.Usage{PromptTokens: 5, CompletionTokens: 2}, "Hi there")...)
	f := newFixture(t, g)
	f.store.failConversationUpdates = 100

	reply, err := f.o.Submit(context.Background(), f.st, SubmitRequest{Text: "Hello"})
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Len(t, f.store.updates(), DefaultFinalizeRetries+1)
	assert.False(t, f.st.InFlight())
	assert.Equal(t, PhaseIdle, f.st.Phase())
	assert.True(t, errors.Is(f.st.Err(), ErrPersistence))
	assert.InDelta(t, 0.0000195, f.st.Snapshot().Conversation.Cost, 1e-12, "the session keeps the accounted cost")
}

func TestAssistantPersistenceIsOptimistic(t *testing.T) {
	g := newScriptedGenerator(textReply(&stream.Usage{PromptTokens: 5, CompletionTokens: 2}, "Hi there")...)
	f := newFixture(t, g)
	f.store.failInsertRole = conversation.RoleAssistant

	reply, err := f.o.Submit(context.Background(), f.st, SubmitRequest{Text: "Hello"})
	require.NoError(t, err)

	snap := f.st.Snapshot()
	assert.Equal(t, reply.ID, snap.Tree.CurrentID)
	assert.Equal(t, "Hi there", snap.Tree.Current().Content)
	assertNoLoading(t, snap)
	assert.True(t, errors.Is(f.st.Err(), ErrPersistence))
	assert.InDelta(t, 0.0000195, f.conversationRecord(t).Cost, 1e-12)
}

func TestNavigatingAwayKeepsLeaf(t *testing.T) {
	first := newScriptedGenerator(textReply(nil, "One")...)
	second := newScriptedGenerator(textReply(nil, "T", "wo")...)
	second.blockAt = 1
	g := &sequenceGenerator{scripts: []*scriptedGenerator{first, second}}
	f := newFixture(t, g)
	ctx := context.Background()

	a1, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "first question"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "second question"})
		done <- err
	}()
	<-second.blocked

	require.NoError(t, f.st.SetCurrentLeaf(a1.ID))
	f.st.Cancel()
	assert.True(t, errors.Is(<-done, ErrCancelled))

	snap := f.st.Snapshot()
	assert.Equal(t, a1.ID, snap.Tree.CurrentID)
	assert.Equal(t, 3, snap.Tree.Len())
	assertNoLoading(t, snap)
}

func TestSubmitBranchesFromParent(t *testing.T) {
	g := &sequenceGenerator{scripts: []*scriptedGenerator{
		newScriptedGenerator(textReply(nil, "a1")...),
		newScriptedGenerator(textReply(nil, "a2")...),
		newScriptedGenerator(textReply(nil, "a3")...),
	}}
	f := newFixture(t, g)
	ctx := context.Background()

	a1, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "u1"})
	require.NoError(t, err)
	a2, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "u2"})
	require.NoError(t, err)
	a3, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "u3", ParentID: a1.ID})
	require.NoError(t, err)

	snap := f.st.Snapshot()
	assert.Equal(t, a3.ID, snap.Tree.CurrentID)
	path, err := snap.Tree.CurrentPath()
	require.NoError(t, err)
	var contents []string
	for _, m := range path {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"u1", "a1", "u3", "a3"}, contents)

	u2 := a2.ParentID
	siblings := snap.Tree.Siblings(u2)
	require.Len(t, siblings, 1)
	assert.Equal(t, "u3", siblings[0].Content)

	req := g.scripts[2].lastRequest()
	require.Len(t, req.Turns, 3)
	assert.Equal(t, "u3", req.Turns[2].Text())
}

func TestSubmitAsRootStartsNewThread(t *testing.T) {
	g := &sequenceGenerator{scripts: []*scriptedGenerator{
		newScriptedGenerator(textReply(nil, "a1")...),
		newScriptedGenerator(textReply(nil, "a2")...),
	}}
	f := newFixture(t, g)
	ctx := context.Background()

	_, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "first try"})
	require.NoError(t, err)
	_, err = f.o.Submit(ctx, f.st, SubmitRequest{Text: "second try", AsRoot: true})
	require.NoError(t, err)

	assert.Len(t, f.st.Snapshot().Tree.Roots(), 2)
	assert.Len(t, g.scripts[1].lastRequest().Turns, 1)
}

func TestSubmitWithContextAndRetrieval(t *testing.T) {
	g := newScriptedGenerator(textReply(nil, "ok")...)
	r := &staticRetriever{fragments: []prompt.Fragment{{Source: "kb.md", Content: "retrieved fact", Score: 1}}}
	f := newFixture(t, g, WithRetriever(r, 2))
	ctx := context.Background()

	b, err := f.o.AddContextBlock(ctx, f.st, conversation.ContextBlockText, "notes", "wired notes")
	require.NoError(t, err)

	_, err = f.o.Submit(ctx, f.st, SubmitRequest{Text: "question", ContextIDs: []conversation.NodeID{b.ID}})
	require.NoError(t, err)

	assert.Equal(t, []string{"question"}, r.queries)
	turns := g.lastRequest().Turns
	require.Len(t, turns, 1)
	assert.Equal(t, "wired notes\n\nretrieved fact\n\nquestion", turns[0].Text())

	msgs, err := f.store.ListMessages(ctx, f.st.ConversationID())
	require.NoError(t, err)
	assert.Equal(t, []conversation.NodeID{b.ID}, msgs[0].WiredContextIDs)
}

func TestRetrievalFailureIsNotFatal(t *testing.T) {
	g := newScriptedGenerator(textReply(nil, "ok")...)
	f := newFixture(t, g, WithRetriever(&staticRetriever{err: errInjected}, 0))

	_, err := f.o.Submit(context.Background(), f.st, SubmitRequest{Text: "question"})
	require.NoError(t, err)
	assert.Equal(t, "question", g.lastRequest().Turns[0].Text())
}

func TestSubmitWithLengthHintAndVision(t *testing.T) {
	g := newScriptedGenerator(textReply(nil, "a cat")...)
	f := newFixture(t, g, WithCapabilities(func(model string) prompt.Capabilities {
		return prompt.Capabilities{SupportsImageInput: model == testModel}
	}))
	ctx := context.Background()
	require.NoError(t, f.o.SetMaxTokens(ctx, f.st, 400))

	_, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "what is this?", ImageURL: "https://x/cat.png"})
	require.NoError(t, err)

	turns := g.lastRequest().Turns
	require.Len(t, turns, 2)
	assert.Equal(t, prompt.RoleSystem, turns[0].Role)
	assert.Contains(t, turns[0].Text(), "300 words")
	assert.True(t, turns[1].IsMultimodal())
}

func TestGenerateImage(t *testing.T) {
	images := &scriptedImages{url: "https://images/cat.png"}
	f := newFixture(t, newScriptedGenerator(), WithImageGenerator(images), WithImageDefaults("dall-e-3", 512, 0))
	ctx := context.Background()

	reply, err := f.o.GenerateImage(ctx, f.st, ImageRequest{Prompt: "a cat wearing a hat"})
	require.NoError(t, err)

	assert.Equal(t, conversation.KindGeneratedImage, reply.Kind)
	assert.Equal(t, "https://images/cat.png", reply.ImageURL)
	assert.InDelta(t, 0.04, reply.Cost, 1e-12)
	require.Len(t, images.requests, 1)
	assert.Equal(t, "dall-e-3", images.requests[0].Model)
	assert.Equal(t, "512x512", images.requests[0].Size())

	snap := f.st.Snapshot()
	user, ok := snap.Tree.GetMessageByID(reply.ParentID)
	require.True(t, ok)
	assert.Equal(t, conversation.KindImageGenerationRequest, user.Kind)
	assert.InDelta(t, 0.04, snap.Conversation.Cost, 1e-12)
	assert.Equal(t, "a cat wearing a hat", snap.Conversation.Title)
	assert.Contains(t, f.sink.types(), events.EventTypeImageGenerated)
	assertNoLoading(t, snap)
}

func TestGenerateImageUnknownModelUsesDefaultPrice(t *testing.T) {
	images := &scriptedImages{url: "https://images/x.png"}
	f := newFixture(t, newScriptedGenerator(), WithImageGenerator(images))

	reply, err := f.o.GenerateImage(context.Background(), f.st, ImageRequest{Prompt: "x", Model: "mystery"})
	require.NoError(t, err)
	assert.InDelta(t, cost.DefaultImagePrice, reply.Cost, 1e-12)
}

func TestGenerateImageCancelAndFailure(t *testing.T) {
	images := &scriptedImages{block: true}
	f := newFixture(t, newScriptedGenerator(), WithImageGenerator(images))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.o.GenerateImage(ctx, f.st, ImageRequest{Prompt: "slow"})
		done <- err
	}()
	require.Eventually(t, func() bool {
		sess := f.st.ActiveSession()
		return sess != nil && !sess.PlaceholderID.IsNull()
	}, 5*time.Second, time.Millisecond)
	f.st.Cancel()
	assert.True(t, errors.Is(<-done, ErrCancelled))
	assert.Equal(t, 1, f.st.Snapshot().Tree.Len())

	images.block = false
	images.err = errInjected
	_, err := f.o.GenerateImage(ctx, f.st, ImageRequest{Prompt: "broken"})
	assert.True(t, errors.Is(err, ErrTransport))
	assert.NotEmpty(t, f.st.ErrorText())
	assertNoLoading(t, f.st.Snapshot())
	assert.Zero(t, f.st.Snapshot().Conversation.Cost)

	o, err := NewOrchestrator(newFaultyStore(), newScriptedGenerator())
	require.NoError(t, err)
	_, err = o.GenerateImage(ctx, f.st, ImageRequest{Prompt: "x"})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestRevealHiddenReply(t *testing.T) {
	g := newScriptedGenerator(textReply(nil, "secret")...)
	f := newFixture(t, g)
	ctx := context.Background()

	reply, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "Hello", HideReply: true})
	require.NoError(t, err)
	assert.True(t, reply.IsHidden)

	msgs, err := f.store.ListMessages(ctx, f.st.ConversationID())
	require.NoError(t, err)
	assert.True(t, msgs[1].IsHidden)

	require.NoError(t, f.o.Reveal(ctx, f.st, reply.ID))
	m, _ := f.st.Snapshot().Tree.GetMessageByID(reply.ID)
	assert.False(t, m.IsHidden)
	msgs, err = f.store.ListMessages(ctx, f.st.ConversationID())
	require.NoError(t, err)
	assert.False(t, msgs[1].IsHidden)

	assert.True(t, errors.Is(f.o.Reveal(ctx, f.st, conversation.NewNodeID()), ErrValidation))
}

func TestContextBlockCascade(t *testing.T) {
	g := &sequenceGenerator{scripts: []*scriptedGenerator{
		newScriptedGenerator(textReply(nil, "1")...),
		newScriptedGenerator(textReply(nil, "2")...),
	}}
	f := newFixture(t, g)
	ctx := context.Background()

	b, err := f.o.AddContextBlock(ctx, f.st, conversation.ContextBlockFile, "doc", "content")
	require.NoError(t, err)

	a1, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "one", ContextIDs: []conversation.NodeID{b.ID}})
	require.NoError(t, err)
	a2, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "two"})
	require.NoError(t, err)
	require.NoError(t, f.o.Wire(ctx, f.st, a2.ParentID, b.ID))
	require.NoError(t, f.o.Wire(ctx, f.st, a2.ParentID, b.ID))
	require.NoError(t, f.o.Wire(ctx, f.st, a1.ID, b.ID))

	changed, err := f.o.RemoveContextBlock(ctx, f.st, b.ID)
	require.NoError(t, err)
	assert.Len(t, changed, 3)

	for _, m := range f.st.Snapshot().Tree.Nodes {
		assert.Empty(t, m.WiredContextIDs)
	}
	msgs, err := f.store.ListMessages(ctx, f.st.ConversationID())
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Empty(t, m.WiredContextIDs)
	}
	_, ok := f.st.Snapshot().Tree.ContextBlock(b.ID)
	assert.False(t, ok)
}

func TestWireRollsBackOnPersistenceFailure(t *testing.T) {
	g := newScriptedGenerator(textReply(nil, "1")...)
	f := newFixture(t, g)
	ctx := context.Background()

	b, err := f.o.AddContextBlock(ctx, f.st, conversation.ContextBlockText, "t", "c")
	require.NoError(t, err)
	reply, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "one"})
	require.NoError(t, err)

	f.store.failMessageUpdates = true
	err = f.o.Wire(ctx, f.st, reply.ID, b.ID)
	assert.True(t, errors.Is(err, ErrPersistence))
	m, _ := f.st.Snapshot().Tree.GetMessageByID(reply.ID)
	assert.Empty(t, m.WiredContextIDs)

	f.store.failMessageUpdates = false
	require.NoError(t, f.o.Wire(ctx, f.st, reply.ID, b.ID))
	require.NoError(t, f.o.Unwire(ctx, f.st, reply.ID, b.ID))
	m, _ = f.st.Snapshot().Tree.GetMessageByID(reply.ID)
	assert.Empty(t, m.WiredContextIDs)
}

func TestLoadConversation(t *testing.T) {
	g := &sequenceGenerator{scripts: []*scriptedGenerator{
		newScriptedGenerator(textReply(nil, "a1")...),
		newScriptedGenerator(textReply(nil, "a2")...),
	}}
	f := newFixture(t, g)
	ctx := context.Background()

	_, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "u1"})
	require.NoError(t, err)
	a2, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "u2"})
	require.NoError(t, err)

	loaded, err := f.o.LoadConversation(ctx, f.st.ConversationID())
	require.NoError(t, err)
	snap := loaded.Snapshot()
	assert.Equal(t, 4, snap.Tree.Len())
	assert.Equal(t, a2.ID, snap.Tree.CurrentID)
	assert.Equal(t, f.st.Snapshot().Conversation.Title, snap.Conversation.Title)

	list, err := f.o.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.o.LoadConversation(ctx, conversation.NewNodeID())
	assert.True(t, errors.Is(err, ErrPersistence))
}

func TestConversationSettings(t *testing.T) {
	f := newFixture(t, newScriptedGenerator())
	ctx := context.Background()

	require.NoError(t, f.o.SelectModel(ctx, f.st, "gpt-4o"))
	require.NoError(t, f.o.SetMaxTokens(ctx, f.st, 200))
	require.NoError(t, f.o.Rename(ctx, f.st, "Renamed"))
	assert.True(t, errors.Is(f.o.SetMaxTokens(ctx, f.st, -1), ErrValidation))

	c := f.conversationRecord(t)
	assert.Equal(t, "gpt-4o", c.SelectedModel)
	assert.Equal(t, 200, c.MaxTokens)
	assert.Equal(t, "Renamed", c.Title)
	assert.Equal(t, "gpt-4o", f.st.Snapshot().Conversation.SelectedModel)
}

func TestDeleteConversation(t *testing.T) {
	g := newScriptedGenerator(textReply(nil, "a1")...)
	f := newFixture(t, g)
	ctx := context.Background()

	_, err := f.o.Submit(ctx, f.st, SubmitRequest{Text: "u1"})
	require.NoError(t, err)
	id := f.st.ConversationID()

	require.NoError(t, f.o.DeleteConversation(ctx, f.st))
	assert.True(t, f.st.ConversationID().IsNull())
	assert.Equal(t, 0, f.st.Snapshot().Tree.Len())

	msgs, err := f.store.ListMessages(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = f.o.Submit(ctx, f.st, SubmitRequest{Text: "again"})
	assert.True(t, errors.Is(err, ErrNoConversation))
}
