// Package chat drives generation requests against a conversation tree: it persists the user
// message, streams the reply into a placeholder, and reconciles completion, cancellation and
// failure back into the tree, the store and the conversation's running cost.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/cost"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/imagegen"
	"github.com/go-go-golems/arbor/pkg/prompt"
	"github.com/go-go-golems/arbor/pkg/security"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultFinalizeRetries = 3
	DefaultRetryDelay      = 100 * time.Millisecond
	DefaultRetrievalLimit  = 3
)

type Orchestrator struct {
	store     store.Store
	generator stream.Generator
	images    imagegen.Generator
	retriever store.Retriever
	assembler *prompt.Assembler
	prices    *cost.PriceTable
	sinks     []events.EventSink

	ownerID         string
	defaultModel    string
	imageModel      string
	imageWidth      int
	imageHeight     int
	finalizeRetries int
	retryDelay      time.Duration
	retrievalLimit  int
	capabilities    func(model string) prompt.Capabilities
	now             func() time.Time
}

type Option func(*Orchestrator)

func WithImageGenerator(g imagegen.Generator) Option {
	return func(o *Orchestrator) {
		o.images = g
	}
}

// WithImageDefaults sets the model and size used when an image request leaves them empty.
func WithImageDefaults(model string, width, height int) Option {
	return func(o *Orchestrator) {
		o.imageModel = model
		o.imageWidth = width
		o.imageHeight = height
	}
}

// WithRetriever enables knowledge retrieval on submit.
func WithRetriever(r store.Retriever, limit int) Option {
	return func(o *Orchestrator) {
		o.retriever = r
		if limit > 0 {
			o.retrievalLimit = limit
		}
	}
}

func WithAssembler(a *prompt.Assembler) Option {
	return func(o *Orchestrator) {
		o.assembler = a
	}
}

func WithPriceTable(pt *cost.PriceTable) Option {
	return func(o *Orchestrator) {
		o.prices = pt
	}
}

func WithEventSinks(sinks ...events.EventSink) Option {
	return func(o *Orchestrator) {
		o.sinks = append(o.sinks, sinks...)
	}
}

func WithOwnerID(ownerID string) Option {
	return func(o *Orchestrator) {
		o.ownerID = ownerID
	}
}

func WithDefaultModel(model string) Option {
	return func(o *Orchestrator) {
		o.defaultModel = model
	}
}

// WithFinalizeRetries bounds how often the conversation update after a reply is retried.
func WithFinalizeRetries(retries int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.finalizeRetries = retries
		o.retryDelay = delay
	}
}

func WithCapabilities(f func(model string) prompt.Capabilities) Option {
	return func(o *Orchestrator) {
		o.capabilities = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func NewOrchestrator(s store.Store, g stream.Generator, options ...Option) (*Orchestrator, error) {
	if s == nil {
		return nil, errors.New("a store is required")
	}
	if g == nil {
		return nil, errors.New("a generator is required")
	}
	ret := &Orchestrator{
		store:           s,
		generator:       g,
		prices:          cost.DefaultPriceTable(),
		imageModel:      "dall-e-3",
		finalizeRetries: DefaultFinalizeRetries,
		retryDelay:      DefaultRetryDelay,
		retrievalLimit:  DefaultRetrievalLimit,
		capabilities: func(string) prompt.Capabilities {
			return prompt.Capabilities{}
		},
		now: time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	if ret.assembler == nil {
		a, err := prompt.NewAssembler()
		if err != nil {
			return nil, err
		}
		ret.assembler = a
	}
	return ret, nil
}

// NewConversation creates an empty conversation with the owner's context block library loaded.
func (o *Orchestrator) NewConversation(ctx context.Context, model string, maxTokens int) (*State, error) {
	if model == "" {
		model = o.defaultModel
	}
	if model == "" {
		return nil, newError(KindValidation, "new conversation", errors.New("no model selected"))
	}
	if maxTokens < 0 {
		return nil, newError(KindValidation, "new conversation", errors.Errorf("invalid max tokens %d", maxTokens))
	}
	c, err := o.store.CreateConversation(ctx, store.NewConversation{
		OwnerID:   o.ownerID,
		Title:     conversation.DefaultTitle,
		Model:     model,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, newError(KindPersistence, "new conversation", err)
	}
	tree, err := o.loadBlocks(ctx, conversation.NewConversationTree())
	if err != nil {
		return nil, err
	}
	log.Debug().Str("conversation_id", c.ID.String()).Str("model", model).Msg("Created conversation")
	return NewState(c, tree), nil
}

// LoadConversation rebuilds the tree from the store. The leaf is the newest message.
func (o *Orchestrator) LoadConversation(ctx context.Context, id conversation.NodeID) (*State, error) {
	c, err := o.store.GetConversation(ctx, id)
	if err != nil {
		return nil, newError(KindPersistence, "load conversation", err)
	}
	msgs, err := o.store.ListMessages(ctx, id)
	if err != nil {
		return nil, newError(KindPersistence, "load conversation", err)
	}
	tree, err := o.loadBlocks(ctx, conversation.NewConversationTree())
	if err != nil {
		return nil, err
	}
	tree.InsertMessages(msgs...)
	for _, m := range tree.Loading() {
		// never persisted as loading, but an imported tree may carry one
		log.Warn().Str("message_id", m.ID.String()).Msg("Dropping stale loading message")
		_ = tree.RemoveMessage(m.ID)
	}
	if latest := tree.Latest(); latest != nil {
		_ = tree.SetCurrentLeaf(latest.ID)
	}
	log.Debug().
		Str("conversation_id", id.String()).
		Int("messages", tree.Len()).
		Msg("Loaded conversation")
	return NewState(c, tree), nil
}

func (o *Orchestrator) loadBlocks(ctx context.Context, tree *conversation.ConversationTree) (*conversation.ConversationTree, error) {
	blocks, err := o.store.ListContextBlocks(ctx, o.ownerID)
	if err != nil {
		return nil, newError(KindPersistence, "load context blocks", err)
	}
	for _, b := range blocks {
		tree.AddContextBlock(b)
	}
	return tree, nil
}

func (o *Orchestrator) ListConversations(ctx context.Context) ([]*conversation.Conversation, error) {
	ret, err := o.store.ListConversations(ctx, o.ownerID)
	if err != nil {
		return nil, newError(KindPersistence, "list conversations", err)
	}
	return ret, nil
}

// DeleteConversation cancels any request in flight and removes the conversation and its messages.
func (o *Orchestrator) DeleteConversation(ctx context.Context, st *State) error {
	id := st.ConversationID()
	if id.IsNull() {
		return newError(KindValidation, "delete conversation", ErrNoConversation)
	}
	st.Cancel()
	if err := o.store.DeleteConversation(ctx, id); err != nil {
		return newError(KindPersistence, "delete conversation", err)
	}
	_ = st.withTree(func(_ *conversation.ConversationTree, _ *conversation.Conversation) error {
		st.conversation = nil
		st.tree = conversation.NewConversationTree()
		st.err = nil
		return nil
	})
	log.Info().Str("conversation_id", id.String()).Msg("Deleted conversation")
	return nil
}

// SubmitRequest is one user turn.
type SubmitRequest struct {
	Text     string
	ImageURL string
	AudioURL string
	FileURL  string
	// ContextIDs are wired to the new user message.
	ContextIDs []conversation.NodeID

	// ParentID branches the new message off an existing one. When null the message is attached
	// below the current leaf, unless AsRoot is set.
	ParentID conversation.NodeID
	AsRoot   bool

	// HideReply stores the reply hidden until Reveal.
	HideReply bool
}

func (r SubmitRequest) isEmpty() bool {
	return strings.TrimSpace(r.Text) == "" && r.ImageURL == "" && r.AudioURL == ""
}

// flight is the bookkeeping of one request from reservation to release.
type flight struct {
	op             string
	session        *Session
	ctx            context.Context
	conversationID conversation.NodeID
	model          string
	maxTokens      int
	parent         conversation.NodeID
	firstExchange  bool
	hideReply      bool
	started        time.Time

	user        *conversation.Message
	placeholder conversation.NodeID
	path        conversation.Thread
	blocks      map[conversation.NodeID]*conversation.ContextBlock
}

func (f *flight) metadata() events.EventMetadata {
	md := events.EventMetadata{
		ConversationID: f.conversationID,
		MessageID:      f.placeholder,
		Model:          f.model,
	}
	if f.user != nil {
		md.ParentID = f.user.ID
	}
	return md
}

// Submit sends a user message and streams the reply. It blocks until the request ends and returns
// the finalized assistant message.
//
// A cancelled request returns an error matching ErrCancelled and leaves the error slot empty.
// Every other failure is also stored in the state's error slot.
func (o *Orchestrator) Submit(ctx context.Context, st *State, req SubmitRequest) (*conversation.Message, error) {
	const op = "submit"
	if req.isEmpty() {
		return nil, newError(KindValidation, op, ErrEmptySubmission)
	}
	for _, u := range []string{req.ImageURL, req.AudioURL, req.FileURL} {
		if u == "" {
			continue
		}
		if err := security.ValidateURL(u, security.AttachmentOptions); err != nil {
			return nil, newError(KindValidation, op, err)
		}
	}

	f, err := o.reserve(ctx, st, op, req.ParentID, req.AsRoot, req.ContextIDs)
	if err != nil {
		return nil, err
	}
	defer o.release(st, f)
	f.hideReply = req.HideReply

	user := conversation.NewMessage(conversation.RoleUser, req.Text,
		conversation.WithParentID(f.parent),
		conversation.WithWiredContext(req.ContextIDs...),
	)
	if req.ImageURL != "" {
		conversation.WithImageURL(req.ImageURL)(user)
	}
	if req.AudioURL != "" {
		conversation.WithAudioURL(req.AudioURL)(user)
	}
	if req.FileURL != "" {
		conversation.WithFileURL(req.FileURL)(user)
	}
	if err := o.prepare(ctx, st, f, user, conversation.KindText); err != nil {
		return nil, err
	}

	var fragments []prompt.Fragment
	if o.retriever != nil && strings.TrimSpace(req.Text) != "" {
		fragments, err = o.retriever.Retrieve(f.ctx, req.Text, o.retrievalLimit)
		if err != nil {
			log.Warn().Err(err).Msg("Knowledge retrieval failed, sending without fragments")
			fragments = nil
		}
	}

	turns := o.assembler.Assemble(prompt.Input{
		Path:         f.path,
		Blocks:       f.blocks,
		Retrieved:    fragments,
		MaxTokens:    f.maxTokens,
		Capabilities: o.capabilities(f.model),
	})
	log.Debug().
		Str("conversation_id", f.conversationID.String()).
		Str("model", f.model).
		Int("turns", len(turns)).
		Int("fragments", len(fragments)).
		Msg("Streaming completion")

	ch := o.generator.StreamCompletion(f.ctx, stream.Request{Model: f.model, Turns: turns})
	terminal, usage, content := o.consume(ctx, st, f, ch)

	switch {
	case terminal.Type == stream.EventDone:
		return o.finalizeText(ctx, st, f, content, usage)
	case terminal.Type == stream.EventCancelled, f.ctx.Err() != nil:
		return nil, o.abort(ctx, st, f, content)
	default:
		return nil, o.fail(ctx, st, f, newError(KindTransport, op, terminal.Err))
	}
}

// reserve claims the conversation's single session slot and resolves the parent of the new
// message.
func (o *Orchestrator) reserve(
	ctx context.Context,
	st *State,
	op string,
	parentID conversation.NodeID,
	asRoot bool,
	contextIDs []conversation.NodeID,
) (*flight, error) {
	if st == nil {
		return nil, newError(KindValidation, op, ErrNoConversation)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.conversation == nil {
		return nil, newError(KindValidation, op, ErrNoConversation)
	}
	if st.session != nil {
		return nil, newError(KindValidation, op, ErrSessionAlreadyActive)
	}

	parent := st.tree.CurrentID
	switch {
	case asRoot:
		parent = conversation.NullNode
	case !parentID.IsNull():
		parent = parentID
	}
	if !parent.IsNull() {
		m, ok := st.tree.GetMessageByID(parent)
		if !ok {
			return nil, newError(KindValidation, op, errors.Wrapf(conversation.ErrInvalidParent, "message %s", parent.Short()))
		}
		if m.IsLoading {
			return nil, newError(KindValidation, op, errors.New("cannot reply to a message that is still loading"))
		}
	}
	for _, id := range contextIDs {
		if _, ok := st.tree.ContextBlock(id); !ok {
			return nil, newError(KindValidation, op, errors.Errorf("unknown context block %s", id.Short()))
		}
	}

	firstExchange := true
	for _, m := range st.tree.Nodes {
		if m.Role == conversation.RoleAssistant && !m.IsLoading {
			firstExchange = false
			break
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := newSession(st.conversation.SelectedModel, cancel)
	st.session = sess
	st.phase = PhasePreparing
	st.err = nil

	return &flight{
		op:             op,
		session:        sess,
		ctx:            sessCtx,
		conversationID: st.conversation.ID,
		model:          st.conversation.SelectedModel,
		maxTokens:      st.conversation.MaxTokens,
		parent:         parent,
		firstExchange:  firstExchange,
		started:        o.now(),
	}, nil
}

// release returns the conversation to idle. It runs deferred, also when finalization panics.
func (o *Orchestrator) release(st *State, f *flight) {
	st.mu.Lock()
	if st.session == f.session {
		st.session = nil
	}
	st.phase = PhaseIdle
	st.mu.Unlock()

	f.session.Cancel()
	close(f.session.done)
	log.Debug().
		Str("conversation_id", f.conversationID.String()).
		Dur("duration", o.now().Sub(f.started)).
		Msg("Request released")
}

// prepare persists the user message, and only then adds it to the tree together with a loading
// placeholder for the reply, which becomes the current leaf.
func (o *Orchestrator) prepare(
	ctx context.Context,
	st *State,
	f *flight,
	user *conversation.Message,
	placeholderKind conversation.Kind,
) error {
	stored, err := o.store.InsertMessage(ctx, f.conversationID, o.ownerID, user)
	if err != nil {
		return o.fail(ctx, st, f, newError(KindPersistence, f.op, errors.Wrap(err, "could not save user message")))
	}
	f.user = stored

	err = st.withTree(func(tree *conversation.ConversationTree, _ *conversation.Conversation) error {
		if _, err := tree.AppendMessage(f.parent, stored); err != nil {
			return err
		}
		placeholder := conversation.NewMessage(conversation.RoleAssistant, "",
			conversation.WithKind(placeholderKind),
			conversation.WithLoading(true),
		)
		if _, err := tree.AppendMessage(stored.ID, placeholder); err != nil {
			return err
		}
		if err := tree.SetCurrentLeaf(placeholder.ID); err != nil {
			return err
		}
		f.placeholder = placeholder.ID
		f.session.PlaceholderID = placeholder.ID

		path, err := tree.PathToRoot(placeholder.ID)
		if err != nil {
			// the partial path up to the point of detection is still usable
			log.Error().Err(err).
				Str("conversation_id", f.conversationID.String()).
				Str("leaf_id", placeholder.ID.String()).
				Msg("Corrupt conversation tree")
		}
		f.path = make(conversation.Thread, 0, len(path))
		for _, m := range path {
			f.path = append(f.path, m.Clone())
		}
		f.blocks = tree.WiredOnPath(path)
		st.phase = PhaseStreaming
		return nil
	})
	if err != nil {
		return o.fail(ctx, st, f, newError(KindCorruptTree, f.op, err))
	}

	o.publish(ctx, events.NewStartEvent(f.metadata()))
	return nil
}

// consume applies deltas to the placeholder in arrival order and drains the channel. A channel
// closed without a terminal event counts as a transport failure.
func (o *Orchestrator) consume(
	ctx context.Context,
	st *State,
	f *flight,
	ch <-chan stream.Event,
) (stream.Event, *stream.Usage, string) {
	var terminal *stream.Event
	var usage *stream.Usage
	var content strings.Builder

	for ev := range ch {
		if terminal != nil {
			continue
		}
		switch ev.Type {
		case stream.EventDelta:
			content.WriteString(ev.Delta)
			err := st.withTree(func(tree *conversation.ConversationTree, _ *conversation.Conversation) error {
				return tree.AppendContent(f.placeholder, ev.Delta)
			})
			if err != nil {
				log.Warn().Err(err).Msg("Placeholder disappeared while streaming")
			}
			log.Trace().Object("event", ev).Msg("Delta")
			o.publish(ctx, events.NewPartialCompletionEvent(f.metadata(), ev.Delta, content.String()))
		case stream.EventUsage:
			usage = ev.Usage
		default:
			if ev.IsTerminal() {
				e := ev
				terminal = &e
			}
		}
	}

	if terminal == nil {
		terminal = &stream.Event{Type: stream.EventError, Err: stream.ErrStreamClosed}
	}
	return *terminal, usage, content.String()
}

func (o *Orchestrator) discardPlaceholder(st *State, f *flight) {
	if f.placeholder.IsNull() {
		return
	}
	_ = st.withTree(func(tree *conversation.ConversationTree, _ *conversation.Conversation) error {
		if err := tree.RemoveMessage(f.placeholder); err != nil {
			log.Debug().Err(err).Msg("Placeholder already gone")
		}
		return nil
	})
}

// abort discards the partial reply. The user message stays and is the leaf again, unless the
// user navigated away in the meantime.
func (o *Orchestrator) abort(ctx context.Context, st *State, f *flight, partial string) error {
	st.setPhase(PhaseAborting)
	o.discardPlaceholder(st, f)
	log.Debug().
		Str("conversation_id", f.conversationID.String()).
		Int("discarded_length", len(partial)).
		Msg("Request cancelled")
	o.publish(ctx, events.NewInterruptEvent(f.metadata(), partial))
	return newError(KindCancelled, f.op, ErrCancelled)
}

// fail discards the placeholder, if any, and fills the error slot.
func (o *Orchestrator) fail(ctx context.Context, st *State, f *flight, err *Error) error {
	st.setPhase(PhaseFailing)
	o.discardPlaceholder(st, f)
	st.setError(err)
	log.Error().Err(err).
		Str("conversation_id", f.conversationID.String()).
		Str("kind", string(err.Kind)).
		Msg("Request failed")
	o.publish(ctx, events.NewErrorEvent(f.metadata(), string(err.Kind), err))
	return err
}

func (o *Orchestrator) finalizeText(
	ctx context.Context,
	st *State,
	f *flight,
	content string,
	usage *stream.Usage,
) (*conversation.Message, error) {
	st.setPhase(PhaseFinalizing)
	promptTokens, completionTokens := 0, 0
	if usage != nil {
		promptTokens, completionTokens = usage.PromptTokens, usage.CompletionTokens
	}
	c := o.prices.TextGenerationCost(f.model, promptTokens, completionTokens)

	reply := conversation.NewMessage(conversation.RoleAssistant, content,
		conversation.WithParentID(f.user.ID),
		conversation.WithHidden(f.hideReply),
	)
	reply.PromptTokens = promptTokens
	reply.CompletionTokens = completionTokens
	reply.Cost = c

	return o.commit(ctx, st, f, reply, c, func(stored *conversation.Message, md events.EventMetadata) events.Event {
		md.Usage = &events.Usage{InputTokens: promptTokens, OutputTokens: completionTokens}
		return events.NewFinalEvent(md, stored.Content, c)
	})
}

// commit persists the reply, swaps it in for the placeholder and accounts its cost exactly once.
//
// The assistant message is kept even if the store rejects it. The conversation update carries the
// absolute running cost, so retrying it cannot count the reply twice.
func (o *Orchestrator) commit(
	ctx context.Context,
	st *State,
	f *flight,
	reply *conversation.Message,
	replyCost float64,
	finalEvent func(stored *conversation.Message, md events.EventMetadata) events.Event,
) (*conversation.Message, error) {
	// a cancel arriving now must not undo a completed reply
	ctx = context.WithoutCancel(ctx)

	var persistErr error
	stored, err := o.store.InsertMessage(ctx, f.conversationID, o.ownerID, reply)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", f.conversationID.String()).
			Msg("Could not save assistant message, keeping it in memory")
		persistErr = err
		stored = reply
	}
	stored.IsHidden = reply.IsHidden

	now := o.now()
	var update conversation.ConversationUpdate
	var title string
	var total float64
	err = st.withTree(func(tree *conversation.ConversationTree, c *conversation.Conversation) error {
		if err := tree.ReplaceMessage(f.placeholder, stored); err != nil {
			if _, err := tree.AppendMessage(f.user.ID, stored); err != nil {
				return err
			}
		}
		total = c.Cost + replyCost
		update = conversation.ConversationUpdate{Cost: &total, LastMessageAt: &now}
		if f.firstExchange {
			derived := conversation.DeriveTitle(f.user.Content)
			update.Title = &derived
		}
		update.Apply(c)
		title = c.Title
		return nil
	})
	if err != nil {
		return nil, o.fail(ctx, st, f, newError(KindCorruptTree, f.op, err))
	}

	if err := o.updateConversation(ctx, f.conversationID, update); err != nil {
		persistErr = err
	}

	md := f.metadata()
	md.MessageID = stored.ID
	durationMs := now.Sub(f.started).Milliseconds()
	md.DurationMs = &durationMs
	o.publish(ctx, finalEvent(stored, md))
	o.publish(ctx, events.NewConversationUpdatedEvent(md, title, total))

	log.Info().
		Str("conversation_id", f.conversationID.String()).
		Str("message_id", stored.ID.String()).
		Str("model", f.model).
		Float64("cost", replyCost).
		Float64("total_cost", total).
		Msg("Reply finalized")

	if persistErr != nil {
		pe := newError(KindPersistence, f.op, persistErr)
		st.setError(pe)
		o.publish(ctx, events.NewErrorEvent(md, string(pe.Kind), pe))
	}
	return stored, nil
}

func (o *Orchestrator) updateConversation(ctx context.Context, id conversation.NodeID, update conversation.ConversationUpdate) error {
	var err error
	for attempt := 0; attempt <= o.finalizeRetries; attempt++ {
		if attempt > 0 && o.retryDelay > 0 {
			time.Sleep(time.Duration(attempt) * o.retryDelay)
		}
		err = o.store.UpdateConversation(ctx, id, update)
		if err == nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Str("conversation_id", id.String()).
			Msg("Could not update conversation")
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrClosed) {
			break
		}
	}
	return err
}

// ImageRequest asks for one generated image. Empty fields fall back to the orchestrator's image
// defaults.
type ImageRequest struct {
	Prompt string
	Model  string
	Width  int
	Height int

	ParentID conversation.NodeID
	AsRoot   bool
}

// GenerateImage follows the Submit flow with a single image synthesis call in place of the stream.
// The reply is a generated-image message priced from the image price table.
func (o *Orchestrator) GenerateImage(ctx context.Context, st *State, req ImageRequest) (*conversation.Message, error) {
	const op = "generate image"
	if o.images == nil {
		return nil, newError(KindValidation, op, errors.New("image generation is not configured"))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, newError(KindValidation, op, ErrEmptySubmission)
	}

	f, err := o.reserve(ctx, st, op, req.ParentID, req.AsRoot, nil)
	if err != nil {
		return nil, err
	}
	defer o.release(st, f)

	if req.Model == "" {
		req.Model = o.imageModel
	}
	if req.Width <= 0 {
		req.Width = o.imageWidth
	}
	if req.Height <= 0 {
		req.Height = o.imageHeight
	}
	f.model = req.Model

	user := conversation.NewMessage(conversation.RoleUser, req.Prompt,
		conversation.WithParentID(f.parent),
		conversation.WithKind(conversation.KindImageGenerationRequest),
	)
	if err := o.prepare(ctx, st, f, user, conversation.KindGeneratedImage); err != nil {
		return nil, err
	}

	res, err := o.images.GenerateImage(f.ctx, imagegen.Request{
		Prompt: req.Prompt,
		Model:  req.Model,
		Width:  req.Width,
		Height: req.Height,
	})
	if f.ctx.Err() != nil {
		return nil, o.abort(ctx, st, f, "")
	}
	if err != nil {
		return nil, o.fail(ctx, st, f, newError(KindTransport, op, err))
	}

	st.setPhase(PhaseFinalizing)
	c := o.prices.ImageGenerationCost(req.Model)
	reply := conversation.NewMessage(conversation.RoleAssistant, req.Prompt,
		conversation.WithParentID(f.user.ID),
		conversation.WithKind(conversation.KindGeneratedImage),
		conversation.WithImageURL(res.URL),
	)
	reply.Cost = c

	return o.commit(ctx, st, f, reply, c, func(stored *conversation.Message, md events.EventMetadata) events.Event {
		return events.NewImageGeneratedEvent(md, req.Prompt, stored.ImageURL, c)
	})
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) {
	for _, sink := range o.sinks {
		if err := sink.PublishEvent(ev); err != nil {
			log.Debug().Err(err).Str("event_type", string(ev.Type())).Msg("Could not publish event")
		}
	}
	events.PublishEventToContext(ctx, ev)
}
