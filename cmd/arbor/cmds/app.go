// Package cmds holds the cobra commands of the arbor CLI.
package cmds

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/arbor/pkg/chat"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/cost"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/imagegen"
	"github.com/go-go-golems/arbor/pkg/prompt"
	"github.com/go-go-golems/arbor/pkg/settings"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

type knowledgeBase interface {
	store.Retriever
	AddKnowledge(ctx context.Context, source, content string) error
}

type backend interface {
	store.Store
	knowledgeBase
}

// App is everything a command needs, built from the settings.
type App struct {
	Settings     *settings.Settings
	Store        store.Store
	Knowledge    knowledgeBase
	Orchestrator *chat.Orchestrator
	Router       *events.EventRouter
}

type appOptions struct {
	streaming   bool
	requireKey  bool
	printerName string
}

type AppOption func(*appOptions)

// WithStreaming prints streamed events to stdout through an event router.
func WithStreaming(name string) AppOption {
	return func(o *appOptions) {
		o.streaming = true
		o.printerName = name
	}
}

func WithAPIKeyRequired() AppOption {
	return func(o *appOptions) {
		o.requireKey = true
	}
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "arbor.db"
	}
	return filepath.Join(dir, "arbor", "arbor.db")
}

func openStore(path string) (backend, error) {
	if path == ":memory:" {
		log.Warn().Msg("Using an in-memory store, nothing will be saved")
		return store.NewInMemoryStore(), nil
	}
	if path == "" {
		path = defaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create %s", filepath.Dir(path))
	}
	return store.NewSQLiteStore(path)
}

func NewApp(options ...AppOption) (*App, error) {
	opts := &appOptions{}
	for _, o := range options {
		o(opts)
	}

	s, err := settings.FromViper(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if opts.requireKey {
		if err := s.Validate(); err != nil {
			return nil, errors.Wrap(err, "set api.api-key in arbor.yaml, ARBOR_API_KEY or --api-key")
		}
	}

	prices := cost.DefaultPriceTable()
	if s.Prices.File != "" {
		prices, err = cost.LoadPriceTable(s.Prices.File)
		if err != nil {
			return nil, err
		}
	}

	assembler, err := prompt.NewAssembler(prompt.WithLengthHintTemplate(s.Chat.LengthHintTemplate))
	if err != nil {
		return nil, err
	}

	st, err := openStore(s.Store.Path)
	if err != nil {
		return nil, err
	}

	generator := stream.NewClient(s.API.BaseURL, s.API.APIKey,
		stream.WithHTTPClient(&http.Client{Timeout: s.API.Timeout}),
		stream.WithIdleTimeout(s.API.IdleTimeout),
	)

	chatOptions := []chat.Option{
		chat.WithImageGenerator(imagegen.NewOpenAIGenerator(s.API.BaseURL, s.API.APIKey)),
		chat.WithImageDefaults(s.Image.Model, s.Image.Width, s.Image.Height),
		chat.WithRetriever(st, s.Chat.RetrievalLimit),
		chat.WithAssembler(assembler),
		chat.WithPriceTable(prices),
		chat.WithOwnerID(s.Chat.OwnerID),
		chat.WithDefaultModel(s.Chat.Model),
		chat.WithFinalizeRetries(s.Chat.FinalizeRetries, chat.DefaultRetryDelay),
		chat.WithCapabilities(s.Chat.Capabilities),
	}

	ret := &App{
		Settings:  s,
		Store:     st,
		Knowledge: st,
	}

	if opts.streaming {
		router, err := events.NewEventRouter(events.WithVerbose(viper.GetBool("verbose")))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		router.AddHandler("printer", events.DefaultTopic, events.StepPrinterFunc(opts.printerName, os.Stdout))
		chatOptions = append(chatOptions, chat.WithEventSinks(router.Sink(events.DefaultTopic)))
		ret.Router = router
	}

	ret.Orchestrator, err = chat.NewOrchestrator(st, generator, chatOptions...)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return ret, nil
}

func (a *App) Close() {
	if a.Router != nil {
		_ = a.Router.Close()
	}
	if err := a.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Could not close store")
	}
}

// Run runs f while the event router delivers events. It returns once f is done.
func (a *App) Run(ctx context.Context, f func(ctx context.Context) error) error {
	if a.Router == nil {
		return f(ctx)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return a.Router.Run(ctx)
	})
	eg.Go(func() error {
		defer cancel()
		select {
		case <-a.Router.Running():
		case <-ctx.Done():
			return ctx.Err()
		}
		return f(ctx)
	})
	return eg.Wait()
}

// OpenConversation loads the conversation matching ref, an id or an id prefix. An empty ref
// starts a new conversation.
func (a *App) OpenConversation(ctx context.Context, ref string) (*chat.State, error) {
	if ref == "" {
		return a.Orchestrator.NewConversation(ctx, a.Settings.Chat.Model, a.Settings.Chat.MaxTokens)
	}
	id, err := a.resolveConversation(ctx, ref)
	if err != nil {
		return nil, err
	}
	return a.Orchestrator.LoadConversation(ctx, id)
}

func (a *App) resolveConversation(ctx context.Context, ref string) (conversation.NodeID, error) {
	if id, err := conversation.ParseNodeID(ref); err == nil {
		return id, nil
	}
	cs, err := a.Orchestrator.ListConversations(ctx)
	if err != nil {
		return conversation.NullNode, err
	}
	var matches []conversation.NodeID
	for _, c := range cs {
		if strings.HasPrefix(c.ID.String(), ref) {
			matches = append(matches, c.ID)
		}
	}
	return single(ref, "conversation", matches)
}

// resolveMessage finds a message of the tree by id or id prefix.
func resolveMessage(tree *conversation.ConversationTree, ref string) (conversation.NodeID, error) {
	var matches []conversation.NodeID
	for id := range tree.Nodes {
		if strings.HasPrefix(id.String(), ref) {
			matches = append(matches, id)
		}
	}
	return single(ref, "message", matches)
}

func resolveBlock(tree *conversation.ConversationTree, ref string) (conversation.NodeID, error) {
	var matches []conversation.NodeID
	for _, b := range tree.ContextBlocks() {
		if strings.HasPrefix(b.ID.String(), ref) {
			matches = append(matches, b.ID)
		}
	}
	return single(ref, "context block", matches)
}

func single(ref, what string, matches []conversation.NodeID) (conversation.NodeID, error) {
	switch len(matches) {
	case 0:
		return conversation.NullNode, errors.Errorf("no %s matches %q", what, ref)
	case 1:
		return matches[0], nil
	default:
		return conversation.NullNode, errors.Errorf("%q is ambiguous, %d %ss match", ref, len(matches), what)
	}
}
