package chat

import (
	"context"
	"sync"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/events"
	"github.com/go-go-golems/arbor/pkg/imagegen"
	"github.com/go-go-golems/arbor/pkg/prompt"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/stream"
	"github.com/pkg/errors"
)

var errInjected = errors.New("injected failure")

// faultyStore wraps the in-memory store and fails selected operations.
type faultyStore struct {
	*store.InMemoryStore

	mu                      sync.Mutex
	failInsertRole          conversation.Role
	failConversationUpdates int
	conversationUpdates     []conversation.ConversationUpdate
	failMessageUpdates      bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{InMemoryStore: store.NewInMemoryStore()}
}

func (s *faultyStore) InsertMessage(
	ctx context.Context,
	conversationID conversation.NodeID,
	ownerID string,
	m *conversation.Message,
) (*conversation.Message, error) {
	s.mu.Lock()
	fail := s.failInsertRole != "" && s.failInsertRole == m.Role
	s.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return s.InMemoryStore.InsertMessage(ctx, conversationID, ownerID, m)
}

func (s *faultyStore) UpdateConversation(ctx context.Context, id conversation.NodeID, update conversation.ConversationUpdate) error {
	s.mu.Lock()
	s.conversationUpdates = append(s.conversationUpdates, update)
	fail := s.failConversationUpdates > 0
	if fail {
		s.failConversationUpdates--
	}
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.InMemoryStore.UpdateConversation(ctx, id, update)
}

func (s *faultyStore) UpdateMessage(ctx context.Context, id conversation.NodeID, update conversation.MessageUpdate) error {
	s.mu.Lock()
	fail := s.failMessageUpdates
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.InMemoryStore.UpdateMessage(ctx, id, update)
}

func (s *faultyStore) updates() []conversation.ConversationUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.ConversationUpdate{}, s.conversationUpdates...)
}

// scriptedGenerator plays back a fixed list of events. With blockAt > 0 it stops before the
// event at that index, closes blocked and waits for cancellation.
type scriptedGenerator struct {
	events  []stream.Event
	blockAt int
	blocked chan struct{}

	mu       sync.Mutex
	requests []stream.Request
}

func newScriptedGenerator(evs ...stream.Event) *scriptedGenerator {
	return &scriptedGenerator{events: evs, blocked: make(chan struct{})}
}

func textReply(usage *stream.Usage, deltas ...string) []stream.Event {
	var ret []stream.Event
	for _, d := range deltas {
		ret = append(ret, stream.Event{Type: stream.EventDelta, Delta: d})
	}
	if usage != nil {
		ret = append(ret, stream.Event{Type: stream.EventUsage, Usage: usage})
	}
	return append(ret, stream.Event{Type: stream.EventDone, FinishReason: "stop"})
}

func (g *scriptedGenerator) StreamCompletion(ctx context.Context, req stream.Request) <-chan stream.Event {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()

	ch := make(chan stream.Event)
	go func() {
		defer close(ch)
		for i, ev := range g.events {
			if g.blockAt > 0 && i == g.blockAt {
				close(g.blocked)
				<-ctx.Done()
				ch <- stream.Event{Type: stream.EventCancelled, Err: ctx.Err()}
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				ch <- stream.Event{Type: stream.EventCancelled, Err: ctx.Err()}
				return
			}
		}
	}()
	return ch
}

func (g *scriptedGenerator) lastRequest() stream.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// sequenceGenerator hands out one script per call.
type sequenceGenerator struct {
	mu      sync.Mutex
	scripts []*scriptedGenerator
	calls   int
}

func (g *sequenceGenerator) StreamCompletion(ctx context.Context, req stream.Request) <-chan stream.Event {
	g.mu.Lock()
	s := g.scripts[g.calls]
	g.calls++
	g.mu.Unlock()
	return s.StreamCompletion(ctx, req)
}

type scriptedImages struct {
	url      string
	err      error
	block    bool
	requests []imagegen.Request
}

func (g *scriptedImages) GenerateImage(ctx context.Context, req imagegen.Request) (*imagegen.Result, error) {
	g.requests = append(g.requests, req)
	if g.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	return &imagegen.Result{URL: g.url}, nil
}

type staticRetriever struct {
	fragments []prompt.Fragment
	err       error
	queries   []string
}

func (r *staticRetriever) Retrieve(_ context.Context, query string, limit int) ([]prompt.Fragment, error) {
	r.queries = append(r.queries, query)
	if r.err != nil {
		return nil, r.err
	}
	if limit > 0 && len(r.fragments) > limit {
		return r.fragments[:limit], nil
	}
	return r.fragments, nil
}

// snapshotSink records every event and a snapshot of the state at partial completions.
type snapshotSink struct {
	mu        sync.Mutex
	st        *State
	events    []events.Event
	snapshots []*Snapshot
}

func (s *snapshotSink) PublishEvent(ev events.Event) error {
	s.mu.Lock()
	st := s.st
	s.events = append(s.events, ev)
	s.mu.Unlock()

	if ev.Type() == events.EventTypePartialCompletion && st != nil {
		snap := st.Snapshot()
		s.mu.Lock()
		s.snapshots = append(s.snapshots, snap)
		s.mu.Unlock()
	}
	return nil
}

func (s *snapshotSink) types() []events.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ret []events.EventType
	for _, e := range s.events {
		ret = append(ret, e.Type())
	}
	return ret
}
