package chat

import (
	"context"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Export returns a deep copy of the state's conversation and tree in the export format.
func (o *Orchestrator) Export(st *State) (*conversation.Export, error) {
	if st == nil {
		return nil, newError(KindValidation, "export", ErrNoConversation)
	}
	snap := st.Snapshot()
	if snap.Conversation == nil {
		return nil, newError(KindValidation, "export", ErrNoConversation)
	}
	e := snap.Tree.Export(snap.Conversation)
	// in-flight replies are not part of the history
	var msgs []*conversation.Message
	for _, m := range e.Messages {
		if !m.IsLoading {
			msgs = append(msgs, m)
		}
	}
	e.Messages = msgs
	return e, nil
}

// Import stores an exported conversation as a new conversation of the owner and loads it.
//
// The store assigns new ids: parent links, wiring and the current leaf are remapped. Messages whose
// parent is not part of the export are stored as roots. A failed import removes the conversation
// and the context blocks it already stored.
func (o *Orchestrator) Import(ctx context.Context, e *conversation.Export) (ret *State, err error) {
	const op = "import"
	if e == nil {
		return nil, newError(KindValidation, op, errors.New("nothing to import"))
	}

	title, model, maxTokens := conversation.DefaultTitle, o.defaultModel, 0
	var total float64
	if e.Conversation != nil {
		if e.Conversation.Title != "" {
			title = e.Conversation.Title
		}
		if e.Conversation.SelectedModel != "" {
			model = e.Conversation.SelectedModel
		}
		maxTokens = e.Conversation.MaxTokens
	}
	st, err := o.NewConversation(ctx, model, maxTokens)
	if err != nil {
		return nil, err
	}
	id := st.ConversationID()
	var storedBlocks []conversation.NodeID
	defer func() {
		if err != nil {
			o.discardImport(context.WithoutCancel(ctx), id, storedBlocks)
		}
	}()

	if title != conversation.DefaultTitle {
		if err := o.Rename(ctx, st, title); err != nil {
			return nil, err
		}
	}

	blockIDs := map[conversation.NodeID]conversation.NodeID{}
	for _, b := range e.ContextBlocks {
		stored, err := o.AddContextBlock(ctx, nil, b.Type, b.Title, b.Content)
		if err != nil {
			return nil, err
		}
		blockIDs[b.ID] = stored.ID
		storedBlocks = append(storedBlocks, stored.ID)
	}

	inExport := map[conversation.NodeID]bool{}
	var pending []*conversation.Message
	for _, m := range e.Messages {
		if m.IsLoading {
			continue
		}
		inExport[m.ID] = true
		pending = append(pending, m.Clone())
	}
	conversation.SortMessages(pending)

	ids := map[conversation.NodeID]conversation.NodeID{}
	for len(pending) > 0 {
		var next []*conversation.Message
		for _, m := range pending {
			parent := conversation.NullNode
			if !m.ParentID.IsNull() && inExport[m.ParentID] {
				p, ok := ids[m.ParentID]
				if !ok {
					next = append(next, m)
					continue
				}
				parent = p
			}
			oldID := m.ID
			m.ParentID = parent
			var wired []conversation.NodeID
			for _, w := range m.WiredContextIDs {
				if nw, ok := blockIDs[w]; ok {
					wired = append(wired, nw)
				}
			}
			m.WiredContextIDs = wired

			stored, err := o.store.InsertMessage(ctx, id, o.ownerID, m)
			if err != nil {
				return nil, newError(KindPersistence, op, err)
			}
			ids[oldID] = stored.ID
			total += stored.Cost
		}
		if len(next) == len(pending) {
			// only cycles are left
			return nil, newError(KindCorruptTree, op, conversation.ErrCorruptTree)
		}
		pending = next
	}

	if total > 0 {
		if err := o.updateConversation(ctx, id, conversation.ConversationUpdate{Cost: &total}); err != nil {
			return nil, newError(KindPersistence, op, err)
		}
	}

	ret, err = o.LoadConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if leaf, ok := ids[e.CurrentID]; ok {
		_ = ret.SetCurrentLeaf(leaf)
	}
	log.Info().
		Str("conversation_id", id.String()).
		Int("messages", len(ids)).
		Msg("Imported conversation")
	return ret, nil
}

func (o *Orchestrator) discardImport(ctx context.Context, id conversation.NodeID, blocks []conversation.NodeID) {
	if err := o.store.DeleteConversation(ctx, id); err != nil {
		log.Warn().Err(err).Str("conversation_id", id.String()).Msg("Could not remove partially imported conversation")
	}
	for _, b := range blocks {
		if err := o.store.DeleteContextBlock(ctx, b); err != nil {
			log.Warn().Err(err).Str("context_block_id", b.String()).Msg("Could not remove imported context block")
		}
	}
}
