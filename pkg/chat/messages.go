package chat

import (
	"context"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/helpers"
	"github.com/pkg/errors"
)

// Reveal shows a message that was stored hidden.
func (o *Orchestrator) Reveal(ctx context.Context, st *State, id conversation.NodeID) error {
	const op = "reveal"
	if st == nil {
		return newError(KindValidation, op, ErrNoConversation)
	}
	changed := false
	err := st.withTree(func(tree *conversation.ConversationTree, _ *conversation.Conversation) error {
		m, ok := tree.GetMessageByID(id)
		if !ok {
			return errors.Wrapf(conversation.ErrNotFound, "message %s", id.Short())
		}
		if m.IsLoading {
			return errors.New("message is still loading")
		}
		changed = m.IsHidden
		m.IsHidden = false
		return nil
	})
	if err != nil {
		return newError(KindValidation, op, err)
	}
	if !changed {
		return nil
	}
	if err := o.store.UpdateMessage(ctx, id, conversation.MessageUpdate{IsHidden: helpers.Ptr(false)}); err != nil {
		return o.slot(st, newError(KindPersistence, op, err))
	}
	return nil
}

func (o *Orchestrator) Rename(ctx context.Context, st *State, title string) error {
	if title == "" {
		return newError(KindValidation, "rename", errors.New("title is empty"))
	}
	return o.updateSettings(ctx, st, "rename", conversation.ConversationUpdate{Title: &title})
}

// SelectModel changes the model used by the next request.
func (o *Orchestrator) SelectModel(ctx context.Context, st *State, model string) error {
	if model == "" {
		return newError(KindValidation, "select model", errors.New("no model selected"))
	}
	return o.updateSettings(ctx, st, "select model", conversation.ConversationUpdate{SelectedModel: &model})
}

// SetMaxTokens changes the response-length hint. Zero disables it.
func (o *Orchestrator) SetMaxTokens(ctx context.Context, st *State, maxTokens int) error {
	if maxTokens < 0 {
		return newError(KindValidation, "set max tokens", errors.Errorf("invalid max tokens %d", maxTokens))
	}
	return o.updateSettings(ctx, st, "set max tokens", conversation.ConversationUpdate{MaxTokens: &maxTokens})
}

// updateSettings persists first and applies to the in-memory record on success.
func (o *Orchestrator) updateSettings(ctx context.Context, st *State, op string, update conversation.ConversationUpdate) error {
	id := st.ConversationID()
	if id.IsNull() {
		return newError(KindValidation, op, ErrNoConversation)
	}
	if err := o.store.UpdateConversation(ctx, id, update); err != nil {
		return o.slot(st, newError(KindPersistence, op, err))
	}
	return st.withTree(func(_ *conversation.ConversationTree, c *conversation.Conversation) error {
		if c != nil {
			update.Apply(c)
		}
		return nil
	})
}
