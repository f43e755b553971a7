package chat

import (
	"context"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AddContextBlock stores a new block in the owner's library and makes it available to the tree.
func (o *Orchestrator) AddContextBlock(
	ctx context.Context,
	st *State,
	type_ conversation.ContextBlockType,
	title, content string,
) (*conversation.ContextBlock, error) {
	const op = "add context block"
	if content == "" {
		return nil, newError(KindValidation, op, errors.New("context block is empty"))
	}
	stored, err := o.store.CreateContextBlock(ctx, o.ownerID, conversation.NewContextBlock(type_, title, content))
	if err != nil {
		return nil, o.slot(st, newError(KindPersistence, op, err))
	}
	if st != nil {
		_ = st.withTree(func(tree *conversation.ConversationTree, _ *conversation.Conversation) error {
			tree.AddContextBlock(stored)
			return nil
		})
	}
	return stored, nil
}

// RemoveContextBlock deletes a block and unwires it from every message, in the store and in the
// tree. It returns the messages of the tree that lost the block.
func (o *Orchestrator) RemoveContextBlock(ctx context.Context, st *State, id conversation.NodeID) ([]*conversation.Message, error) {
	const op = "remove context block"
	if err := o.store.DeleteContextBlock(ctx, id); err != nil {
		return nil, o.slot(st, newError(KindPersistence, op, err))
	}
	if st == nil {
		return nil, nil
	}
	var changed []*conversation.Message
	_ = st.withTree(func(tree *conversation.ConversationTree, _ *conversation.Conversation) error {
		msgs, err := tree.RemoveContextBlock(id)
		if err != nil {
			log.Debug().Err(err).Msg("Context block was not loaded in the tree")
		}
		for _, m := range msgs {
			changed = append(changed, m.Clone())
		}
		return nil
	})
	log.Debug().Str("block_id", id.String()).Int("unwired", len(changed)).Msg("Removed context block")
	return changed, nil
}

// Wire attaches a context block to a message. Wiring a block twice is a no-op.
func (o *Orchestrator) Wire(ctx context.Context, st *State, messageID, blockID conversation.NodeID) error {
	return o.rewire(ctx, st, "wire context", messageID, blockID, true)
}

func (o *Orchestrator) Unwire(ctx context.Context, st *State, messageID, blockID conversation.NodeID) error {
	return o.rewire(ctx, st, "unwire context", messageID, blockID, false)
}

func (o *Orchestrator) rewire(
	ctx context.Context,
	st *State,
	op string,
	messageID, blockID conversation.NodeID,
	wire bool,
) error {
	if st == nil {
		return newError(KindValidation, op, ErrNoConversation)
	}
	var before, after []conversation.NodeID
	err := st.withTree(func(tree *conversation.ConversationTree, _ *conversation.Conversation) error {
		m, ok := tree.GetMessageByID(messageID)
		if !ok {
			return errors.Wrapf(conversation.ErrNotFound, "message %s", messageID.Short())
		}
		before = append([]conversation.NodeID{}, m.WiredContextIDs...)
		if wire {
			if err := tree.WireContext(messageID, blockID); err != nil {
				return err
			}
		} else if err := tree.UnwireContext(messageID, blockID); err != nil {
			return err
		}
		after = append([]conversation.NodeID{}, m.WiredContextIDs...)
		return nil
	})
	if err != nil {
		return newError(KindValidation, op, err)
	}
	if len(before) == len(after) {
		return nil
	}

	if err := o.store.UpdateMessage(ctx, messageID, conversation.MessageUpdate{WiredContextIDs: after}); err != nil {
		_ = st.withTree(func(tree *conversation.ConversationTree, _ *conversation.Conversation) error {
			return tree.UpdateMessage(messageID, conversation.MessageUpdate{WiredContextIDs: before})
		})
		return o.slot(st, newError(KindPersistence, op, err))
	}
	return nil
}

// slot stores err in the error slot of st, if there is one, and returns it.
func (o *Orchestrator) slot(st *State, err *Error) error {
	if st != nil {
		st.setError(err)
	}
	return err
}
