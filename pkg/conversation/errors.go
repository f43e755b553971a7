package conversation

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidParent = errors.New("parent message does not exist")
	ErrNotFound      = errors.New("not found")
	ErrCorruptTree   = errors.New("corrupt conversation tree")
)

// CorruptTreeError is returned when a walk towards the root visits more nodes than the tree holds.
type CorruptTreeError struct {
	LeafID NodeID
	At     NodeID
	Steps  int
}

func (e *CorruptTreeError) Error() string {
	return fmt.Sprintf("corrupt conversation tree: walk from %s did not reach a root after %d steps (stopped at %s)",
		e.LeafID, e.Steps, e.At)
}

func (e *CorruptTreeError) Is(target error) bool {
	return target == ErrCorruptTree
}

func notFound(what string, id NodeID) error {
	return errors.Wrapf(ErrNotFound, "%s %s", what, id)
}
