package chat

import (
	"fmt"
	"net/http"

	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/go-go-golems/arbor/pkg/store"
	"github.com/go-go-golems/arbor/pkg/stream"
	"github.com/pkg/errors"
)

type ErrorKind string

const (
	KindValidation  ErrorKind = "validation"
	KindPersistence ErrorKind = "persistence"
	KindTransport   ErrorKind = "transport"
	KindCancelled   ErrorKind = "cancelled"
	KindCorruptTree ErrorKind = "corrupt-tree"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrPersistence = errors.New("persistence error")
	ErrTransport   = errors.New("transport error")
	ErrCancelled   = errors.New("request cancelled")
	ErrCorruptTree = conversation.ErrCorruptTree

	ErrSessionAlreadyActive = errors.New("conversation already has an active request")
	ErrNoConversation       = errors.New("no active conversation")
	ErrEmptySubmission      = errors.New("nothing to send")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:  ErrValidation,
	KindPersistence: ErrPersistence,
	KindTransport:   ErrTransport,
	KindCancelled:   ErrCancelled,
	KindCorruptTree: ErrCorruptTree,
}

// Error is a failure of an orchestrator operation, tagged with its kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind, so errors.Is(err, ErrTransport) works on any
// transport failure.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of err, classifying errors that were not produced by the orchestrator.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, conversation.ErrCorruptTree):
		return KindCorruptTree
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrClosed):
		return KindPersistence
	}
	return KindTransport
}

// UserMessage is the text shown in a conversation's error slot. Cancellation is silent and
// yields an empty string.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindCancelled:
		return ""
	case KindValidation:
		var ce *Error
		if errors.As(err, &ce) && ce.Err != nil {
			return capitalize(ce.Err.Error()) + "."
		}
		return "The request is not valid."
	case KindPersistence:
		return "Your conversation could not be saved. Please try again."
	case KindCorruptTree:
		return "The conversation history is inconsistent. Part of it was left out of the request."
	}

	var apiErr *stream.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return "The model service rejected the API key."
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return "The model service is rate limiting requests. Please wait a moment and retry."
		case apiErr.StatusCode >= 500:
			return "The model service is unavailable right now. Please retry later."
		case apiErr.Message != "":
			return "The model service returned an error: " + apiErr.Message
		}
	}
	if errors.Is(err, stream.ErrIdleTimeout) {
		return "The model stopped responding. Please retry."
	}
	return "Failed to get a response from the model. Please check your connection and retry."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}
