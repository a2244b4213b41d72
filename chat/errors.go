package chat

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by a Session wraps exactly one of them.
var (
	// ErrValidation marks requests rejected locally, before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrRemoteRejected marks collaborator calls that failed; local state is
	// left unchanged.
	ErrRemoteRejected = errors.New("remote rejected")
	// ErrTransport marks writes that found no usable connection.
	ErrTransport = errors.New("transport unavailable")
)

var (
	ErrEmptyMessage   = fmt.Errorf("%w: message content is empty", ErrValidation)
	ErrNoConversation = fmt.Errorf("%w: no active conversation", ErrValidation)
	ErrNoUser         = fmt.Errorf("%w: no signed-in user", ErrValidation)
	ErrFileTooLarge   = fmt.Errorf("%w: file too large", ErrValidation)
	ErrNotOwner       = fmt.Errorf("%w: message belongs to another user", ErrValidation)
	ErrNotConnected   = fmt.Errorf("%w: not connected", ErrTransport)
	ErrNoMessageID    = fmt.Errorf("%w: message id is required", ErrValidation)
	ErrClosed         = errors.New("session closed")

	errUnavailable = errors.New("collaborator not configured")
	errNoURL       = errors.New("asset host returned no url")
)

func wrapTransport(err error) error {
	return fmt.Errorf("%w: %w", ErrNotConnected, err)
}

func wrapRemote(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRemoteRejected, op, err)
}
