package chat

import (
	"errors"
	"fmt"
)

// Closed failure taxonomy for the reducer layer. Every reducer aborts with
// exactly one of these when a validation, existence or authorization check
// fails; the transaction commits nothing in that case.
var (
	// ErrEmptyInput indicates an empty name or message body.
	ErrEmptyInput = errors.New("chat: input must not be empty")
	// ErrChatNotFound indicates the referenced group chat does not exist.
	ErrChatNotFound = errors.New("chat: group chat not found")
	// ErrAlreadyMember indicates a duplicate join for the same chat.
	ErrAlreadyMember = errors.New("chat: already a member of group chat")
	// ErrForbidden is the shared authorization failure; callers match it with
	// errors.Is regardless of which concrete check fired.
	ErrForbidden = errors.New("chat: forbidden")
	// ErrNotCreator indicates a rename attempt by an identity other than the
	// chat's creator.
	ErrNotCreator = fmt.Errorf("%w: only the creator may rename a group chat", ErrForbidden)
	// ErrNotMember indicates a send attempt without a membership row.
	ErrNotMember = fmt.Errorf("%w: not a member of group chat", ErrForbidden)
	// ErrUnknownUser indicates the caller has no User row. Unreachable for a
	// connected caller under normal operation, handled defensively anyway.
	ErrUnknownUser = errors.New("chat: unknown user")
)

// ServiceError wraps infrastructure failures with a dotted operation code so
// transport layers can surface a stable identifier without parsing messages.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
