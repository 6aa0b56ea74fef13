// Package services holds the client's application logic: the conversation
// synchronizer, the inbox, sign-in and the registry of open conversations.
// This file centralizes the service-level errors so callers can branch on
// them with errors.Is / errors.As.
//
// Operations that talk to the backend convert failures into state (a
// load-error view or a failed message) and return an error whose message is
// a human-readable notice. The raw transport error is kept behind Unwrap for
// logging; it is never meant to be shown.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrConversationClosed is returned by a send whose conversation was
	// closed before the backend answered. The late result was discarded.
	ErrConversationClosed = errors.New("conversation closed")

	// ErrConversationNotOpen indicates the synchronizer is not bound to the
	// conversation an operation named.
	ErrConversationNotOpen = errors.New("conversation is not open")

	// ErrNotRetryable is returned when retrying a message that is not failed.
	ErrNotRetryable = errors.New("message is not in failed state")

	// ErrNotSignedIn is returned by operations that need a session.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrInvalidCredentials is returned when sign-in input is blank.
	ErrInvalidCredentials = errors.New("username and password are required")
)

// ValidationError reports input rejected before any network call.
type ValidationError struct {
	Field  string // "content", "receiver", "conversation"
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// TransportError reports a failed backend call. Error returns Notice only.
type TransportError struct {
	Op     string // load|send|send_attachment|list|sign_in
	Notice string
	Err    error
}

// Error implements the error interface.
func (e *TransportError) Error() string { return e.Notice }

// Unwrap returns the underlying transport failure.
func (e *TransportError) Unwrap() error { return e.Err }

// User-visible notices.
const (
	noticeLoadFailed       = "Could not load messages."
	noticeSendFailed       = "Message could not be sent."
	noticeAttachmentFailed = "Could not send message. Please try again."
	noticeAttachmentSent   = "Message sent with the post."
	noticeSessionExpired   = "Your session has expired. Please sign in again."
	noticeInboxStale       = "Showing saved conversations; the server could not be reached."
)
