// Package handlers defines the stable error codes of the bridge API.
//
// Every error response carries one of these codes next to a message that is
// safe to show to the user. Presentation layers branch on the code; backend
// details never appear in either field.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "send_failed",
//	  "message": "Message could not be sent."
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeValidation     = "validation_failed"
	ErrCodeNotOpen        = "conversation_not_open"
	ErrCodeSendInFlight   = "send_in_flight"
	ErrCodeLoadFailed     = "load_failed"
	ErrCodeSendFailed     = "send_failed"
	ErrCodeListFailed     = "list_failed"
	ErrCodeSignInFailed   = "sign_in_failed"
	ErrCodeSignUpFailed   = "sign_up_failed"
	ErrCodeSessionExpired = "session_expired"
)
