package bbs

// -------------------------------------------------------------------------
// User-visible Error Taxonomy
// -------------------------------------------------------------------------

// ErrorCode classifies a user-visible failure carried in a ToUser with
// IsError set. Codes are stable strings so clients can react to them.
type ErrorCode string

// Input errors.
const (
	ErrUnknownCommand   ErrorCode = "unknown_command"
	ErrInvalidUsername  ErrorCode = "invalid_username"
	ErrInvalidPassword  ErrorCode = "invalid_password"
	ErrInvalidRecipient ErrorCode = "invalid_recipient"
	ErrInvalidRoomName  ErrorCode = "invalid_room_name"
	ErrInvalidStep      ErrorCode = "invalid_step"
	ErrInvalidCommand   ErrorCode = "invalid_command"
	ErrMissingRecipient ErrorCode = "missing_recipient"
)

// State errors.
const (
	ErrInvalidSession        ErrorCode = "invalid_session"
	ErrNoSession             ErrorCode = "no_session"
	ErrNoWorkflow            ErrorCode = "no_workflow"
	ErrNoNextRoom            ErrorCode = "no_next_room"
	ErrRoomNameTaken         ErrorCode = "room_name_taken"
	ErrUsernameTaken         ErrorCode = "username_taken"
	ErrLoginFailed           ErrorCode = "login_failed"
	ErrLoginBlocked          ErrorCode = "login_blocked"
	ErrTermsNotAccepted      ErrorCode = "terms_not_accepted"
	ErrRegistrationCancelled ErrorCode = "registration_cancelled"
)

// Authorization errors.
const (
	ErrPermissionDenied ErrorCode = "permission_denied"
)

// System errors.
const (
	ErrInternal         ErrorCode = "internal_error"
	ErrTransport        ErrorCode = "transport_error"
	ErrWorkflowNotFound ErrorCode = "workflow_not_found"
)

// Errorf builds an error ToUser for the session.
func Errorf(sessionID string, code ErrorCode, text string) ToUser {
	return ToUser{
		SessionID: sessionID,
		Text:      text,
		IsError:   true,
		ErrorCode: code,
	}
}
