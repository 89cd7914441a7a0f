package room

import "errors"

// Admission errors, surfaced to the session as AuthFailure variants.
var (
	ErrRoomFull      = errors.New("room: full")
	ErrAlreadyJoined = errors.New("room: user already joined")
	ErrRoomClosed    = errors.New("room: closed")
	ErrUserNotFound  = errors.New("room: user not found")
)

// ValidationError is a semantic graph-op failure: duplicate name,
// out-of-range index, dangling foreign key. It never closes the
// connection; the room drops the op and responds with OpRejected plus a
// corrective full-sync.
type ValidationError struct {
	Code       string
	Reason     string
	Suggestion string
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Reason }

func newValidationError(code, reason, suggestion string) *ValidationError {
	return &ValidationError{Code: code, Reason: reason, Suggestion: suggestion}
}
