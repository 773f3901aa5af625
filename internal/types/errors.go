package types

import "fmt"

// ErrorKind classifies every failure the engine can surface. No public
// operation panics or leaks an untyped error.
type ErrorKind string

const (
	KindAuth            ErrorKind = "auth"
	KindTransport       ErrorKind = "transport"
	KindJoinTimeout     ErrorKind = "join_timeout"
	KindJoinRejected    ErrorKind = "join_rejected"
	KindDeliveryFailure ErrorKind = "delivery_failure"
	KindActionConflict  ErrorKind = "action_conflict"
	KindInvalidRequest  ErrorKind = "invalid_request"
)

type EngineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func NewAuthError(message string) *EngineError {
	return &EngineError{Kind: KindAuth, Message: message}
}

func NewTransportError(message string, err error) *EngineError {
	return &EngineError{Kind: KindTransport, Message: message, Err: err}
}

func NewJoinTimeout(message string) *EngineError {
	return &EngineError{Kind: KindJoinTimeout, Message: message}
}

func NewJoinRejected(message string) *EngineError {
	return &EngineError{Kind: KindJoinRejected, Message: message}
}

func NewDeliveryFailure(message string, err error) *EngineError {
	return &EngineError{Kind: KindDeliveryFailure, Message: message, Err: err}
}

func NewActionConflict(message string) *EngineError {
	return &EngineError{Kind: KindActionConflict, Message: message}
}

func NewInvalidRequest(message string) *EngineError {
	return &EngineError{Kind: KindInvalidRequest, Message: message}
}

// IsKind reports whether err is an EngineError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ee, ok := err.(*EngineError)
	return ok && ee.Kind == kind
}
