package analysis

import (
	"errors"
	"fmt"
)

// TransportError wraps connection failures and call timeouts. Transient.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("analysis transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is a non-2xx >= 500 from the engine. Transient.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("analysis engine unavailable: %d", e.Status)
}

// ClientError is a 4xx from the engine: the input is bad and a retry cannot
// fix it. Permanent.
type ClientError struct {
	Status int
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("analysis engine rejected request: %d", e.Status)
}

// MalformedError marks a response body that decoded or validated badly.
// Permanent: the engine would reproduce the same output.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed analysis result: %s", e.Reason)
}

// IsTransient classifies an analysis failure for the retry policy.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *ServerError
	return errors.As(err, &se)
}
