package transport

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned for calls that cannot complete because the
// connection is gone.
var ErrConnectionClosed = errors.New("transport: connection closed")

// ServerError is an error reported by the remote hub method in a Completion.
type ServerError struct {
	Target  string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("transport: invocation of '%s' failed: %s", e.Target, e.Message)
}
