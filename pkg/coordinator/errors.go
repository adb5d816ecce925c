package coordinator

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Push when no matching reply arrives before the
// deadline. A timeout is a normal outcome, not a handler failure; the message
// already sent to the client is not retracted, and a late reply is dropped
// because its pending call is gone by then.
var ErrTimeout = errors.New("uibridge: call timed out")

// ErrClosed is returned by operations on a coordinator whose connection has
// been torn down.
var ErrClosed = errors.New("uibridge: connection closed")

// NoTimeout makes Push wait for a reply until ctx is done.
const NoTimeout time.Duration = -1

// ResolutionError reports a handler reference that names a nonexistent
// handler or a module that cannot be located. Fatal to the invocation.
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %q: %s", e.Ref, e.Reason)
}

// AuthorizationError reports an invocation target the caller may not invoke:
// a before/after hook name, or a cross-context target that is not explicitly
// public. Treated as a security violation.
type AuthorizationError struct {
	Ref    string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("unauthorized target %q: %s", e.Ref, e.Reason)
}
