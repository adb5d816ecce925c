package coordinator

import (
	"fmt"
	"text/template"
)

// OutcomeTag classifies how a worker task ended. The coordinator reacts only
// to the tag, never to raw termination details.
type OutcomeTag int

const (
	// Completed: the worker returned normally.
	Completed OutcomeTag = iota
	// Failed: the worker returned an error or panicked. Logged and surfaced
	// to the client as a failure notification.
	Failed
	// Cancelled: the worker stopped because the connection is tearing down.
	// Not a failure.
	Cancelled
	// Killed: the worker was forcibly terminated via Kill. Treated as a
	// connection-level failure and surfaced to the client.
	Killed
)

func (t OutcomeTag) String() string {
	switch t {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	case Killed:
		return "killed"
	default:
		return fmt.Sprintf("outcome(%d)", int(t))
	}
}

// Outcome is the structured completion signal of one worker task.
type Outcome struct {
	Tag   OutcomeTag
	Err   error
	Stack []byte // set for panics
}

// DefaultFailureTemplate renders the client-facing notification pushed after
// a handler failure. Override via Config.FailureTemplate; it executes with
// {Message string} and its output is sent as the "script" payload field of an
// uncorrelated "failure" message.
var DefaultFailureTemplate = template.Must(template.New("failure").Parse(
	`console.error("uibridge: handler failed:", {{printf "%q" .Message}});`))
