package worker

import (
	"errors"
	"fmt"
)

// Failure kinds. A *Error matches its kind with errors.Is.
var (
	ErrInputUnavailable = errors.New("input unavailable")
	ErrSpawnFailed      = errors.New("worker spawn failed")
	ErrExecutionFailed  = errors.New("worker execution failed")
	ErrTimeout          = errors.New("worker timed out")
	ErrUnparseable      = errors.New("worker response unparseable")
)

// Error is a classified worker failure.
type Error struct {
	Kind     error
	Profile  string
	Message  string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Profile != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Profile)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// outcome is the metrics label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInputUnavailable):
		return "input_unavailable"
	case errors.Is(err, ErrSpawnFailed):
		return "spawn_failed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnparseable):
		return "unparseable"
	default:
		return "execution_failed"
	}
}
