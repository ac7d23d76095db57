package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names the pipeline phase a failure belongs to.
type Stage string

const (
	StageDecode      Stage = "DecodeError"
	StageConfig      Stage = "ConfigError"
	StageLoad        Stage = "LoadError"
	StageValidate    Stage = "ValidateError"
	StageInstantiate Stage = "InstantiateError"
	StageRun         Stage = "RunError"
)

// RunKind refines a RunError.
type RunKind string

const (
	KindNoSuchFunction    RunKind = "NoSuchFunction"
	KindTimeout           RunKind = "Timeout"
	KindTrap              RunKind = "Trap"
	KindExit              RunKind = "Exit"
	KindSignatureMismatch RunKind = "SignatureMismatch"
	KindOutput            RunKind = "Output"
)

// ErrTimeout is the cause carried by every timeout failure.
var ErrTimeout = errors.New("deadline exceeded")

// Error is a pipeline failure tagged with the stage that produced it.
type Error struct {
	Stage Stage
	Kind  RunKind
	Err   error
}

// NewError tags err with stage.
func NewError(stage Stage, err error) *Error {
	return &Error{Stage: stage, Err: err}
}

func runError(kind RunKind, err error) *Error {
	return &Error{Stage: StageRun, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Kind == KindTimeout {
		return string(StageRun) + ": " + string(KindTimeout)
	}
	msg := ""
	if e.Err != nil {
		msg = firstLine(e.Err.Error())
	}
	if e.Kind != "" {
		if msg == "" {
			return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
		}
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Stage, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// StageOf reports the stage of the first *Error in err's chain.
func StageOf(err error) (Stage, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
