package rafterrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("tabletraft: not found")
	ErrIllegalState       = errors.New("tabletraft: illegal state")
	ErrInvalidArgument    = errors.New("tabletraft: invalid argument")
	ErrAborted            = errors.New("tabletraft: aborted")
	ErrTimedOut           = errors.New("tabletraft: timed out")
	ErrCorruption         = errors.New("tabletraft: corruption")
	ErrServiceUnavailable = errors.New("tabletraft: service unavailable")
	ErrAlreadyPresent     = errors.New("tabletraft: already present")
	ErrNotLeader          = errors.New("tabletraft: not the leader")
	ErrLeaderNotReady     = errors.New("tabletraft: leader not ready")
	ErrLeaderHasNoLease   = errors.New("tabletraft: leader has no lease")
	ErrBusy               = errors.New("tabletraft: busy")
	ErrClosed             = errors.New("tabletraft: closed")
	ErrQueueFull          = errors.New("tabletraft: queue full")
)

// Code classifies protocol-level rejections that travel back to the caller.
type Code string

const (
	CodeUnknown                       Code = "UNKNOWN_ERROR"
	CodeNotTheLeader                  Code = "NOT_THE_LEADER"
	CodeLeaderNotReadyChangeConfig    Code = "LEADER_NOT_READY_CHANGE_CONFIG"
	CodeLeaderNotReadyToStepDown      Code = "LEADER_NOT_READY_TO_STEP_DOWN"
	CodeLeaderNeedsStepDown           Code = "LEADER_NEEDS_STEP_DOWN"
	CodeCASFailed                     Code = "CAS_FAILED"
	CodeInvalidConfig                 Code = "INVALID_CONFIG"
	CodeAddChangeConfigAlreadyPresent Code = "ADD_CHANGE_CONFIG_ALREADY_PRESENT"
	CodeRemoveChangeConfigNotPresent  Code = "REMOVE_CHANGE_CONFIG_NOT_PRESENT"
	CodeTabletNotFound                Code = "TABLET_NOT_FOUND"
	CodeTabletNotRunning              Code = "TABLET_NOT_RUNNING"
)

// Error carries a Code next to the underlying error.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithCode wraps err with code. A nil err stays nil.
func WithCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Newf builds a coded error wrapping sentinel with a formatted message.
func Newf(code Code, sentinel error, format string, args ...any) error {
	return &Error{Code: code, Err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

// CodeOf extracts the code of the first *Error in the chain.
func CodeOf(err error) (Code, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code, true
	}
	return "", false
}
