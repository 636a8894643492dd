package http

import (
	"errors"
	"net/http"

	"tabletraft/pkg/rafterrors"
	"tabletraft/pkg/types"
)

// Reply is the body of the key/value and health endpoints. The admin
// endpoints answer with the consensus messages themselves.
type Reply struct {
	OK    bool        `json:"ok"`
	Value string      `json:"value,omitempty"`
	Error *ReplyError `json:"error,omitempty"`
}

// ReplyError describes a rejected request. Code is empty for malformed
// requests that never reached the tablet.
type ReplyError struct {
	Code    rafterrors.Code `json:"code,omitempty"`
	Message string          `json:"message"`
	// Leader is set on NOT_THE_LEADER when the leader is known but unreachable
	// for a redirect.
	Leader types.NodeID `json:"leader,omitempty"`
}

func okReply() Reply {
	return Reply{OK: true}
}

func valueReply(value string) Reply {
	return Reply{OK: true, Value: value}
}

// failReply builds an uncoded error body.
func failReply(msg string) Reply {
	return Reply{Error: &ReplyError{Message: msg}}
}

// errorReply maps a consensus or tablet error to an HTTP status and body.
func errorReply(err error) (int, Reply) {
	code, ok := rafterrors.CodeOf(err)
	if !ok {
		code = rafterrors.CodeUnknown
	}
	reply := Reply{Error: &ReplyError{Code: code, Message: err.Error()}}

	switch {
	case errors.Is(err, rafterrors.ErrNotLeader):
		reply.Error.Code = rafterrors.CodeNotTheLeader
		return http.StatusServiceUnavailable, reply
	case errors.Is(err, rafterrors.ErrLeaderNotReady), errors.Is(err, rafterrors.ErrLeaderHasNoLease),
		errors.Is(err, rafterrors.ErrServiceUnavailable), errors.Is(err, rafterrors.ErrBusy):
		return http.StatusServiceUnavailable, reply
	case errors.Is(err, rafterrors.ErrTimedOut):
		return http.StatusGatewayTimeout, reply
	case errors.Is(err, rafterrors.ErrInvalidArgument), errors.Is(err, rafterrors.ErrNotFound):
		return http.StatusBadRequest, reply
	case errors.Is(err, rafterrors.ErrIllegalState), errors.Is(err, rafterrors.ErrAlreadyPresent):
		return http.StatusConflict, reply
	default:
		return http.StatusInternalServerError, reply
	}
}
