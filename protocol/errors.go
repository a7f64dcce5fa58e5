package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable class of a relay failure.
type ErrorKind string

const (
	// KindMalformed means a message could not be decoded.
	KindMalformed ErrorKind = "malformed"
	// KindUnknownCommand means the command name is not recognized.
	KindUnknownCommand ErrorKind = "unknown_command"
	// KindUnavailable means no peer connection could be established within the retry budget.
	KindUnavailable ErrorKind = "unavailable"
	// KindPeerDisconnected means the peer connection dropped during a call.
	KindPeerDisconnected ErrorKind = "peer_disconnected"
	// KindCollaboratorFailure means the code generator, importer or search collaborator failed.
	KindCollaboratorFailure ErrorKind = "collaborator_failure"
	// KindPeerError means the peer answered, but with an error reply.
	KindPeerError ErrorKind = "peer_error"
)

// Error is a relay failure with a kind and a human-readable message.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func errInvalidPayload() *Error {
	return &Error{Kind: KindMalformed, Message: "invalid payload"}
}
