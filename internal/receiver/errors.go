package receiver

import (
	"errors"
	"fmt"
	"strings"

	"receiverlink/internal/protocol"
)

// Kind classifies a session error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport is an I/O failure, timeout or premature close.
	KindTransport
	// KindProtocol is an unexpected or malformed line.
	KindProtocol
	// KindRequiresPairing means the receiver is not paired, or presented a
	// certificate that is not pinned, or rejected the stored token.
	KindRequiresPairing
	// KindUnauthorized is a rejected pairing code.
	KindUnauthorized
	// KindUnsupported is an operation the receiver does not support.
	KindUnsupported
	// KindOperationFailed is an operation the receiver answered with ERR.
	KindOperationFailed
	// KindClosed is an operation that could not complete because the
	// session ended.
	KindClosed
	// KindUnsupportedVersion is a rejected protocol version.
	KindUnsupportedVersion
	// KindPairingDisabled means the receiver refused to enter pairing.
	KindPairingDisabled
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindTransport:          "transport",
	KindProtocol:           "protocol",
	KindRequiresPairing:    "requires pairing",
	KindUnauthorized:       "unauthorized",
	KindUnsupported:        "unsupported",
	KindOperationFailed:    "operation failed",
	KindClosed:             "closed",
	KindUnsupportedVersion: "unsupported version",
	KindPairingDisabled:    "pairing disabled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fatal reports whether an error of this kind ends the session.
func (k Kind) Fatal() bool {
	switch k {
	case KindUnsupported, KindOperationFailed:
		return false
	}
	return true
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrTransport          = errors.New("receiver: transport failure")
	ErrProtocol           = errors.New("receiver: protocol violation")
	ErrRequiresPairing    = errors.New("receiver: requires pairing")
	ErrUnauthorized       = errors.New("receiver: unauthorized")
	ErrUnsupported        = errors.New("receiver: operation unsupported")
	ErrOperationFailed    = errors.New("receiver: operation failed")
	ErrClosed             = errors.New("receiver: session closed")
	ErrUnsupportedVersion = errors.New("receiver: protocol version unsupported")
	ErrPairingDisabled    = errors.New("receiver: pairing disabled")
	ErrQueueFull          = errors.New("receiver: operation queue full")
)

var kindErrors = map[Kind]error{
	KindTransport:          ErrTransport,
	KindProtocol:           ErrProtocol,
	KindRequiresPairing:    ErrRequiresPairing,
	KindUnauthorized:       ErrUnauthorized,
	KindUnsupported:        ErrUnsupported,
	KindOperationFailed:    ErrOperationFailed,
	KindClosed:             ErrClosed,
	KindUnsupportedVersion: ErrUnsupportedVersion,
	KindPairingDisabled:    ErrPairingDisabled,
}

// Error is the error type returned by sessions.
type Error struct {
	Kind Kind
	// Op is the step or operation that failed, such as "handshake" or
	// "DPAD_UP".
	Op  string
	Err error
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := "receiver: "
	if e.Op != "" {
		msg += e.Op + ": "
	}
	kind := e.Kind.String()
	if e.Err == nil {
		return msg + kind
	}
	// Wrapped protocol errors already carry the kind as their prefix
	cause := e.Err.Error()
	if strings.HasPrefix(cause, kind+": ") {
		return msg + cause
	}
	return msg + kind + ": " + cause
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return kindErrors[e.Kind] == target
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// replyError classifies a decoded reply failure for op.
func replyError(op string, err error) *Error {
	switch {
	case errors.Is(err, protocol.ErrReplyUnsupported):
		return newError(KindUnsupported, op, err)
	case errors.Is(err, protocol.ErrReplyError):
		return newError(KindOperationFailed, op, err)
	case errors.Is(err, protocol.ErrReplyUnauthorized):
		return newError(KindUnauthorized, op, err)
	}
	return newError(KindProtocol, op, err)
}
