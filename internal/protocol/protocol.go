// Package protocol defines the receiver wire vocabulary: handshake and
// status tokens, event stream control lines, the command catalog and the
// decoding of reply tokens.
//
// The protocol is line oriented. There are no request ids; replies are
// correlated with requests purely by order.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Version is the only protocol version this client speaks.
const Version = "VERSION_1"

// Handshake and reply tokens.
const (
	InitConnect  = "INIT_CONNECT"
	InitPair     = "INIT_PAIR"
	Confirm      = "CONFIRM"
	Unsupported  = "UNSUPPORTED"
	Unauthorized = "UNAUTHORIZED"
	Err          = "ERR"
	Ping         = "PING"
)

// Status tokens pushed by the receiver between operations.
const (
	StatusReady   = "READY"
	StatusUnready = "UNREADY"
)

// Event stream control commands.
const (
	EventStreamSubscribe   = "EVENT_STREAM_SUBSCRIBE"
	EventStreamUnsubscribe = "EVENT_STREAM_UNSUBSCRIBE"
)

// Reply decoding errors.
var (
	ErrReplyError        = errors.New("protocol: receiver replied ERR")
	ErrReplyUnsupported  = errors.New("protocol: receiver replied UNSUPPORTED")
	ErrReplyUnauthorized = errors.New("protocol: receiver replied UNAUTHORIZED")
	ErrUnexpectedReply   = errors.New("protocol: unexpected reply")
)

// CheckEventType rejects event types that could not travel as a single
// word: empty, or containing whitespace or control characters.
func CheckEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("%w: empty event type", ErrBadArguments)
	}
	for _, r := range eventType {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: event type %q contains %U", ErrBadArguments, eventType, r)
		}
	}
	return nil
}

// CheckWords rejects words that would end the line early.
func CheckWords(words []string) error {
	for _, w := range words {
		if strings.ContainsAny(w, "\r\n") {
			return fmt.Errorf("%w: %q contains a line terminator", ErrBadArguments, w)
		}
	}
	return nil
}

// ConnectLine returns the second handshake line for a normal session.
func ConnectLine(token string) []string {
	return []string{InitConnect, token}
}

// SubscribeLine returns the control line subscribing to eventType.
func SubscribeLine(eventType string) []string {
	return []string{EventStreamSubscribe, eventType}
}

// UnsubscribeLine returns the control line unsubscribing from eventType.
func UnsubscribeLine(eventType string) []string {
	return []string{EventStreamUnsubscribe, eventType}
}

// IsStatus reports whether line is a readiness status token and, if so,
// whether it signals ready.
func IsStatus(line string) (ready bool, ok bool) {
	switch line {
	case StatusReady:
		return true, true
	case StatusUnready:
		return false, true
	}
	return false, false
}

// SplitEvent splits a push frame "<type> <payload>" on the first space.
// A frame without a space has an empty payload.
func SplitEvent(line string) (eventType, payload string) {
	eventType, payload, _ = strings.Cut(line, " ")
	return eventType, payload
}

// DecodeBasic maps the reply to an operation without a payload result.
// CONFIRM succeeds; ERR and UNSUPPORTED fail; any other token is a
// protocol violation.
func DecodeBasic(reply string) error {
	switch reply {
	case Confirm:
		return nil
	case Err:
		return ErrReplyError
	case Unsupported:
		return ErrReplyUnsupported
	}
	return fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
}

// DecodePayload maps the reply to an operation whose success reply is a
// value, such as pairing code submission. Known negative tokens fail;
// anything else is returned verbatim.
func DecodePayload(reply string) (string, error) {
	switch reply {
	case Err:
		return "", ErrReplyError
	case Unsupported:
		return "", ErrReplyUnsupported
	case Unauthorized:
		return "", ErrReplyUnauthorized
	case "":
		return "", fmt.Errorf("%w: empty reply", ErrUnexpectedReply)
	}
	return reply, nil
}
