package sshmux

import "github.com/pkg/errors"

// OpenFailureReason is one of the RFC 4254 SSH_OPEN_* reason codes carried
// in a CHANNEL_OPEN_FAILURE message.
type OpenFailureReason uint32

const (
	OpenAdministrativelyProhibited OpenFailureReason = 1
	OpenConnectFailed              OpenFailureReason = 2
	OpenUnknownChannelType         OpenFailureReason = 3
	OpenResourceShortage           OpenFailureReason = 4
)

func (r OpenFailureReason) String() string {
	switch r {
	case OpenAdministrativelyProhibited:
		return "administratively prohibited"
	case OpenConnectFailed:
		return "connect failed"
	case OpenUnknownChannelType:
		return "unknown channel type"
	case OpenResourceShortage:
		return "resource shortage"
	default:
		return "unknown reason"
	}
}

// OpenError is returned by a session factory to refuse a channel open
// request, and is the error an Open caller receives when the peer responds
// with CHANNEL_OPEN_FAILURE.
type OpenError struct {
	Reason  OpenFailureReason
	Message string
	Lang    string
}

func newOpenError(reason OpenFailureReason, message string) *OpenError {
	return &OpenError{Reason: reason, Message: message, Lang: "en"}
}

func (e *OpenError) Error() string {
	return e.Message
}

// ProtocolError reports a violation of the channel wire protocol detected
// while processing an inbound message: an out-of-state message, a window
// overrun, a malformed body. Connections are expected to treat this as fatal
// for the whole connection, mirroring asyncssh's DisconnectError handling in
// channel.py.
type ProtocolError struct {
	Message string
	cause   error
}

func protoErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Message: errors.Errorf(format, args...).Error()}
}

func wrapProtoError(cause error, message string) *ProtocolError {
	return &ProtocolError{Message: message, cause: cause}
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return errors.Wrap(e.cause, e.Message).Error()
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.cause
}

// ErrChannelNotOpen is returned by send-side operations (Write, WriteEOF,
// MakeRequest) once the channel has left the open state.
var ErrChannelNotOpen = errors.New("channel is not open for sending")

// ErrChannelAlreadyOpen is returned by Open if called more than once on the
// same Channel.
var ErrChannelAlreadyOpen = errors.New("channel open already in progress or complete")
