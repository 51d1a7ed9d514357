package sshmux

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// RFC 4254 channel message type bytes.
const (
	msgChannelOpen             = 90
	msgChannelOpenConfirmation = 91
	msgChannelOpenFailure      = 92
	msgChannelWindowAdjust     = 93
	msgChannelData             = 94
	msgChannelExtendedData     = 95
	msgChannelEOF              = 96
	msgChannelClose            = 97
	msgChannelRequest          = 98
	msgChannelSuccess          = 99
	msgChannelFailure          = 100
)

// Extended data type, the one value RFC 4254 defines.
const ExtendedDataStderr uint32 = 1

const defaultLang = "en"

// channelOpenMsg is the body of CHANNEL_OPEN. Rest carries the
// channel-type-specific payload (session/direct-tcpip/forwarded-tcpip
// fields), left undecoded here and handled by the variant constructors.
type channelOpenMsg struct {
	ChanType  string
	PeerChan  uint32
	Window    uint32
	MaxPacket uint32
	Rest      []byte `ssh:"rest"`
}

type channelOpenConfirmationMsg struct {
	RecipientChan uint32
	SenderChan    uint32
	Window        uint32
	MaxPacket     uint32
	Rest          []byte `ssh:"rest"`
}

type channelOpenFailureMsg struct {
	RecipientChan uint32
	Reason        uint32
	Message       string
	Lang          string
}

type channelWindowAdjustMsg struct {
	RecipientChan uint32
	BytesToAdd    uint32
}

type channelDataMsg struct {
	RecipientChan uint32
	Data          []byte
}

type channelExtendedDataMsg struct {
	RecipientChan uint32
	DataType      uint32
	Data          []byte
}

type channelEOFMsg struct {
	RecipientChan uint32
}

type channelCloseMsg struct {
	RecipientChan uint32
}

type channelRequestMsg struct {
	RecipientChan uint32
	Request       string
	WantReply     bool
	Rest          []byte `ssh:"rest"`
}

type channelSuccessMsg struct {
	RecipientChan uint32
}

type channelFailureMsg struct {
	RecipientChan uint32
}

// packMsg marshals body and prepends the message type byte by hand. None
// of these structs carry an "sshtype" struct tag, deliberately: that
// convention (ssh.Marshal/Unmarshal auto-prepending/consuming a type byte
// based on a tagged field) is an x/crypto/ssh internal mechanism for its
// own wire messages, and leaning on it here would mean trusting an exact
// behavior we have no way to compile-check. Prepending/stripping the byte
// ourselves and calling Marshal/Unmarshal only on the plain body is
// explicit and self-contained.
func packMsg(msgType byte, body interface{}) []byte {
	payload := ssh.Marshal(body)
	out := make([]byte, 1+len(payload))
	out[0] = msgType
	copy(out[1:], payload)
	return out
}

// unpackBody strips the leading message-type byte (verifying it matches
// want) and unmarshals the remainder into body.
func unpackBody(want byte, packet []byte, body interface{}) error {
	if len(packet) == 0 {
		return protoErrorf("empty packet, expected type %d", want)
	}
	if packet[0] != want {
		return protoErrorf("unexpected message type %d, expected %d", packet[0], want)
	}
	if err := ssh.Unmarshal(packet[1:], body); err != nil {
		return wrapProtoError(errors.WithStack(err), "malformed channel message body")
	}
	return nil
}

func msgType(packet []byte) (byte, error) {
	if len(packet) == 0 {
		return 0, protoErrorf("empty packet")
	}
	return packet[0], nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
