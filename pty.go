package sshmux

import "golang.org/x/crypto/ssh"

// PtyRequest is the decoded body of a pty-req CHANNEL_REQUEST (RFC 4254
// §6.2): terminal type, window dimensions in characters and pixels, and
// the encoded terminal modes.
type PtyRequest struct {
	Term      string
	Width     uint32
	Height    uint32
	PixWidth  uint32
	PixHeight uint32
	Modes     ssh.TerminalModes
}

type ptyRequestMsg struct {
	Term      string
	Width     uint32
	Height    uint32
	PixWidth  uint32
	PixHeight uint32
	Modes     string
}

// decodePtyRequest unmarshals a pty-req payload, decoding the trailing
// terminal-modes string into an ssh.TerminalModes map via the same
// (opcode byte, uint32 value)* + TTY_OP_END encoding x/crypto/ssh already
// implements for its own pty-req client, per SPEC_FULL's DOMAIN STACK.
func decodePtyRequest(payload []byte) (*PtyRequest, error) {
	var msg ptyRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return nil, wrapProtoError(err, "malformed pty-req payload")
	}
	modes, err := decodeTerminalModes([]byte(msg.Modes))
	if err != nil {
		return nil, err
	}
	return &PtyRequest{
		Term:      msg.Term,
		Width:     msg.Width,
		Height:    msg.Height,
		PixWidth:  msg.PixWidth,
		PixHeight: msg.PixHeight,
		Modes:     modes,
	}, nil
}

// encodePtyRequest is the client-side counterpart, building a pty-req
// CHANNEL_REQUEST payload from an ssh.TerminalModes map.
func encodePtyRequest(req *PtyRequest) []byte {
	return ssh.Marshal(ptyRequestMsg{
		Term:      req.Term,
		Width:     req.Width,
		Height:    req.Height,
		PixWidth:  req.PixWidth,
		PixHeight: req.PixHeight,
		Modes:     string(req.Modes.Marshal()),
	})
}

const (
	ttyOpEnd = 0
)

// decodeTerminalModes parses the raw (opcode byte, uint32 value)* +
// TTY_OP_END wire format into an ssh.TerminalModes map. x/crypto/ssh
// exposes Marshal on TerminalModes but not the inverse, so this mirrors
// its encoding in reverse; bounds-checked the way asyncssh's pty-req
// decoder rejects a truncated modes string as a protocol error rather than
// silently ignoring the tail.
func decodeTerminalModes(data []byte) (ssh.TerminalModes, error) {
	modes := ssh.TerminalModes{}
	i := 0
	for i < len(data) {
		opcode := data[i]
		i++
		if opcode == ttyOpEnd {
			return modes, nil
		}
		if opcode > 159 {
			// Opcodes above TTY_OP_END_SOFT/HARD boundaries are reserved
			// for protocol extensions this implementation doesn't know;
			// RFC 4254 says to stop parsing, not to fail.
			return modes, nil
		}
		if i+4 > len(data) {
			return nil, protoErrorf("truncated pty-req terminal modes")
		}
		value := uint32(data[i])<<24 | uint32(data[i+1])<<16 | uint32(data[i+2])<<8 | uint32(data[i+3])
		i += 4
		modes[opcode] = value
	}
	return modes, nil
}
