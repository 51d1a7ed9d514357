package sshmux

import (
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestPtyRequestRoundTrip(t *testing.T) {
	req := &PtyRequest{
		Term:      "xterm-256color",
		Width:     80,
		Height:    24,
		PixWidth:  640,
		PixHeight: 480,
		Modes: ssh.TerminalModes{
			ssh.ECHO:  1,
			ssh.TTY_OP_ISPEED: 38400,
		},
	}
	payload := encodePtyRequest(req)
	got, err := decodePtyRequest(payload)
	if err != nil {
		t.Fatalf("decodePtyRequest: %v", err)
	}
	if got.Term != req.Term || got.Width != req.Width || got.Height != req.Height ||
		got.PixWidth != req.PixWidth || got.PixHeight != req.PixHeight {
		t.Fatalf("decoded fields = %+v, want %+v", got, req)
	}
	if got.Modes[ssh.ECHO] != 1 {
		t.Fatalf("Modes[ECHO] = %d, want 1", got.Modes[ssh.ECHO])
	}
	if got.Modes[ssh.TTY_OP_ISPEED] != 38400 {
		t.Fatalf("Modes[TTY_OP_ISPEED] = %d, want 38400", got.Modes[ssh.TTY_OP_ISPEED])
	}
}

func TestDecodeTerminalModesRejectsTruncatedValue(t *testing.T) {
	// Opcode byte present but fewer than 4 value bytes follow.
	_, err := decodeTerminalModes([]byte{1, 0, 0})
	if err == nil {
		t.Fatalf("expected an error for a truncated terminal-modes value")
	}
}

func TestDecodeTerminalModesStopsAtEnd(t *testing.T) {
	modes, err := decodeTerminalModes([]byte{byte(ttyOpEnd)})
	if err != nil {
		t.Fatalf("decodeTerminalModes: %v", err)
	}
	if len(modes) != 0 {
		t.Fatalf("modes = %v, want empty", modes)
	}
}
