package sshmux

import "testing"

func TestPackMsgUnpackBodyRoundTrip(t *testing.T) {
	packet := packMsg(msgChannelData, channelDataMsg{RecipientChan: 7, Data: []byte("payload")})

	gotType, err := msgType(packet)
	if err != nil {
		t.Fatalf("msgType: %v", err)
	}
	if gotType != msgChannelData {
		t.Fatalf("msgType = %d, want %d", gotType, msgChannelData)
	}

	var msg channelDataMsg
	if err := unpackBody(msgChannelData, packet, &msg); err != nil {
		t.Fatalf("unpackBody: %v", err)
	}
	if msg.RecipientChan != 7 || string(msg.Data) != "payload" {
		t.Fatalf("unpacked = %+v, want RecipientChan=7 Data=payload", msg)
	}
}

func TestUnpackBodyRejectsWrongType(t *testing.T) {
	packet := packMsg(msgChannelEOF, channelEOFMsg{RecipientChan: 1})
	var msg channelCloseMsg
	if err := unpackBody(msgChannelClose, packet, &msg); err == nil {
		t.Fatalf("expected unpackBody to reject a CHANNEL_EOF packet as CHANNEL_CLOSE")
	}
}

func TestUnpackBodyRejectsEmptyPacket(t *testing.T) {
	if err := unpackBody(msgChannelData, nil, &channelDataMsg{}); err == nil {
		t.Fatalf("expected unpackBody to reject an empty packet")
	}
	if _, err := msgType(nil); err == nil {
		t.Fatalf("expected msgType to reject an empty packet")
	}
}

func TestIsASCII(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"exit-status", true},
		{"", true},
		{"café", false},
	}
	for _, c := range cases {
		if got := isASCII(c.in); got != c.want {
			t.Errorf("isASCII(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
