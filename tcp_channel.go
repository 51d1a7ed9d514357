package sshmux

import "golang.org/x/crypto/ssh"

// TCPChannel is the "direct-tcpip"/"forwarded-tcpip" channel type used for
// SSH port forwarding: its open payload carries the target/forwarded
// address and the originator's address, and it exposes both ends as
// extra info the way asyncssh's SSHTCPChannel exposes local_peername/
// remote_peername.
type TCPChannel struct {
	*Channel
}

type directTCPIPOpenMsg struct {
	HostToConnect  string
	PortToConnect  uint32
	OriginatorHost string
	OriginatorPort uint32
}

// NewTCPChannel constructs a TCP forwarding channel, plain data in both
// directions (no extended data, no text encoding).
func NewTCPChannel(conn Connection, cfg *Config) (*TCPChannel, error) {
	ch, err := newChannel(conn, cfg, nil, nil, "")
	if err != nil {
		return nil, err
	}
	tc := &TCPChannel{Channel: ch}
	ch.setPublic(tc)
	return tc, nil
}

// Connect opens a "direct-tcpip" channel to host:port on behalf of a
// local originator at originatorHost:originatorPort, resuming reading once
// the open handshake completes (a TCP channel, like a client session
// channel, has nowhere else to learn what session to attach before data
// starts flowing).
func (tc *TCPChannel) Connect(host string, port uint32, originatorHost string, originatorPort uint32) error {
	payload := ssh.Marshal(directTCPIPOpenMsg{
		HostToConnect:  host,
		PortToConnect:  port,
		OriginatorHost: originatorHost,
		OriginatorPort: originatorPort,
	})
	if _, err := tc.Open("direct-tcpip", payload); err != nil {
		return err
	}
	tc.setExtraInfo("remote_peername", peerAddr{host: host, port: port})
	tc.setExtraInfo("local_peername", peerAddr{host: originatorHost, port: originatorPort})
	tc.sessionStarted()
	return tc.ResumeReading()
}

// Accept finishes accepting an inbound "direct-tcpip"/"forwarded-tcpip"
// open request: it records both endpoints as extra info, starts the session
// and resumes reading, the open handshake itself (OPEN_CONFIRMATION/
// OPEN_FAILURE) having already happened via processOpen before Accept is
// called.
func (tc *TCPChannel) Accept(hostToConnect string, portToConnect uint32, originatorHost string, originatorPort uint32) error {
	tc.setExtraInfo("local_peername", peerAddr{host: hostToConnect, port: portToConnect})
	tc.setExtraInfo("remote_peername", peerAddr{host: originatorHost, port: originatorPort})
	tc.sessionStarted()
	return tc.ResumeReading()
}

// decodeDirectTCPIPOpen decodes the type-specific payload of an inbound
// "direct-tcpip"/"forwarded-tcpip" CHANNEL_OPEN, for use by a Connection's
// dispatcher before it calls processOpen.
func decodeDirectTCPIPOpen(payload []byte) (host string, port uint32, originatorHost string, originatorPort uint32, err error) {
	var msg directTCPIPOpenMsg
	if uerr := ssh.Unmarshal(payload, &msg); uerr != nil {
		return "", 0, "", 0, wrapProtoError(uerr, "malformed direct-tcpip open payload")
	}
	return msg.HostToConnect, msg.PortToConnect, msg.OriginatorHost, msg.OriginatorPort, nil
}

// peerAddr is the plain host/port pair TCPChannel publishes as extra info;
// it satisfies net.Addr so callers that expect one can use it directly.
type peerAddr struct {
	host string
	port uint32
}

func (a peerAddr) Network() string { return "tcp" }

func (a peerAddr) String() string {
	return a.host + ":" + uitoa(a.port)
}

func uitoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
