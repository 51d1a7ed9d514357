package sshmux

// Connection is the consumed collaborator this package never implements for
// production use: the already-authenticated, already-decrypted SSH
// transport a Channel rides on top of. Everything pubkey/crypto/transport
// related (per spec §1 Non-goals) lives behind this interface; memconn.go
// provides the one concrete implementation this module ships, for tests and
// the demo command.
type Connection interface {
	// SendPacket writes one already-framed SSH message (type byte plus
	// body) to the peer. Implementations are expected to serialize
	// concurrent callers themselves, the way smux's sendLoop serializes
	// writes from multiple streams.
	SendPacket(packet []byte) error

	// AddChannel registers a newly constructed channel and returns the
	// local channel number assigned to it, mirroring asyncssh's
	// conn.add_channel. Channels call this once, from newChannel, before
	// they are reachable from any dispatch path.
	AddChannel(ch *Channel) (uint32, error)

	// RemoveChannel unregisters a channel once it has reached the fully
	// closed state, freeing its channel number for reuse.
	RemoveChannel(localChan uint32)

	// CertOption and KeyOption back the server-side forced-command
	// substitution described in SPEC_FULL's SUPPLEMENTED FEATURES: the
	// core only ever calls these two accessors and never touches
	// certificate or key material itself.
	CertOption(name string) (string, bool)
	KeyOption(name string) (string, bool)

	// CheckKeyPermission and CheckCertPermission report whether the
	// authenticated key/certificate grants the named permission (e.g.
	// "pty"). Like CertOption/KeyOption, the core only ever calls these
	// two accessors and never inspects key or certificate material itself.
	CheckKeyPermission(permission string) bool
	CheckCertPermission(permission string) bool
}

// Session is the base set of callbacks a Channel invokes on whatever
// session object a collaborator installs, common to every channel variant.
// Invoked only ever with the channel's lock released (see channel.go's
// "effects" pattern), so a session implementation is free to call back
// into the channel from any of these.
type Session interface {
	// ConnectionMade is called once the channel has finished its open
	// handshake (client: after OPEN_CONFIRMATION; server: after the
	// session factory returns and OPEN_CONFIRMATION has been sent). The
	// argument is the richer variant value (*ClientChannel,
	// *ServerChannel, *TCPChannel), not the bare *Channel.
	ConnectionMade(channel interface{})

	// DataReceived delivers one decoded chunk of channel data. datatype
	// is nil for ordinary data, or a pointer to the extended-data type
	// (ExtendedDataStderr, …) for extended data.
	DataReceived(data []byte, datatype *uint32)

	// EOFReceived is called when the peer signals CHANNEL_EOF. Returning
	// false tells the channel to close immediately, matching asyncssh's
	// "falsy eof_received return closes the channel" behavior.
	EOFReceived() bool

	// ConnectionLost is called exactly once, when the channel has fully
	// closed, with the triggering error (nil for a clean close).
	ConnectionLost(err error)

	// SessionStarted is called once a channel's session is fully wired up
	// - for a client/TCP channel right after the open handshake, for a
	// server channel once shell/exec/subsystem has been accepted - always
	// immediately before the channel resumes reading for the first time.
	SessionStarted()

	// PauseWriting is called when buffered outbound data crosses the
	// channel's high-water mark, asking the session to stop writing until
	// ResumeWriting is called.
	PauseWriting()

	// ResumeWriting is called when buffered outbound data drains back to
	// the low-water mark after a PauseWriting.
	ResumeWriting()
}

// ExtraInfoProvider is implemented by Channel (via GetExtraInfo) and
// exposed here so Session implementations can type-assert a channel
// argument to read extra info without depending on the concrete type.
type ExtraInfoProvider interface {
	GetExtraInfo(name string, def interface{}) interface{}
}
