package sshmux

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// OpenHandler builds the Channel and Session factory for an inbound
// CHANNEL_OPEN, keyed by chanType ("session", "direct-tcpip", …). It is the
// one piece of channel-type dispatch a real SSH connection implementation
// would also need; MemConnection leaves it to the caller because picking a
// channel variant for a given chanType is a policy decision, not something
// this package can decide on its own.
type OpenHandler func(mc *MemConnection, chanType string, payload []byte) (*Channel, SessionFactory, error)

// MemConnection is the one concrete Connection implementation this module
// ships: an in-memory stand-in for the already-authenticated, already
// decrypted SSH transport the spec places out of scope, riding on a
// net.Pipe. It frames each RFC 4254 channel message with a 4-byte
// big-endian length prefix and dispatches inbound messages to the
// registered Channel by recipient number, the same role
// vendor/.../smux/session.go's recvLoop dispatch-by-command switch plays
// for smux streams.
type MemConnection struct {
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[uint32]*Channel
	nextChan uint32

	openHandler OpenHandler

	certOptions map[string]string
	keyOptions  map[string]string

	keyPermissions  map[string]bool
	certPermissions map[string]bool

	closeOnce sync.Once
	closeErr  error
}

// NewMemConnection wraps conn (one end of a net.Pipe, typically) as a
// Connection. opener handles inbound CHANNEL_OPEN requests; it may be nil
// for a connection that only ever initiates channels itself.
func NewMemConnection(conn net.Conn, opener OpenHandler) *MemConnection {
	return &MemConnection{
		conn:            conn,
		channels:        map[uint32]*Channel{},
		openHandler:     opener,
		certOptions:     map[string]string{},
		keyOptions:      map[string]string{},
		keyPermissions:  map[string]bool{},
		certPermissions: map[string]bool{},
	}
}

// SetCertOption/SetKeyOption let a demo or test populate the forced-command
// (and similar) lookups ServerChannel consults; certificate and key parsing
// themselves are out of scope for this package (spec §1).
func (mc *MemConnection) SetCertOption(name, value string) { mc.certOptions[name] = value }
func (mc *MemConnection) SetKeyOption(name, value string)  { mc.keyOptions[name] = value }

func (mc *MemConnection) CertOption(name string) (string, bool) {
	v, ok := mc.certOptions[name]
	return v, ok
}

func (mc *MemConnection) KeyOption(name string) (string, bool) {
	v, ok := mc.keyOptions[name]
	return v, ok
}

// SetKeyPermission/SetCertPermission let a demo or test deny a named
// permission (e.g. "pty") for the authenticated key/certificate;
// unmentioned permissions default to allowed, matching typical
// OpenSSH/asyncssh authorized_keys semantics.
func (mc *MemConnection) SetKeyPermission(permission string, allowed bool) {
	mc.keyPermissions[permission] = allowed
}

func (mc *MemConnection) SetCertPermission(permission string, allowed bool) {
	mc.certPermissions[permission] = allowed
}

func (mc *MemConnection) CheckKeyPermission(permission string) bool {
	if v, ok := mc.keyPermissions[permission]; ok {
		return v
	}
	return true
}

func (mc *MemConnection) CheckCertPermission(permission string) bool {
	if v, ok := mc.certPermissions[permission]; ok {
		return v
	}
	return true
}

func (mc *MemConnection) SendPacket(packet []byte) error {
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(packet)))
	if _, err := mc.conn.Write(length[:]); err != nil {
		return errors.Wrap(err, "write packet length")
	}
	if _, err := mc.conn.Write(packet); err != nil {
		return errors.Wrap(err, "write packet body")
	}
	return nil
}

func (mc *MemConnection) AddChannel(ch *Channel) (uint32, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	n := mc.nextChan
	mc.nextChan++
	mc.channels[n] = ch
	return n, nil
}

func (mc *MemConnection) RemoveChannel(localChan uint32) {
	mc.mu.Lock()
	delete(mc.channels, localChan)
	mc.mu.Unlock()
}

func (mc *MemConnection) channel(n uint32) (*Channel, bool) {
	mc.mu.Lock()
	ch, ok := mc.channels[n]
	mc.mu.Unlock()
	return ch, ok
}

// Serve reads framed packets off the connection until it is closed or a
// fatal protocol error occurs, dispatching each one to the channel it
// names. It is meant to be run in its own goroutine, one per MemConnection.
func (mc *MemConnection) Serve() error {
	err := mc.recvLoop()
	mc.closeOnce.Do(func() {
		mc.closeErr = err
		mc.mu.Lock()
		channels := make([]*Channel, 0, len(mc.channels))
		for _, ch := range mc.channels {
			channels = append(channels, ch)
		}
		mc.mu.Unlock()
		for _, ch := range channels {
			_ = ch.ProcessConnectionClose(err)
		}
	})
	return err
}

func (mc *MemConnection) recvLoop() error {
	for {
		packet, err := mc.readPacket()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := mc.dispatch(packet); err != nil {
			return err
		}
	}
}

func (mc *MemConnection) readPacket() ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(mc.conn, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(mc.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (mc *MemConnection) dispatch(packet []byte) error {
	t, err := msgType(packet)
	if err != nil {
		return err
	}

	switch t {
	case msgChannelOpen:
		return mc.dispatchOpen(packet)
	case msgChannelOpenConfirmation:
		var msg channelOpenConfirmationMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return protoErrorf("open confirmation for unknown channel %d", msg.RecipientChan)
		}
		return ch.HandleOpenConfirmation(msg.SenderChan, msg.Window, msg.MaxPacket, msg.Rest)
	case msgChannelOpenFailure:
		var msg channelOpenFailureMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return protoErrorf("open failure for unknown channel %d", msg.RecipientChan)
		}
		return ch.HandleOpenFailure(msg.Reason, msg.Message, msg.Lang)
	case msgChannelWindowAdjust:
		var msg channelWindowAdjustMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return nil
		}
		return ch.HandleWindowAdjust(msg.BytesToAdd)
	case msgChannelData:
		var msg channelDataMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return nil
		}
		return ch.HandleData(msg.Data)
	case msgChannelExtendedData:
		var msg channelExtendedDataMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return nil
		}
		return ch.HandleExtendedData(msg.DataType, msg.Data)
	case msgChannelEOF:
		var msg channelEOFMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return nil
		}
		return ch.HandleEOF()
	case msgChannelClose:
		var msg channelCloseMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return nil
		}
		return ch.HandleClose()
	case msgChannelRequest:
		var msg channelRequestMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return nil
		}
		return ch.HandleRequest(msg.Request, msg.WantReply, msg.Rest)
	case msgChannelSuccess:
		var msg channelSuccessMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return nil
		}
		return ch.HandleSuccess()
	case msgChannelFailure:
		var msg channelFailureMsg
		if err := unpackBody(t, packet, &msg); err != nil {
			return err
		}
		ch, ok := mc.channel(msg.RecipientChan)
		if !ok {
			return nil
		}
		return ch.HandleFailure()
	default:
		return protoErrorf("unsupported channel message type %d", t)
	}
}

func (mc *MemConnection) dispatchOpen(packet []byte) error {
	var msg channelOpenMsg
	if err := unpackBody(msgChannelOpen, packet, &msg); err != nil {
		return err
	}
	if mc.openHandler == nil {
		return mc.SendPacket(packMsg(msgChannelOpenFailure, channelOpenFailureMsg{
			RecipientChan: msg.PeerChan,
			Reason:        uint32(OpenAdministrativelyProhibited),
			Message:       "this connection does not accept inbound channels",
			Lang:          defaultLang,
		}))
	}
	ch, factory, err := mc.openHandler(mc, msg.ChanType, msg.Rest)
	if err != nil {
		reason := OpenUnknownChannelType
		message := err.Error()
		if oe, ok := err.(*OpenError); ok {
			reason = oe.Reason
			message = oe.Message
		}
		return mc.SendPacket(packMsg(msgChannelOpenFailure, channelOpenFailureMsg{
			RecipientChan: msg.PeerChan, Reason: uint32(reason), Message: message, Lang: defaultLang,
		}))
	}
	return ch.processOpen(msg.PeerChan, msg.Window, msg.MaxPacket, factory)
}
