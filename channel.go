package sshmux

import (
	"sync"

	"github.com/pkg/errors"
)

// sendState tracks the local->peer direction of a channel, mirroring
// spec.md's send_state machine.
type sendState int

const (
	sendClosed sendState = iota
	sendOpenSent
	sendOpenReceived
	sendOpen
	sendEOFPending
	sendEOFSent
	sendClosePending
	sendCloseSent
)

// recvState tracks the peer->local direction, mirroring spec.md's
// recv_state machine.
type recvState int

const (
	recvClosed recvState = iota
	recvOpen
	recvEOFReceived
)

const defaultHighWater = 64 * 1024

type sendChunk struct {
	data     []byte
	datatype *uint32
}

type recvChunk struct {
	data     []byte
	datatype *uint32
	eof      bool
}

type requestHandler func(ch *Channel, payload []byte) (bool, error)

// Channel is the base implementation shared by every session-type variant
// (ClientChannel, ServerChannel, TCPChannel): the send/recv state machines,
// windowed flow control, buffered I/O and backpressure, and the
// request/reply subprotocol. Variants embed *Channel and add their own
// open-handshake payloads and named CHANNEL_REQUESTs.
//
// Grounded on vendor/.../smux/stream.go's stream struct (buffer + mutex +
// wakeup-channel shape) generalized to two independent state machines and
// datatype-tagged buffers; exact transition and accounting rules come from
// asyncssh/channel.py.
type Channel struct {
	conn      Connection
	localChan uint32
	peerChan  uint32

	// public, when set by a variant constructor, is the richer value
	// (*ClientChannel etc.) passed to Session.ConnectionMade instead of
	// the bare *Channel.
	public interface{}

	mu        sync.Mutex
	sendState sendState
	recvState recvState

	initRecvWindow uint32
	recvWindow     uint32
	recvPktSize    uint32

	sendWindow  uint32
	sendPktSize uint32

	sendBuf    []sendChunk
	sendBufLen int

	sendHighWater int
	sendLowWater  int
	sendPaused    bool

	recvPaused bool
	recvBuf    []recvChunk

	// recvPartial stashes an undecoded tail of bytes per datatype (key -1
	// for ordinary data, see partialKey) across packet boundaries when the channel
	// has a text encoding and a multi-byte codepoint straddles two
	// DATA/EXTENDED_DATA messages.
	encoding    string
	recvPartial map[int64][]byte

	readDataTypes  map[uint32]bool
	writeDataTypes map[uint32]bool

	requestHandlers map[string]requestHandler
	requestWaiters  requestWaiterQueue

	openWaiter   *waiter[[]byte]
	closeWaiters []*waiter[struct{}]
	cleanupOnce  sync.Once

	session Session
	extra   map[string]interface{}
}

// newChannel allocates a Channel, registers it with conn to obtain a local
// channel number, and leaves it in the closed/closed state pair ready for
// either Open (client-initiated) or processOpen (peer-initiated). Receive
// is left paused, matching asyncssh's _recv_paused = True default: a
// variant resumes reading once it knows what session is attached.
func newChannel(conn Connection, cfg *Config, readTypes, writeTypes map[uint32]bool, encoding string) (*Channel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid channel config")
	}
	ch := &Channel{
		conn:            conn,
		initRecvWindow:  uint32(cfg.ReceiveWindow),
		recvWindow:      uint32(cfg.ReceiveWindow),
		recvPktSize:     uint32(cfg.MaxPacketSize),
		sendPktSize:     uint32(cfg.MaxPacketSize),
		sendHighWater:   cfg.WriteBufferHighWater,
		sendLowWater:    cfg.WriteBufferLowWater,
		recvPaused:      true,
		encoding:        encoding,
		recvPartial:     map[int64][]byte{},
		readDataTypes:   readTypes,
		writeDataTypes:  writeTypes,
		requestHandlers: map[string]requestHandler{},
		extra:           map[string]interface{}{"connection": conn},
	}
	n, err := conn.AddChannel(ch)
	if err != nil {
		return nil, err
	}
	ch.localChan = n
	return ch, nil
}

func (ch *Channel) setPublic(v interface{}) { ch.public = v }

func (ch *Channel) connMadeArg() interface{} {
	if ch.public != nil {
		return ch.public
	}
	return ch
}

// LocalChannel returns the local channel number assigned by the Connection.
func (ch *Channel) LocalChannel() uint32 { return ch.localChan }

// GetExtraInfo returns the named piece of extra metadata (connection,
// peername, …), or def if not present.
func (ch *Channel) GetExtraInfo(name string, def interface{}) interface{} {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if v, ok := ch.extra[name]; ok {
		return v
	}
	return def
}

func (ch *Channel) setExtraInfo(name string, value interface{}) {
	ch.mu.Lock()
	ch.extra[name] = value
	ch.mu.Unlock()
}

func (ch *Channel) registerRequestHandler(name string, h requestHandler) {
	ch.requestHandlers[name] = h
}

// Attach installs sess as the channel's session. Client- and TCP-initiated
// channels have nowhere to learn their session from a peer handshake the
// way processOpen does for peer-initiated channels, so the caller that
// constructs them attaches the session directly, before or after Open -
// DataReceived/EOFReceived/ConnectionLost callbacks simply have nowhere to
// go until this is called.
func (ch *Channel) Attach(sess Session) {
	ch.mu.Lock()
	ch.session = sess
	ch.mu.Unlock()
}

// sessionStarted invokes the attached session's SessionStarted hook, if one
// is attached. Every variant calls this immediately before it resumes
// reading for the first time, mirroring asyncssh's
// "self._session.session_started(); self.resume_reading()" pairing.
func (ch *Channel) sessionStarted() {
	ch.mu.Lock()
	sess := ch.session
	ch.mu.Unlock()
	if sess != nil {
		sess.SessionStarted()
	}
}

// ---- open handshake -------------------------------------------------

// Open sends CHANNEL_OPEN and blocks until OPEN_CONFIRMATION or
// OPEN_FAILURE arrives, returning the confirmation's type-specific payload.
func (ch *Channel) Open(chanType string, typeSpecific []byte) ([]byte, error) {
	ch.mu.Lock()
	if ch.sendState != sendClosed {
		ch.mu.Unlock()
		return nil, ErrChannelAlreadyOpen
	}
	ch.sendState = sendOpenSent
	w := newWaiter[[]byte]()
	ch.openWaiter = w
	packet := packMsg(msgChannelOpen, channelOpenMsg{
		ChanType:  chanType,
		PeerChan:  ch.localChan,
		Window:    ch.initRecvWindow,
		MaxPacket: ch.recvPktSize,
		Rest:      typeSpecific,
	})
	ch.mu.Unlock()

	if err := ch.conn.SendPacket(packet); err != nil {
		ch.mu.Lock()
		ch.openWaiter = nil
		ch.sendState = sendClosed
		ch.mu.Unlock()
		return nil, err
	}
	return w.wait()
}

// SessionFactory builds the Session for a peer-initiated channel, returning
// an *OpenError to refuse the request with a specific RFC 4254 reason.
type SessionFactory func() (Session, error)

// processOpen handles an inbound CHANNEL_OPEN: it records the peer's
// window/packet-size, invokes factory to build (or refuse) a session, and
// sends OPEN_CONFIRMATION or OPEN_FAILURE accordingly.
func (ch *Channel) processOpen(peerChan, peerWindow, peerPktSize uint32, factory SessionFactory) error {
	ch.mu.Lock()
	if ch.recvState != recvClosed {
		ch.mu.Unlock()
		return protoErrorf("channel already open")
	}
	ch.sendState = sendOpenReceived
	ch.peerChan = peerChan
	ch.sendWindow = peerWindow
	ch.sendPktSize = peerPktSize
	ch.mu.Unlock()

	sess, err := factory()
	if err != nil {
		reason := OpenConnectFailed
		msg := err.Error()
		if oe, ok := err.(*OpenError); ok {
			reason = oe.Reason
			msg = oe.Message
		}
		if sendErr := ch.conn.SendPacket(packMsg(msgChannelOpenFailure, channelOpenFailureMsg{
			RecipientChan: peerChan, Reason: uint32(reason), Message: msg, Lang: defaultLang,
		})); sendErr != nil {
			return sendErr
		}
		return ch.cleanup(nil)
	}

	ch.mu.Lock()
	ch.session = sess
	ch.sendState = sendOpen
	ch.recvState = recvOpen
	ch.mu.Unlock()

	if err := ch.conn.SendPacket(packMsg(msgChannelOpenConfirmation, channelOpenConfirmationMsg{
		RecipientChan: peerChan,
		SenderChan:    ch.localChan,
		Window:        ch.initRecvWindow,
		MaxPacket:     ch.recvPktSize,
	})); err != nil {
		return err
	}
	sess.ConnectionMade(ch.connMadeArg())
	return nil
}

// HandleOpenConfirmation resolves a pending Open call.
func (ch *Channel) HandleOpenConfirmation(peerChan, window, pktsize uint32, typeSpecific []byte) error {
	ch.mu.Lock()
	w := ch.openWaiter
	if w == nil {
		ch.mu.Unlock()
		return protoErrorf("channel not being opened")
	}
	ch.openWaiter = nil
	ch.peerChan = peerChan
	ch.sendWindow = window
	ch.sendPktSize = pktsize
	ch.sendState = sendOpen
	ch.recvState = recvOpen
	sess := ch.session
	ch.mu.Unlock()
	if sess != nil {
		sess.ConnectionMade(ch.connMadeArg())
	}
	w.settle(typeSpecific, nil)
	return nil
}

// HandleOpenFailure fails a pending Open call and cleans up the channel.
func (ch *Channel) HandleOpenFailure(reason uint32, message, lang string) error {
	ch.mu.Lock()
	w := ch.openWaiter
	if w == nil {
		ch.mu.Unlock()
		return protoErrorf("channel not being opened")
	}
	ch.openWaiter = nil
	ch.mu.Unlock()
	w.settle(nil, &OpenError{Reason: OpenFailureReason(reason), Message: message, Lang: lang})
	return ch.cleanup(nil)
}

// ---- send path --------------------------------------------------------

// effects bundles the side effects (packets to send, session callbacks to
// invoke) computed while holding ch.mu, applied only after it is released.
// This is the discipline that keeps session callbacks from ever running
// with the channel's lock held, avoiding a reentrant deadlock if a callback
// calls back into the channel.
type effects struct {
	packets       [][]byte
	sess          Session
	pauseWriting  bool
	resumeWriting bool
}

func (e *effects) send(p []byte) {
	e.packets = append(e.packets, p)
}

func (e *effects) apply(conn Connection) error {
	for _, p := range e.packets {
		if err := conn.SendPacket(p); err != nil {
			return err
		}
	}
	if e.sess != nil {
		if e.pauseWriting {
			e.sess.PauseWriting()
		}
		if e.resumeWriting {
			e.sess.ResumeWriting()
		}
	}
	return nil
}

// drainLocked flushes as much of sendBuf as the current sendWindow allows,
// transitioning to EOF-sent/close-sent once the buffer empties under a
// pending EOF/close, and applies send-side backpressure hysteresis. Must be
// called with ch.mu held; returns packets to send once unlocked.
func (ch *Channel) drainLocked() effects {
	var eff effects
	for len(ch.sendBuf) > 0 && ch.sendWindow > 0 {
		chunk := ch.sendBuf[0]
		pktsize := ch.sendWindow
		if uint32(ch.sendPktSize) < pktsize {
			pktsize = ch.sendPktSize
		}
		n := len(chunk.data)
		if uint32(n) > pktsize {
			n = int(pktsize)
		}
		send := chunk.data[:n]
		rest := chunk.data[n:]

		if chunk.datatype == nil {
			eff.send(packMsg(msgChannelData, channelDataMsg{RecipientChan: ch.peerChan, Data: send}))
		} else {
			eff.send(packMsg(msgChannelExtendedData, channelExtendedDataMsg{
				RecipientChan: ch.peerChan, DataType: *chunk.datatype, Data: send,
			}))
		}

		ch.sendWindow -= uint32(n)
		ch.sendBufLen -= n
		if len(rest) == 0 {
			ch.sendBuf = ch.sendBuf[1:]
		} else {
			ch.sendBuf[0].data = rest
		}
	}

	wasPaused := ch.sendPaused
	if ch.sendPaused && ch.sendBufLen <= ch.sendLowWater {
		ch.sendPaused = false
	} else if !ch.sendPaused && ch.sendBufLen > ch.sendHighWater {
		ch.sendPaused = true
	}
	if ch.sendPaused != wasPaused {
		eff.sess = ch.session
		if ch.sendPaused {
			eff.pauseWriting = true
		} else {
			eff.resumeWriting = true
		}
	}

	if len(ch.sendBuf) == 0 {
		switch ch.sendState {
		case sendEOFPending:
			eff.send(packMsg(msgChannelEOF, channelEOFMsg{RecipientChan: ch.peerChan}))
			ch.sendState = sendEOFSent
		case sendClosePending:
			eff.send(packMsg(msgChannelClose, channelCloseMsg{RecipientChan: ch.peerChan}))
			ch.sendState = sendCloseSent
		}
	}
	return eff
}

func (ch *Channel) writeChunk(datatype *uint32, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	ch.mu.Lock()
	if ch.sendState != sendOpen {
		ch.mu.Unlock()
		return 0, ErrChannelNotOpen
	}
	if datatype != nil {
		if !ch.writeDataTypes[*datatype] {
			ch.mu.Unlock()
			return 0, errors.Errorf("datatype %d is not writable on this channel", *datatype)
		}
	}
	cp := append([]byte(nil), data...)
	ch.sendBuf = append(ch.sendBuf, sendChunk{data: cp, datatype: datatype})
	ch.sendBufLen += len(cp)
	eff := ch.drainLocked()
	ch.mu.Unlock()

	if err := eff.apply(ch.conn); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Write sends ordinary channel data, buffering it if the send window or
// the packet size limit doesn't allow it to go out immediately.
func (ch *Channel) Write(data []byte) (int, error) {
	return ch.writeChunk(nil, data)
}

// WriteExtended sends extended (e.g. stderr) channel data.
func (ch *Channel) WriteExtended(datatype uint32, data []byte) (int, error) {
	dt := datatype
	return ch.writeChunk(&dt, data)
}

// WriteEOF sends CHANNEL_EOF once any buffered data has drained.
func (ch *Channel) WriteEOF() error {
	ch.mu.Lock()
	if ch.sendState != sendOpen {
		ch.mu.Unlock()
		return ErrChannelNotOpen
	}
	ch.sendState = sendEOFPending
	eff := ch.drainLocked()
	ch.mu.Unlock()
	return eff.apply(ch.conn)
}

// Close requests an orderly close: any buffered data is still sent before
// CHANNEL_CLOSE goes out. Idempotent.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	switch ch.sendState {
	case sendClosePending, sendCloseSent, sendClosed:
		ch.mu.Unlock()
		return nil
	}
	ch.sendState = sendClosePending
	eff := ch.drainLocked()
	ch.mu.Unlock()
	return eff.apply(ch.conn)
}

// Abort discards any buffered outbound data and sends CHANNEL_CLOSE
// immediately, per spec.md scenario F.
func (ch *Channel) Abort() error {
	ch.mu.Lock()
	switch ch.sendState {
	case sendCloseSent, sendClosed:
		ch.mu.Unlock()
		return nil
	}
	ch.sendBuf = nil
	ch.sendBufLen = 0
	ch.sendState = sendCloseSent
	peerChan := ch.peerChan
	ch.mu.Unlock()
	return ch.conn.SendPacket(packMsg(msgChannelClose, channelCloseMsg{RecipientChan: peerChan}))
}

// WriteBufferSize returns the number of bytes currently queued for send.
func (ch *Channel) WriteBufferSize() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.sendBufLen
}

// SetWriteBufferLimits configures the backpressure hysteresis thresholds.
// A nil high or low means "derive from the other" (high defaults to 4*low,
// low to high/4); both nil restores the config defaults.
func (ch *Channel) SetWriteBufferLimits(high, low *int) error {
	h, l := defaultHighWater, defaultHighWater/4
	switch {
	case high == nil && low == nil:
		// keep the computed defaults above
	case low == nil:
		h = *high
		l = h / 4
	case high == nil:
		l = *low
		h = 4 * l
	default:
		h = *high
		l = *low
	}
	if l < 0 || h < l {
		return errors.New("invalid write buffer limits")
	}
	ch.mu.Lock()
	ch.sendHighWater = h
	ch.sendLowWater = l
	ch.mu.Unlock()
	return nil
}

// HandleWindowAdjust processes an inbound WINDOW_ADJUST and resumes
// draining any buffered send data it now permits.
func (ch *Channel) HandleWindowAdjust(bytesToAdd uint32) error {
	ch.mu.Lock()
	if ch.recvState != recvOpen && ch.recvState != recvEOFReceived {
		ch.mu.Unlock()
		return protoErrorf("channel not open")
	}
	ch.sendWindow += bytesToAdd
	eff := ch.drainLocked()
	ch.mu.Unlock()
	return eff.apply(ch.conn)
}

// ---- receive path ------------------------------------------------------

// deliverLocked decodes (if the channel has a text encoding) and returns
// the chunk(s) ready to hand to the session for one accepted unit of raw
// data, stashing any incomplete trailing codepoint in recvPartial. Must be
// called with ch.mu held.
func (ch *Channel) deliverLocked(datatype *uint32, data []byte) [][]byte {
	if ch.encoding == "" {
		return [][]byte{data}
	}
	key := partialKey(datatype)
	if prefix, ok := ch.recvPartial[key]; ok {
		data = append(prefix, data...)
		delete(ch.recvPartial, key)
	}
	var out [][]byte
	for len(data) > 0 {
		n := completeUTF8Prefix(data)
		if n == len(data) {
			out = append(out, data)
			data = nil
			break
		}
		if n > 0 {
			out = append(out, data[:n])
		}
		ch.recvPartial[key] = append([]byte(nil), data[n:]...)
		break
	}
	return out
}

func partialKey(datatype *uint32) int64 {
	if datatype == nil {
		return -1
	}
	return int64(*datatype)
}

// completeUTF8Prefix returns the length of the longest prefix of data that
// ends on a complete UTF-8 codepoint boundary, so a multi-byte codepoint
// split across two DATA messages is held back rather than decoded with a
// replacement character. Grounded on asyncssh/channel.py's UnicodeDecodeError
// handling loop in _deliver_data (retry on the decodable prefix, stash the
// remainder), expressed here without an actual decode step since callers
// only need the byte boundary, not a decoded string.
func completeUTF8Prefix(data []byte) int {
	n := len(data)
	if n == 0 {
		return 0
	}
	// Walk back from the last byte over continuation bytes (10xxxxxx) to
	// find the lead byte of the trailing codepoint - which may be the
	// last byte itself, if it isn't a continuation byte.
	i := n - 1
	for i > 0 && data[i]&0xC0 == 0x80 {
		i--
	}
	lead := data[i]
	want := utf8SeqLen(lead)
	if want == 0 {
		// Not a valid lead byte at all; treat as complete so we don't
		// stall forever on genuinely invalid input.
		return n
	}
	if n-i >= want {
		return n
	}
	return i
}

func utf8SeqLen(lead byte) int {
	switch {
	case lead&0x80 == 0x00:
		return 1
	case lead&0xE0 == 0xC0:
		return 2
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xF8 == 0xF0:
		return 4
	default:
		return 0
	}
}

// acceptData is the shared entry point for CHANNEL_DATA, CHANNEL_EXTENDED_DATA
// and the synthetic EOF signal (datatype nil, data nil, eof true). It is the
// single place recv_window is debited, deliberately including the branch
// where the send side has already moved past open: see DESIGN.md's "§9
// likely source bug" decision — unlike asyncssh's _accept_data, which skips
// all window accounting on that path, we debit (and threshold-adjust)
// unconditionally so a later packet can never be let through against a
// window that was never actually consumed.
func (ch *Channel) acceptData(datatype *uint32, data []byte, eof bool) error {
	ch.mu.Lock()

	if !eof && uint32(len(data)) > ch.recvWindow {
		ch.mu.Unlock()
		return protoErrorf("window exceeded")
	}

	var adjust uint32
	if !eof {
		ch.recvWindow -= uint32(len(data))
	}
	if ch.recvWindow < ch.initRecvWindow/2 {
		adjust = ch.initRecvWindow - ch.recvWindow
		ch.recvWindow = ch.initRecvWindow
	}

	dropped := ch.sendState == sendClosePending || ch.sendState == sendCloseSent || ch.sendState == sendClosed
	if dropped {
		ch.mu.Unlock()
		if adjust > 0 {
			if err := ch.sendWindowAdjust(adjust); err != nil {
				return err
			}
		}
		return nil
	}

	if ch.recvPaused {
		cp := append([]byte(nil), data...)
		ch.recvBuf = append(ch.recvBuf, recvChunk{data: cp, datatype: datatype, eof: eof})
		ch.mu.Unlock()
		if adjust > 0 {
			return ch.sendWindowAdjust(adjust)
		}
		return nil
	}

	var chunks [][]byte
	if eof {
		if _, ok := ch.recvPartial[partialKey(datatype)]; ok {
			ch.mu.Unlock()
			return protoErrorf("channel closed with an incomplete multibyte character pending")
		}
	} else {
		chunks = ch.deliverLocked(datatype, data)
	}
	sess := ch.session
	ch.mu.Unlock()

	if adjust > 0 {
		if err := ch.sendWindowAdjust(adjust); err != nil {
			return err
		}
	}
	return ch.deliverToSession(sess, datatype, chunks, eof)
}

func (ch *Channel) sendWindowAdjust(adjust uint32) error {
	ch.mu.Lock()
	peerChan := ch.peerChan
	ch.mu.Unlock()
	return ch.conn.SendPacket(packMsg(msgChannelWindowAdjust, channelWindowAdjustMsg{
		RecipientChan: peerChan, BytesToAdd: adjust,
	}))
}

func (ch *Channel) deliverToSession(sess Session, datatype *uint32, chunks [][]byte, eof bool) error {
	if sess == nil {
		return nil
	}
	if eof {
		if !sess.EOFReceived() {
			return ch.Close()
		}
		return nil
	}
	for _, c := range chunks {
		if len(c) == 0 {
			continue
		}
		sess.DataReceived(c, datatype)
	}
	return nil
}

// HandleData processes an inbound CHANNEL_DATA.
func (ch *Channel) HandleData(data []byte) error {
	ch.mu.Lock()
	if ch.recvState != recvOpen {
		ch.mu.Unlock()
		return protoErrorf("channel not open for sending")
	}
	ch.mu.Unlock()
	return ch.acceptData(nil, data, false)
}

// HandleExtendedData processes an inbound CHANNEL_EXTENDED_DATA.
func (ch *Channel) HandleExtendedData(datatype uint32, data []byte) error {
	ch.mu.Lock()
	if ch.recvState != recvOpen {
		ch.mu.Unlock()
		return protoErrorf("channel not open for sending")
	}
	if !ch.readDataTypes[datatype] {
		ch.mu.Unlock()
		return protoErrorf("invalid extended data type %d", datatype)
	}
	ch.mu.Unlock()
	dt := datatype
	return ch.acceptData(&dt, data, false)
}

// HandleEOF processes an inbound CHANNEL_EOF.
func (ch *Channel) HandleEOF() error {
	ch.mu.Lock()
	if ch.recvState != recvOpen {
		ch.mu.Unlock()
		return protoErrorf("channel not open")
	}
	ch.recvState = recvEOFReceived
	ch.mu.Unlock()
	return ch.acceptData(nil, nil, true)
}

// HandleClose processes an inbound CHANNEL_CLOSE: it discards any unsent
// outbound data, sends our own CHANNEL_CLOSE if we hadn't already, and
// schedules cleanup on a separate goroutine so the current dispatch
// returns first — matching asyncssh's call_soon scheduling of _cleanup
// from _process_close.
func (ch *Channel) HandleClose() error {
	ch.mu.Lock()
	if ch.recvState != recvOpen && ch.recvState != recvEOFReceived {
		ch.mu.Unlock()
		return protoErrorf("channel not open")
	}
	ch.recvState = recvClosed
	ch.sendBuf = nil
	ch.sendBufLen = 0
	var pkt []byte
	if ch.sendState != sendCloseSent && ch.sendState != sendClosed {
		pkt = packMsg(msgChannelClose, channelCloseMsg{RecipientChan: ch.peerChan})
		ch.sendState = sendCloseSent
	}
	ch.mu.Unlock()

	if pkt != nil {
		if err := ch.conn.SendPacket(pkt); err != nil {
			return err
		}
	}
	go func() { _ = ch.cleanup(nil) }()
	return nil
}

// PauseReading stops the channel from delivering further received data to
// the session until ResumeReading is called; data keeps arriving on the
// wire and is buffered (post-window-debit) in the meantime.
func (ch *Channel) PauseReading() {
	ch.mu.Lock()
	ch.recvPaused = true
	ch.mu.Unlock()
}

// ResumeReading delivers any data buffered while paused and allows further
// incoming data to be delivered immediately.
func (ch *Channel) ResumeReading() error {
	for {
		ch.mu.Lock()
		if len(ch.recvBuf) == 0 {
			ch.recvPaused = false
			ch.mu.Unlock()
			return nil
		}
		chunk := ch.recvBuf[0]
		ch.recvBuf = ch.recvBuf[1:]

		if chunk.eof {
			if _, ok := ch.recvPartial[partialKey(chunk.datatype)]; ok {
				ch.mu.Unlock()
				return protoErrorf("channel closed with an incomplete multibyte character pending")
			}
			sess := ch.session
			ch.mu.Unlock()
			if err := ch.deliverToSession(sess, chunk.datatype, nil, true); err != nil {
				return err
			}
			continue
		}

		chunks := ch.deliverLocked(chunk.datatype, chunk.data)
		sess := ch.session
		ch.mu.Unlock()

		if err := ch.deliverToSession(sess, chunk.datatype, chunks, false); err != nil {
			return err
		}
	}
}

// ---- requests -----------------------------------------------------------

// MakeRequest sends a CHANNEL_REQUEST. If wantReply, it blocks for the
// matching CHANNEL_SUCCESS/CHANNEL_FAILURE and returns whether it succeeded;
// otherwise it returns (true, nil) immediately after the send.
func (ch *Channel) MakeRequest(name string, wantReply bool, payload []byte) (bool, error) {
	if !isASCII(name) {
		return false, errors.New("request name must be ASCII")
	}
	ch.mu.Lock()
	if ch.sendState == sendClosePending || ch.sendState == sendCloseSent || ch.sendState == sendClosed {
		ch.mu.Unlock()
		return false, ErrChannelNotOpen
	}
	var w *waiter[bool]
	if wantReply {
		w = newWaiter[bool]()
		ch.requestWaiters.push(w)
	}
	peerChan := ch.peerChan
	ch.mu.Unlock()

	pkt := packMsg(msgChannelRequest, channelRequestMsg{
		RecipientChan: peerChan, Request: name, WantReply: wantReply, Rest: payload,
	})
	if err := ch.conn.SendPacket(pkt); err != nil {
		return false, err
	}
	if w == nil {
		return true, nil
	}
	return w.wait()
}

// HandleRequest dispatches an inbound CHANNEL_REQUEST to the registered
// handler for name, replying CHANNEL_SUCCESS/CHANNEL_FAILURE if the peer
// asked for one. An unrecognized request name is treated as a
// non-fatal failure, matching RFC 4254's "implementations SHOULD reject"
// guidance rather than a protocol error.
func (ch *Channel) HandleRequest(name string, wantReply bool, payload []byte) error {
	if !isASCII(name) {
		return protoErrorf("request name %q is not ASCII", name)
	}
	ch.mu.Lock()
	handler, ok := ch.requestHandlers[name]
	peerChan := ch.peerChan
	ch.mu.Unlock()

	var result bool
	var err error
	if ok {
		result, err = handler(ch, payload)
		if err != nil {
			return err
		}
	}
	if !wantReply {
		return nil
	}
	if result {
		return ch.conn.SendPacket(packMsg(msgChannelSuccess, channelSuccessMsg{RecipientChan: peerChan}))
	}
	return ch.conn.SendPacket(packMsg(msgChannelFailure, channelFailureMsg{RecipientChan: peerChan}))
}

// HandleSuccess resolves the oldest pending want_reply request.
func (ch *Channel) HandleSuccess() error {
	if !ch.requestWaiters.popAndSettle(true) {
		return protoErrorf("unexpected CHANNEL_SUCCESS")
	}
	return nil
}

// HandleFailure resolves the oldest pending want_reply request.
func (ch *Channel) HandleFailure() error {
	if !ch.requestWaiters.popAndSettle(false) {
		return protoErrorf("unexpected CHANNEL_FAILURE")
	}
	return nil
}

// ---- lifecycle -----------------------------------------------------------

// cleanup runs exactly once per channel: it fails any pending open/request
// waiters, resolves close waiters, notifies the session, and unregisters
// the channel from its Connection.
func (ch *Channel) cleanup(exc error) error {
	ch.cleanupOnce.Do(func() {
		ch.mu.Lock()
		w := ch.openWaiter
		ch.openWaiter = nil
		closeWaiters := ch.closeWaiters
		ch.closeWaiters = nil
		sess := ch.session
		ch.sendState = sendClosed
		ch.recvState = recvClosed
		ch.mu.Unlock()

		if w != nil {
			w.settle(nil, newOpenError(OpenConnectFailed, "SSH connection closed"))
		}
		ch.requestWaiters.failAll(exc)
		for _, cw := range closeWaiters {
			cw.settle(struct{}{}, nil)
		}
		if sess != nil {
			sess.ConnectionLost(exc)
		}
		ch.conn.RemoveChannel(ch.localChan)
	})
	return nil
}

// ProcessConnectionClose is called by the Connection when the underlying
// transport is lost, tearing down every channel that rides on it.
func (ch *Channel) ProcessConnectionClose(exc error) error {
	return ch.cleanup(exc)
}

// WaitClosed blocks until the channel has reached the fully closed state in
// both directions. Returns immediately if already closed, independent of
// whether a session was ever attached (see DESIGN.md's "§9 close_waiter"
// decision).
func (ch *Channel) WaitClosed() {
	ch.mu.Lock()
	if ch.sendState == sendClosed && ch.recvState == recvClosed {
		ch.mu.Unlock()
		return
	}
	w := newWaiter[struct{}]()
	ch.closeWaiters = append(ch.closeWaiters, w)
	ch.mu.Unlock()
	_, _ = w.wait()
}
