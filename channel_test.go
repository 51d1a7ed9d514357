package sshmux

import (
	"sync"
	"testing"
	"time"
)

// fakeConn is a minimal Connection that records sent packets in order,
// playing the role vendor/.../smux tests give a net.Pipe-backed session:
// enough of the real collaborator to drive a Channel in isolation.
type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	channels map[uint32]*Channel
	next     uint32
	certOpts map[string]string
	keyOpts  map[string]string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		channels: map[uint32]*Channel{},
		certOpts: map[string]string{},
		keyOpts:  map[string]string{},
	}
}

func (f *fakeConn) SendPacket(packet []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, packet)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) AddChannel(ch *Channel) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.next
	f.next++
	f.channels[n] = ch
	return n, nil
}

func (f *fakeConn) RemoveChannel(localChan uint32) {
	f.mu.Lock()
	delete(f.channels, localChan)
	f.mu.Unlock()
}

func (f *fakeConn) CertOption(name string) (string, bool) {
	v, ok := f.certOpts[name]
	return v, ok
}

func (f *fakeConn) KeyOption(name string) (string, bool) {
	v, ok := f.keyOpts[name]
	return v, ok
}

func (f *fakeConn) CheckKeyPermission(permission string) bool  { return true }
func (f *fakeConn) CheckCertPermission(permission string) bool { return true }

// popSent returns and removes the oldest sent packet, or nil if none.
func (f *fakeConn) popSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	p := f.sent[0]
	f.sent = f.sent[1:]
	return p
}

// recordingSession captures every callback it receives, for assertions.
type recordingSession struct {
	mu            sync.Mutex
	data          [][]byte
	datatype      []*uint32
	eof           int
	lost          []error
	connMade      int
	started       int
	pauseWrites   int
	resumeWrites  int
}

func (s *recordingSession) ConnectionMade(channel interface{}) {
	s.mu.Lock()
	s.connMade++
	s.mu.Unlock()
}

func (s *recordingSession) DataReceived(data []byte, datatype *uint32) {
	s.mu.Lock()
	s.data = append(s.data, append([]byte(nil), data...))
	s.datatype = append(s.datatype, datatype)
	s.mu.Unlock()
}

func (s *recordingSession) EOFReceived() bool {
	s.mu.Lock()
	s.eof++
	s.mu.Unlock()
	return true
}

func (s *recordingSession) ConnectionLost(err error) {
	s.mu.Lock()
	s.lost = append(s.lost, err)
	s.mu.Unlock()
}

func (s *recordingSession) SessionStarted() {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

func (s *recordingSession) PauseWriting() {
	s.mu.Lock()
	s.pauseWrites++
	s.mu.Unlock()
}

func (s *recordingSession) ResumeWriting() {
	s.mu.Lock()
	s.resumeWrites++
	s.mu.Unlock()
}

// openChannel builds a bare Channel against a fakeConn and forces it
// straight into the open/open state pair, bypassing the handshake so tests
// can exercise the send/recv paths directly.
func openChannel(t *testing.T, readTypes, writeTypes map[uint32]bool, encoding string, window, maxPacket int) (*Channel, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	cfg := DefaultConfig()
	cfg.ReceiveWindow = window
	cfg.MaxPacketSize = maxPacket
	ch, err := newChannel(conn, cfg, readTypes, writeTypes, encoding)
	if err != nil {
		t.Fatalf("newChannel: %v", err)
	}
	ch.mu.Lock()
	ch.sendState = sendOpen
	ch.recvState = recvOpen
	ch.sendWindow = uint32(window)
	ch.sendPktSize = uint32(maxPacket)
	ch.mu.Unlock()
	return ch, conn
}

func TestAcceptDataDebitsWindowAtAcceptTimeWhilePaused(t *testing.T) {
	ch, _ := openChannel(t, nil, nil, "", 100, 1000)
	// recvPaused defaults to true; nothing has resumed reading yet, so
	// every accepted packet is only ever buffered, never delivered.
	if err := ch.acceptData(nil, make([]byte, 40), false); err != nil {
		t.Fatalf("first 40-byte packet: %v", err)
	}
	if err := ch.acceptData(nil, make([]byte, 40), false); err != nil {
		t.Fatalf("second 40-byte packet: %v", err)
	}
	// Cumulative so far is 80 of a 100-byte window; a third 40-byte packet
	// must be rejected even though nothing has been delivered yet - if the
	// window were only debited at delivery time, this packet's length
	// would still pass a check against the undebited 100-byte window.
	if err := ch.acceptData(nil, make([]byte, 40), false); err == nil {
		t.Fatalf("expected window-exceeded error for cumulative 120 > 100-byte window")
	}
}

func TestWindowHalvingEmitsAdjustAtGeneralThreshold(t *testing.T) {
	// Exercises spec.md's general §4.1 rule directly (recv_window <
	// init_recv_window/2 triggers an adjust back up to init_recv_window) with
	// numbers chosen so the rule's own arithmetic is unambiguous, rather than
	// reusing §8 scenario B's numbers - see DESIGN.md's Open Question
	// decision on that scenario's internal inconsistency.
	ch, conn := openChannel(t, nil, nil, "", 100, 1000)
	sess := &recordingSession{}
	ch.Attach(sess)
	if err := ch.ResumeReading(); err != nil {
		t.Fatalf("ResumeReading: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := ch.acceptData(nil, make([]byte, 20), false); err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if p := conn.popSent(); p != nil {
			t.Fatalf("unexpected packet sent after packet %d: %x", i, p)
		}
	}

	ch.mu.Lock()
	window := ch.recvWindow
	ch.mu.Unlock()
	if window != 60 {
		t.Fatalf("recvWindow = %d, want 60 before the halving threshold", window)
	}

	// Third 20-byte packet takes recvWindow to 40, crossing below 50 (half
	// of init_recv_window=100); expect an adjust back up to 100, i.e. by 60.
	if err := ch.acceptData(nil, make([]byte, 20), false); err != nil {
		t.Fatalf("third packet: %v", err)
	}
	packet := conn.popSent()
	if packet == nil {
		t.Fatalf("expected a WINDOW_ADJUST packet after crossing the halving threshold")
	}
	var msg channelWindowAdjustMsg
	if err := unpackBody(msgChannelWindowAdjust, packet, &msg); err != nil {
		t.Fatalf("unpack window adjust: %v", err)
	}
	if msg.BytesToAdd != 60 {
		t.Fatalf("BytesToAdd = %d, want 60", msg.BytesToAdd)
	}
	ch.mu.Lock()
	window = ch.recvWindow
	ch.mu.Unlock()
	if window != 100 {
		t.Fatalf("recvWindow = %d, want reset to 100", window)
	}
}

func TestPausedBufferPreservesEOF(t *testing.T) {
	ch, _ := openChannel(t, nil, nil, "", 1000, 1000)
	sess := &recordingSession{}
	ch.Attach(sess)
	// recvPaused is still true: both the data and the EOF that follows it
	// land in recvBuf, not straight through to the session.
	if err := ch.acceptData(nil, []byte("hi"), false); err != nil {
		t.Fatalf("buffer data: %v", err)
	}
	if err := ch.acceptData(nil, nil, true); err != nil {
		t.Fatalf("buffer eof: %v", err)
	}
	sess.mu.Lock()
	got := len(sess.data)
	sess.mu.Unlock()
	if got != 0 {
		t.Fatalf("session saw %d DataReceived calls before ResumeReading, want 0", got)
	}

	if err := ch.ResumeReading(); err != nil {
		t.Fatalf("ResumeReading: %v", err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.data) != 1 || string(sess.data[0]) != "hi" {
		t.Fatalf("session data = %v, want [\"hi\"]", sess.data)
	}
	if sess.eof != 1 {
		t.Fatalf("session.eof = %d, want 1 (EOF must survive being buffered while paused)", sess.eof)
	}
}

func TestPartialUTF8BufferingAcrossPackets(t *testing.T) {
	ch, _ := openChannel(t, nil, nil, "utf-8", 1000, 1000)
	sess := &recordingSession{}
	ch.Attach(sess)
	if err := ch.ResumeReading(); err != nil {
		t.Fatalf("ResumeReading: %v", err)
	}

	// "é" is 0xC3 0xA9 in UTF-8; split the lead byte into its own packet.
	if err := ch.acceptData(nil, []byte{0xC3}, false); err != nil {
		t.Fatalf("first packet: %v", err)
	}
	sess.mu.Lock()
	got := len(sess.data)
	sess.mu.Unlock()
	if got != 0 {
		t.Fatalf("session saw data after only a lead byte, want it stashed")
	}

	if err := ch.acceptData(nil, []byte{0xA9, 'x'}, false); err != nil {
		t.Fatalf("second packet: %v", err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.data) != 1 {
		t.Fatalf("session.data = %v, want exactly one completed chunk", sess.data)
	}
	want := string([]byte{0xC3, 0xA9, 'x'})
	if string(sess.data[0]) != want {
		t.Fatalf("completed chunk = %q, want %q", sess.data[0], want)
	}
}

func TestAbortDiscardsBufferedSendData(t *testing.T) {
	ch, conn := openChannel(t, nil, nil, "", 1000, 1000)
	// Starve the send window so the write has to sit in sendBuf.
	ch.mu.Lock()
	ch.sendWindow = 0
	ch.mu.Unlock()
	if _, err := ch.Write([]byte("queued but never sent")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ch.mu.Lock()
	queued := ch.sendBufLen
	ch.mu.Unlock()
	if queued == 0 {
		t.Fatalf("expected data to be queued behind a zero send window")
	}

	if err := ch.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	ch.mu.Lock()
	bufLen, state := ch.sendBufLen, ch.sendState
	ch.mu.Unlock()
	if bufLen != 0 {
		t.Fatalf("sendBufLen = %d after Abort, want 0", bufLen)
	}
	if state != sendCloseSent {
		t.Fatalf("sendState = %v after Abort, want sendCloseSent", state)
	}

	packet := conn.popSent()
	if packet == nil {
		t.Fatalf("expected CHANNEL_CLOSE to be sent by Abort")
	}
	var msg channelCloseMsg
	if err := unpackBody(msgChannelClose, packet, &msg); err != nil {
		t.Fatalf("unpack close: %v", err)
	}
	// No DATA packet should have gone out ahead of the close: Abort skips
	// drainLocked entirely rather than flushing first, per spec.md scenario F.
	if p := conn.popSent(); p != nil {
		t.Fatalf("unexpected extra packet after CHANNEL_CLOSE: %x", p)
	}
}

func TestMakeRequestRepliesAreMatchedFIFO(t *testing.T) {
	ch, _ := openChannel(t, nil, nil, "", 1000, 1000)

	type result struct {
		name string
		ok   bool
	}
	results := make(chan result, 2)
	go func() {
		ok, err := ch.MakeRequest("first", true, nil)
		if err != nil {
			t.Errorf("first request: %v", err)
		}
		results <- result{"first", ok}
	}()
	go func() {
		ok, err := ch.MakeRequest("second", true, nil)
		if err != nil {
			t.Errorf("second request: %v", err)
		}
		results <- result{"second", ok}
	}()

	// Wait for both requests to have enqueued a waiter before replying, so
	// the reply order below is the one that actually exercises FIFO
	// matching rather than racing the sends.
	waitForPending(t, ch, 2)

	// The wire only ever carries SUCCESS/FAILURE, never which request they
	// answer - invariant 6 says they must be matched to requests in send
	// order. "first" was sent first, so the first reply (a SUCCESS) must
	// resolve it, and the second reply (a FAILURE) must resolve "second",
	// even though "second" is the one being answered with failure.
	if err := ch.HandleSuccess(); err != nil {
		t.Fatalf("HandleSuccess (1st reply): %v", err)
	}
	if err := ch.HandleFailure(); err != nil {
		t.Fatalf("HandleFailure (2nd reply): %v", err)
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		r := <-results
		got[r.name] = r.ok
	}
	if !got["first"] {
		t.Fatalf("\"first\" request resolved %v, want true (first reply was SUCCESS)", got["first"])
	}
	if got["second"] {
		t.Fatalf("\"second\" request resolved %v, want false (second reply was FAILURE)", got["second"])
	}
}

func waitForPending(t *testing.T, ch *Channel, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ch.requestWaiters.mu.Lock()
		pending := len(ch.requestWaiters.items)
		ch.requestWaiters.mu.Unlock()
		if pending >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d pending request waiters", n)
}

func TestCleanupRunsOnceAndNotifiesSession(t *testing.T) {
	ch, conn := openChannel(t, nil, nil, "", 1000, 1000)
	sess := &recordingSession{}
	ch.Attach(sess)

	if err := ch.cleanup(nil); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := ch.cleanup(nil); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	sess.mu.Lock()
	lost := len(sess.lost)
	sess.mu.Unlock()
	if lost != 1 {
		t.Fatalf("ConnectionLost called %d times, want exactly 1", lost)
	}
	conn.mu.Lock()
	_, stillRegistered := conn.channels[ch.localChan]
	conn.mu.Unlock()
	if stillRegistered {
		t.Fatalf("channel still registered with Connection after cleanup")
	}
}
