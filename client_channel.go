package sshmux

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// ClientSession adds the client-side channel callbacks to Session: exit
// status/signal reporting and the xon-xoff flag, on top of the common
// data/EOF/close callbacks every variant shares.
type ClientSession interface {
	Session

	// ExitStatusReceived reports the remote process's exit code.
	ExitStatusReceived(status int)

	// ExitSignalReceived reports that the remote process was terminated
	// by a signal rather than exiting normally.
	ExitSignalReceived(signal ssh.Signal, coreDumped bool, message, lang string)

	// XonXoffRequested is called when the server asks the client to honor
	// XON/XOFF flow control characters, per SPEC_FULL's SUPPLEMENTED
	// FEATURES (carried over from asyncssh's xon_xoff_requested).
	XonXoffRequested(clientCanDo bool)
}

// ClientChannel is the "session" channel type opened by an SSH client:
// it drives the open handshake, the pty-req/env/shell|exec|subsystem
// request sequence, and reports exit status/signal and window-change/
// signal/break requests in the other direction.
type ClientChannel struct {
	*Channel

	mu          sync.Mutex
	ptySent     bool
	sessionSent bool

	exitStatus     *int
	exitSignalInfo *exitSignalInfo
}

type exitSignalInfo struct {
	signal     ssh.Signal
	coreDumped bool
	message    string
	lang       string
}

// NewClientChannel constructs a client-initiated session channel. Call
// Open("session", nil) to perform the handshake before sending any
// requests.
func NewClientChannel(conn Connection, cfg *Config) (*ClientChannel, error) {
	ch, err := newChannel(conn, cfg, map[uint32]bool{ExtendedDataStderr: true}, nil, "")
	if err != nil {
		return nil, err
	}
	cc := &ClientChannel{Channel: ch}
	ch.setPublic(cc)
	ch.registerRequestHandler("exit-status", cc.handleExitStatus)
	ch.registerRequestHandler("exit-signal", cc.handleExitSignal)
	ch.registerRequestHandler("xon-xoff", cc.handleXonXoff)
	return cc, nil
}

// Create opens the session channel and resumes reading once open, the way
// asyncssh's SSHClientChannel.create does after its handshake completes:
// a client channel has a session attached from the start (unlike a server
// channel, which waits to learn what the peer wants to run), so there is
// no reason to stay paused once the open handshake is done.
func (cc *ClientChannel) Create() error {
	if _, err := cc.Open("session", nil); err != nil {
		return err
	}
	cc.sessionStarted()
	return cc.ResumeReading()
}

// RequestPty sends a pty-req CHANNEL_REQUEST. Must be sent, if at all,
// before Shell/Exec/Subsystem.
func (cc *ClientChannel) RequestPty(req *PtyRequest, wantReply bool) (bool, error) {
	cc.mu.Lock()
	if cc.sessionSent {
		cc.mu.Unlock()
		return false, errors.New("pty-req must precede shell/exec/subsystem")
	}
	cc.ptySent = true
	cc.mu.Unlock()
	return cc.MakeRequest("pty-req", wantReply, encodePtyRequest(req))
}

type envRequestMsg struct {
	Name  string
	Value string
}

// SetEnv sends an env CHANNEL_REQUEST.
func (cc *ClientChannel) SetEnv(name, value string, wantReply bool) (bool, error) {
	return cc.MakeRequest("env", wantReply, ssh.Marshal(envRequestMsg{Name: name, Value: value}))
}

func (cc *ClientChannel) beginSession() error {
	cc.mu.Lock()
	if cc.sessionSent {
		cc.mu.Unlock()
		return errors.New("shell, exec and subsystem are mutually exclusive and may be requested only once")
	}
	cc.sessionSent = true
	cc.mu.Unlock()
	return nil
}

// Shell requests an interactive shell.
func (cc *ClientChannel) Shell(wantReply bool) (bool, error) {
	if err := cc.beginSession(); err != nil {
		return false, err
	}
	return cc.MakeRequest("shell", wantReply, nil)
}

type commandRequestMsg struct {
	Command string
}

// Exec requests execution of command.
func (cc *ClientChannel) Exec(command string, wantReply bool) (bool, error) {
	if err := cc.beginSession(); err != nil {
		return false, err
	}
	return cc.MakeRequest("exec", wantReply, ssh.Marshal(commandRequestMsg{Command: command}))
}

// Subsystem requests a named subsystem (e.g. "sftp").
func (cc *ClientChannel) Subsystem(name string, wantReply bool) (bool, error) {
	if err := cc.beginSession(); err != nil {
		return false, err
	}
	return cc.MakeRequest("subsystem", wantReply, ssh.Marshal(commandRequestMsg{Command: name}))
}

type windowChangeRequestMsg struct {
	Width     uint32
	Height    uint32
	PixWidth  uint32
	PixHeight uint32
}

// WindowChange notifies the server of a terminal resize.
func (cc *ClientChannel) WindowChange(width, height, pixWidth, pixHeight uint32) error {
	_, err := cc.MakeRequest("window-change", false, ssh.Marshal(windowChangeRequestMsg{
		Width: width, Height: height, PixWidth: pixWidth, PixHeight: pixHeight,
	}))
	return err
}

type signalRequestMsg struct {
	Signal string
}

// Signal sends a signal CHANNEL_REQUEST naming an RFC 4254 §6.10 signal
// (without the leading "SIG").
func (cc *ClientChannel) Signal(sig ssh.Signal) error {
	_, err := cc.MakeRequest("signal", false, ssh.Marshal(signalRequestMsg{Signal: string(sig)}))
	return err
}

// Terminate is a convenience wrapper sending signal "TERM".
func (cc *ClientChannel) Terminate() error { return cc.Signal(ssh.SIGTERM) }

// Kill is a convenience wrapper sending signal "KILL".
func (cc *ClientChannel) Kill() error { return cc.Signal(ssh.SIGKILL) }

// Break sends a break CHANNEL_REQUEST (RFC 4335) with the break length in
// milliseconds.
func (cc *ClientChannel) Break(msec uint32) (bool, error) {
	type breakRequestMsg struct {
		Length uint32
	}
	return cc.MakeRequest("break", true, ssh.Marshal(breakRequestMsg{Length: msec}))
}

// ExitStatus returns the exit status reported by the remote process, or
// (-1, false) if nothing has been reported yet. If only an exit *signal*
// was received, this returns (-1, true): a signal is a present report, it
// just carries no numeric status (matches asyncssh's get_exit_status).
func (cc *ClientChannel) ExitStatus() (int, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.exitStatus != nil {
		return *cc.exitStatus, true
	}
	if cc.exitSignalInfo != nil {
		return -1, true
	}
	return -1, false
}

type exitStatusMsg struct {
	Status uint32
}

func (cc *ClientChannel) handleExitStatus(ch *Channel, payload []byte) (bool, error) {
	var msg exitStatusMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, wrapProtoError(err, "malformed exit-status payload")
	}
	status := int(msg.Status)
	cc.mu.Lock()
	cc.exitStatus = &status
	cc.mu.Unlock()
	if sess, ok := cc.sessionAs(); ok {
		sess.ExitStatusReceived(status)
	}
	return true, nil
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Message    string
	Lang       string
}

func (cc *ClientChannel) handleExitSignal(ch *Channel, payload []byte) (bool, error) {
	var msg exitSignalMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, wrapProtoError(err, "malformed exit-signal payload")
	}
	info := &exitSignalInfo{signal: ssh.Signal(msg.Signal), coreDumped: msg.CoreDumped, message: msg.Message, lang: msg.Lang}
	cc.mu.Lock()
	cc.exitSignalInfo = info
	cc.mu.Unlock()
	if sess, ok := cc.sessionAs(); ok {
		sess.ExitSignalReceived(info.signal, info.coreDumped, info.message, info.lang)
	}
	return true, nil
}

type xonXoffMsg struct {
	ClientCanDo bool
}

func (cc *ClientChannel) handleXonXoff(ch *Channel, payload []byte) (bool, error) {
	var msg xonXoffMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, wrapProtoError(err, "malformed xon-xoff payload")
	}
	if sess, ok := cc.sessionAs(); ok {
		sess.XonXoffRequested(msg.ClientCanDo)
	}
	return true, nil
}

// sessionAs returns the attached session as a ClientSession, if one is
// attached and implements it. The exit-status, exit-signal and xon-xoff
// callbacks are skipped rather than panicking when no session is attached
// yet or the caller only implemented the base Session interface.
func (cc *ClientChannel) sessionAs() (ClientSession, bool) {
	cc.Channel.mu.Lock()
	sess := cc.Channel.session
	cc.Channel.mu.Unlock()
	cs, ok := sess.(ClientSession)
	return cs, ok
}
