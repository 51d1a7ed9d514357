package sshmux

import (
	"sync"

	"golang.org/x/crypto/ssh"
)

// ServerSession adds the server-side channel callbacks to Session: pty
// requests, session start, window-change, signal and terminal-break
// delivery, on top of the common data/EOF/close callbacks every variant
// shares.
type ServerSession interface {
	Session

	// PtyRequested is called when the client sends a pty-req before the
	// session type (shell/exec/subsystem) is known. Returning false
	// denies the request (CHANNEL_FAILURE if one was asked for).
	PtyRequested(req *PtyRequest) bool

	// Start is called once the client has chosen shell, exec(command) or
	// subsystem(name); kind is one of "shell", "exec", "subsystem" and
	// arg is the command or subsystem name (empty for shell). Returning
	// false denies the request.
	Start(kind, arg string) bool

	// WindowChangeReceived reports a terminal resize.
	WindowChangeReceived(width, height, pixWidth, pixHeight uint32)

	// SignalReceived reports an RFC 4254 §6.9 signal request. The base
	// Session has no equivalent; a session that doesn't implement this
	// (or has none attached) is treated as not handling the signal,
	// matching asyncssh's "return False" default (SPEC_FULL's
	// SUPPLEMENTED FEATURES).
	SignalReceived(sig ssh.Signal) bool

	// BreakReceived reports an RFC 4335 break request, msec long.
	// Same no-op-by-default behavior as SignalReceived.
	BreakReceived(msec uint32) bool
}

// ServerChannel is the "session" channel type accepted by an SSH server:
// it decodes pty-req, env, and the shell/exec/subsystem trio, applies
// server-side forced-command substitution, and exposes senders for
// exit-status/exit-signal and the SFTP session swap (StartSFTPServer).
type ServerChannel struct {
	*Channel

	mu      sync.Mutex
	pty     *PtyRequest
	env     map[string]string
	started bool
}

// NewServerChannel constructs a peer-initiated session channel. The caller
// is expected to call processOpen (via Connection's dispatch) with a
// SessionFactory that returns sc.
func NewServerChannel(conn Connection, cfg *Config) (*ServerChannel, error) {
	ch, err := newChannel(conn, cfg, nil, map[uint32]bool{ExtendedDataStderr: true}, "")
	if err != nil {
		return nil, err
	}
	sc := &ServerChannel{Channel: ch, env: map[string]string{}}
	ch.setPublic(sc)
	ch.registerRequestHandler("pty-req", sc.handlePtyReq)
	ch.registerRequestHandler("env", sc.handleEnv)
	ch.registerRequestHandler("shell", sc.handleShell)
	ch.registerRequestHandler("exec", sc.handleExec)
	ch.registerRequestHandler("subsystem", sc.handleSubsystem)
	ch.registerRequestHandler("window-change", sc.handleWindowChange)
	ch.registerRequestHandler("signal", sc.handleSignal)
	ch.registerRequestHandler("break", sc.handleBreak)
	return sc, nil
}

func (sc *ServerChannel) sessionAs() (ServerSession, bool) {
	sc.Channel.mu.Lock()
	sess := sc.Channel.session
	sc.Channel.mu.Unlock()
	ss, ok := sess.(ServerSession)
	return ss, ok
}

func (sc *ServerChannel) handlePtyReq(ch *Channel, payload []byte) (bool, error) {
	if !sc.Channel.conn.CheckKeyPermission("pty") || !sc.Channel.conn.CheckCertPermission("pty") {
		return false, nil
	}
	req, err := decodePtyRequest(payload)
	if err != nil {
		return false, err
	}
	sc.mu.Lock()
	if sc.started {
		sc.mu.Unlock()
		return false, nil
	}
	sc.pty = req
	sc.mu.Unlock()

	sess, ok := sc.sessionAs()
	if !ok {
		return false, nil
	}
	return sess.PtyRequested(req), nil
}

// Pty returns the pty-req the client sent, if any.
func (sc *ServerChannel) Pty() (*PtyRequest, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.pty, sc.pty != nil
}

// Env returns the value of an environment variable the client set via an
// env CHANNEL_REQUEST before the session started.
func (sc *ServerChannel) Env(name string) (string, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	v, ok := sc.env[name]
	return v, ok
}

func (sc *ServerChannel) handleEnv(ch *Channel, payload []byte) (bool, error) {
	var msg envRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, wrapProtoError(err, "malformed env payload")
	}
	sc.mu.Lock()
	if sc.started {
		sc.mu.Unlock()
		return false, nil
	}
	sc.env[msg.Name] = msg.Value
	sc.mu.Unlock()
	return true, nil
}

// forcedCommand looks up a forced command override, trying the
// certificate option first and then the key option, matching the
// original's substitution order (SPEC_FULL's SUPPLEMENTED FEATURES). The
// certificate/key option values themselves are opaque to this package;
// certificate and key handling are out of scope (spec §1).
func (sc *ServerChannel) forcedCommand() (string, bool) {
	if v, ok := sc.Channel.conn.CertOption("force-command"); ok {
		return v, true
	}
	if v, ok := sc.Channel.conn.KeyOption("force-command"); ok {
		return v, true
	}
	return "", false
}

func (sc *ServerChannel) startSession(kind, arg string) (bool, error) {
	sc.mu.Lock()
	if sc.started {
		sc.mu.Unlock()
		return false, nil
	}
	sc.started = true
	sc.mu.Unlock()

	if kind == "exec" {
		if forced, ok := sc.forcedCommand(); ok {
			arg = forced
		}
	}

	sess, ok := sc.sessionAs()
	if !ok {
		return false, nil
	}
	ok = sess.Start(kind, arg)
	if ok {
		sess.SessionStarted()
		if err := sc.ResumeReading(); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (sc *ServerChannel) handleShell(ch *Channel, payload []byte) (bool, error) {
	return sc.startSession("shell", "")
}

func (sc *ServerChannel) handleExec(ch *Channel, payload []byte) (bool, error) {
	var msg commandRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, wrapProtoError(err, "malformed exec payload")
	}
	return sc.startSession("exec", msg.Command)
}

func (sc *ServerChannel) handleSubsystem(ch *Channel, payload []byte) (bool, error) {
	var msg commandRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, wrapProtoError(err, "malformed subsystem payload")
	}
	if msg.Command == "sftp" {
		return sc.startSFTP()
	}
	return sc.startSession("subsystem", msg.Command)
}

// startSFTP is the subsystem=sftp case. It starts the session exactly like
// any other subsystem, via startSession("subsystem", "sftp"); it does not
// swap sessions itself. Installing an SFTP session is done separately with
// StartSFTPServer, and the core never implements SFTP itself (spec §1
// Non-goals).
func (sc *ServerChannel) startSFTP() (bool, error) {
	return sc.startSession("subsystem", "sftp")
}

// StartSFTPServer lets a caller install a different Session (an SFTP
// server implementation, out of scope for this package) in place of the
// one installed at open time, guarded by the same lock processOpen uses to
// install the original session so the swap can never race an in-flight
// DataReceived callback.
func (sc *ServerChannel) StartSFTPServer(sess Session) {
	sc.Channel.mu.Lock()
	sc.Channel.session = sess
	sc.Channel.encoding = ""
	sc.Channel.mu.Unlock()
	sess.ConnectionMade(sc.Channel.connMadeArg())
	sess.SessionStarted()
}

func (sc *ServerChannel) handleWindowChange(ch *Channel, payload []byte) (bool, error) {
	var msg windowChangeRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, wrapProtoError(err, "malformed window-change payload")
	}
	if sess, ok := sc.sessionAs(); ok {
		sess.WindowChangeReceived(msg.Width, msg.Height, msg.PixWidth, msg.PixHeight)
	}
	return true, nil
}

func (sc *ServerChannel) handleSignal(ch *Channel, payload []byte) (bool, error) {
	var msg signalRequestMsg
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, wrapProtoError(err, "malformed signal payload")
	}
	sess, ok := sc.sessionAs()
	if !ok {
		return false, nil
	}
	return sess.SignalReceived(ssh.Signal(msg.Signal)), nil
}

func (sc *ServerChannel) handleBreak(ch *Channel, payload []byte) (bool, error) {
	var msg struct{ Length uint32 }
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return false, wrapProtoError(err, "malformed break payload")
	}
	sess, ok := sc.sessionAs()
	if !ok {
		return false, nil
	}
	return sess.BreakReceived(msg.Length), nil
}

// sendOpenForExit reports whether the channel can still send an
// exit-status/exit-signal request, matching asyncssh's exit()/
// exit_with_signal guard against send_state.
func (sc *ServerChannel) sendOpenForExit() bool {
	sc.Channel.mu.Lock()
	state := sc.Channel.sendState
	sc.Channel.mu.Unlock()
	return state == sendOpen || state == sendEOFPending || state == sendEOFSent
}

// ExitStatus sends an exit-status CHANNEL_REQUEST reporting the process's
// exit code, then closes the channel: once the exit status has been
// reported there is nothing further to send.
func (sc *ServerChannel) ExitStatus(status int) error {
	if !sc.sendOpenForExit() {
		return ErrChannelNotOpen
	}
	if _, err := sc.MakeRequest("exit-status", false, ssh.Marshal(exitStatusMsg{Status: uint32(status)})); err != nil {
		return err
	}
	return sc.Close()
}

// ExitSignal sends an exit-signal CHANNEL_REQUEST reporting termination by
// signal rather than a normal exit, then closes the channel.
func (sc *ServerChannel) ExitSignal(sig ssh.Signal, coreDumped bool, message, lang string) error {
	if !sc.sendOpenForExit() {
		return ErrChannelNotOpen
	}
	if _, err := sc.MakeRequest("exit-signal", false, ssh.Marshal(exitSignalMsg{
		Signal: string(sig), CoreDumped: coreDumped, Message: message, Lang: lang,
	})); err != nil {
		return err
	}
	return sc.Close()
}

// SetXonXoff sends an xon-xoff CHANNEL_REQUEST telling the client whether
// to honor XON/XOFF flow control characters.
func (sc *ServerChannel) SetXonXoff(clientCanDo bool) error {
	_, err := sc.MakeRequest("xon-xoff", false, ssh.Marshal(xonXoffMsg{ClientCanDo: clientCanDo}))
	return err
}
