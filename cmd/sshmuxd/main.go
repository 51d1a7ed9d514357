// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"fmt"
	"log"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"golang.org/x/crypto/ssh"

	"github.com/xtaci/sshmux"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	myApp := cli.NewApp()
	myApp.Name = "sshmuxd"
	myApp.Usage = "in-process demo: a client channel execs a command against a server channel over a pipe"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "command",
			Value: "echo hello from the server",
			Usage: "the command the demo client asks the demo server to run",
		},
		cli.IntFlag{
			Name:  "window",
			Value: sshmux.DefaultConfig().ReceiveWindow,
			Usage: "initial receive window, in bytes, for both demo channels",
		},
		cli.IntFlag{
			Name:  "maxpacket",
			Value: sshmux.DefaultConfig().MaxPacketSize,
			Usage: "maximum DATA/EXTENDED_DATA payload size",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		cfg := sshmux.DefaultConfig()
		cfg.ReceiveWindow = c.Int("window")
		cfg.MaxPacketSize = c.Int("maxpacket")
		if err := cfg.Validate(); err != nil {
			return errors.Wrap(err, "invalid demo config")
		}
		return runDemo(cfg, c.String("command"))
	}

	if err := myApp.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

// demoClientSession drives the client side of the demo: it logs lifecycle
// events and collects whatever the server writes back.
type demoClientSession struct {
	received chan []byte
	done     chan struct{}
}

func (s *demoClientSession) ConnectionMade(channel interface{}) {
	log.Println("client: channel open")
}

func (s *demoClientSession) DataReceived(data []byte, datatype *uint32) {
	cp := append([]byte(nil), data...)
	s.received <- cp
}

func (s *demoClientSession) EOFReceived() bool {
	log.Println("client: EOF received")
	return true
}

func (s *demoClientSession) ConnectionLost(err error) {
	log.Printf("client: connection lost: %v", err)
	close(s.done)
}

func (s *demoClientSession) ExitStatusReceived(status int) {
	log.Printf("client: remote exit status %d", status)
}

func (s *demoClientSession) ExitSignalReceived(signal ssh.Signal, coreDumped bool, message, lang string) {
	log.Printf("client: remote exit signal %s", signal)
}

func (s *demoClientSession) XonXoffRequested(clientCanDo bool) {}

func (s *demoClientSession) SessionStarted() {}

func (s *demoClientSession) PauseWriting() {}

func (s *demoClientSession) ResumeWriting() {}

// demoServerSession drives the server side: on "exec" it writes the
// command name back to the client and reports a clean exit.
type demoServerSession struct {
	channel *sshmux.ServerChannel
}

func (s *demoServerSession) ConnectionMade(channel interface{}) {
	log.Println("server: channel open")
}

func (s *demoServerSession) DataReceived(data []byte, datatype *uint32) {
	log.Printf("server: received %d bytes", len(data))
}

func (s *demoServerSession) EOFReceived() bool {
	log.Println("server: EOF received")
	return true
}

func (s *demoServerSession) ConnectionLost(err error) {
	log.Printf("server: connection lost: %v", err)
}

func (s *demoServerSession) PtyRequested(req *sshmux.PtyRequest) bool { return false }

func (s *demoServerSession) Start(kind, arg string) bool {
	log.Printf("server: start %s %q", kind, arg)
	go func() {
		_, _ = s.channel.Write([]byte("ran: " + arg + "\n"))
		_ = s.channel.WriteEOF()
		_ = s.channel.ExitStatus(0)
	}()
	return true
}

func (s *demoServerSession) WindowChangeReceived(width, height, pixWidth, pixHeight uint32) {}

func (s *demoServerSession) SignalReceived(sig ssh.Signal) bool { return false }

func (s *demoServerSession) BreakReceived(msec uint32) bool { return false }

func (s *demoServerSession) SessionStarted() {}

func (s *demoServerSession) PauseWriting() {}

func (s *demoServerSession) ResumeWriting() {}

func runDemo(cfg *sshmux.Config, command string) error {
	clientConn, serverConn := net.Pipe()

	opener := func(mc *sshmux.MemConnection, chanType string, payload []byte) (*sshmux.Channel, sshmux.SessionFactory, error) {
		if chanType != "session" {
			return nil, nil, &sshmux.OpenError{
				Reason:  sshmux.OpenUnknownChannelType,
				Message: "unsupported channel type: " + chanType,
			}
		}
		sc, err := sshmux.NewServerChannel(mc, cfg)
		if err != nil {
			return nil, nil, err
		}
		sess := &demoServerSession{channel: sc}
		factory := func() (sshmux.Session, error) { return sess, nil }
		return sc.Channel, factory, nil
	}

	server := sshmux.NewMemConnection(serverConn, opener)
	client := sshmux.NewMemConnection(clientConn, nil)

	go func() { _ = server.Serve() }()
	go func() { _ = client.Serve() }()

	cc, err := sshmux.NewClientChannel(client, cfg)
	if err != nil {
		return err
	}
	clientSess := &demoClientSession{received: make(chan []byte, 8), done: make(chan struct{})}
	cc.Attach(clientSess)

	if err := cc.Create(); err != nil {
		return errors.Wrap(err, "open client session channel")
	}
	if _, err := cc.Exec(command, true); err != nil {
		return errors.Wrap(err, "send exec request")
	}

	<-clientSess.done

	fmt.Printf("sent command: %s\n", command)
	for {
		select {
		case data := <-clientSess.received:
			fmt.Printf("server said: %s", data)
		default:
			return nil
		}
	}
}
