//go:build darwin || linux

package wire

import (
	E "github.com/sagernet/wire/common/exceptions"

	"golang.org/x/sys/unix"
)

var wakeToken = []byte{0}

// wakePair is a connected descriptor pair used to interrupt a blocked
// Poll from any goroutine. The payload is irrelevant; readiness of the
// receive end is the signal.
type wakePair struct {
	readFD  int
	writeFD int
}

func newWakePair() (*wakePair, error) {
	readFD, writeFD, err := newPipePair()
	if err == nil {
		return &wakePair{readFD: readFD, writeFD: writeFD}, nil
	}
	return newLoopbackWakePair()
}

// newLoopbackWakePair builds the pair out of a loopback TCP connection:
// bind an ephemeral listener on 127.0.0.1, connect to it, accept, then
// discard the listener. Functionally equivalent to a pipe for polling
// purposes, for environments where anonymous pipes are unavailable or
// exhausted.
func newLoopbackWakePair() (*wakePair, error) {
	listenFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, E.Cause(err, "create loopback listener")
	}
	defer unix.Close(listenFD)

	err = unix.Bind(listenFD, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}})
	if err != nil {
		return nil, E.Cause(err, "bind loopback listener")
	}
	if err = unix.Listen(listenFD, 1); err != nil {
		return nil, E.Cause(err, "listen on loopback")
	}
	listenAddr, err := unix.Getsockname(listenFD)
	if err != nil {
		return nil, E.Cause(err, "resolve loopback listener address")
	}

	writeFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, E.Cause(err, "create loopback client")
	}
	// connect stays blocking so the subsequent accept cannot race it
	if err = unix.Connect(writeFD, listenAddr); err != nil {
		unix.Close(writeFD)
		return nil, E.Cause(err, "connect loopback pair")
	}
	readFD, _, err := unix.Accept(listenFD)
	if err != nil {
		unix.Close(writeFD)
		return nil, E.Cause(err, "accept loopback pair")
	}

	for _, fd := range []int{readFD, writeFD} {
		unix.CloseOnExec(fd)
		if err = unix.SetNonblock(fd, true); err != nil {
			unix.Close(readFD)
			unix.Close(writeFD)
			return nil, E.Cause(err, "set non-blocking")
		}
	}
	return &wakePair{readFD: readFD, writeFD: writeFD}, nil
}

// signal is safe to call from any goroutine. A full pipe means a wake is
// already pending, so the write error is deliberately ignored.
func (p *wakePair) signal() {
	unix.Write(p.writeFD, wakeToken)
}

// drain discards pending wake tokens. A single bounded read is enough: any
// token left behind only causes the next wait to return early once more.
func (p *wakePair) drain() {
	var buffer [16]byte
	unix.Read(p.readFD, buffer[:])
}

func (p *wakePair) close() {
	unix.Close(p.readFD)
	unix.Close(p.writeFD)
}
