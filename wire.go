//go:build darwin || linux

// Package wire is a single-threaded non-blocking socket reactor: it
// manages a bounded set of UDP and TCP sockets, waits for readiness
// across all of them with one blocking poll, and dispatches typed events
// to a handler bound at construction. One goroutine drives Poll; the only
// operation safe to call from other goroutines is Wake.
package wire

import (
	"net/netip"
	"time"

	E "github.com/sagernet/wire/common/exceptions"
	"github.com/sagernet/wire/common/log"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// MaxSockets is the default capacity, mirroring the descriptor-count
	// limit of select-style multiplexers.
	MaxSockets = 1024

	// readBufferSize is the scratch receive buffer, sized generously to
	// minimize syscalls under load.
	readBufferSize = 128 * 1024
)

type Options struct {
	// NoDelay disables send coalescing on every new TCP socket, both
	// connected and accepted.
	NoDelay bool

	// MaxSockets caps the number of concurrently managed sockets.
	// Defaults to MaxSockets when zero.
	MaxSockets int
}

type Wire struct {
	handler Handler
	logger  *logrus.Entry
	noDelay bool
	table   *socketTable
	wake    *wakePair
	buffer  []byte
	closed  bool

	// snapshot storage reused across Poll calls; pollHandles[i] owns
	// pollFDs[i+1], pollFDs[0] is the wake receive end
	pollFDs     []unix.PollFd
	pollHandles []Handle
}

// New creates a reactor dispatching to handler. The handler is bound for
// the lifetime of the reactor and invoked synchronously from Poll.
func New(handler Handler, options Options) (*Wire, error) {
	if handler == nil {
		return nil, E.New("wire: nil handler")
	}
	maxSockets := options.MaxSockets
	if maxSockets <= 0 {
		maxSockets = MaxSockets
	}
	wake, err := newWakePair()
	if err != nil {
		return nil, E.Cause(err, "create wake channel")
	}
	return &Wire{
		handler: handler,
		logger:  log.NewLogger("wire"),
		noDelay: options.NoDelay,
		table:   newSocketTable(maxSockets),
		wake:    wake,
		buffer:  make([]byte, readBufferSize),
	}, nil
}

// Count returns the number of live sockets.
func (w *Wire) Count() int {
	return w.table.count()
}

// MaxCount returns the socket capacity.
func (w *Wire) MaxCount() int {
	return w.table.max
}

// Wake forces a concurrent Poll to return promptly. It is the one method
// safe to call from any goroutine, carries no payload, and must not be
// called after Close.
func (w *Wire) Wake() {
	w.wake.signal()
}

// UDPBind creates a non-blocking UDP socket bound to local and registers
// it for datagram reception. bufferSize above zero requests kernel
// send/receive buffers of roughly that size; sizing failure is not fatal.
// No handler is invoked on failure.
func (w *Wire) UDPBind(local netip.AddrPort, context any, bufferSize int) (Handle, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.table.full() {
		return 0, ErrTooManySockets
	}
	fd, bound, err := openDatagramSocket(local, bufferSize)
	if err != nil {
		return 0, err
	}
	socket, err := w.table.insert(KindDatagram, fd, context, bound)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	return socket.handle, nil
}

// TCPListen creates a non-blocking TCP listener bound to local. Accepted
// connections surface through HandleAccept. No handler is invoked on
// failure.
func (w *Wire) TCPListen(local netip.AddrPort, context any) (Handle, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.table.full() {
		return 0, ErrTooManySockets
	}
	fd, bound, err := openListenerSocket(local)
	if err != nil {
		return 0, err
	}
	socket, err := w.table.insert(KindTCPListening, fd, context, bound)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	return socket.handle, nil
}

// TCPConnect starts a non-blocking connect to remote. HandleConnectResult
// is called from a later Poll with the outcome; if TCPConnect itself
// returns an error no handler is ever invoked for the attempt.
func (w *Wire) TCPConnect(remote netip.AddrPort, context any) (Handle, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.table.full() {
		return 0, ErrTooManySockets
	}
	fd, err := openConnectSocket(remote, w.noDelay)
	if err != nil {
		return 0, err
	}
	socket, err := w.table.insert(KindTCPOutboundPending, fd, context, remote)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	return socket.handle, nil
}

// UDPSend sends one datagram to destination without blocking. It returns
// nil only if the kernel accepted the entire payload in one call; the
// reactor never retries or buffers.
func (w *Wire) UDPSend(handle Handle, destination netip.AddrPort, data []byte) error {
	socket := w.table.lookup(handle)
	if socket == nil {
		return ErrStaleHandle
	}
	if socket.kind != KindDatagram {
		return E.New("wire: send on ", socket.kind, " socket")
	}
	return unix.Sendto(socket.fd, data, 0, sockaddrFromAddrPort(destination))
}

// TCPSend writes to an established TCP socket without blocking and
// returns the number of bytes the kernel accepted, possibly zero. A short
// count is the backpressure signal; pair it with SetNotifyWritable to
// resume.
func (w *Wire) TCPSend(handle Handle, data []byte) (int, error) {
	socket := w.table.lookup(handle)
	if socket == nil {
		return 0, ErrStaleHandle
	}
	if !socket.kind.IsStream() {
		return 0, E.New("wire: send on ", socket.kind, " socket")
	}
	n, err := unix.Write(socket.fd, data)
	switch err {
	case nil:
	case unix.EAGAIN, unix.EINTR:
		return 0, nil
	default:
		return 0, E.Cause(err, "send")
	}
	return n, nil
}

// SetNotifyWritable toggles HandleWritable notification for an
// established TCP socket. The change takes effect on the next Poll; pair
// it with Wake when an in-progress Poll should observe it immediately.
func (w *Wire) SetNotifyWritable(handle Handle, notify bool) error {
	socket := w.table.lookup(handle)
	if socket == nil {
		return ErrStaleHandle
	}
	if !socket.kind.IsStream() {
		return E.New("wire: writable notification on ", socket.kind, " socket")
	}
	socket.notifyWritable = notify
	return nil
}

// Address returns the bound local address of a datagram or listening
// socket, or the remote address of a connected or accepted socket.
func (w *Wire) Address(handle Handle) (netip.AddrPort, error) {
	socket := w.table.lookup(handle)
	if socket == nil {
		return netip.AddrPort{}, ErrStaleHandle
	}
	return socket.address, nil
}

// Kind returns the current lifecycle kind of a socket.
func (w *Wire) Kind(handle Handle) (SocketKind, error) {
	socket := w.table.lookup(handle)
	if socket == nil {
		return KindInvalid, ErrStaleHandle
	}
	return socket.kind, nil
}

// Context returns the user context attached to a socket.
func (w *Wire) Context(handle Handle) (any, error) {
	socket := w.table.lookup(handle)
	if socket == nil {
		return nil, ErrStaleHandle
	}
	return socket.context, nil
}

// SetContext replaces the user context attached to a socket.
func (w *Wire) SetContext(handle Handle, context any) error {
	socket := w.table.lookup(handle)
	if socket == nil {
		return ErrStaleHandle
	}
	socket.context = context
	return nil
}

// CloseSocket closes a socket immediately: it is deregistered, its
// descriptor closed and its handle invalidated before this returns. With
// callHandlers set, the terminal handler for the socket's kind is invoked
// (HandleConnectResult with success=false for a pending connect,
// HandleClosed for an established connection, none for listeners and
// datagram sockets).
func (w *Wire) CloseSocket(handle Handle, callHandlers bool) error {
	socket := w.table.lookup(handle)
	if socket == nil {
		return ErrStaleHandle
	}
	w.closeSocket(socket, callHandlers)
	return nil
}

// Close closes every remaining socket, invoking terminal handlers, then
// releases the wake channel. The reactor is unusable afterwards.
func (w *Wire) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	for w.table.count() > 0 {
		for _, handle := range w.table.appendHandles(w.pollHandles[:0]) {
			if socket := w.table.lookup(handle); socket != nil {
				w.closeSocket(socket, true)
			}
		}
	}
	w.wake.close()
	return nil
}

// Poll performs one blocking wait over every managed socket plus the wake
// channel, then processes the sockets that were live when the wait
// started. A timeout of zero waits indefinitely. Handlers run
// synchronously on the calling goroutine before Poll returns; sockets
// they create are processed by the next call, sockets they close are
// skipped for the remainder of this one. An OS-level interruption of the
// wait is a harmless early return.
func (w *Wire) Poll(timeout time.Duration) error {
	if w.closed {
		return ErrClosed
	}

	// snapshot the interest sets: mutations from handlers during this
	// call must not change what this call waited on
	w.pollFDs = append(w.pollFDs[:0], unix.PollFd{Fd: int32(w.wake.readFD), Events: unix.POLLIN})
	w.pollHandles = w.pollHandles[:0]
	for handle, socket := range w.table.entries {
		w.pollFDs = append(w.pollFDs, unix.PollFd{Fd: int32(socket.fd), Events: interestEvents(socket)})
		w.pollHandles = append(w.pollHandles, handle)
	}

	timeoutMs := -1
	if timeout > 0 {
		timeoutMs = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.Poll(w.pollFDs, timeoutMs)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		return E.Cause(err, "wait for readiness")
	}
	if n == 0 {
		return nil
	}

	if w.pollFDs[0].Revents != 0 {
		w.wake.drain()
	}

	for i, handle := range w.pollHandles {
		revents := w.pollFDs[i+1].Revents
		if revents == 0 {
			continue
		}
		// closed by a handler earlier in this pass
		socket := w.table.lookup(handle)
		if socket == nil {
			continue
		}
		w.dispatch(socket, revents)
	}
	return nil
}

func interestEvents(socket *managedSocket) int16 {
	switch socket.kind {
	case KindTCPOutboundPending:
		// connect failure surfaces as POLLERR/POLLHUP, reported without
		// being requested
		return unix.POLLOUT
	case KindTCPOutboundConnected, KindTCPInbound:
		if socket.notifyWritable {
			return unix.POLLIN | unix.POLLOUT
		}
		return unix.POLLIN
	default:
		return unix.POLLIN
	}
}

func (w *Wire) dispatch(socket *managedSocket, revents int16) {
	switch socket.kind {
	case KindTCPOutboundPending:
		w.dispatchPendingConnect(socket, revents)
	case KindTCPOutboundConnected, KindTCPInbound:
		w.dispatchStream(socket, revents)
	case KindTCPListening:
		if revents&unix.POLLIN != 0 {
			w.acceptOne(socket)
		}
	case KindDatagram:
		if revents&unix.POLLIN != 0 {
			w.receiveDatagram(socket)
		}
	}
}

func (w *Wire) dispatchPendingConnect(socket *managedSocket, revents int16) {
	if revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		w.closeSocket(socket, true)
		return
	}
	if revents&unix.POLLOUT == 0 {
		return
	}
	// writability alone does not prove the connect succeeded
	if _, err := unix.Getpeername(socket.fd); err != nil {
		w.closeSocket(socket, true)
		return
	}
	socket.kind = KindTCPOutboundConnected
	w.invoke("connect", func() {
		w.handler.HandleConnectResult(socket.handle, &socket.context, true)
	})
}

func (w *Wire) dispatchStream(socket *managedSocket, revents int16) {
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		n, err := unix.Read(socket.fd, w.buffer)
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			// spurious readiness
		case err != nil || n == 0:
			w.closeSocket(socket, true)
			return
		default:
			data := w.buffer[:n]
			w.invoke("data", func() {
				w.handler.HandleData(socket.handle, &socket.context, data)
			})
		}
	}
	// the handler above may have closed this socket, or switched
	// notification off; both checks are against current state
	if w.table.lookup(socket.handle) == nil {
		return
	}
	if socket.notifyWritable && revents&unix.POLLOUT != 0 {
		w.invoke("writable", func() {
			w.handler.HandleWritable(socket.handle, &socket.context)
		})
	}
}

func (w *Wire) acceptOne(listener *managedSocket) {
	fd, sa, err := unix.Accept(listener.fd)
	if err != nil {
		return
	}
	if w.table.full() {
		// fail closed without disturbing existing sockets; the peer sees
		// a regular close
		unix.Close(fd)
		return
	}
	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return
	}
	if w.noDelay {
		applyNoDelay(fd)
	}
	peer := addrPortFromSockaddr(sa)
	socket, err := w.table.insert(KindTCPInbound, fd, nil, peer)
	if err != nil {
		unix.Close(fd)
		return
	}
	w.invoke("accept", func() {
		w.handler.HandleAccept(listener.handle, socket.handle, &listener.context, &socket.context, peer)
	})
}

func (w *Wire) receiveDatagram(socket *managedSocket) {
	n, sa, err := unix.Recvfrom(socket.fd, w.buffer, 0)
	if err != nil || n <= 0 {
		return
	}
	source := addrPortFromSockaddr(sa)
	data := w.buffer[:n]
	w.invoke("datagram", func() {
		w.handler.HandleDatagram(socket.handle, &socket.context, source, data)
	})
}

// closeSocket removes the entry before invoking the terminal handler so
// that a re-entrant CloseSocket from inside the handler fails as stale
// instead of double-closing.
func (w *Wire) closeSocket(socket *managedSocket, callHandlers bool) {
	w.table.remove(socket.handle)
	unix.Close(socket.fd)
	if !callHandlers {
		return
	}
	switch socket.kind {
	case KindTCPOutboundPending:
		w.invoke("connect", func() {
			w.handler.HandleConnectResult(socket.handle, &socket.context, false)
		})
	case KindTCPOutboundConnected, KindTCPInbound:
		w.invoke("closed", func() {
			w.handler.HandleClosed(socket.handle, &socket.context)
		})
	}
}

// invoke shields the reactor from handler panics: the loop must keep
// multiplexing even if one callback misbehaves.
func (w *Wire) invoke(name string, callback func()) {
	defer func() {
		if value := recover(); value != nil {
			w.logger.Warn("panic in ", name, " handler: ", value)
		}
	}()
	callback()
}
