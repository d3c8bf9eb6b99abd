package wire

import "net/netip"

// Handler receives socket events from a Wire instance. All methods are
// invoked synchronously from the goroutine driving Poll, and may freely
// call back into the reactor: closing any socket (including the one the
// event is for), opening new sockets, toggling writable notification, or
// replacing the user context through the context slot.
//
// The context slot passed to every method points at the value attached to
// the socket at creation time; assigning through it replaces the attached
// value. The reactor never interprets the context.
//
// Byte slices handed to HandleDatagram and HandleData alias the reactor's
// scratch buffer and are only valid for the duration of the call.
//
// A panic raised by a handler is recovered and discarded so that one
// misbehaving callback cannot stop event processing for the remaining
// sockets. This is a deliberate fault-isolation contract.
type Handler interface {
	// HandleDatagram is called for every non-empty datagram received on a
	// socket created by UDPBind.
	HandleDatagram(socket Handle, context *any, source netip.AddrPort, data []byte)

	// HandleConnectResult is called exactly once for every socket created
	// by TCPConnect, with success reporting whether the connection was
	// established. On failure the socket no longer exists when the call is
	// made.
	HandleConnectResult(socket Handle, context *any, success bool)

	// HandleAccept is called when a listening socket accepts a connection.
	// The new socket starts with a nil context; the handler usually
	// assigns one through connContext.
	HandleAccept(listener Handle, conn Handle, listenerContext *any, connContext *any, peer netip.AddrPort)

	// HandleClosed is called when an established TCP socket is closed by
	// the peer, by an error, or by CloseSocket with callHandlers set. The
	// socket no longer exists when the call is made.
	HandleClosed(socket Handle, context *any)

	// HandleData is called for every chunk of bytes received on an
	// established TCP socket.
	HandleData(socket Handle, context *any, data []byte)

	// HandleWritable is called when a socket with writable notification
	// enabled is ready to accept more data. Notification stays enabled
	// until switched off with SetNotifyWritable, so the handler is called
	// again on every Poll while the socket stays writable.
	HandleWritable(socket Handle, context *any)
}
