package wire

import "net/netip"

// Handle identifies a live socket managed by a Wire instance. Handles are
// registration IDs drawn from a monotonic counter, never reused indices: a
// handle stops resolving once its socket is closed and never becomes equal
// to the handle of a socket created later. The zero value is never issued.
type Handle uint64

type SocketKind uint8

const (
	KindInvalid SocketKind = iota
	KindDatagram
	KindTCPListening
	KindTCPOutboundPending
	KindTCPOutboundConnected
	KindTCPInbound
)

func (k SocketKind) String() string {
	switch k {
	case KindDatagram:
		return "datagram"
	case KindTCPListening:
		return "tcp-listening"
	case KindTCPOutboundPending:
		return "tcp-outbound-pending"
	case KindTCPOutboundConnected:
		return "tcp-outbound-connected"
	case KindTCPInbound:
		return "tcp-inbound"
	default:
		return "invalid"
	}
}

func (k SocketKind) IsStream() bool {
	return k == KindTCPOutboundConnected || k == KindTCPInbound
}

type managedSocket struct {
	handle Handle
	kind   SocketKind
	fd     int

	// caller-owned value, replaceable from handlers through the context slot
	context any

	// bound local address for datagram and listening sockets, remote
	// address for outbound and accepted connections
	address netip.AddrPort

	notifyWritable bool
}

// socketTable owns the live socket entries. Entries are keyed by handle so
// that insertion and removal never move other live entries, and a stale
// handle simply fails to resolve.
type socketTable struct {
	entries map[Handle]*managedSocket
	lastID  uint64
	max     int
}

func newSocketTable(max int) *socketTable {
	return &socketTable{
		entries: make(map[Handle]*managedSocket),
		max:     max,
	}
}

func (t *socketTable) full() bool {
	return len(t.entries) >= t.max
}

func (t *socketTable) insert(kind SocketKind, fd int, context any, address netip.AddrPort) (*managedSocket, error) {
	if t.full() {
		return nil, ErrTooManySockets
	}
	t.lastID++
	socket := &managedSocket{
		handle:  Handle(t.lastID),
		kind:    kind,
		fd:      fd,
		context: context,
		address: address,
	}
	t.entries[socket.handle] = socket
	return socket, nil
}

func (t *socketTable) lookup(handle Handle) *managedSocket {
	return t.entries[handle]
}

func (t *socketTable) remove(handle Handle) {
	delete(t.entries, handle)
}

func (t *socketTable) count() int {
	return len(t.entries)
}

func (t *socketTable) appendHandles(handles []Handle) []Handle {
	for handle := range t.entries {
		handles = append(handles, handle)
	}
	return handles
}
