package wire

import E "github.com/sagernet/wire/common/exceptions"

var (
	// ErrTooManySockets is returned by creation operations once the table
	// is at capacity. Existing sockets are unaffected.
	ErrTooManySockets = E.New("wire: too many sockets")

	// ErrStaleHandle is returned for operations on a handle whose socket
	// has been closed.
	ErrStaleHandle = E.New("wire: stale socket handle")

	// ErrClosed is returned for operations on a reactor after Close.
	ErrClosed = E.New("wire: reactor closed")
)
