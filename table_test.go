package wire

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableHandlesNeverAlias(t *testing.T) {
	table := newSocketTable(2)

	first, err := table.insert(KindDatagram, -1, nil, netip.AddrPort{})
	require.NoError(t, err)
	table.remove(first.handle)

	second, err := table.insert(KindDatagram, -1, nil, netip.AddrPort{})
	require.NoError(t, err)

	// a freed handle must never resolve to a later socket
	assert.NotEqual(t, first.handle, second.handle)
	assert.Nil(t, table.lookup(first.handle))
	assert.Same(t, second, table.lookup(second.handle))
}

func TestTableCapacity(t *testing.T) {
	table := newSocketTable(2)

	first, err := table.insert(KindDatagram, -1, nil, netip.AddrPort{})
	require.NoError(t, err)
	_, err = table.insert(KindTCPListening, -1, nil, netip.AddrPort{})
	require.NoError(t, err)
	require.True(t, table.full())

	_, err = table.insert(KindDatagram, -1, nil, netip.AddrPort{})
	require.ErrorIs(t, err, ErrTooManySockets)
	require.Equal(t, 2, table.count())

	// removal frees exactly one slot and leaves the other entry intact
	table.remove(first.handle)
	require.False(t, table.full())
	_, err = table.insert(KindDatagram, -1, nil, netip.AddrPort{})
	require.NoError(t, err)
}

func TestTableSnapshot(t *testing.T) {
	table := newSocketTable(8)
	inserted := make(map[Handle]bool)
	for i := 0; i < 5; i++ {
		socket, err := table.insert(KindDatagram, -1, nil, netip.AddrPort{})
		require.NoError(t, err)
		inserted[socket.handle] = true
	}

	handles := table.appendHandles(nil)
	require.Len(t, handles, 5)
	for _, handle := range handles {
		assert.True(t, inserted[handle])
	}
}
