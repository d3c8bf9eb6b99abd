//go:build darwin || linux

package wire

import (
	"net/netip"

	E "github.com/sagernet/wire/common/exceptions"

	"golang.org/x/sys/unix"
)

const (
	listenBacklog = 1024

	// socket buffer sizing backs off from the requested size in these
	// decrements until the kernel accepts a value or the floor is reached
	bufferSizeStep  = 16 * 1024
	bufferSizeFloor = 64 * 1024
)

func sockaddrFamily(addr netip.Addr) int {
	if addr.Unmap().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func sockaddrFromAddrPort(addrPort netip.AddrPort) unix.Sockaddr {
	addr := addrPort.Addr().Unmap()
	if addr.Is4() {
		return &unix.SockaddrInet4{
			Port: int(addrPort.Port()),
			Addr: addr.As4(),
		}
	}
	return &unix.SockaddrInet6{
		Port: int(addrPort.Port()),
		Addr: addr.As16(),
	}
}

func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(addr.Addr), uint16(addr.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(addr.Addr).Unmap(), uint16(addr.Port))
	default:
		return netip.AddrPort{}
	}
}

func localAddrPort(fd int) netip.AddrPort {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return addrPortFromSockaddr(sa)
}

// setSocketBuffers asks for bufferSize bytes of kernel send and receive
// space, retrying with progressively smaller sizes until one is accepted.
// Failure is not fatal to the caller.
func setSocketBuffers(fd int, bufferSize int) {
	for _, option := range []int{unix.SO_RCVBUF, unix.SO_SNDBUF} {
		for size := bufferSize; size >= bufferSizeFloor; size -= bufferSizeStep {
			if unix.SetsockoptInt(fd, unix.SOL_SOCKET, option, size) == nil {
				break
			}
		}
	}
}

// openDatagramSocket creates a non-blocking UDP socket bound to local and
// returns the descriptor together with the actual bound address, which
// differs from local when port 0 was requested.
func openDatagramSocket(local netip.AddrPort, bufferSize int) (int, netip.AddrPort, error) {
	family := sockaddrFamily(local.Addr())
	fd, err := unix.Socket(family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, netip.AddrPort{}, E.Cause(err, "create datagram socket")
	}
	unix.CloseOnExec(fd)

	if bufferSize > 0 {
		setSocketBuffers(fd, bufferSize)
	}
	if family == unix.AF_INET6 {
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	disableMTUDiscovery(fd, family)

	if err = unix.Bind(fd, sockaddrFromAddrPort(local)); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, E.Cause(err, "bind ", local)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, E.Cause(err, "set non-blocking")
	}
	return fd, localAddrPort(fd), nil
}

// openListenerSocket creates a non-blocking TCP listener bound to local.
func openListenerSocket(local netip.AddrPort) (int, netip.AddrPort, error) {
	family := sockaddrFamily(local.Addr())
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, netip.AddrPort{}, E.Cause(err, "create stream socket")
	}
	unix.CloseOnExec(fd)

	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if family == unix.AF_INET6 {
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}

	if err = unix.Bind(fd, sockaddrFromAddrPort(local)); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, E.Cause(err, "bind ", local)
	}
	if err = unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, E.Cause(err, "listen on ", local)
	}
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, E.Cause(err, "set non-blocking")
	}
	return fd, localAddrPort(fd), nil
}

// openConnectSocket creates a non-blocking TCP socket and starts a connect
// to remote. The connection is still in progress when this returns; the
// poll loop observes completion or failure.
func openConnectSocket(remote netip.AddrPort, noDelay bool) (int, error) {
	fd, err := unix.Socket(sockaddrFamily(remote.Addr()), unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, E.Cause(err, "create stream socket")
	}
	unix.CloseOnExec(fd)

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, E.Cause(err, "set non-blocking")
	}
	if noDelay {
		applyNoDelay(fd)
	}

	err = unix.Connect(fd, sockaddrFromAddrPort(remote))
	switch err {
	case nil, unix.EINPROGRESS, unix.EINTR:
	default:
		unix.Close(fd)
		return -1, E.Cause(err, "connect ", remote)
	}
	return fd, nil
}

func applyNoDelay(fd int) {
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}
