package wire

import "golang.org/x/sys/unix"

// Path MTU discovery sets the DF bit on outgoing datagrams; peer-to-peer
// traffic prefers fragmentation over silently dropped packets.
func disableMTUDiscovery(fd int, family int) {
	unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DONT)
	if family == unix.AF_INET6 {
		unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DONT)
	}
}
