package wire

// Darwin has no IP_MTU_DISCOVER equivalent worth toggling per socket.
func disableMTUDiscovery(fd int, family int) {
}
