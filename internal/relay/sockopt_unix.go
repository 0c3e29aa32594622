//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package relay

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// dualStackControl clears IPV6_V6ONLY so IPv4 clients reach the IPv6 socket
// as IPv4-mapped addresses regardless of the net.ipv6.bindv6only sysctl.
func dualStackControl(network, address string, c syscall.RawConn) error {
	if network != "udp6" {
		return nil
	}

	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
	if err != nil {
		return err
	}
	return sockErr
}
