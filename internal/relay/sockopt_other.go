//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package relay

import "syscall"

// dualStackControl relies on the platform default for IPV6_V6ONLY.
func dualStackControl(network, address string, c syscall.RawConn) error {
	return nil
}
