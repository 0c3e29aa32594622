package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Listen opens the relay socket on the wildcard address. It prefers a
// dual-stack IPv6 socket and falls back to IPv4 when the host has no IPv6.
func Listen(ctx context.Context, port uint16) (*net.UDPConn, error) {
	portStr := strconv.Itoa(int(port))
	lc := net.ListenConfig{Control: dualStackControl}

	pc, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort("::", portStr))
	if err != nil {
		var err4 error
		pc, err4 = lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", portStr))
		if err4 != nil {
			return nil, fmt.Errorf("listen on UDP port %d: %w", port, errors.Join(err, err4))
		}
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("listen on UDP port %d: unexpected connection type %T", port, pc)
	}
	return conn, nil
}
