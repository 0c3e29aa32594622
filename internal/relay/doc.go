// Package relay forwards UDP datagrams between one local loopback client and
// a remote endpoint over a single socket.
//
// Direction is inferred from the source address alone:
//   - datagrams from a loopback address (127.0.0.0/8, ::1) go to the remote
//     address most recently published by the resolver;
//   - datagrams from any other address go to the loopback peer that sent
//     the most recent local datagram.
//
// Only one local peer is tracked. A second loopback client replaces the
// first. Datagrams that cannot be routed yet (no resolved remote, or no
// local peer seen) are dropped, never queued.
//
// # Thread Safety
//
// A Forwarder's Run loop and HandleDatagram must be driven from a single
// goroutine. LocalPeer and Stats may be called concurrently.
package relay
