//go:build windows

package relay

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isTruncatedRead reports whether err is Windows signalling that a datagram
// did not fit the buffer. The buffer still holds the leading bytes.
func isTruncatedRead(err error) bool {
	return errors.Is(err, windows.WSAEMSGSIZE)
}
