//go:build !windows

package relay

// isTruncatedRead is false where the socket truncates oversized datagrams
// silently.
func isTruncatedRead(err error) bool {
	return false
}
