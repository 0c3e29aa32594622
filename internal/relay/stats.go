package relay

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type counters struct {
	received        atomic.Uint64
	packetsToRemote atomic.Uint64
	packetsToLocal  atomic.Uint64
	bytesToRemote   atomic.Uint64
	bytesToLocal    atomic.Uint64
	dropped         atomic.Uint64
	sendErrors      atomic.Uint64
}

// Stats is a snapshot of a Forwarder's traffic counters.
type Stats struct {
	PacketsReceived uint64 `json:"packets_received"`
	PacketsToRemote uint64 `json:"packets_to_remote"`
	PacketsToLocal  uint64 `json:"packets_to_local"`
	BytesToRemote   uint64 `json:"bytes_to_remote"`
	BytesToLocal    uint64 `json:"bytes_to_local"`
	Dropped         uint64 `json:"dropped"`
	SendErrors      uint64 `json:"send_errors"`
}

// Stats returns the current counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		PacketsReceived: f.stats.received.Load(),
		PacketsToRemote: f.stats.packetsToRemote.Load(),
		PacketsToLocal:  f.stats.packetsToLocal.Load(),
		BytesToRemote:   f.stats.bytesToRemote.Load(),
		BytesToLocal:    f.stats.bytesToLocal.Load(),
		Dropped:         f.stats.dropped.Load(),
		SendErrors:      f.stats.sendErrors.Load(),
	}
}

// Summary renders the counters for a log line, e.g.
// "to remote 1.2 kB in 10 packets, to local 3.4 kB in 12 packets, 2 dropped".
func (s Stats) Summary() string {
	return fmt.Sprintf("to remote %s in %s packets, to local %s in %s packets, %s dropped",
		humanize.Bytes(s.BytesToRemote), humanize.Comma(int64(s.PacketsToRemote)),
		humanize.Bytes(s.BytesToLocal), humanize.Comma(int64(s.PacketsToLocal)),
		humanize.Comma(int64(s.Dropped+s.SendErrors)))
}
