package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/sorz/udpsplit/internal/logging"
	"github.com/sorz/udpsplit/internal/metrics"
	"github.com/sorz/udpsplit/internal/recovery"
)

// DefaultBufferSize is the largest payload relayed; longer datagrams are
// truncated by the socket.
const DefaultBufferSize = 2048

// PacketConn is the socket a Forwarder reads from and writes to.
// *net.UDPConn implements it.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	Close() error
}

// RemoteSource provides the current remote address, if any.
// *resolve.Slot implements it.
type RemoteSource interface {
	Load() (netip.AddrPort, bool)
}

// Config holds Forwarder settings.
type Config struct {
	// BufferSize is the receive buffer size. Zero means DefaultBufferSize.
	BufferSize int

	// DropLogRate limits "packet dropped" debug lines per second.
	// Zero disables the limit.
	DropLogRate float64
}

// Forwarder relays datagrams between the local peer and the remote.
type Forwarder struct {
	conn    PacketConn
	remote  RemoteSource
	buf     []byte
	logger  *slog.Logger
	metrics *metrics.Metrics

	// localPeer is owned by the goroutine running Run.
	localPeer netip.AddrPort
	// localSnapshot mirrors localPeer for other goroutines.
	localSnapshot atomic.Pointer[netip.AddrPort]

	dropLimiter *rate.Limiter
	stats       counters

	// truncatedRead reports read errors that still delivered a truncated
	// datagram.
	truncatedRead func(error) bool
}

// NewForwarder creates a Forwarder on conn that sends local traffic to the
// address held by remote.
func NewForwarder(conn PacketConn, remote RemoteSource, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	f := &Forwarder{
		conn:    conn,
		remote:  remote,
		buf:     make([]byte, cfg.BufferSize),
		logger:  logger.With(logging.KeyComponent, "forwarder"),
		metrics: m,

		truncatedRead: isTruncatedRead,
	}
	if cfg.DropLogRate > 0 {
		burst := int(math.Ceil(cfg.DropLogRate))
		f.dropLimiter = rate.NewLimiter(rate.Limit(cfg.DropLogRate), burst)
	}

	return f
}

// Run reads and relays datagrams until ctx is cancelled or the socket
// fails. The socket is closed when Run returns. A read error is fatal and
// returned; cancellation returns nil.
func (f *Forwarder) Run(ctx context.Context) (err error) {
	defer recovery.RecoverToError(f.logger, "forwarder", &err)

	stop := context.AfterFunc(ctx, func() {
		f.conn.Close()
	})
	defer func() {
		if stop() {
			f.conn.Close()
		}
	}()

	for {
		n, src, err := f.conn.ReadFromUDPAddrPort(f.buf)
		if err != nil && n > 0 && f.truncatedRead(err) {
			err = nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read UDP socket: %w", err)
		}
		f.HandleDatagram(f.buf[:n], src)
	}
}

// HandleDatagram routes one received datagram by its source address.
func (f *Forwarder) HandleDatagram(payload []byte, src netip.AddrPort) {
	src = netip.AddrPortFrom(src.Addr().Unmap(), src.Port())

	f.stats.received.Add(1)
	f.metrics.RecordReceived(len(payload))
	if f.traceEnabled() {
		logging.Trace(f.logger, "received packet",
			logging.KeyBytes, len(payload),
			logging.KeyPeer, src.String())
	}

	if IsLoopback(src.Addr()) {
		f.forwardToRemote(payload, src)
	} else {
		f.forwardToLocal(payload)
	}
}

func (f *Forwarder) forwardToRemote(payload []byte, src netip.AddrPort) {
	if src != f.localPeer {
		f.localPeer = src
		f.localSnapshot.Store(&src)
		f.metrics.RecordLocalPeerChange()
		f.logger.Info("set local address", logging.KeyLocalAddr, src.String())
	}

	remote, ok := f.remote.Load()
	if !ok {
		f.drop(metrics.DropRemoteNotReady, "packet dropped: remote address not ready")
		return
	}
	f.send(payload, remote, metrics.DirectionToRemote)
}

func (f *Forwarder) forwardToLocal(payload []byte) {
	if !f.localPeer.IsValid() {
		f.drop(metrics.DropLocalNotReady, "packet dropped: local address not ready")
		return
	}
	f.send(payload, f.localPeer, metrics.DirectionToLocal)
}

func (f *Forwarder) send(payload []byte, dst netip.AddrPort, direction string) {
	if f.traceEnabled() {
		logging.Trace(f.logger, "forward packet",
			logging.KeyBytes, len(payload),
			logging.KeyPeer, dst.String())
	}

	if _, err := f.conn.WriteToUDPAddrPort(payload, dst); err != nil {
		f.stats.sendErrors.Add(1)
		f.metrics.RecordDropped(metrics.DropSendError)
		f.logger.Info("I/O error on forwarding packet",
			"direction", direction,
			logging.KeyPeer, dst.String(),
			logging.KeyError, err)
		return
	}

	f.metrics.RecordForwarded(direction, len(payload))
	if direction == metrics.DirectionToRemote {
		f.stats.packetsToRemote.Add(1)
		f.stats.bytesToRemote.Add(uint64(len(payload)))
	} else {
		f.stats.packetsToLocal.Add(1)
		f.stats.bytesToLocal.Add(uint64(len(payload)))
	}
}

func (f *Forwarder) drop(reason, msg string) {
	f.stats.dropped.Add(1)
	f.metrics.RecordDropped(reason)
	if f.dropLimiter == nil || f.dropLimiter.Allow() {
		f.logger.Debug(msg, logging.KeyReason, reason)
	}
}

func (f *Forwarder) traceEnabled() bool {
	return f.logger.Enabled(context.Background(), logging.LevelTrace)
}

// LocalPeer returns the current local peer, if one has been seen.
func (f *Forwarder) LocalPeer() (netip.AddrPort, bool) {
	p := f.localSnapshot.Load()
	if p == nil {
		return netip.AddrPort{}, false
	}
	return *p, true
}

// IsLoopback reports whether addr is in 127.0.0.0/8 or is ::1.
// IPv4-mapped IPv6 addresses are classified by their IPv4 form.
func IsLoopback(addr netip.Addr) bool {
	return addr.Unmap().IsLoopback()
}
