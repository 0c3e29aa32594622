// Package resolve keeps the relay's remote address fresh.
//
// A Resolver looks up the configured host:port on a fixed refresh interval
// and publishes the first candidate address into a Slot. Failed or empty
// lookups are retried on a shorter interval; there is no retry limit. A
// previously published address stays in the Slot until a later lookup
// replaces it.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/sorz/udpsplit/internal/logging"
	"github.com/sorz/udpsplit/internal/metrics"
)

// Default intervals.
const (
	DefaultRefreshInterval = 120 * time.Second
	DefaultRetryInterval   = 10 * time.Second
	DefaultTimeout         = 5 * time.Second
)

// ErrNoAddress is returned when a lookup succeeds without any address.
var ErrNoAddress = errors.New("no associated address for host")

// Config holds Resolver settings.
type Config struct {
	// Remote is the host:port to resolve.
	Remote string

	// RefreshInterval is the wait after a successful lookup.
	RefreshInterval time.Duration

	// RetryInterval is the wait after a failed or empty lookup.
	RetryInterval time.Duration

	// Timeout bounds a single lookup.
	Timeout time.Duration
}

// Resolver periodically resolves Config.Remote into a Slot.
type Resolver struct {
	cfg      Config
	host     string
	port     uint16
	literal  netip.Addr
	lookuper Lookuper
	slot     *Slot
	logger   *slog.Logger
	metrics  *metrics.Metrics

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Resolver publishing into slot.
func New(cfg Config, lookuper Lookuper, slot *Slot, logger *slog.Logger, m *metrics.Metrics) (*Resolver, error) {
	host, portStr, err := net.SplitHostPort(cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("parse remote %q: %w", cfg.Remote, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("parse remote port %q: %w", portStr, err)
	}

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	r := &Resolver{
		cfg:      cfg,
		host:     host,
		port:     uint16(port),
		lookuper: lookuper,
		slot:     slot,
		logger:   logger.With(logging.KeyComponent, "resolver"),
		metrics:  m,
		sleep:    sleepContext,
		now:      time.Now,
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		r.literal = addr.Unmap()
	}

	return r, nil
}

// Slot returns the slot this resolver publishes into.
func (r *Resolver) Slot() *Slot {
	return r.slot
}

// Run resolves forever, until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) error {
	for {
		next, _ := r.ResolveOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err := r.sleep(ctx, next); err != nil {
			return nil
		}
	}
}

// ResolveOnce performs one lookup, publishes the result if it changed, and
// returns how long to wait before the next attempt.
func (r *Resolver) ResolveOnce(ctx context.Context) (time.Duration, error) {
	addr, err := r.lookup(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return r.cfg.RetryInterval, err
		}
		if errors.Is(err, ErrNoAddress) {
			r.logger.Warn("no associated address for host", logging.KeyHost, r.cfg.Remote)
		} else {
			r.logger.Warn("couldn't resolve host",
				logging.KeyHost, r.cfg.Remote,
				logging.KeyError, err)
		}
		return r.cfg.RetryInterval, err
	}

	changed := r.slot.Set(addr)
	if changed {
		r.logger.Info("resolved host to address",
			logging.KeyHost, r.cfg.Remote,
			logging.KeyAddress, addr.String())
	}
	r.metrics.RecordRemoteResolved(changed, float64(r.now().Unix()))

	return r.cfg.RefreshInterval, nil
}

// lookup returns the first candidate address for the remote host.
func (r *Resolver) lookup(ctx context.Context) (netip.AddrPort, error) {
	if r.literal.IsValid() {
		r.metrics.RecordLookup(metrics.LookupSuccess, 0)
		return netip.AddrPortFrom(r.literal, r.port), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := r.now()
	addrs, err := r.lookuper.Lookup(ctx, r.host)
	latency := r.now().Sub(start).Seconds()
	if err != nil {
		r.metrics.RecordLookup(metrics.LookupError, latency)
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		r.metrics.RecordLookup(metrics.LookupEmpty, latency)
		return netip.AddrPort{}, ErrNoAddress
	}

	r.metrics.RecordLookup(metrics.LookupSuccess, latency)
	return netip.AddrPortFrom(addrs[0].Unmap(), r.port), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
