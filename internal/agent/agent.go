// Package agent wires the resolver, the forwarder and the health server into
// a running udpsplit relay.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sorz/udpsplit/internal/config"
	"github.com/sorz/udpsplit/internal/health"
	"github.com/sorz/udpsplit/internal/logging"
	"github.com/sorz/udpsplit/internal/metrics"
	"github.com/sorz/udpsplit/internal/recovery"
	"github.com/sorz/udpsplit/internal/relay"
	"github.com/sorz/udpsplit/internal/resolve"
)

// Options overrides collaborators, mainly for tests.
type Options struct {
	// Lookuper replaces the backend chosen by cfg.Resolver.Backend.
	Lookuper resolve.Lookuper

	// Registry receives the relay's metrics. Nil means the default
	// Prometheus registry.
	Registry *prometheus.Registry
}

// Agent is a configured relay ready to Run.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	gather  prometheus.Gatherer

	slot     *resolve.Slot
	resolver *resolve.Resolver

	mu        sync.Mutex
	forwarder *relay.Forwarder
	listen    net.Addr
	running   atomic.Bool
}

// New validates cfg and builds an Agent. No sockets are opened until Run.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger,
		slot:   &resolve.Slot{},
	}

	if opts.Registry != nil {
		a.metrics = metrics.NewMetricsWithRegistry(opts.Registry)
		a.gather = opts.Registry
	} else {
		a.metrics = metrics.Default()
		a.gather = prometheus.DefaultGatherer
	}

	lookuper := opts.Lookuper
	if lookuper == nil {
		lookuper = newLookuper(cfg.Resolver)
	}

	r, err := resolve.New(resolve.Config{
		Remote:          cfg.Relay.Remote,
		RefreshInterval: cfg.Resolver.RefreshInterval,
		RetryInterval:   cfg.Resolver.RetryInterval,
		Timeout:         cfg.Resolver.Timeout,
	}, lookuper, a.slot, logger, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}
	a.resolver = r

	return a, nil
}

func newLookuper(cfg config.ResolverConfig) resolve.Lookuper {
	if cfg.Backend == "dns" {
		return resolve.NewDNSLookuper(cfg.Servers, cfg.Network, cfg.Timeout)
	}
	return resolve.NewSystemLookuper(cfg.Network)
}

// Run opens the relay socket and runs the resolver and the forwarder until
// ctx is cancelled or the socket fails. A socket failure is returned.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent already running")
	}
	defer a.running.Store(false)

	conn, err := relay.Listen(ctx, a.cfg.Relay.Port)
	if err != nil {
		return err
	}

	fwd := relay.NewForwarder(conn, a.slot, relay.Config{
		BufferSize:  a.cfg.Relay.BufferSize,
		DropLogRate: a.cfg.Log.DropLogRate,
	}, a.logger, a.metrics)

	a.mu.Lock()
	a.forwarder = fwd
	a.listen = conn.LocalAddr()
	a.mu.Unlock()

	a.logger.Info("listening",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		logging.KeyRemoteAddr, a.cfg.Relay.Remote)

	if a.cfg.Metrics.Enabled {
		srv := health.NewServer(health.ServerConfig{
			Address:      a.cfg.Metrics.Address,
			ReadTimeout:  health.DefaultServerConfig().ReadTimeout,
			WriteTimeout: health.DefaultServerConfig().WriteTimeout,
			Gatherer:     a.gather,
			Logger:       a.logger.With(logging.KeyComponent, "health"),
		}, a)
		if err := srv.Start(); err != nil {
			conn.Close()
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer srv.Stop()
		a.logger.Info("metrics server listening", logging.KeyAddress, srv.Address().String())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		defer recovery.RecoverToError(a.logger, "resolver", &err)
		return a.resolver.Run(gctx)
	})
	g.Go(func() error {
		return fwd.Run(gctx)
	})

	err = g.Wait()
	a.logger.Info("relay stopped", "traffic", fwd.Stats().Summary())
	return err
}

// IsRunning reports whether Run is in progress.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Slot returns the resolved remote address slot.
func (a *Agent) Slot() *resolve.Slot {
	return a.slot
}

// Status implements health.StatusProvider.
func (a *Agent) Status() health.Status {
	st := health.Status{Remote: a.cfg.Relay.Remote}

	if addr, ok := a.slot.Load(); ok {
		st.ResolvedRemote = addr.String()
	}

	a.mu.Lock()
	fwd := a.forwarder
	if a.listen != nil {
		st.Listen = a.listen.String()
	}
	a.mu.Unlock()

	if fwd != nil {
		if peer, ok := fwd.LocalPeer(); ok {
			st.LocalPeer = peer.String()
		}
		st.Traffic = fwd.Stats()
	}
	st.Summary = st.Traffic.Summary()

	return st
}

// ListenAddr returns the bound relay address once Run has opened it.
func (a *Agent) ListenAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.listen
}
