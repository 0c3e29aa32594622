// Package main provides the CLI entry point for the udpsplit relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sorz/udpsplit/internal/agent"
	"github.com/sorz/udpsplit/internal/config"
	"github.com/sorz/udpsplit/internal/logging"
)

var (
	// Version is set at build time
	Version = "dev"
)

// flags holds command line overrides for the config file.
type flags struct {
	configPath  string
	port        uint16
	remote      string
	logLevel    string
	logFormat   string
	metricsAddr string
	dnsServers  []string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "udpsplit",
		Short: "udpsplit - UDP relay between loopback clients and a remote host",
		Long: `udpsplit listens on a UDP port and relays datagrams between local
(loopback) clients and a remote host:port. The remote host name is
re-resolved periodically, so the relay follows DNS changes without a
restart.

Datagrams from a loopback source go to the remote. Everything else
goes back to the most recent loopback client.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.PersistentFlags()
	fs.StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file")
	fs.Uint16VarP(&f.port, "port", "p", 0, "UDP port to listen on")
	fs.StringVarP(&f.remote, "remote", "r", "", "Remote host:port to relay to")
	fs.StringVarP(&f.logLevel, "log-level", "l", "info", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve metrics and health endpoints on this address")
	fs.StringArrayVar(&f.dnsServers, "dns-server", nil, "Query this nameserver directly instead of the system resolver (repeatable)")

	cmd.AddCommand(configCmd(&f))

	return cmd
}

func configCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Merge the configuration file with command line flags, validate it and print the result as YAML.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), cfg.String())
			return nil
		},
	}
}

// loadConfig reads the config file, if any, and applies the flags that were
// set explicitly on cmd. Log settings fall back to the flag defaults only
// when there is no file to take them from.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		cfg, err = config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
	}

	fs := cmd.Flags()
	if fs.Changed("port") {
		cfg.Relay.Port = f.port
	}
	if fs.Changed("remote") {
		cfg.Relay.Remote = f.remote
	}
	if fs.Changed("log-level") || f.configPath == "" {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") || f.configPath == "" {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Enabled = f.metricsAddr != ""
		cfg.Metrics.Address = f.metricsAddr
	}
	if fs.Changed("dns-server") {
		cfg.Resolver.Backend = "dns"
		cfg.Resolver.Servers = f.dnsServers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	a, err := agent.New(cfg, logger, agent.Options{})
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay failed", logging.KeyError, err)
		return err
	}
	return nil
}
