// Package config provides configuration parsing and validation for udpsplit.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sorz/udpsplit/internal/logging"
)

// Config represents the complete relay configuration.
type Config struct {
	Relay    RelayConfig    `yaml:"relay"`
	Resolver ResolverConfig `yaml:"resolver"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// RelayConfig defines the listening socket and forward target.
type RelayConfig struct {
	Port       uint16 `yaml:"port"`        // UDP listen port
	Remote     string `yaml:"remote"`      // host:port, e.g. example.com:443
	BufferSize int    `yaml:"buffer_size"` // receive buffer, larger datagrams are truncated
}

// ResolverConfig defines how the remote host is looked up.
type ResolverConfig struct {
	Backend         string        `yaml:"backend"` // system, dns
	Servers         []string      `yaml:"servers"` // nameservers for the dns backend
	Network         string        `yaml:"network"` // "", ip4, ip6
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// LogConfig defines logging output.
type LogConfig struct {
	Level       string  `yaml:"level"`         // trace, debug, info, warn, error
	Format      string  `yaml:"format"`        // text, json
	DropLogRate float64 `yaml:"drop_log_rate"` // drop debug lines per second, 0 = unlimited
}

// MetricsConfig defines the metrics and health HTTP server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			BufferSize: 2048,
		},
		Resolver: ResolverConfig{
			Backend:         "system",
			Servers:         []string{},
			RefreshInterval: 120 * time.Second,
			RetryInterval:   10 * time.Second,
			Timeout:         5 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "text",
			DropLogRate: 1,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9153",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
// The result is not validated, so command line flags can still fill in
// required fields; call Validate once all sources are merged.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Relay.Port == 0 {
		errs = append(errs, "relay.port is required")
	}
	if err := validateRemote(c.Relay.Remote); err != nil {
		errs = append(errs, fmt.Sprintf("relay.remote: %v", err))
	}
	if c.Relay.BufferSize < 512 || c.Relay.BufferSize > 65535 {
		errs = append(errs, "relay.buffer_size must be between 512 and 65535")
	}

	switch c.Resolver.Backend {
	case "system":
	case "dns":
		if len(c.Resolver.Servers) == 0 {
			errs = append(errs, "resolver.servers is required for the dns backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid resolver.backend: %s (must be system or dns)", c.Resolver.Backend))
	}
	switch c.Resolver.Network {
	case "", "ip4", "ip6":
	default:
		errs = append(errs, fmt.Sprintf("invalid resolver.network: %s (must be empty, ip4 or ip6)", c.Resolver.Network))
	}
	if c.Resolver.RetryInterval <= 0 {
		errs = append(errs, "resolver.retry_interval must be positive")
	}
	if c.Resolver.RefreshInterval < c.Resolver.RetryInterval {
		errs = append(errs, "resolver.refresh_interval must be >= retry_interval")
	}
	if c.Resolver.Timeout <= 0 {
		errs = append(errs, "resolver.timeout must be positive")
	}

	if !logging.IsValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be trace, debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Log.DropLogRate < 0 {
		errs = append(errs, "log.drop_log_rate must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// validateRemote checks for a host:port pair with a numeric port.
func validateRemote(remote string) error {
	if remote == "" {
		return fmt.Errorf("required")
	}
	host, port, err := net.SplitHostPort(remote)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host in %q", remote)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// String returns the config as YAML (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
