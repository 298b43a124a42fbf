// Package config provides configuration parsing and validation for udpgate.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Size limits for the datagram buffer.
const (
	MinBufferSize = 1024
	MaxBufferSize = 65536
)

// Config represents the complete gateway configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Backend BackendConfig `yaml:"backend"`
	Relay   RelayConfig   `yaml:"relay"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ListenConfig defines the externally reachable side of the relays.
type ListenConfig struct {
	Address string `yaml:"address"` // concrete IPv4, never 0.0.0.0
	Ports   []int  `yaml:"ports"`   // one relay per port
}

// BackendConfig defines where the game server listens.
// The backend port always equals the relay's listen port.
type BackendConfig struct {
	Address string `yaml:"address"`
}

// RelayConfig holds the per-port relay tuning shared by all relays.
type RelayConfig struct {
	AdmissionDelay  time.Duration `yaml:"admission_delay"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	BanThreshold    int           `yaml:"ban_threshold"`    // 0 disables banning
	BufferSize      string        `yaml:"buffer_size"`      // e.g. 64KiB
	Multiplexer     string        `yaml:"multiplexer"`      // auto, poll, channel
	Deny            []string      `yaml:"deny"`             // static CIDR deny list
	BlockedLogRate  float64       `yaml:"blocked_log_rate"` // blocked notices per second
}

// LogConfig defines logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig defines the health and metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Ports: []int{},
		},
		Backend: BackendConfig{
			Address: "127.0.0.1",
		},
		Relay: RelayConfig{
			AdmissionDelay:  3000 * time.Millisecond, // flood tool gives up after ~2s
			IdleTimeout:     30 * time.Second,
			CleanupInterval: 30 * time.Second,
			PollTimeout:     10 * time.Second,
			BanThreshold:    4,
			BufferSize:      "64KiB",
			Multiplexer:     "auto",
			Deny:            []string{},
			BlockedLogRate:  1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9477",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
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

// Parse parses configuration from YAML bytes. The result is not validated,
// since command line arguments may still complete it.
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
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
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

// ApplyArgs overrides the listen address and ports from positional
// arguments in the form <IPv4> <port> [<port> ...].
func (c *Config) ApplyArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) < 2 {
		return fmt.Errorf("expected <IPv4> <port> [<port> ...], got %d argument(s)", len(args))
	}

	if _, err := ParseExternalIP(args[0]); err != nil {
		return err
	}

	ports := make([]int, 0, len(args)-1)
	for _, arg := range args[1:] {
		port, err := ParsePort(arg)
		if err != nil {
			return err
		}
		ports = append(ports, port)
	}

	c.Listen.Address = args[0]
	c.Listen.Ports = ports
	return nil
}

// ParseExternalIP parses the address relays listen on. It must be a concrete
// IPv4 address so that it takes priority over a server bound to 0.0.0.0.
func ParseExternalIP(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not a valid IPv4 address", s)
	}
	if addr.IsUnspecified() || addr.IsMulticast() || addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return netip.Addr{}, fmt.Errorf("%s is not a concrete unicast IPv4 address", s)
	}
	return addr, nil
}

// ParsePort parses a relay port number, accepted in the open range (0, 65535).
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || !isValidPort(port) {
		return 0, fmt.Errorf("%s is not a valid port number", s)
	}
	return port, nil
}

func isValidPort(port int) bool {
	return port > 0 && port < 65535
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Listen.Address == "" {
		errs = append(errs, "listen.address is required")
	} else if _, err := ParseExternalIP(c.Listen.Address); err != nil {
		errs = append(errs, fmt.Sprintf("listen.address: %v", err))
	}

	if len(c.Listen.Ports) == 0 {
		errs = append(errs, "listen.ports must contain at least one port")
	}
	seen := make(map[int]bool, len(c.Listen.Ports))
	for i, port := range c.Listen.Ports {
		if !isValidPort(port) {
			errs = append(errs, fmt.Sprintf("listen.ports[%d]: %d is not a valid port number", i, port))
			continue
		}
		if seen[port] {
			errs = append(errs, fmt.Sprintf("listen.ports[%d]: duplicate port %d", i, port))
		}
		seen[port] = true
	}

	if addr, err := netip.ParseAddr(c.Backend.Address); err != nil || !addr.Is4() {
		errs = append(errs, fmt.Sprintf("backend.address: %q is not a valid IPv4 address", c.Backend.Address))
	}

	if c.Relay.AdmissionDelay < 0 {
		errs = append(errs, "relay.admission_delay must not be negative")
	}
	if c.Relay.IdleTimeout <= 0 {
		errs = append(errs, "relay.idle_timeout must be positive")
	}
	if c.Relay.CleanupInterval <= 0 {
		errs = append(errs, "relay.cleanup_interval must be positive")
	}
	if c.Relay.PollTimeout <= 0 {
		errs = append(errs, "relay.poll_timeout must be positive")
	}
	if c.Relay.BanThreshold < 0 {
		errs = append(errs, "relay.ban_threshold must not be negative")
	}
	if _, err := c.BufferBytes(); err != nil {
		errs = append(errs, fmt.Sprintf("relay.buffer_size: %v", err))
	}
	if !isValidMultiplexer(c.Relay.Multiplexer) {
		errs = append(errs, fmt.Sprintf("invalid relay.multiplexer: %s (must be auto, poll, or channel)", c.Relay.Multiplexer))
	}
	for i, cidr := range c.Relay.Deny {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			errs = append(errs, fmt.Sprintf("relay.deny[%d]: invalid CIDR: %s", i, cidr))
		}
	}
	if c.Relay.BlockedLogRate < 0 {
		errs = append(errs, "relay.blocked_log_rate must not be negative")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Warnings reports settings that are valid but probably unintended.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.Relay.AdmissionDelay >= c.Relay.IdleTimeout {
		warnings = append(warnings, fmt.Sprintf(
			"relay.admission_delay (%s) is not shorter than relay.idle_timeout (%s): delayed clients may expire before they are admitted",
			c.Relay.AdmissionDelay, c.Relay.IdleTimeout))
	}
	if c.Relay.PollTimeout > c.Relay.CleanupInterval {
		warnings = append(warnings, fmt.Sprintf(
			"relay.poll_timeout (%s) exceeds relay.cleanup_interval (%s): cleanup will run late on idle relays",
			c.Relay.PollTimeout, c.Relay.CleanupInterval))
	}
	return warnings
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidMultiplexer(kind string) bool {
	switch kind {
	case "auto", "poll", "channel":
		return true
	default:
		return false
	}
}

// ListenAddr returns the parsed external address.
func (c *Config) ListenAddr() netip.Addr {
	addr, _ := ParseExternalIP(c.Listen.Address)
	return addr
}

// BackendAddr returns the parsed backend address.
func (c *Config) BackendAddr() netip.Addr {
	addr, _ := netip.ParseAddr(c.Backend.Address)
	return addr
}

// BufferBytes parses relay.buffer_size.
func (c *Config) BufferBytes() (int, error) {
	n, err := humanize.ParseBytes(c.Relay.BufferSize)
	if err != nil {
		return 0, fmt.Errorf("invalid size format '%s': %w", c.Relay.BufferSize, err)
	}
	if n < MinBufferSize || n > MaxBufferSize {
		return 0, fmt.Errorf("%s is outside %s..%s", c.Relay.BufferSize,
			humanize.IBytes(MinBufferSize), humanize.IBytes(MaxBufferSize))
	}
	return int(n), nil
}

// DenyPrefixes returns the parsed static deny list. Invalid entries are skipped;
// Validate reports them.
func (c *Config) DenyPrefixes() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(c.Relay.Deny))
	for _, cidr := range c.Relay.Deny {
		if p, err := netip.ParsePrefix(cidr); err == nil {
			prefixes = append(prefixes, p.Masked())
		}
	}
	return prefixes
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
