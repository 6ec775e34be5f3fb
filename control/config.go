// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Daemon configuration: YAML loading, defaults, validation and environment
// overrides.

package control

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/momentics/policyd/api"
	"github.com/momentics/policyd/reactor"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("control: invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Listen           []ListenConfig       `yaml:"listen"`
	RequestLineLimit int                  `yaml:"request_line_limit"`
	DefaultVerdict   api.Verdict          `yaml:"default_verdict"`
	IOBackend        string               `yaml:"io_backend"`
	IOWaitTimeout    time.Duration        `yaml:"io_wait_timeout"`
	IdleTimeout      time.Duration        `yaml:"idle_timeout"`
	MaxConnections   int                  `yaml:"max_connections"`
	WriteTimeout     time.Duration        `yaml:"write_timeout"`
	ShutdownTimeout  time.Duration        `yaml:"shutdown_timeout"`
	WorkerPool       WorkerPoolConfig     `yaml:"worker_pool"`
	Logging          LoggingConfig        `yaml:"logging"`
	Metrics          MetricsConfig        `yaml:"metrics"`
	Plugins          map[string]yaml.Node `yaml:"plugins"`
}

// ListenConfig is one listening endpoint.
type ListenConfig struct {
	Network string `yaml:"network"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Address returns the dial-style address of the endpoint.
func (l ListenConfig) Address() string {
	if l.Network == "unix" {
		return l.Path
	}
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// WorkerPoolConfig sizes the request worker pool.
type WorkerPoolConfig struct {
	Threads      int           `yaml:"threads"`
	MaxLimit     int           `yaml:"max_limit"`
	AddStep      int           `yaml:"add_step"`
	AddPeriod    time.Duration `yaml:"add_period"`
	RemoveStep   int           `yaml:"remove_step"`
	RemovePeriod time.Duration `yaml:"remove_period"`
	AutoRemove   bool          `yaml:"auto_remove"`
	Exclusive    bool          `yaml:"exclusive"`
}

// LoggingConfig selects level, encoding and destination of the root logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig controls the HTTP metrics and debug endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

// Defaults.
const (
	DefaultRequestLineLimit = 4096
	DefaultIOBackend        = "epoll"
	DefaultIOWaitTimeout    = time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultThreads          = 5
	DefaultMaxLimit         = 40
	DefaultAddPeriod        = 5 * time.Second
	DefaultMetricsAddress   = "127.0.0.1:9750"
	DefaultMetricsPath      = "/metrics"
)

// LoadConfig reads, defaults and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML content into a defaulted, validated Config.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads path and then applies POLICYD_*
// environment variables on top of the file values.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnvOverrides(cfg, os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid after environment overrides: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if len(c.Listen) == 0 {
		c.Listen = []ListenConfig{{Network: "tcp", Host: "127.0.0.1", Port: 10031}}
	}
	for i := range c.Listen {
		if c.Listen[i].Network == "" {
			if c.Listen[i].Path != "" {
				c.Listen[i].Network = "unix"
			} else {
				c.Listen[i].Network = "tcp"
			}
		}
	}
	if c.RequestLineLimit == 0 {
		c.RequestLineLimit = DefaultRequestLineLimit
	}
	if c.IOBackend == "" {
		c.IOBackend = DefaultIOBackend
	}
	if c.IOWaitTimeout == 0 {
		c.IOWaitTimeout = DefaultIOWaitTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}

	wp := &c.WorkerPool
	if wp.Threads == 0 {
		wp.Threads = DefaultThreads
	}
	if wp.MaxLimit == 0 {
		wp.MaxLimit = max(DefaultMaxLimit, wp.Threads)
	}
	if wp.AddStep == 0 {
		wp.AddStep = 1
	}
	if wp.AddPeriod == 0 {
		wp.AddPeriod = DefaultAddPeriod
	}
	if wp.RemoveStep == 0 {
		wp.RemoveStep = wp.AddStep
	}
	if wp.RemovePeriod == 0 {
		wp.RemovePeriod = 2 * wp.AddPeriod
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}
	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = DefaultMetricsAddress
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate reports the first inconsistency found.
func (c *Config) Validate() error {
	for i, l := range c.Listen {
		switch l.Network {
		case "tcp", "tcp4", "tcp6":
			if l.Port < 0 || l.Port > 65535 {
				return fmt.Errorf("%w: listen[%d]: port %d out of range", ErrInvalidConfig, i, l.Port)
			}
		case "unix":
			if l.Path == "" {
				return fmt.Errorf("%w: listen[%d]: unix listener needs a path", ErrInvalidConfig, i)
			}
		default:
			return fmt.Errorf("%w: listen[%d]: unknown network %q", ErrInvalidConfig, i, l.Network)
		}
	}
	if c.RequestLineLimit < 16 {
		return fmt.Errorf("%w: request_line_limit %d too small", ErrInvalidConfig, c.RequestLineLimit)
	}
	if !c.DefaultVerdict.Valid() {
		return fmt.Errorf("%w: default_verdict %d", ErrInvalidConfig, int(c.DefaultVerdict))
	}
	if _, err := reactor.ParseKind(c.IOBackend); err != nil {
		return fmt.Errorf("%w: io_backend %q", ErrInvalidConfig, c.IOBackend)
	}
	if c.IOWaitTimeout < 0 || c.IdleTimeout < 0 || c.WriteTimeout < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections %d", ErrInvalidConfig, c.MaxConnections)
	}

	wp := c.WorkerPool
	if wp.Threads < 1 {
		return fmt.Errorf("%w: worker_pool.threads must be at least 1", ErrInvalidConfig)
	}
	if wp.MaxLimit < wp.Threads {
		return fmt.Errorf("%w: worker_pool.max_limit %d below threads %d", ErrInvalidConfig, wp.MaxLimit, wp.Threads)
	}
	if wp.AddStep < 1 || wp.RemoveStep < 1 {
		return fmt.Errorf("%w: worker_pool steps must be positive", ErrInvalidConfig)
	}
	if wp.AddPeriod <= 0 || wp.RemovePeriod <= 0 {
		return fmt.Errorf("%w: worker_pool periods must be positive", ErrInvalidConfig)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, c.Logging.Level)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics.path must start with /", ErrInvalidConfig)
	}
	return nil
}

// Backend returns the configured multiplexer kind.
func (c *Config) Backend() reactor.Kind {
	k, _ := reactor.ParseKind(c.IOBackend)
	return k
}

// PluginEnabled reports whether a section exists for name.
func (c *Config) PluginEnabled(name string) bool {
	_, ok := c.Plugins[name]
	return ok
}

func applyEnvOverrides(c *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("POLICYD_IO_BACKEND", &c.IOBackend)
	str("POLICYD_LOG_LEVEL", &c.Logging.Level)
	str("POLICYD_LOG_FORMAT", &c.Logging.Format)
	str("POLICYD_LOG_OUTPUT", &c.Logging.Output)
	str("POLICYD_METRICS_LISTEN_ADDRESS", &c.Metrics.ListenAddress)

	if v := getenv("POLICYD_DEFAULT_VERDICT"); v != "" {
		verdict, err := api.ParseVerdict(v)
		if err != nil {
			return fmt.Errorf("invalid POLICYD_DEFAULT_VERDICT: %w", err)
		}
		c.DefaultVerdict = verdict
	}
	if v := getenv("POLICYD_METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid POLICYD_METRICS_ENABLED: %w", err)
		}
		c.Metrics.Enabled = b
	}

	for _, f := range []func() error{
		func() error { return num("POLICYD_REQUEST_LINE_LIMIT", &c.RequestLineLimit) },
		func() error { return num("POLICYD_MAX_CONNECTIONS", &c.MaxConnections) },
		func() error { return num("POLICYD_WORKER_THREADS", &c.WorkerPool.Threads) },
		func() error { return num("POLICYD_WORKER_MAX_LIMIT", &c.WorkerPool.MaxLimit) },
		func() error { return dur("POLICYD_IDLE_TIMEOUT", &c.IdleTimeout) },
		func() error { return dur("POLICYD_IO_WAIT_TIMEOUT", &c.IOWaitTimeout) },
		func() error { return dur("POLICYD_WRITE_TIMEOUT", &c.WriteTimeout) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}
