// Package config holds the gateway's runtime configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then WSGATE_* environment
// variables, then command-line flags that were set explicitly.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Config holds all runtime configuration.
type Config struct {
	Listen       string `yaml:"listen"`
	OpsListen    string `yaml:"ops_listen"`
	PublicHost   string `yaml:"public_host"`
	RedirectBase string `yaml:"redirect_base"`

	BackendHost string `yaml:"backend_host"`
	BackendPort uint16 `yaml:"backend_port"`
	// ProxyHeader enables PROXY v2 header injection on backend connections.
	ProxyHeader bool          `yaml:"proxy_header"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxPendingBytes caps what a client may send before its backend connection is up. 0 = unbounded.
	MaxPendingBytes int           `yaml:"max_pending_bytes"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RateGlobal    int `yaml:"rate_global"`
	RatePerClient int `yaml:"rate_per_client"`
	RateBurst     int `yaml:"rate_burst"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Debug bool `yaml:"debug"`

	// File is the YAML file the config was read from, if any.
	File string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:          ":8080",
		OpsListen:       ":9100",
		PublicHost:      "localhost:8080",
		RedirectBase:    "https://mcraft.fun/",
		BackendHost:     "localhost",
		BackendPort:     25565,
		DialTimeout:     10 * time.Second,
		MaxPendingBytes: 4 << 20,
		MaxMessageBytes: 1 << 20,
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateBurst:       20,
	}
}

// BindFlags registers one flag per setting on fs, using the current values of c as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.File, "config", "c", c.File, "YAML config file (also WSGATE_CONFIG)")
	fs.StringVar(&c.Listen, "listen", c.Listen, "WebSocket listen address")
	fs.StringVar(&c.OpsListen, "ops-listen", c.OpsListen, "metrics, health and dashboard listen address (empty disables)")
	fs.StringVar(&c.PublicHost, "public-host", c.PublicHost, "public host name advertised in redirects")
	fs.StringVar(&c.RedirectBase, "redirect-base", c.RedirectBase, "URL non-upgrade requests are redirected to")
	fs.StringVar(&c.BackendHost, "backend-host", c.BackendHost, "backend TCP host")
	fs.Uint16Var(&c.BackendPort, "backend-port", c.BackendPort, "backend TCP port")
	fs.BoolVar(&c.ProxyHeader, "proxy-header", c.ProxyHeader, "send a PROXY protocol v2 header to the backend")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "backend connect timeout (0 = none)")
	fs.IntVar(&c.MaxPendingBytes, "max-pending-bytes", c.MaxPendingBytes, "bytes buffered per client while the backend connects (0 = unbounded)")
	fs.Int64Var(&c.MaxMessageBytes, "max-message-bytes", c.MaxMessageBytes, "largest accepted WebSocket message (0 = unlimited)")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "WebSocket keepalive ping interval (0 disables)")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "deadline for a single WebSocket write")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "grace period for sessions on shutdown")
	fs.IntVar(&c.RateGlobal, "rate-global", c.RateGlobal, "new sessions per second across all clients (0 disables)")
	fs.IntVar(&c.RatePerClient, "rate-per-client", c.RatePerClient, "new sessions per second per client address (0 disables)")
	fs.IntVar(&c.RateBurst, "rate-burst", c.RateBurst, "burst size for both rate limits")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address for the shared session registry (empty = in-memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", c.RedisPassword, "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "Redis database number")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logs")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.BackendHost == "" {
		errs = append(errs, errors.New("backend_host must not be empty"))
	}
	if c.BackendPort == 0 {
		errs = append(errs, errors.New("backend_port must be between 1 and 65535"))
	}
	if c.PublicHost == "" {
		errs = append(errs, errors.New("public_host must not be empty"))
	}
	if c.RedirectBase == "" {
		errs = append(errs, errors.New("redirect_base must not be empty"))
	}
	for name, v := range map[string]int64{
		"max_pending_bytes": int64(c.MaxPendingBytes),
		"max_message_bytes": c.MaxMessageBytes,
		"rate_global":       int64(c.RateGlobal),
		"rate_per_client":   int64(c.RatePerClient),
		"rate_burst":        int64(c.RateBurst),
		"redis_db":          int64(c.RedisDB),
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	for name, d := range map[string]time.Duration{
		"dial_timeout":     c.DialTimeout,
		"ping_interval":    c.PingInterval,
		"write_timeout":    c.WriteTimeout,
		"shutdown_timeout": c.ShutdownTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}
