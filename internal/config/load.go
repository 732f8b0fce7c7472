package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WSGATE_"

// LoadFile overlays the YAML file at path onto c. Keys absent from the file keep their value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	c.File = path
	return nil
}

// ApplyEnv applies WSGATE_* overrides from the environment.
// Values that fail to parse are returned as an error instead of being ignored.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var firstErr error
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = i
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = d
		}
	}

	str("LISTEN", &c.Listen)
	str("OPS_LISTEN", &c.OpsListen)
	str("PUBLIC_HOST", &c.PublicHost)
	str("REDIRECT_BASE", &c.RedirectBase)
	str("BACKEND_HOST", &c.BackendHost)
	if v, ok := get("BACKEND_PORT"); ok {
		p, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			fail("BACKEND_PORT", err)
		} else {
			c.BackendPort = uint16(p)
		}
	}
	boolean("PROXY_HEADER", &c.ProxyHeader)
	duration("DIAL_TIMEOUT", &c.DialTimeout)
	integer("MAX_PENDING_BYTES", &c.MaxPendingBytes)
	if v, ok := get("MAX_MESSAGE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail("MAX_MESSAGE_BYTES", err)
		} else {
			c.MaxMessageBytes = n
		}
	}
	duration("PING_INTERVAL", &c.PingInterval)
	duration("WRITE_TIMEOUT", &c.WriteTimeout)
	duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	integer("RATE_GLOBAL", &c.RateGlobal)
	integer("RATE_PER_CLIENT", &c.RatePerClient)
	integer("RATE_BURST", &c.RateBurst)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	integer("REDIS_DB", &c.RedisDB)
	boolean("DEBUG", &c.Debug)
	return firstErr
}

// Load builds the configuration for a command line: defaults, then the config file named by
// --config or WSGATE_CONFIG, then the environment, then flags given in args. The result is validated.
func Load(name string, args []string) (*Config, error) {
	return load(name, args, os.LookupEnv)
}

func load(name string, args []string, lookup func(string) (string, bool)) (*Config, error) {
	// First pass only locates the config file.
	probe := Default()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	probe.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	path := probe.File
	if path == "" {
		path, _ = lookup(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	// Second pass: flags bound to the layered values, so only explicit flags change them.
	fs = pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.File == "" {
		cfg.File = path
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
