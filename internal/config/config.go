package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the myco command configuration.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
	Log      LogConfig    `yaml:"log"`
	Upstream string       `yaml:"upstream"` // when set, serve proxies every request here
}

// ServerConfig holds listener settings
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	TLSCert         string        `yaml:"tls_cert"`
	TLSKey          string        `yaml:"tls_key"`
	MaxHeadBytes    int           `yaml:"max_head_bytes"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ClientConfig holds outbound client and pool settings
type ClientConfig struct {
	TLSBackend       string        `yaml:"tls_backend"` // std or none
	Proxy            string        `yaml:"proxy"`       // "env" reads HTTP_PROXY and friends
	MaxIdlePerOrigin int           `yaml:"max_idle_per_origin"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level    string `yaml:"level"`     // debug, info, warn, error
	AccessDB string `yaml:"access_db"` // sqlite path for the access log; empty logs to stderr
}

// Load reads config from YAML file with graceful fallback.
// Returns default config if file doesn't exist or is malformed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), nil
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return &cfg, nil
}

// DefaultConfig returns a config with defaults and environment overrides
// applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MYCO_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("MYCO_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("MYCO_TLS_CERT"); v != "" {
		c.Server.TLSCert = v
	}
	if v := os.Getenv("MYCO_TLS_KEY"); v != "" {
		c.Server.TLSKey = v
	}
	if v := os.Getenv("MYCO_PROXY"); v != "" {
		c.Client.Proxy = v
	}
	if v := os.Getenv("MYCO_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MYCO_ACCESS_DB"); v != "" {
		c.Log.AccessDB = v
	}
	if v := os.Getenv("MYCO_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Client.MaxIdlePerOrigin = n
		}
	}
	if v := os.Getenv("MYCO_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Client.IdleTimeout = d
		}
	}
	if v := os.Getenv("MYCO_UPSTREAM"); v != "" {
		c.Upstream = v
	}
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 2 * time.Minute
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Client.TLSBackend == "" {
		c.Client.TLSBackend = "std"
	}
	if c.Client.MaxIdlePerOrigin == 0 {
		c.Client.MaxIdlePerOrigin = 8
	}
	if c.Client.IdleTimeout == 0 {
		c.Client.IdleTimeout = 90 * time.Second
	}
	if c.Client.DialTimeout == 0 {
		c.Client.DialTimeout = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// TLSEnabled reports whether both a certificate and a key are configured.
func (s ServerConfig) TLSEnabled() bool {
	return s.TLSCert != "" && s.TLSKey != ""
}
