package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/relaypoint/devserve/internal/urlpath"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func DefaultConfig() *Config {
	return &Config{
		Index: "index.html",
		Server: ServerConfig{
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		CORS: CORSConfig{
			AutoPreflight: true,
		},
		Metrics: MetricsConfig{
			Enabled:        false,
			Port:           9090,
			Path:           "/metrics",
			LatencyBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			HealthInterval: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML configuration file over the defaults and validates it.
// Call Normalize before use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errorf("invalid configuration: %w", err)
	}

	if c.Metrics.Enabled && c.Server.Port != 0 && c.Metrics.Port == c.Server.Port {
		return errorf("metrics port %d collides with server port", c.Metrics.Port)
	}

	return nil
}

// Normalize resolves paths and derived options, and checks that the folder,
// the history file and the TLS files exist. It must run before the
// listener is bound.
func (c *Config) Normalize() error {
	cwd := c.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return errorf("cannot determine working directory: %w", err)
		}
		cwd = wd
	}
	cwd, err := filepath.Abs(cwd)
	if err != nil {
		return errorf("invalid cwd %q: %w", c.Cwd, err)
	}
	c.Cwd = cwd

	c.Folder = resolve(cwd, c.Folder)
	if info, err := os.Stat(c.Folder); err != nil || !info.IsDir() {
		return errorf("the folder does not exist - %s", c.Folder)
	}

	if c.Map != "" {
		c.Map = resolve(cwd, c.Map)
	}

	c.Root = urlpath.NormalizeRoot(c.Root)

	c.HistoryPath = ""
	if c.History.Enabled {
		name := c.History.File
		if name == "" {
			name = c.Index
		}
		c.HistoryPath = filepath.Join(c.Folder, filepath.FromSlash(path.Clean("/"+name)))
		if info, err := os.Stat(c.HistoryPath); err != nil || !info.Mode().IsRegular() {
			return errorf("the history fallback file does not exist - %s", c.HistoryPath)
		}
	}

	if c.CORS.AutoPreflight {
		c.CORS.Enabled = true
	}

	if c.Server.TLS.Enabled() {
		c.Server.TLS.CertFile = resolve(cwd, c.Server.TLS.CertFile)
		c.Server.TLS.KeyFile = resolve(cwd, c.Server.TLS.KeyFile)
		for _, f := range []string{c.Server.TLS.CertFile, c.Server.TLS.KeyFile} {
			if _, err := os.Stat(f); err != nil {
				return errorf("TLS file does not exist - %s", f)
			}
		}
	}

	return nil
}

// Addr is the listen address of the file server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MetricsAddr is the listen address of the admin server.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Metrics.Host, c.Metrics.Port)
}

func resolve(base, p string) string {
	if p == "" {
		return base
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}
