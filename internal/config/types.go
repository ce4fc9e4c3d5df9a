package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Cwd is the base for relative Folder, Map and TLS paths.
	Cwd     string  `yaml:"cwd"`
	Folder  string  `yaml:"folder"`
	Index   string  `yaml:"index" validate:"required"`
	History History `yaml:"history"`
	Root    string  `yaml:"root"`
	Map     string  `yaml:"map"`

	Server  ServerConfig  `yaml:"server"`
	CORS    CORSConfig    `yaml:"cors"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`

	// HistoryPath is the absolute history fallback file, set by Normalize.
	HistoryPath string `yaml:"-"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=0,max=65535"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"min=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`
	TLS             TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `yaml:"key_file" validate:"required_with=CertFile"`
}

// Enabled reports whether the listener should speak TLS.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

type CORSConfig struct {
	Enabled bool `yaml:"enabled"`
	// Cookie adds Access-Control-Allow-Credentials.
	Cookie bool `yaml:"cookie"`
	// AutoPreflight answers OPTIONS requests directly. It implies Enabled.
	AutoPreflight bool `yaml:"auto_preflight"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port" validate:"min=0,max=65535"`
	Path           string        `yaml:"path" validate:"required,startswith=/"`
	LatencyBuckets []float64     `yaml:"latency_buckets,omitempty" validate:"dive,gt=0"`
	// HealthInterval is how often /health re-checks the folder and files.
	HealthInterval time.Duration `yaml:"health_interval" validate:"min=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// History is the history fallback option: off, on (reuse the index file),
// or a specific file name relative to the folder.
type History struct {
	Enabled bool
	File    string
}

// ParseHistory reads the command line form: "true" reuses the index,
// "" and "false" disable the fallback, anything else names a file.
func ParseHistory(s string) History {
	if b, err := strconv.ParseBool(s); err == nil {
		return History{Enabled: b}
	}
	return History{Enabled: s != "", File: s}
}

func (h *History) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: history must be a boolean or a file name", node.Line)
	}
	switch node.Tag {
	case "!!null":
		*h = History{}
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*h = History{Enabled: b}
	default:
		*h = History{Enabled: node.Value != "", File: node.Value}
	}
	return nil
}

func (h History) String() string {
	switch {
	case !h.Enabled:
		return "false"
	case h.File == "":
		return "true"
	}
	return h.File
}

// Error is a configuration problem found before the server starts.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func errorf(format string, args ...any) error {
	return &Error{Err: fmt.Errorf(format, args...)}
}
