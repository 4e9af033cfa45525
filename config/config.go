// Package config defines the monitor configuration loaded from an optional
// YAML file and overridden by command line flags.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	validator "gopkg.in/validator.v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultConsoleTimeout  = time.Minute
	defaultRuntimeTimeout  = 30 * time.Second
	defaultOrphanRetention = time.Minute
	defaultLogLevel        = "info"
)

// Configuration is the resolved monitor configuration
type Configuration struct {
	// Runtime is the path of the container runtime binary
	Runtime string `yaml:"runtime" validate:"nonzero"`

	// RuntimeRoot is passed as --root to the runtime when set
	RuntimeRoot string `yaml:"runtimeRoot"`

	// RuntimeArgs are global arguments added before the runtime command
	RuntimeArgs []string `yaml:"runtimeArgs"`

	// Socket is the path the RPC server listens on
	Socket string `yaml:"socket" validate:"nonzero"`

	// ConsoleDir holds the console sockets, empty uses the temp dir
	ConsoleDir string `yaml:"consoleDir"`

	// ConsoleTimeout bounds the wait for a terminal client
	ConsoleTimeout time.Duration `yaml:"consoleTimeout" validate:"min=1"`

	// RuntimeTimeout bounds the wait for the runtime process to exit
	RuntimeTimeout time.Duration `yaml:"runtimeTimeout" validate:"min=1"`

	// OrphanRetention bounds how long an exit of an unregistered pid is kept
	OrphanRetention time.Duration `yaml:"orphanRetention" validate:"min=1"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"logLevel"`

	// Metrics selects the metrics reporter
	Metrics MetricsConfiguration `yaml:"metrics"`
}

// Default returns the configuration with every default filled
func Default() Configuration {
	return Configuration{
		ConsoleTimeout:  defaultConsoleTimeout,
		RuntimeTimeout:  defaultRuntimeTimeout,
		OrphanRetention: defaultOrphanRetention,
		LogLevel:        defaultLogLevel,
		Metrics: MetricsConfiguration{
			Prefix:         defaultMetricsPrefix,
			ReportInterval: defaultMetricsReportInterval,
		},
	}
}

// Load reads path over the defaults, an empty path returns the defaults
func Load(path string) (Configuration, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}

// Validate checks required fields and the runtime binary
func (c *Configuration) Validate() error {
	if err := validator.Validate(c); err != nil {
		return errors.Wrap(err, "config: invalid")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	fi, err := os.Stat(c.Runtime)
	if err != nil {
		return errors.Wrap(err, "config: runtime")
	}
	if fi.IsDir() || fi.Mode()&0111 == 0 {
		return errors.Errorf("config: runtime %s is not executable", c.Runtime)
	}
	return nil
}

// Level parses LogLevel
func (c *Configuration) Level() (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, errors.Wrapf(err, "config: log level %q", c.LogLevel)
	}
	return l, nil
}

// NewLogger builds the production logger at the configured level
func (c *Configuration) NewLogger() (*zap.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}
