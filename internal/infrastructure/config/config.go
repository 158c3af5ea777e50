package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable. Nested sections add
// their own segment: FLY_ISOLATE_ENTRY, FLY_COMPILER_MODE, FLY_LOG_LEVEL.
const Prefix = "FLY"

// Transports an isolate can use to reach its host.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "ws"
	TransportGRPC      = "grpc"
)

// Compiler modes.
const (
	ModeTranspile = "transpile"
	ModeScript    = "script"
)

// Config holds all runtime configuration.
type Config struct {
	Isolate  IsolateConfig
	Compiler CompilerConfig
	Dev      DevConfig
	Logging  LogConfig `envconfig:"LOG"`
}

// IsolateConfig controls one isolate process.
type IsolateConfig struct {
	Entry          string        `envconfig:"ENTRY" default:"index.js"`
	WorkingURL     string        `envconfig:"WORKING_URL" default:"file:///"`
	Transport      string        `envconfig:"TRANSPORT" default:"stdio"`
	HostAddr       string        `envconfig:"HOST_ADDR" default:"localhost:50060"`
	CommandTimeout time.Duration `envconfig:"COMMAND_TIMEOUT" default:"0s"`
	MaxCallStack   int           `envconfig:"MAX_CALL_STACK" default:"4096"`
}

// CompilerConfig selects the language service.
type CompilerConfig struct {
	Mode   string `envconfig:"MODE" default:"transpile"`
	Target string `envconfig:"TARGET" default:"es2017"`
}

// DevConfig configures the development host.
type DevConfig struct {
	HTTPAddr    string  `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr    string  `envconfig:"GRPC_ADDR" default:":50060"`
	FetchRPS    float64 `envconfig:"FETCH_RPS" default:"50"`
	FetchBurst  int     `envconfig:"FETCH_BURST" default:"100"`
	SecretsFile string  `envconfig:"SECRETS_FILE"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// Load reads configuration from FLY_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns the
// defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Isolate: IsolateConfig{
			Entry:        "index.js",
			WorkingURL:   "file:///",
			Transport:    TransportStdio,
			HostAddr:     "localhost:50060",
			MaxCallStack: 4096,
		},
		Compiler: CompilerConfig{
			Mode:   ModeTranspile,
			Target: "es2017",
		},
		Dev: DevConfig{
			HTTPAddr:   ":8080",
			GRPCAddr:   ":50060",
			FetchRPS:   50,
			FetchBurst: 100,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects values the runtime cannot act on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Isolate.Transport {
	case TransportStdio, TransportWebSocket, TransportGRPC:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Isolate.Transport))
	}
	if c.Isolate.Entry == "" {
		errs = append(errs, errors.New("entry is required"))
	}
	if c.Isolate.CommandTimeout < 0 {
		errs = append(errs, errors.New("command timeout must not be negative"))
	}

	switch c.Compiler.Mode {
	case ModeTranspile, ModeScript:
	default:
		errs = append(errs, fmt.Errorf("unknown compiler mode %q", c.Compiler.Mode))
	}

	if c.Dev.FetchRPS <= 0 {
		errs = append(errs, errors.New("fetch rate must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
