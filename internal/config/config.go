package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinywall/pipeguard/pkg/types"
)

// Config represents the complete configuration for the pipeguard service
type Config struct {
	IPC     IPCConfig     `json:"ipc" yaml:"ipc"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Service ServiceConfig `json:"service" yaml:"service"`
}

// IPCConfig contains the local channel and server configuration
type IPCConfig struct {
	// ChannelName is agreed out of band between the service and its client.
	ChannelName string `json:"channel_name" yaml:"channel_name"`
	// ExpectedClientPath is the only executable allowed to talk to the
	// server. Empty means this executable's own path.
	ExpectedClientPath string        `json:"expected_client_path" yaml:"expected_client_path"`
	ReadTimeout        time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout" yaml:"write_timeout"`
	JoinTimeout        time.Duration `json:"join_timeout" yaml:"join_timeout"`
	UnblockTimeout     time.Duration `json:"unblock_timeout" yaml:"unblock_timeout"`
	MaxMessageSize     int           `json:"max_message_size" yaml:"max_message_size"`
	Codec              string        `json:"codec" yaml:"codec"`             // json, protobuf
	SocketMode         string        `json:"socket_mode" yaml:"socket_mode"` // octal, unix only
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
	Output string `json:"output" yaml:"output"` // stdout, stderr, file path
}

// ServiceConfig contains process lifecycle configuration
type ServiceConfig struct {
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// applyDefaults fills zero-valued fields with their defaults
func applyDefaults(cfg *Config) {
	defaultIPC := DefaultIPCConfig()
	if cfg.IPC.ChannelName == "" {
		cfg.IPC.ChannelName = defaultIPC.ChannelName
	}
	if cfg.IPC.ReadTimeout == 0 {
		cfg.IPC.ReadTimeout = defaultIPC.ReadTimeout
	}
	if cfg.IPC.WriteTimeout == 0 {
		cfg.IPC.WriteTimeout = defaultIPC.WriteTimeout
	}
	if cfg.IPC.JoinTimeout == 0 {
		cfg.IPC.JoinTimeout = defaultIPC.JoinTimeout
	}
	if cfg.IPC.UnblockTimeout == 0 {
		cfg.IPC.UnblockTimeout = defaultIPC.UnblockTimeout
	}
	if cfg.IPC.MaxMessageSize == 0 {
		cfg.IPC.MaxMessageSize = defaultIPC.MaxMessageSize
	}
	if cfg.IPC.Codec == "" {
		cfg.IPC.Codec = defaultIPC.Codec
	}
	if cfg.IPC.SocketMode == "" {
		cfg.IPC.SocketMode = defaultIPC.SocketMode
	}

	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}

	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = DefaultShutdownTimeout
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvChannelName); v != "" {
		cfg.IPC.ChannelName = v
	}
	if v := os.Getenv(EnvClientPath); v != "" {
		cfg.IPC.ExpectedClientPath = v
	}
	if v := os.Getenv(EnvReadTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvReadTimeout, err)
		}
		cfg.IPC.ReadTimeout = d
	}
	if v := os.Getenv(EnvMaxMessageSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid "+EnvMaxMessageSize, err)
		}
		cfg.IPC.MaxMessageSize = n
	}
	if v := os.Getenv(EnvCodec); v != "" {
		cfg.IPC.Codec = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvShutdownTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Service.ShutdownTimeout = d
		}
	}
	return nil
}

// Default returns a configuration populated entirely with defaults
func Default() *Config {
	return &Config{
		IPC:     DefaultIPCConfig(),
		Logging: DefaultLoggingConfig(),
		Service: ServiceConfig{ShutdownTimeout: DefaultShutdownTimeout},
	}
}

// Load creates a new Config from the default config file (if present),
// then environment variables.
func Load() (*Config, error) {
	configPath, err := GetDefaultConfigPath()
	if err != nil {
		configPath = ""
	}
	return LoadWithPath(configPath)
}

// LoadWithPath is Load with an explicit config file path. A path that does
// not exist yields the defaults.
func LoadWithPath(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	if err := c.IPC.Validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log level: "+c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "invalid log format: "+c.Logging.Format)
	}

	if c.Service.ShutdownTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "service shutdown timeout must be positive")
	}
	return nil
}

// Validate checks the IPC configuration for validity
func (c IPCConfig) Validate() error {
	if strings.TrimSpace(c.ChannelName) == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc channel name cannot be empty")
	}
	if c.ReadTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc read timeout must be positive")
	}
	if c.WriteTimeout < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc write timeout cannot be negative")
	}
	if c.JoinTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc join timeout must be positive")
	}
	if c.UnblockTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "ipc unblock timeout must be positive")
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > MaxMessageSizeLimit {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("ipc max message size must be in (0, %d], got %d", MaxMessageSizeLimit, c.MaxMessageSize))
	}
	switch c.Codec {
	case CodecJSON, CodecProtobuf:
	default:
		return types.NewError(types.ErrCodeInvalidArgument, "unknown ipc codec: "+c.Codec)
	}
	if _, err := c.FileMode(); err != nil {
		return err
	}
	return nil
}

// FileMode parses SocketMode as an octal permission set
func (c IPCConfig) FileMode() (os.FileMode, error) {
	if c.SocketMode == "" {
		return os.FileMode(DefaultSocketMode), nil
	}
	mode, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, types.NewError(types.ErrCodeInvalidArgument, "invalid ipc socket mode: "+c.SocketMode)
	}
	return os.FileMode(mode), nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{IPC: %s, Logging: %s, Service: %s}",
		c.IPC.String(), c.Logging.String(), c.Service.String())
}

// ApplyOverrides applies CLI flag-style overrides to the configuration.
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.ChannelName != "" {
		c.IPC.ChannelName = opts.ChannelName
	}
	if opts.ExpectedClientPath != "" {
		c.IPC.ExpectedClientPath = opts.ExpectedClientPath
	}
	if opts.ReadTimeout > 0 {
		c.IPC.ReadTimeout = opts.ReadTimeout
	}
	if opts.Codec != "" {
		c.IPC.Codec = strings.ToLower(opts.Codec)
	}

	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
}

// OverrideOptions contains override options typically set via CLI flags
type OverrideOptions struct {
	ChannelName        string
	ExpectedClientPath string
	ReadTimeout        time.Duration
	Codec              string

	LogLevel  string
	LogFormat string
	LogOutput string
}

func (c IPCConfig) String() string {
	return fmt.Sprintf("IPCConfig{Channel: %s, Client: %s, ReadTimeout: %s, MaxMessageSize: %d, Codec: %s}",
		c.ChannelName, c.ExpectedClientPath, c.ReadTimeout, c.MaxMessageSize, c.Codec)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c ServiceConfig) String() string {
	return fmt.Sprintf("ServiceConfig{ShutdownTimeout: %s}", c.ShutdownTimeout)
}
