package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
// This should only be called from tests
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the pipeguard configuration directory
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "pipeguard"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvChannelName     = "PIPEGUARD_CHANNEL"
	EnvClientPath      = "PIPEGUARD_CLIENT_PATH"
	EnvReadTimeout     = "PIPEGUARD_READ_TIMEOUT"
	EnvMaxMessageSize  = "PIPEGUARD_MAX_MESSAGE_SIZE"
	EnvCodec           = "PIPEGUARD_CODEC"
	EnvLogLevel        = "LOG_LEVEL"
	EnvLogFormat       = "LOG_FORMAT"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"
)

const (
	CodecJSON     = "json"
	CodecProtobuf = "protobuf"
)

const (
	// Default IPC settings
	DefaultChannelName    = "pipeguard"
	DefaultReadTimeout    = 3 * time.Second
	DefaultWriteTimeout   = 3 * time.Second
	DefaultJoinTimeout    = 1 * time.Second
	DefaultUnblockTimeout = 500 * time.Millisecond
	DefaultMaxMessageSize = 2048 * 10
	DefaultSocketMode     = 0o666

	// MaxMessageSizeLimit bounds any configured message size
	MaxMessageSizeLimit = 16 << 20

	// Default Logging settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	// Default Service settings
	DefaultShutdownTimeout = 10 * time.Second
)

// DefaultIPCConfig returns the default IPC configuration
func DefaultIPCConfig() IPCConfig {
	return IPCConfig{
		ChannelName:    DefaultChannelName,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		JoinTimeout:    DefaultJoinTimeout,
		UnblockTimeout: DefaultUnblockTimeout,
		MaxMessageSize: DefaultMaxMessageSize,
		Codec:          CodecJSON,
		SocketMode:     "0666",
	}
}

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  DefaultLogLevel,
		Format: DefaultLogFormat,
		Output: "stderr",
	}
}
