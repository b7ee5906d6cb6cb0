package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/types"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "0.1.0-dev"

var (
	// CLI flags
	cfgFile     string
	logLevel    string
	logFormat   string
	logOutput   string
	channelName string
	codecName   string

	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pipeguard",
	Short: "pipeguard - trust-gated local IPC service",
	Long: `pipeguard runs a local IPC endpoint (a named pipe on Windows, a Unix
socket elsewhere) that only answers one trusted client executable, and can
ask the operating system whether a file carries a valid code signature.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error codes to process exit codes
func exitCode(err error) int {
	switch types.GetErrorCode(err) {
	case types.ErrCodePermissionDenied:
		return 3
	case types.ErrCodeUnavailable, types.ErrCodeTimeout:
		return 4
	default:
		return 1
	}
}

// loadConfig loads the config file, environment and CLI overrides, then
// initialises the global logger from the result.
func loadConfig(overrides config.OverrideOptions) (*config.Config, error) {
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, types.WrapError(types.ErrCodeNotFound, "config file not found: "+cfgFile, err)
		}
	} else {
		path, err := config.GetDefaultConfigPath()
		if err == nil {
			cfgFile = path
		}
	}

	cfg, err := config.LoadWithPath(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	overrides.ChannelName = channelName
	overrides.Codec = codecName
	overrides.LogLevel = logLevel
	overrides.LogFormat = logFormat
	overrides.LogOutput = logOutput
	cfg.ApplyOverrides(overrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	rootLog = log
	logger.SetGlobal(log)
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: <user config dir>/pipeguard/config.yaml)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: stderr)")

	rootCmd.PersistentFlags().StringVar(&channelName, "channel", "",
		"Channel name (default: "+config.DefaultChannelName+")")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", "",
		"Wire codec: json, protobuf (default: json)")

	rootCmd.AddCommand(serveCmd, sendCmd, verifyCmd, versionCmd)
}
