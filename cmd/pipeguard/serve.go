package main

import (
	"github.com/spf13/cobra"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/pkg/service"
)

var (
	clientPath  string
	readTimeout string
	selfCheck   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the IPC service until interrupted",
	Long: `serve creates the channel and answers requests from the trusted client
executable until SIGINT or SIGTERM. Connections from any other executable are
closed without a response.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	overrides := config.OverrideOptions{ExpectedClientPath: clientPath}
	if readTimeout != "" {
		d, err := parseDuration("read-timeout", readTimeout)
		if err != nil {
			return err
		}
		overrides.ReadTimeout = d
	}

	cfg, err := loadConfig(overrides)
	if err != nil {
		return err
	}
	rootLog.Info("Starting pipeguard", "version", version, "config", cfg.String())

	result, err := service.Bootstrap(cmd.Context(), service.BootstrapConfig{
		Config:    *cfg,
		Logger:    rootLog,
		Version:   version,
		SelfCheck: selfCheck,
	})
	if err != nil {
		rootLog.Error("Failed to start service", "error", err)
		return err
	}
	srv, shutdown := result.Server, result.Shutdown
	shutdown.Start()
	defer shutdown.Stop()

	rootLog.Info("pipeguard is running. Press Ctrl+C to stop.", "address", srv.Addr())
	<-shutdown.Done()

	rootLog.Info("pipeguard stopped", "reason", shutdown.ShutdownReason(), "stats", srv.Stats().String())
	return rootLog.Close()
}

func init() {
	serveCmd.Flags().StringVar(&clientPath, "client", "",
		"Full path of the only executable allowed to connect (default: this executable)")
	serveCmd.Flags().StringVar(&readTimeout, "read-timeout", "",
		"Request read timeout, e.g. 3s (default: from config or env)")
	serveCmd.Flags().BoolVar(&selfCheck, "self-check", false,
		"Ping the service after startup (only works when this executable is the client)")
}
