package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/pkg/types"
)

var remoteVersion bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of this binary or of the running service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !remoteVersion {
			fmt.Fprintf(cmd.OutOrStdout(), "pipeguard version %s\n", version)
			return nil
		}

		cfg, err := loadConfig(config.OverrideOptions{})
		if err != nil {
			return err
		}
		resp, err := exchange(cmd.Context(), cfg, types.NewMessage(types.MessageGetVersion))
		if err != nil {
			return err
		}
		v, err := responseText(resp, types.MessageVersion)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pipeguard service version %s\n", v)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&remoteVersion, "remote", false, "Query the running service")
}
