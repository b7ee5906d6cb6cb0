package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/pkg/ipc"
	"github.com/tinywall/pipeguard/pkg/types"
)

var (
	sendTimeout string
	jsonArgs    bool
)

var sendCmd = &cobra.Command{
	Use:   "send <type> [args...]",
	Short: "Send one message to a running service and print the response",
	Example: `  pipeguard send ping hello
  pipeguard send --json verify_signature '"C:\\Program Files\\app.exe"'`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.OverrideOptions{})
	if err != nil {
		return err
	}

	req, err := buildMessage(args[0], args[1:], jsonArgs)
	if err != nil {
		return err
	}

	resp, err := exchange(cmd.Context(), cfg, req)
	if err != nil {
		return err
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to print response", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// buildMessage turns CLI arguments into a request. With asJSON each argument
// is decoded as a JSON value; otherwise every argument is a string.
func buildMessage(typ string, args []string, asJSON bool) (*types.Message, error) {
	values := make([]any, 0, len(args))
	for i, a := range args {
		if !asJSON {
			values = append(values, a)
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			return nil, types.WrapError(types.ErrCodeInvalidArgument, fmt.Sprintf("argument %d is not valid JSON", i+1), err)
		}
		values = append(values, v)
	}
	return types.NewMessage(types.MessageType(typ), values...), nil
}

// exchange performs one request/response with the configured service
func exchange(ctx context.Context, cfg *config.Config, req *types.Message) (*types.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := cfg.IPC.ReadTimeout
	if sendTimeout != "" {
		d, err := parseDuration("timeout", sendTimeout)
		if err != nil {
			return nil, err
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rootLog.Debug("Sending request", "address", ipc.Address(cfg.IPC.ChannelName), "type", req.Type)
	return ipc.Exchange(ctx, cfg.IPC, req)
}

func parseDuration(flag, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid --%s %q", flag, value))
	}
	return d, nil
}

func init() {
	sendCmd.Flags().BoolVar(&jsonArgs, "json", false, "Decode each argument as a JSON value")
	rootCmd.PersistentFlags().StringVar(&sendTimeout, "timeout", "",
		"Client timeout for send, verify --remote and version --remote (default: read timeout)")
}
