package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/pkg/trust"
	"github.com/tinywall/pipeguard/pkg/types"
)

var remoteVerify bool

var verifyCmd = &cobra.Command{
	Use:   "verify <path>...",
	Short: "Check the embedded code signature of files",
	Long: `verify prints missing, valid or invalid for each file. By default the
check runs in this process; with --remote it is sent to a running service.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(config.OverrideOptions{})
	if err != nil {
		return err
	}

	verifier := trust.NewVerifier(rootLog)
	for _, arg := range args {
		path, err := filepath.Abs(arg)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument, "invalid path "+arg, err)
		}

		var verdict string
		if remoteVerify {
			verdict, err = verifyRemote(cmd, cfg, path)
		} else {
			var v trust.Verdict
			v, err = verifier.Verify(path)
			verdict = v.String()
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", path, verdict)
	}
	return nil
}

func verifyRemote(cmd *cobra.Command, cfg *config.Config, path string) (string, error) {
	resp, err := exchange(cmd.Context(), cfg, types.NewMessage(types.MessageVerifySignature, path))
	if err != nil {
		return "", err
	}
	return responseText(resp, types.MessageVerdict)
}

// responseText extracts the single string argument of a response of type
// want, turning error responses into errors.
func responseText(resp *types.Message, want types.MessageType) (string, error) {
	text, err := resp.StringArg(0)
	switch {
	case resp.Type == types.MessageError:
		if err != nil {
			text = "unknown error"
		}
		return "", types.NewError(types.ErrCodeHandlerFailed, text)
	case resp.Type != want:
		return "", types.NewError(types.ErrCodeInvalid,
			fmt.Sprintf("unexpected response %s, want %s", resp.Type, want))
	case err != nil:
		return "", err
	}
	return text, nil
}

func init() {
	verifyCmd.Flags().BoolVar(&remoteVerify, "remote", false, "Ask the running service instead of verifying locally")
}
