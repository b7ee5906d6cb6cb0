package trust

import (
	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/types"
)

// Verifier asks the operating system to verify embedded code signatures
type Verifier struct {
	logger *logger.Logger
}

var _ Oracle = (*Verifier)(nil)

// NewVerifier creates a verifier. A nil logger uses the global logger.
func NewVerifier(log *logger.Logger) *Verifier {
	return &Verifier{
		logger: logger.OrDefault(log).With("component", "trust_verifier"),
	}
}

// Verify returns the verdict for the file at path. A missing or unreadable
// file produces a verdict, not an error; errors mean the OS trust facility
// could not be called at all.
func (v *Verifier) Verify(path string) (Verdict, error) {
	if path == "" {
		return VerdictInvalid, types.NewError(types.ErrCodeInvalidArgument, "path cannot be empty")
	}

	verdict, err := verifyFile(path)
	if err != nil {
		v.logger.Error("Signature verification unavailable", "path", path, "error", err)
		return VerdictInvalid, err
	}

	v.logger.Debug("Signature verified", "path", path, "verdict", verdict.String())
	return verdict, nil
}
