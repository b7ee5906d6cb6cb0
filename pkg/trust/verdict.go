package trust

import (
	"fmt"
	"strings"

	"github.com/tinywall/pipeguard/pkg/types"
)

// Verdict is the outcome of a signature verification
type Verdict int

const (
	VerdictMissing Verdict = iota
	VerdictValid
	VerdictInvalid
)

// String returns the wire form of the verdict
func (v Verdict) String() string {
	switch v {
	case VerdictMissing:
		return "missing"
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// MarshalText implements encoding.TextMarshaler
func (v Verdict) MarshalText() ([]byte, error) {
	switch v {
	case VerdictMissing, VerdictValid, VerdictInvalid:
		return []byte(v.String()), nil
	}
	return nil, types.NewError(types.ErrCodeInvalidArgument, "unknown verdict "+v.String())
}

// UnmarshalText implements encoding.TextUnmarshaler
func (v *Verdict) UnmarshalText(text []byte) error {
	parsed, err := ParseVerdict(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVerdict parses the wire form produced by Verdict.String
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "missing":
		return VerdictMissing, nil
	case "valid":
		return VerdictValid, nil
	case "invalid":
		return VerdictInvalid, nil
	}
	return VerdictInvalid, types.NewError(types.ErrCodeInvalidArgument, "unknown verdict: "+s)
}

// Oracle verifies the embedded signature of a file
type Oracle interface {
	Verify(path string) (Verdict, error)
}

// OracleFunc adapts a function to the Oracle interface
type OracleFunc func(path string) (Verdict, error)

// Verify implements Oracle
func (f OracleFunc) Verify(path string) (Verdict, error) {
	return f(path)
}

// WinVerifyTrust status codes that mean "there is nothing to verify"
const (
	statusSuccess            uint32 = 0x00000000
	trustENoSignature        uint32 = 0x800B0100
	trustEProviderUnknown    uint32 = 0x800B0001
	trustESubjectFormUnknown uint32 = 0x800B0003
)

// classifyStatus maps a trust provider status code to a verdict
func classifyStatus(status uint32) Verdict {
	switch status {
	case statusSuccess:
		return VerdictValid
	case trustENoSignature, trustESubjectFormUnknown, trustEProviderUnknown:
		return VerdictMissing
	default:
		return VerdictInvalid
	}
}

// classifyResult maps the outcome of a verify call to a verdict. A failed
// call is classified by the thread's last-error code; the returned status
// is used only when no last error was recorded.
func classifyResult(status, lastErr uint32) Verdict {
	if status == statusSuccess {
		return VerdictValid
	}
	if lastErr != statusSuccess {
		return classifyStatus(lastErr)
	}
	return classifyStatus(status)
}

// disallowWeakDigests reports whether MD2 and MD4 must be rejected in the
// chain. The provider flag exists from Windows 7 SP1 (6.1 SP1) onward.
func disallowWeakDigests(major, minor uint32, servicePack uint16) bool {
	switch {
	case major > 6:
		return true
	case major == 6 && minor > 1:
		return true
	case major == 6 && minor == 1:
		return servicePack > 0
	default:
		return false
	}
}
