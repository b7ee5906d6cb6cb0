//go:build !windows

package trust

import (
	"runtime"

	"github.com/tinywall/pipeguard/pkg/types"
)

func verifyFile(path string) (Verdict, error) {
	return VerdictInvalid, types.NewError(types.ErrCodeUnavailable,
		"no native code signing facility on "+runtime.GOOS)
}
