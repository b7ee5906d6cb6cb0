//go:build windows

package trust

import (
	"errors"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/tinywall/pipeguard/pkg/types"
)

var procWinVerifyTrust = windows.NewLazySystemDLL("wintrust.dll").NewProc("WinVerifyTrust")

func verifyFile(path string) (Verdict, error) {
	if err := procWinVerifyTrust.Find(); err != nil {
		return VerdictInvalid, types.WrapError(types.ErrCodeUnavailable, "WinVerifyTrust is not available", err)
	}

	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return VerdictInvalid, types.WrapError(types.ErrCodeInvalidArgument, "invalid file path", err)
	}

	fileInfo := &windows.WinTrustFileInfo{
		Size:     uint32(unsafe.Sizeof(windows.WinTrustFileInfo{})),
		FilePath: pathPtr,
	}
	data := &windows.WinTrustData{
		Size:                            uint32(unsafe.Sizeof(windows.WinTrustData{})),
		UIChoice:                        windows.WTD_UI_NONE,
		RevocationChecks:                windows.WTD_REVOKE_WHOLECHAIN,
		UnionChoice:                     windows.WTD_CHOICE_FILE,
		FileOrCatalogOrBlobOrSgnrOrCert: unsafe.Pointer(fileInfo),
		StateAction:                     windows.WTD_STATEACTION_VERIFY,
		ProvFlags:                       provFlags(),
		UIContext:                       windows.WTD_UICONTEXT_EXECUTE,
	}

	action := windows.WINTRUST_ACTION_GENERIC_VERIFY_V2
	r1, _, e1 := procWinVerifyTrust.Call(
		uintptr(windows.InvalidHandle),
		uintptr(unsafe.Pointer(&action)),
		uintptr(unsafe.Pointer(data)),
	)
	status, lastErr := uint32(r1), lastErrorCode(e1)

	// The verify call may leave provider state behind; it must be released
	// whatever the outcome.
	data.StateAction = windows.WTD_STATEACTION_CLOSE
	_ = windows.WinVerifyTrustEx(windows.HWND(windows.InvalidHandle), &action, data)
	runtime.KeepAlive(fileInfo)
	runtime.KeepAlive(pathPtr)

	return classifyResult(status, lastErr), nil
}

func provFlags() uint32 {
	flags := uint32(windows.WTD_REVOCATION_CHECK_CHAIN | windows.WTD_CACHE_ONLY_URL_RETRIEVAL)
	v := windows.RtlGetVersion()
	if disallowWeakDigests(v.MajorVersion, v.MinorVersion, v.ServicePackMajor) {
		flags |= windows.WTD_DISABLE_MD2_MD4
	}
	return flags
}

// lastErrorCode extracts the GetLastError value captured by a proc call
func lastErrorCode(err error) uint32 {
	if err == nil {
		return statusSuccess
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	return ^uint32(0)
}
