package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywall/pipeguard/internal/logger"
	"github.com/tinywall/pipeguard/pkg/trust"
	"github.com/tinywall/pipeguard/pkg/trust/trusttest"
	"github.com/tinywall/pipeguard/pkg/types"
)

func TestHandlerPing(t *testing.T) {
	h := NewHandler(trusttest.NewStatic(trust.VerdictValid, nil), "1.2.3", logger.NewNop())

	resp := h(types.NewMessage(types.MessagePing, "a", 1.0))
	require.NotNil(t, resp)
	assert.Equal(t, types.MessagePong, resp.Type)
	assert.Equal(t, []any{"a", 1.0}, resp.Arguments)
}

func TestHandlerGetVersion(t *testing.T) {
	h := NewHandler(nil, "1.2.3", logger.NewNop())

	resp := h(types.NewMessage(types.MessageGetVersion))
	assert.Equal(t, types.NewMessage(types.MessageVersion, "1.2.3"), resp)
}

func TestHandlerVerifySignature(t *testing.T) {
	oracle := trusttest.NewStatic(trust.VerdictMissing, map[string]trust.Verdict{
		`C:\signed.exe`:   trust.VerdictValid,
		`C:\tampered.exe`: trust.VerdictInvalid,
	})
	h := NewHandler(oracle, "dev", logger.NewNop())

	tests := []struct {
		path string
		want string
	}{
		{`C:\signed.exe`, "valid"},
		{`C:\tampered.exe`, "invalid"},
		{`C:\unsigned.exe`, "missing"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := h(types.NewMessage(types.MessageVerifySignature, tt.path))
			assert.Equal(t, types.NewMessage(types.MessageVerdict, tt.want), resp)
		})
	}

	assert.Equal(t, []string{`C:\signed.exe`, `C:\tampered.exe`, `C:\unsigned.exe`}, oracle.Calls())
}

func TestHandlerVerifySignatureBadArguments(t *testing.T) {
	oracle := trusttest.NewStatic(trust.VerdictValid, nil)
	h := NewHandler(oracle, "dev", logger.NewNop())

	for _, req := range []*types.Message{
		types.NewMessage(types.MessageVerifySignature),
		types.NewMessage(types.MessageVerifySignature, "a", "b"),
		types.NewMessage(types.MessageVerifySignature, 42.0),
	} {
		resp := h(req)
		assert.Equal(t, types.MessageError, resp.Type, "args %v", req.Arguments)
	}
	assert.Empty(t, oracle.Calls())
}

func TestHandlerVerifySignatureOracleFailure(t *testing.T) {
	h := NewHandler(trusttest.Failing(errors.New("wintrust.dll not loaded")), "dev", logger.NewNop())

	resp := h(types.NewMessage(types.MessageVerifySignature, "/bin/true"))
	require.Equal(t, types.MessageError, resp.Type)
	msg, err := resp.StringArg(0)
	require.NoError(t, err)
	assert.Contains(t, msg, "wintrust.dll not loaded")
}

func TestHandlerWithoutOracle(t *testing.T) {
	h := NewHandler(nil, "dev", logger.NewNop())

	resp := h(types.NewMessage(types.MessageVerifySignature, "/bin/true"))
	assert.Equal(t, types.MessageError, resp.Type)
}

func TestHandlerUnsupportedType(t *testing.T) {
	h := NewHandler(nil, "dev", logger.NewNop())

	for _, typ := range []types.MessageType{types.MessagePong, types.MessageVerdict, "launch_missiles"} {
		resp := h(types.NewMessage(typ))
		require.Equal(t, types.MessageError, resp.Type)
		msg, err := resp.StringArg(0)
		require.NoError(t, err)
		assert.Contains(t, msg, "unsupported message type")
	}
}
