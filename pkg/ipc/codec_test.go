package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/pkg/types"
)

func TestCodecByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: config.CodecJSON},
		{name: config.CodecJSON, want: config.CodecJSON},
		{name: config.CodecProtobuf, want: config.CodecProtobuf},
		{name: "msgpack", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := CodecByName(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, codec.Name())
		})
	}
}

func TestJSONCodecWireFormat(t *testing.T) {
	data, err := JSONCodec{}.Marshal(types.NewMessage(types.MessageVerifySignature, `C:\bin\tool.exe`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"verify_signature","args":["C:\\bin\\tool.exe"]}`, string(data))

	data, err = JSONCodec{}.Marshal(types.NewMessage(types.MessagePing))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestJSONCodecUnmarshal(t *testing.T) {
	var msg types.Message
	require.NoError(t, JSONCodec{}.Unmarshal([]byte(`{"type":"ping","args":[]}`), &msg))
	assert.Equal(t, types.MessagePing, msg.Type)
	assert.Nil(t, msg.Arguments)

	require.NoError(t, JSONCodec{}.Unmarshal([]byte(`{"type":"ping","args":["a",1,null]}`), &msg))
	assert.Equal(t, []any{"a", float64(1), nil}, msg.Arguments)

	for _, bad := range []string{`{"args":[]}`, `[]`, `{"type":`, `{"type":"ping","args":"x"}`} {
		err := JSONCodec{}.Unmarshal([]byte(bad), &msg)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid), "input %q: %v", bad, err)
	}
}

func TestProtoCodecRoundTrip(t *testing.T) {
	codec := ProtoCodec{}
	in := types.NewMessage(types.MessageVerdict, "valid", float64(3), false, nil)

	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out types.Message
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, *in, out)

	data, err = codec.Marshal(types.NewMessage(types.MessagePing))
	require.NoError(t, err)
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, types.MessagePing, out.Type)
	assert.Nil(t, out.Arguments)
}

func TestProtoCodecRejectsUnrepresentableArgs(t *testing.T) {
	_, err := ProtoCodec{}.Marshal(types.NewMessage(types.MessagePing, struct{}{}))
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
}

func TestProtoCodecUnmarshalErrors(t *testing.T) {
	var msg types.Message

	err := ProtoCodec{}.Unmarshal([]byte{0xff, 0xff, 0xff}, &msg)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))

	noType, err := structpb.NewStruct(map[string]any{"args": []any{"x"}})
	require.NoError(t, err)
	data, err := proto.Marshal(noType)
	require.NoError(t, err)
	err = ProtoCodec{}.Unmarshal(data, &msg)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))

	badArgs, err := structpb.NewStruct(map[string]any{"type": "ping", "args": "x"})
	require.NoError(t, err)
	data, err = proto.Marshal(badArgs)
	require.NoError(t, err)
	err = ProtoCodec{}.Unmarshal(data, &msg)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
}

func TestCodecsRejectEmptyType(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		_, err := codec.Marshal(&types.Message{})
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid), codec.Name())

		_, err = codec.Marshal(nil)
		assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid), codec.Name())
	}
}
