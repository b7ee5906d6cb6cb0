package ipc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tinywall/pipeguard/internal/config"
	"github.com/tinywall/pipeguard/pkg/types"
)

// Codec turns a Message into bytes and back
type Codec interface {
	Name() string
	Marshal(msg *types.Message) ([]byte, error)
	Unmarshal(data []byte, msg *types.Message) error
}

// CodecByName returns the codec registered under name
func CodecByName(name string) (Codec, error) {
	switch name {
	case config.CodecJSON, "":
		return JSONCodec{}, nil
	case config.CodecProtobuf:
		return ProtoCodec{}, nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, "unknown codec: "+name)
	}
}

// JSONCodec encodes messages as JSON objects
type JSONCodec struct{}

func (JSONCodec) Name() string { return config.CodecJSON }

func (JSONCodec) Marshal(msg *types.Message) ([]byte, error) {
	if err := checkMessage(msg); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "failed to encode message", err)
	}
	return data, nil
}

func (JSONCodec) Unmarshal(data []byte, msg *types.Message) error {
	var decoded types.Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "failed to decode message", err)
	}
	if err := checkMessage(&decoded); err != nil {
		return err
	}
	if len(decoded.Arguments) == 0 {
		decoded.Arguments = nil
	}
	*msg = decoded
	return nil
}

// ProtoCodec encodes messages as a google.protobuf.Struct of the form
// {"type": <string>, "args": [...]}.
type ProtoCodec struct{}

const (
	protoTypeField = "type"
	protoArgsField = "args"
)

func (ProtoCodec) Name() string { return config.CodecProtobuf }

func (ProtoCodec) Marshal(msg *types.Message) ([]byte, error) {
	if err := checkMessage(msg); err != nil {
		return nil, err
	}
	args := make([]any, len(msg.Arguments))
	copy(args, msg.Arguments)

	st, err := structpb.NewStruct(map[string]any{
		protoTypeField: string(msg.Type),
		protoArgsField: args,
	})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "message arguments are not representable", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalid, "failed to encode message", err)
	}
	return data, nil
}

func (ProtoCodec) Unmarshal(data []byte, msg *types.Message) error {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return types.WrapError(types.ErrCodeInvalid, "failed to decode message", err)
	}

	fields := st.AsMap()
	t, ok := fields[protoTypeField].(string)
	if !ok {
		return types.NewError(types.ErrCodeInvalid, "message has no type")
	}

	var args []any
	if raw, present := fields[protoArgsField]; present {
		list, ok := raw.([]any)
		if !ok {
			return types.NewError(types.ErrCodeInvalid,
				fmt.Sprintf("message args is %T, not a list", raw))
		}
		if len(list) > 0 {
			args = list
		}
	}

	decoded := types.Message{Type: types.MessageType(t), Arguments: args}
	if err := checkMessage(&decoded); err != nil {
		return err
	}
	*msg = decoded
	return nil
}

func checkMessage(msg *types.Message) error {
	if msg == nil {
		return types.NewError(types.ErrCodeInvalid, "nil message")
	}
	if msg.Type == "" {
		return types.NewError(types.ErrCodeInvalid, "message type cannot be empty")
	}
	return nil
}
