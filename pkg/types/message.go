package types

import "fmt"

// MessageType identifies what a Message asks for or answers with
type MessageType string

const (
	MessagePing            MessageType = "ping"
	MessagePong            MessageType = "pong"
	MessageGetVersion      MessageType = "get_version"
	MessageVersion         MessageType = "version"
	MessageVerifySignature MessageType = "verify_signature"
	MessageVerdict         MessageType = "verdict"
	MessageError           MessageType = "error"
)

// Message is the value exchanged over the local channel. One request and one
// response travel per connection.
//
// Arguments must hold JSON-compatible values (string, float64, bool, nil,
// []any, map[string]any) so that every codec can carry them unchanged.
type Message struct {
	Type      MessageType `json:"type"`
	Arguments []any       `json:"args,omitempty"`
}

// NewMessage creates a message of the given type
func NewMessage(t MessageType, args ...any) *Message {
	return &Message{Type: t, Arguments: args}
}

// NewErrorMessage creates an error response carrying a human readable reason
func NewErrorMessage(format string, a ...any) *Message {
	return NewMessage(MessageError, fmt.Sprintf(format, a...))
}

// StringArg returns argument i as a string
func (m *Message) StringArg(i int) (string, error) {
	if i < 0 || i >= len(m.Arguments) {
		return "", NewError(ErrCodeInvalidArgument, fmt.Sprintf("message %s has no argument %d", m.Type, i))
	}
	s, ok := m.Arguments[i].(string)
	if !ok {
		return "", NewError(ErrCodeInvalidArgument,
			fmt.Sprintf("message %s argument %d is %T, not string", m.Type, i, m.Arguments[i]))
	}
	return s, nil
}

// String returns a string representation of the message
func (m *Message) String() string {
	return fmt.Sprintf("Message{Type: %s, Args: %d}", m.Type, len(m.Arguments))
}
