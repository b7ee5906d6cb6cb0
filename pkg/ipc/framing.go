package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinywall/pipeguard/pkg/types"
)

// frameHeaderSize is the length prefix in front of every encoded message
const frameHeaderSize = 4

// WriteFrame writes payload behind a big-endian length prefix in a single write
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return types.NewError(types.ErrCodeInvalid, "refusing to write empty frame")
	}
	if len(payload) > maxSize {
		return types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("frame of %d bytes exceeds limit of %d", len(payload), maxSize))
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. It never allocates more than
// maxSize bytes for the body.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 {
		return nil, types.NewError(types.ErrCodeInvalid, "empty frame")
	}
	if uint64(n) > uint64(maxSize) {
		return nil, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("frame of %d bytes exceeds limit of %d", n, maxSize))
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return payload, nil
}

// WriteMessage encodes msg with codec and writes it as one frame
func WriteMessage(w io.Writer, codec Codec, msg *types.Message, maxSize int) error {
	payload, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload, maxSize)
}

// ReadMessage reads one frame and decodes it with codec
func ReadMessage(r io.Reader, codec Codec, maxSize int) (*types.Message, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var msg types.Message
	if err := codec.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
