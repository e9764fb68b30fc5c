package util

import (
	"io"

	"github.com/pkg/errors"
)

// MaxMsgSize bounds the body of one framed message.
const MaxMsgSize = 64 << 20

// SendPrefixMsg writes a two-byte prefix, the body length and the body.
func SendPrefixMsg(w io.Writer, prefix [2]byte, body []byte) error {
	msg := BufferAppend(prefix[:], BinaryToByte(uint64(len(body))), body)
	_, err := w.Write(msg)
	return err
}

// ReceivePrefix reads the two-byte prefix of the next message.
func ReceivePrefix(r io.Reader) ([2]byte, error) {
	var prefix [2]byte
	_, err := io.ReadFull(r, prefix[:])
	return prefix, err
}

// ReceiveMsg reads a length-prefixed body.
func ReceiveMsg(r io.Reader) ([]byte, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	var msgLen uint64
	if err := ByteToInt(head[:], &msgLen); err != nil {
		return nil, err
	}
	if msgLen > MaxMsgSize {
		return nil, errors.Errorf("message of %d bytes exceeds %d", msgLen, MaxMsgSize)
	}
	body := make([]byte, msgLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "read message body")
	}
	return body, nil
}
