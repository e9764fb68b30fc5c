package util

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/pkg/errors"
)

// BinaryToByte encodes a fixed-size integer big-endian, so encoded keys sort
// in numeric order.
func BinaryToByte[T ~uint16 | ~uint32 | int32 | ~uint64 | uint8 | int64](value T) []byte {
	var buffer bytes.Buffer
	// writes of fixed-size values to a bytes.Buffer cannot fail
	_ = binary.Write(&buffer, binary.BigEndian, value)
	return buffer.Bytes()
}

func ByteToInt[T ~uint16 | ~uint32 | int32 | ~uint64 | uint8 | int64](buf []byte, value *T) error {
	return binary.Read(bytes.NewReader(buf), binary.BigEndian, value)
}

func BufferAppend(args ...[]byte) []byte {
	var buffer bytes.Buffer
	for _, v := range args {
		buffer.Write(v)
	}
	return buffer.Bytes()
}

func ByteToStruct[T any](value []byte, toStruct *T) error {
	if len(value) == 0 {
		return errors.New("decode empty value")
	}
	decoder := gob.NewDecoder(bytes.NewBuffer(value))
	if err := decoder.Decode(toStruct); err != nil {
		return errors.Wrapf(err, "decode %T", toStruct)
	}
	return nil
}

func BinaryStructToByte[T any](v *T) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := gob.NewEncoder(&buffer)
	if err := encoder.Encode(v); err != nil {
		return nil, errors.Wrapf(err, "encode %T", v)
	}
	return buffer.Bytes(), nil
}
