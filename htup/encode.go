package htup

import (
	"github.com/pkg/errors"

	"tvam/util"
)

// HeaderSize is the encoded size of a tuple header without payload length.
const HeaderSize = 4 + 4 + 4 + 4 + 4 + 2 + 2

var ErrShortTuple = errors.New("tuple encoding too short")

// Encode lays out header fields big-endian followed by a length-prefixed payload.
func (t *HeapTuple) Encode() []byte {
	h := t.Header
	return util.BufferAppend(
		util.BinaryToByte(h.Xmin),
		util.BinaryToByte(h.Xmax),
		util.BinaryToByte(h.Cmin),
		util.BinaryToByte(h.Cmax),
		util.BinaryToByte(h.Ctid.Block),
		util.BinaryToByte(uint16(h.Ctid.Offset)),
		util.BinaryToByte(h.Infomask()),
		util.BinaryToByte(uint32(len(t.Data))),
		t.Data,
	)
}

// DecodeTuple is the inverse of Encode. Self and TableOid are not part of the
// encoding and come from where the tuple was read.
func DecodeTuple(buf []byte, self ItemPointer, tableOid uint32) (*HeapTuple, int, error) {
	if len(buf) < HeaderSize+4 {
		return nil, 0, ErrShortTuple
	}
	h := &TupleHeader{}
	var (
		offset   uint16
		infomask uint16
		dataLen  uint32
	)
	fields := []struct {
		from, to int
		decode   func([]byte) error
	}{
		{0, 4, func(b []byte) error { return util.ByteToInt(b, &h.Xmin) }},
		{4, 8, func(b []byte) error { return util.ByteToInt(b, &h.Xmax) }},
		{8, 12, func(b []byte) error { return util.ByteToInt(b, &h.Cmin) }},
		{12, 16, func(b []byte) error { return util.ByteToInt(b, &h.Cmax) }},
		{16, 20, func(b []byte) error { return util.ByteToInt(b, &h.Ctid.Block) }},
		{20, 22, func(b []byte) error { return util.ByteToInt(b, &offset) }},
		{22, 24, func(b []byte) error { return util.ByteToInt(b, &infomask) }},
		{24, 28, func(b []byte) error { return util.ByteToInt(b, &dataLen) }},
	}
	for _, f := range fields {
		if err := f.decode(buf[f.from:f.to]); err != nil {
			return nil, 0, errors.Wrap(err, "decode tuple header")
		}
	}
	end := HeaderSize + 4 + int(dataLen)
	if len(buf) < end {
		return nil, 0, ErrShortTuple
	}
	h.Ctid.Offset = OffsetNumber(offset)
	h.SetInfomask(infomask)

	data := make([]byte, dataLen)
	copy(data, buf[HeaderSize+4:end])
	return &HeapTuple{
		Self:     self,
		TableOid: tableOid,
		Header:   h,
		Data:     data,
	}, end, nil
}
