package htup

import (
	"fmt"
	"sync/atomic"
)

// Infomask bits stored in every tuple header.
const (
	XmaxKeyShrLock uint16 = 0x0010
	ComboCID       uint16 = 0x0020
	XmaxExclLock   uint16 = 0x0040
	XmaxLockOnly   uint16 = 0x0080
	XmaxShrLock           = XmaxKeyShrLock | XmaxExclLock
	XmaxLockMask          = XmaxShrLock | XmaxExclLock | XmaxKeyShrLock

	XminCommitted uint16 = 0x0100
	XminInvalid   uint16 = 0x0200
	XminFrozen           = XminCommitted | XminInvalid
	XmaxCommitted uint16 = 0x0400
	XmaxInvalid   uint16 = 0x0800
	XmaxIsMulti   uint16 = 0x1000
	Updated       uint16 = 0x2000

	// XactMask covers every bit that describes xmin/xmax state.
	XactMask uint16 = 0xFFF0
)

// XmaxIsLockedOnly reports whether xmax only locks the tuple. A plain
// exclusive lock without the multi bit counts as lock-only too.
func XmaxIsLockedOnly(infomask uint16) bool {
	return infomask&XmaxLockOnly != 0 ||
		infomask&(XmaxIsMulti|XmaxLockMask) == XmaxExclLock
}

// LockedUpgraded reports a multixact written by an old server version that
// carried only lockers and no lock strength.
func LockedUpgraded(infomask uint16) bool {
	return infomask&XmaxIsMulti != 0 &&
		infomask&XmaxLockOnly != 0 &&
		infomask&(XmaxExclLock|XmaxKeyShrLock) == 0
}

// BlockNumber addresses a page within a relation fork.
type BlockNumber uint32

// OffsetNumber addresses a line pointer within a page; valid offsets start at 1.
type OffsetNumber uint16

const InvalidOffsetNumber OffsetNumber = 0

// ItemPointer is the physical identity of a tuple.
type ItemPointer struct {
	Block  BlockNumber
	Offset OffsetNumber
}

func (ip ItemPointer) IsValid() bool {
	return ip.Offset != InvalidOffsetNumber
}

func (ip ItemPointer) String() string {
	return fmt.Sprintf("(%d,%d)", ip.Block, ip.Offset)
}

// TupleHeader is the fixed part of a stored row version. Everything except
// the infomask is immutable once the version is written; the infomask only
// gains hint bits or is rewritten by the writer holding the page write latch.
type TupleHeader struct {
	Xmin TransactionID
	// Xmax holds a TransactionID, or a MultiXactID when XmaxIsMulti is set.
	Xmax uint32
	Cmin CommandID
	Cmax CommandID
	Ctid ItemPointer

	infomask atomic.Uint32
}

// NewTupleHeader builds the header of a freshly inserted version.
func NewTupleHeader(xmin TransactionID, cmin CommandID, self ItemPointer) *TupleHeader {
	h := &TupleHeader{
		Xmin: xmin,
		Cmin: cmin,
		Cmax: InvalidCommandID,
		Ctid: self,
	}
	h.infomask.Store(uint32(XmaxInvalid))
	return h
}

func (h *TupleHeader) Infomask() uint16 {
	return uint16(h.infomask.Load())
}

func (h *TupleHeader) SetInfomask(mask uint16) {
	h.infomask.Store(uint32(mask))
}

// SetHintBits ORs bits into the infomask. Concurrent callers computing the
// same hint are harmless.
func (h *TupleHeader) SetHintBits(bits uint16) {
	for {
		old := h.infomask.Load()
		if old&uint32(bits) == uint32(bits) {
			return
		}
		if h.infomask.CompareAndSwap(old, old|uint32(bits)) {
			return
		}
	}
}

func (h *TupleHeader) RawXmin() TransactionID {
	return h.Xmin
}

// RawXmax returns xmax as a transaction id; callers must check XmaxIsMulti first.
func (h *TupleHeader) RawXmax() TransactionID {
	return TransactionID(h.Xmax)
}

func (h *TupleHeader) RawXmaxMulti() MultiXactID {
	return MultiXactID(h.Xmax)
}

func (h *TupleHeader) XminCommitted() bool {
	return h.Infomask()&XminCommitted != 0
}

func (h *TupleHeader) XminInvalid() bool {
	return h.Infomask()&XminFrozen == XminInvalid
}

func (h *TupleHeader) XminFrozen() bool {
	return h.Infomask()&XminFrozen == XminFrozen
}

func (h *TupleHeader) XmaxInvalid() bool {
	return h.Infomask()&XmaxInvalid != 0
}

func (h *TupleHeader) XmaxCommitted() bool {
	return h.Infomask()&XmaxCommitted != 0
}

func (h *TupleHeader) XmaxIsMulti() bool {
	return h.Infomask()&XmaxIsMulti != 0
}

func (h *TupleHeader) XmaxIsLockedOnly() bool {
	return XmaxIsLockedOnly(h.Infomask())
}

// Clone copies the header, including its current infomask.
func (h *TupleHeader) Clone() *TupleHeader {
	c := &TupleHeader{
		Xmin: h.Xmin,
		Xmax: h.Xmax,
		Cmin: h.Cmin,
		Cmax: h.Cmax,
		Ctid: h.Ctid,
	}
	c.infomask.Store(h.infomask.Load())
	return c
}

// HeapTuple is a row version as handed to the visibility routines.
type HeapTuple struct {
	Self     ItemPointer
	TableOid uint32
	Header   *TupleHeader
	Data     []byte
}

// Moved reports whether the update chain points away from this version.
func (t *HeapTuple) Moved() bool {
	return t.Self != t.Header.Ctid
}

// Buffer is the page a tuple lives on. The caller holds its latch while a
// routine inspects the tuple.
type Buffer interface {
	BufferID() int32
	// MarkDirtyHint records that a hint bit changed on the page.
	MarkDirtyHint()
}

// BufferIsValid reports whether buf refers to a pinned page.
func BufferIsValid(buf Buffer) bool {
	return buf != nil && buf.BufferID() > 0
}
