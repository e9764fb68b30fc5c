package heap

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"tvam/htup"
	"tvam/smgr"
	"tvam/util"
)

// MaxTuplesPerPage bounds the line pointers of one page.
const MaxTuplesPerPage = 32

// pageHeaderSize holds the line pointer count.
const pageHeaderSize = 2

// MaxTupleData is the largest payload a single version may carry so that a
// full page still fits in one block.
const MaxTupleData = (smgr.BlockSize-pageHeaderSize)/MaxTuplesPerPage - htup.HeaderSize - 4

var nextBufferID atomic.Int32

// Page is one block of a relation held in memory. Its latch must be held
// while tuples on it are read or changed.
type Page struct {
	latch  sync.RWMutex
	id     int32
	block  htup.BlockNumber
	tuples []*htup.HeapTuple
	dirty  atomic.Bool
}

func newPage(block htup.BlockNumber) *Page {
	return &Page{
		id:     nextBufferID.Add(1),
		block:  block,
		tuples: make([]*htup.HeapTuple, 0, MaxTuplesPerPage),
	}
}

func (p *Page) BufferID() int32 {
	return p.id
}

// MarkDirtyHint records a hint bit change; the page is written at the next
// flush.
func (p *Page) MarkDirtyHint() {
	p.dirty.Store(true)
}

func (p *Page) markDirty() {
	p.dirty.Store(true)
}

func (p *Page) full() bool {
	return len(p.tuples) >= MaxTuplesPerPage
}

// add places tup on the page; the caller holds the write latch.
func (p *Page) add(hdr *htup.TupleHeader, tableOid uint32, data []byte) *htup.HeapTuple {
	self := htup.ItemPointer{Block: p.block, Offset: htup.OffsetNumber(len(p.tuples) + 1)}
	hdr.Ctid = self
	tup := &htup.HeapTuple{Self: self, TableOid: tableOid, Header: hdr, Data: data}
	p.tuples = append(p.tuples, tup)
	p.markDirty()
	return tup
}

func (p *Page) get(off htup.OffsetNumber) (*htup.HeapTuple, bool) {
	if off == htup.InvalidOffsetNumber || int(off) > len(p.tuples) {
		return nil, false
	}
	return p.tuples[off-1], true
}

func (p *Page) encode() []byte {
	parts := [][]byte{util.BinaryToByte(uint16(len(p.tuples)))}
	for _, tup := range p.tuples {
		parts = append(parts, tup.Encode())
	}
	return util.BufferAppend(parts...)
}

func decodePage(buf []byte, block htup.BlockNumber, tableOid uint32) (*Page, error) {
	p := newPage(block)
	var n uint16
	if err := util.ByteToInt(buf[:pageHeaderSize], &n); err != nil {
		return nil, err
	}
	if n > MaxTuplesPerPage {
		return nil, errors.Errorf("block %d claims %d tuples", block, n)
	}
	off := pageHeaderSize
	for i := uint16(0); i < n; i++ {
		self := htup.ItemPointer{Block: block, Offset: htup.OffsetNumber(i + 1)}
		tup, size, err := htup.DecodeTuple(buf[off:], self, tableOid)
		if err != nil {
			return nil, errors.Wrapf(err, "decode tuple %s", self)
		}
		p.tuples = append(p.tuples, tup)
		off += size
	}
	return p, nil
}
