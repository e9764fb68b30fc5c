// Package heap keeps a relation's pages in memory and runs inserts, updates,
// deletes, row locks and scans through an access method routine.
package heap

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"tvam/htup"
	"tvam/logger"
	"tvam/smgr"
	"tvam/snapshot"
	"tvam/tableam"
	"tvam/transam"
)

var (
	ErrTupleNotFound = errors.New("tuple does not exist")
	ErrTupleTooLarge = errors.New("tuple too large")
	ErrNoTransaction = errors.New("heap modification outside a transaction")
)

// TMFailure is returned when the access method refuses a modification.
type TMFailure struct {
	Result tableam.TMResult
	Tid    htup.ItemPointer
	// Ctid is the newer version when Result is TMUpdated.
	Ctid htup.ItemPointer
	Xmax uint32
}

func (f *TMFailure) Error() string {
	switch f.Result {
	case tableam.TMInvisible:
		return fmt.Sprintf("tuple %s is not visible", f.Tid)
	case tableam.TMSelfModified:
		return fmt.Sprintf("tuple %s was already modified by this transaction", f.Tid)
	case tableam.TMUpdated:
		return fmt.Sprintf("tuple %s was concurrently updated, newer version at %s", f.Tid, f.Ctid)
	case tableam.TMDeleted:
		return fmt.Sprintf("tuple %s was concurrently deleted", f.Tid)
	case tableam.TMBeingModified:
		return fmt.Sprintf("tuple %s is being modified by %d", f.Tid, f.Xmax)
	}
	return fmt.Sprintf("tuple %s: %s", f.Tid, f.Result)
}

// Backend is the calling session's transaction state.
type Backend interface {
	CurrentTransactionID() htup.TransactionID
	CurrentCommandID() htup.CommandID
	IsInProgress(xid htup.TransactionID) bool
}

// MultiXacts creates the multixacts that row locks are shared through.
type MultiXacts interface {
	CreateMultiXact(members ...transam.Member) (htup.MultiXactID, error)
	Members(multi htup.MultiXactID) ([]transam.Member, error)
}

// Relation is the in-memory image of one relation's main fork.
type Relation struct {
	oid   uint32
	srel  *smgr.Relation
	multi MultiXacts

	mu       sync.RWMutex
	pages    []*Page
	reserved []int
}

// Open loads every block of the main fork.
func Open(oid uint32, srel *smgr.Relation, multi MultiXacts) (*Relation, error) {
	r := &Relation{oid: oid, srel: srel, multi: multi}
	n, err := srel.NBlocks(smgr.MainFork)
	if err != nil {
		return nil, err
	}
	for blk := htup.BlockNumber(0); blk < n; blk++ {
		buf, err := srel.Read(smgr.MainFork, blk)
		if err != nil {
			return nil, err
		}
		page, err := decodePage(buf, blk, oid)
		if err != nil {
			return nil, errors.Wrapf(err, "load relation %d", oid)
		}
		r.pages = append(r.pages, page)
		r.reserved = append(r.reserved, len(page.tuples))
	}
	logger.Debugf("opened relation %d with %d pages", oid, n)
	return r, nil
}

func (r *Relation) Oid() uint32 {
	return r.oid
}

func (r *Relation) Storage() *smgr.Relation {
	return r.srel
}

func (r *Relation) NPages() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pages)
}

func (r *Relation) page(blk htup.BlockNumber) (*Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(blk) >= len(r.pages) {
		return nil, errors.Wrapf(ErrTupleNotFound, "block %d of relation %d", blk, r.oid)
	}
	return r.pages[blk], nil
}

// reserve claims a line pointer on the last page, extending the relation
// when it is full. No latch is taken here, so the caller may already hold
// one on an earlier page.
func (r *Relation) reserve() *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.pages); n > 0 && r.reserved[n-1] < MaxTuplesPerPage {
		r.reserved[n-1]++
		return r.pages[n-1]
	}
	p := newPage(htup.BlockNumber(len(r.pages)))
	r.pages = append(r.pages, p)
	r.reserved = append(r.reserved, 1)
	return p
}

func checkTuple(b Backend, data []byte) (htup.TransactionID, error) {
	xid := b.CurrentTransactionID()
	if !xid.IsValid() {
		return xid, ErrNoTransaction
	}
	if len(data) > MaxTupleData {
		return xid, errors.Wrapf(ErrTupleTooLarge, "%d bytes, at most %d", len(data), MaxTupleData)
	}
	return xid, nil
}

func (r *Relation) Insert(b Backend, data []byte) (htup.ItemPointer, error) {
	xid, err := checkTuple(b, data)
	if err != nil {
		return htup.ItemPointer{}, err
	}
	page := r.reserve()
	page.latch.Lock()
	defer page.latch.Unlock()

	hdr := htup.NewTupleHeader(xid, b.CurrentCommandID(), htup.ItemPointer{})
	tup := page.add(hdr, r.oid, append([]byte(nil), data...))
	return tup.Self, nil
}

// Update writes a new version of tid and links the old one to it.
func (r *Relation) Update(am tableam.Routine, b Backend, tid htup.ItemPointer, data []byte) (htup.ItemPointer, error) {
	xid, err := checkTuple(b, data)
	if err != nil {
		return htup.ItemPointer{}, err
	}
	page, err := r.page(tid.Block)
	if err != nil {
		return htup.ItemPointer{}, err
	}
	page.latch.Lock()
	defer page.latch.Unlock()

	old, ok := page.get(tid.Offset)
	if !ok {
		return htup.ItemPointer{}, errors.Wrapf(ErrTupleNotFound, "%s", tid)
	}
	if err = r.checkModify(am, b, old, page); err != nil {
		return htup.ItemPointer{}, err
	}

	// the new version lands on the last page, never before the old one
	target := r.reserve()
	if target != page {
		target.latch.Lock()
		defer target.latch.Unlock()
	}
	cid := b.CurrentCommandID()
	hdr := htup.NewTupleHeader(xid, cid, htup.ItemPointer{})
	hdr.SetInfomask(htup.XmaxInvalid | htup.Updated)
	newTup := target.add(hdr, r.oid, append([]byte(nil), data...))

	setXmax(old.Header, xid, cid, newTup.Self)
	page.markDirty()
	return newTup.Self, nil
}

func (r *Relation) Delete(am tableam.Routine, b Backend, tid htup.ItemPointer) error {
	xid := b.CurrentTransactionID()
	if !xid.IsValid() {
		return ErrNoTransaction
	}
	page, err := r.page(tid.Block)
	if err != nil {
		return err
	}
	page.latch.Lock()
	defer page.latch.Unlock()

	tup, ok := page.get(tid.Offset)
	if !ok {
		return errors.Wrapf(ErrTupleNotFound, "%s", tid)
	}
	if err = r.checkModify(am, b, tup, page); err != nil {
		return err
	}
	setXmax(tup.Header, xid, b.CurrentCommandID(), tup.Self)
	page.markDirty()
	return nil
}

// LockTuple takes a key-share lock on tid. A second locker turns xmax into a
// multixact holding every running locker.
func (r *Relation) LockTuple(am tableam.Routine, b Backend, tid htup.ItemPointer) error {
	xid := b.CurrentTransactionID()
	if !xid.IsValid() {
		return ErrNoTransaction
	}
	page, err := r.page(tid.Block)
	if err != nil {
		return err
	}
	page.latch.Lock()
	defer page.latch.Unlock()

	tup, ok := page.get(tid.Offset)
	if !ok {
		return errors.Wrapf(ErrTupleNotFound, "%s", tid)
	}
	hdr := tup.Header

	switch res := am.TupleSatisfiesUpdate(tup, b.CurrentCommandID(), page); res {
	case tableam.TMOk:
		hdr.Xmax = uint32(xid)
		hdr.SetInfomask(clearXmax(hdr.Infomask()) | htup.XmaxLockOnly | htup.XmaxKeyShrLock)
	case tableam.TMBeingModified:
		if !hdr.XmaxIsLockedOnly() {
			return failure(res, tup)
		}
		lockers, err := r.runningLockers(hdr, b)
		if err != nil {
			return err
		}
		for _, m := range lockers {
			if m.Xid == xid {
				return nil // already ours
			}
		}
		lockers = append(lockers, transam.Member{Xid: xid, Status: transam.ForKeyShare})
		multi, err := r.multi.CreateMultiXact(lockers...)
		if err != nil {
			return err
		}
		hdr.Xmax = uint32(multi)
		hdr.SetInfomask(clearXmax(hdr.Infomask()) | htup.XmaxIsMulti | htup.XmaxLockOnly | htup.XmaxKeyShrLock)
		logger.Debugf("tuple %s of relation %d now locked by multixact %d", tid, r.oid, multi)
	default:
		return failure(res, tup)
	}
	page.markDirty()
	return nil
}

func (r *Relation) runningLockers(hdr *htup.TupleHeader, b Backend) ([]transam.Member, error) {
	if !hdr.XmaxIsMulti() {
		return []transam.Member{{Xid: hdr.RawXmax(), Status: transam.ForKeyShare}}, nil
	}
	members, err := r.multi.Members(hdr.RawXmaxMulti())
	if err != nil {
		return nil, err
	}
	running := members[:0:0]
	for _, m := range members {
		if b.IsInProgress(m.Xid) {
			running = append(running, m)
		}
	}
	return running, nil
}

func (r *Relation) checkModify(am tableam.Routine, b Backend, tup *htup.HeapTuple, page *Page) error {
	res := am.TupleSatisfiesUpdate(tup, b.CurrentCommandID(), page)
	if res == tableam.TMOk {
		return nil
	}
	if res == tableam.TMBeingModified && tup.Header.XmaxIsLockedOnly() {
		// our own row lock does not stop us
		lockers, err := r.runningLockers(tup.Header, b)
		if err != nil {
			return err
		}
		xid := b.CurrentTransactionID()
		onlyUs := true
		for _, m := range lockers {
			if m.Xid != xid {
				onlyUs = false
			}
		}
		if onlyUs {
			return nil
		}
	}
	return failure(res, tup)
}

func failure(res tableam.TMResult, tup *htup.HeapTuple) error {
	return &TMFailure{Result: res, Tid: tup.Self, Ctid: tup.Header.Ctid, Xmax: tup.Header.Xmax}
}

func clearXmax(mask uint16) uint16 {
	return mask &^ (htup.XmaxCommitted | htup.XmaxInvalid | htup.XmaxIsMulti | htup.XmaxLockOnly | htup.XmaxLockMask)
}

func setXmax(hdr *htup.TupleHeader, xid htup.TransactionID, cid htup.CommandID, ctid htup.ItemPointer) {
	hdr.Xmax = uint32(xid)
	hdr.Cmax = cid
	hdr.Ctid = ctid
	hdr.SetInfomask(clearXmax(hdr.Infomask()))
}

func copyTuple(tup *htup.HeapTuple) *htup.HeapTuple {
	return &htup.HeapTuple{
		Self:     tup.Self,
		TableOid: tup.TableOid,
		Header:   tup.Header.Clone(),
		Data:     append([]byte(nil), tup.Data...),
	}
}

// Scan returns copies of the versions visible to snap, in physical order.
func (r *Relation) Scan(am tableam.Routine, snap *snapshot.Snapshot) []*htup.HeapTuple {
	r.mu.RLock()
	pages := append([]*Page(nil), r.pages...)
	r.mu.RUnlock()

	var out []*htup.HeapTuple
	for _, p := range pages {
		p.latch.RLock()
		for _, tup := range p.tuples {
			if am.TupleSatisfiesVisibility(tup, snap, p) {
				out = append(out, copyTuple(tup))
			}
		}
		p.latch.RUnlock()
	}
	return out
}

// Fetch returns tid if it is visible to snap.
func (r *Relation) Fetch(am tableam.Routine, snap *snapshot.Snapshot, tid htup.ItemPointer) (*htup.HeapTuple, bool, error) {
	page, err := r.page(tid.Block)
	if err != nil {
		return nil, false, err
	}
	page.latch.RLock()
	defer page.latch.RUnlock()

	tup, ok := page.get(tid.Offset)
	if !ok {
		return nil, false, errors.Wrapf(ErrTupleNotFound, "%s", tid)
	}
	if !am.TupleSatisfiesVisibility(tup, snap, page) {
		return nil, false, nil
	}
	return copyTuple(tup), true, nil
}

// Flush writes dirty pages to the main fork.
func (r *Relation) Flush() error {
	r.mu.RLock()
	pages := append([]*Page(nil), r.pages...)
	r.mu.RUnlock()

	for _, p := range pages {
		if !p.dirty.Load() {
			continue
		}
		p.latch.RLock()
		p.dirty.Store(false)
		buf := p.encode()
		p.latch.RUnlock()
		if err := r.srel.Write(smgr.MainFork, p.block, buf); err != nil {
			p.markDirty()
			return err
		}
	}
	return nil
}

// Truncate empties the relation at once, whatever becomes of the current
// transaction. Callers make sure no one else uses the relation.
func (r *Relation) Truncate(am tableam.Routine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := am.RelationNontransactionalTruncate(r.srel); err != nil {
		return err
	}
	r.pages = nil
	r.reserved = nil
	return nil
}

// Size is the on-disk size of the main fork.
func (r *Relation) Size(am tableam.Routine) (int64, error) {
	return am.RelationSize(r.srel, smgr.MainFork)
}

func (r *Relation) Close() error {
	if err := r.Flush(); err != nil {
		return err
	}
	return r.srel.Close()
}
