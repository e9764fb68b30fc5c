package tvam

import (
	"github.com/pkg/errors"

	"tvam/htup"
	"tvam/logger"
	"tvam/snapshot"
	"tvam/tableam"
)

// TupleSatisfiesVisibility supports MVCC and Any snapshots only. Unlike the
// heap it never sets hint bits, and a version whose deleter did not commit
// stays deleted.
func (r *Routine) TupleSatisfiesVisibility(tup *htup.HeapTuple, snap *snapshot.Snapshot, buf htup.Buffer) bool {
	tableam.CheckTupleArgs(tup, buf)

	switch snap.Kind {
	case snapshot.MVCC:
		return r.satisfiesMVCC(tup, snap)
	case snapshot.Any:
		return true
	}
	logger.Warnf("[TableVariableAM] Unsupported snapshot type %s", snap.Kind)
	return false
}

func (r *Routine) satisfiesMVCC(tup *htup.HeapTuple, snap *snapshot.Snapshot) bool {
	hdr := tup.Header

	if !hdr.XminCommitted() {
		if hdr.XminInvalid() {
			return false
		}
		if r.xact.IsCurrentTransactionID(hdr.RawXmin()) {
			return r.ownInsertVisible(tup, snap)
		}
		if snap.XidInMVCCSnapshot(hdr.RawXmin()) {
			return false
		}
		if !r.xact.DidCommit(hdr.RawXmin()) {
			return false
		}
	} else if !hdr.XminFrozen() && snap.XidInMVCCSnapshot(hdr.RawXmin()) {
		return false // committed, but not according to our snapshot
	}

	// by here, the inserting transaction has committed
	if hdr.XmaxInvalid() || hdr.XmaxIsLockedOnly() {
		return true
	}

	if hdr.XmaxIsMulti() {
		xmax := r.multi.UpdateXid(hdr.RawXmaxMulti())
		if r.xact.IsCurrentTransactionID(xmax) {
			return hdr.Cmax >= snap.Curcid
		}
		if snap.XidInMVCCSnapshot(xmax) {
			return true
		}
		return !r.xact.DidCommit(xmax)
	}

	xmax := hdr.RawXmax()
	if !hdr.XmaxCommitted() {
		if r.xact.IsCurrentTransactionID(xmax) {
			return hdr.Cmax >= snap.Curcid
		}
		if snap.XidInMVCCSnapshot(xmax) {
			return true
		}
		// an aborted delete still stands
		return false
	}
	return snap.XidInMVCCSnapshot(xmax)
}

// ownInsertVisible decides a version inserted by the current transaction.
func (r *Routine) ownInsertVisible(tup *htup.HeapTuple, snap *snapshot.Snapshot) bool {
	hdr := tup.Header

	if hdr.Cmin >= snap.Curcid {
		return false // inserted after scan started
	}
	if hdr.XmaxInvalid() || hdr.XmaxIsLockedOnly() {
		return true
	}
	if hdr.XmaxIsMulti() {
		xmax := r.multi.UpdateXid(hdr.RawXmaxMulti())
		if !r.xact.IsCurrentTransactionID(xmax) {
			r.foreignMultiUpdater(tup, xmax)
		}
		return hdr.Cmax >= snap.Curcid
	}
	if !r.xact.IsCurrentTransactionID(hdr.RawXmax()) {
		return false
	}
	return hdr.Cmax >= snap.Curcid
}

// foreignMultiUpdater reports a multixact updater other than the current
// transaction on a version the current transaction inserted. Nothing can
// roll such an update back in table variable storage, so the header is
// corrupt.
func (r *Routine) foreignMultiUpdater(tup *htup.HeapTuple, xmax htup.TransactionID) {
	logger.Errorf("[TableVariableAM] tuple %s of relation %d: multixact %d has updater %s outside the inserting transaction",
		tup.Self, tup.TableOid, tup.Header.RawXmaxMulti(), xmax)
	panic(errors.Wrapf(ErrInternalConsistency, "tuple %s: multixact updater %s is not the current transaction", tup.Self, xmax))
}
