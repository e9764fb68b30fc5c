package tvam

import (
	"tvam/htup"
	"tvam/tableam"
)

// TupleSatisfiesUpdate follows the heap rules except that an aborted insert
// counts as live and an aborted delete counts as done.
func (r *Routine) TupleSatisfiesUpdate(tup *htup.HeapTuple, curcid htup.CommandID, buf htup.Buffer) tableam.TMResult {
	tableam.CheckTupleArgs(tup, buf)

	hdr := tup.Header

	if !hdr.XminCommitted() {
		if hdr.XminInvalid() {
			return tableam.TMInvisible
		}
		if r.xact.IsCurrentTransactionID(hdr.RawXmin()) {
			return r.ownInsertUpdate(tup, curcid)
		}
		if r.xact.IsInProgress(hdr.RawXmin()) {
			return tableam.TMInvisible
		}
		if !r.xact.DidCommit(hdr.RawXmin()) {
			// the insert stands even though its transaction aborted
			return tableam.TMOk
		}
	}

	// by here, the inserting transaction has committed
	if hdr.XmaxInvalid() {
		return tableam.TMOk
	}
	if hdr.XmaxCommitted() {
		if hdr.XmaxIsLockedOnly() {
			return tableam.TMOk
		}
		return updatedOrDeleted(tup)
	}
	if hdr.XmaxIsMulti() {
		return r.multiUpdate(tup, curcid)
	}

	xmax := hdr.RawXmax()
	if r.xact.IsCurrentTransactionID(xmax) {
		if hdr.XmaxIsLockedOnly() {
			return tableam.TMBeingModified
		}
		return selfModified(hdr, curcid)
	}
	if r.xact.IsInProgress(xmax) {
		return tableam.TMBeingModified
	}
	if !r.xact.DidCommit(xmax) {
		// the delete stands even though its transaction aborted
		return updatedOrDeleted(tup)
	}
	if hdr.XmaxIsLockedOnly() {
		return tableam.TMOk
	}
	return updatedOrDeleted(tup)
}

// ownInsertUpdate decides a version inserted by the current transaction.
func (r *Routine) ownInsertUpdate(tup *htup.HeapTuple, curcid htup.CommandID) tableam.TMResult {
	hdr := tup.Header

	if hdr.Cmin >= curcid {
		return tableam.TMInvisible // inserted after scan started
	}
	if hdr.XmaxInvalid() {
		return tableam.TMOk
	}

	if hdr.XmaxIsLockedOnly() {
		// other transactions may still lock a version we created, when the
		// version we updated was key-share locked
		if hdr.XmaxIsMulti() {
			if r.multi.IsRunning(hdr.RawXmaxMulti(), true) {
				return tableam.TMBeingModified
			}
			return tableam.TMOk
		}
		if r.xact.IsInProgress(hdr.RawXmax()) {
			return tableam.TMBeingModified
		}
		return tableam.TMOk
	}

	if hdr.XmaxIsMulti() {
		xmax := r.multi.UpdateXid(hdr.RawXmaxMulti())
		if !r.xact.IsCurrentTransactionID(xmax) {
			r.foreignMultiUpdater(tup, xmax)
		}
		return selfModified(hdr, curcid)
	}

	if !r.xact.IsCurrentTransactionID(hdr.RawXmax()) {
		return tableam.TMInvisible
	}
	return selfModified(hdr, curcid)
}

func (r *Routine) multiUpdate(tup *htup.HeapTuple, curcid htup.CommandID) tableam.TMResult {
	hdr := tup.Header
	raw := hdr.RawXmaxMulti()

	if htup.LockedUpgraded(hdr.Infomask()) {
		return tableam.TMOk
	}
	if hdr.XmaxIsLockedOnly() {
		if r.multi.IsRunning(raw, true) {
			return tableam.TMBeingModified
		}
		return tableam.TMOk
	}

	xmax := r.multi.UpdateXid(raw)
	if !xmax.IsValid() {
		if r.multi.IsRunning(raw, false) {
			return tableam.TMBeingModified
		}
		return tableam.TMOk
	}
	if r.xact.IsCurrentTransactionID(xmax) {
		return selfModified(hdr, curcid)
	}
	if r.multi.IsRunning(raw, false) {
		return tableam.TMBeingModified
	}
	if r.xact.DidCommit(xmax) {
		return updatedOrDeleted(tup)
	}
	// the updater aborted and no locker is left
	return tableam.TMOk
}

func selfModified(hdr *htup.TupleHeader, curcid htup.CommandID) tableam.TMResult {
	if hdr.Cmax >= curcid {
		return tableam.TMSelfModified // updated after scan started
	}
	return tableam.TMInvisible // updated before scan started
}

func updatedOrDeleted(tup *htup.HeapTuple) tableam.TMResult {
	if tup.Moved() {
		return tableam.TMUpdated
	}
	return tableam.TMDeleted
}
