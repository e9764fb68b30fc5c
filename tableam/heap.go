package tableam

import (
	"github.com/pkg/errors"

	"tvam/htup"
	"tvam/logger"
	"tvam/smgr"
	"tvam/snapshot"
)

const HeapName = "heap"

// HeapRoutine implements the standard heap rules. It caches the outcome of
// status lookups in the tuple's hint bits.
type HeapRoutine struct {
	env Env
}

func NewHeapRoutine(env Env) *HeapRoutine {
	return &HeapRoutine{env: env}
}

// RegisterHeap adds the baseline heap access method to r.
func RegisterHeap(r *Registry) error {
	return r.Register(HeapName, func(env Env) Routine {
		return NewHeapRoutine(env)
	})
}

func (h *HeapRoutine) Name() string {
	return HeapName
}

// Env exposes the collaborators the routine was built with.
func (h *HeapRoutine) Env() Env {
	return h.env
}

func setHintBits(tup *htup.HeapTuple, buf htup.Buffer, bits uint16) {
	tup.Header.SetHintBits(bits)
	buf.MarkDirtyHint()
}

func (h *HeapRoutine) TupleSatisfiesVisibility(tup *htup.HeapTuple, snap *snapshot.Snapshot, buf htup.Buffer) bool {
	CheckTupleArgs(tup, buf)

	switch snap.Kind {
	case snapshot.MVCC:
		return h.satisfiesMVCC(tup, snap, buf)
	case snapshot.Self:
		return h.satisfiesSelf(tup, buf)
	case snapshot.Any:
		return true
	case snapshot.Toast:
		return h.satisfiesToast(tup)
	}
	logger.Warnf("heap: unsupported snapshot kind %s", snap.Kind)
	return false
}

func (h *HeapRoutine) satisfiesMVCC(tup *htup.HeapTuple, snap *snapshot.Snapshot, buf htup.Buffer) bool {
	hdr := tup.Header
	xact := h.env.Xact

	if !hdr.XminCommitted() {
		if hdr.XminInvalid() {
			return false
		}
		if xact.IsCurrentTransactionID(hdr.RawXmin()) {
			if hdr.Cmin >= snap.Curcid {
				return false // inserted after scan started
			}
			if hdr.XmaxInvalid() || hdr.XmaxIsLockedOnly() {
				return true
			}
			if hdr.XmaxIsMulti() {
				xmax := h.env.Multi.UpdateXid(hdr.RawXmaxMulti())
				if !xact.IsCurrentTransactionID(xmax) {
					return true
				}
				return hdr.Cmax >= snap.Curcid
			}
			if !xact.IsCurrentTransactionID(hdr.RawXmax()) {
				// deleting subtransaction must have aborted
				setHintBits(tup, buf, htup.XmaxInvalid)
				return true
			}
			return hdr.Cmax >= snap.Curcid
		}
		if snap.XidInMVCCSnapshot(hdr.RawXmin()) {
			return false
		}
		if !xact.DidCommit(hdr.RawXmin()) {
			setHintBits(tup, buf, htup.XminInvalid)
			return false
		}
		setHintBits(tup, buf, htup.XminCommitted)
	} else if !hdr.XminFrozen() && snap.XidInMVCCSnapshot(hdr.RawXmin()) {
		return false
	}

	// by here, the inserting transaction has committed
	if hdr.XmaxInvalid() || hdr.XmaxIsLockedOnly() {
		return true
	}

	if hdr.XmaxIsMulti() {
		xmax := h.env.Multi.UpdateXid(hdr.RawXmaxMulti())
		if xact.IsCurrentTransactionID(xmax) {
			return hdr.Cmax >= snap.Curcid
		}
		if snap.XidInMVCCSnapshot(xmax) {
			return true
		}
		return !xact.DidCommit(xmax)
	}

	xmax := hdr.RawXmax()
	if !hdr.XmaxCommitted() {
		if xact.IsCurrentTransactionID(xmax) {
			return hdr.Cmax >= snap.Curcid
		}
		if snap.XidInMVCCSnapshot(xmax) {
			return true
		}
		if !xact.DidCommit(xmax) {
			setHintBits(tup, buf, htup.XmaxInvalid)
			return true
		}
		setHintBits(tup, buf, htup.XmaxCommitted)
	} else if snap.XidInMVCCSnapshot(xmax) {
		return true
	}
	return false
}

func (h *HeapRoutine) satisfiesSelf(tup *htup.HeapTuple, buf htup.Buffer) bool {
	hdr := tup.Header
	xact := h.env.Xact

	if !hdr.XminCommitted() {
		if hdr.XminInvalid() {
			return false
		}
		if xact.IsCurrentTransactionID(hdr.RawXmin()) {
			if hdr.XmaxInvalid() || hdr.XmaxIsLockedOnly() {
				return true
			}
			if hdr.XmaxIsMulti() {
				return !xact.IsCurrentTransactionID(h.env.Multi.UpdateXid(hdr.RawXmaxMulti()))
			}
			if !xact.IsCurrentTransactionID(hdr.RawXmax()) {
				setHintBits(tup, buf, htup.XmaxInvalid)
				return true
			}
			return false
		}
		if xact.IsInProgress(hdr.RawXmin()) {
			return false
		}
		if !xact.DidCommit(hdr.RawXmin()) {
			setHintBits(tup, buf, htup.XminInvalid)
			return false
		}
		setHintBits(tup, buf, htup.XminCommitted)
	}

	if hdr.XmaxInvalid() {
		return true
	}
	if hdr.XmaxCommitted() {
		return hdr.XmaxIsLockedOnly()
	}
	if hdr.XmaxIsMulti() {
		if hdr.XmaxIsLockedOnly() {
			return true
		}
		xmax := h.env.Multi.UpdateXid(hdr.RawXmaxMulti())
		if xact.IsCurrentTransactionID(xmax) {
			return false
		}
		if xact.IsInProgress(xmax) {
			return true
		}
		return !xact.DidCommit(xmax)
	}

	xmax := hdr.RawXmax()
	if xact.IsCurrentTransactionID(xmax) {
		return hdr.XmaxIsLockedOnly()
	}
	if xact.IsInProgress(xmax) {
		return true
	}
	if !xact.DidCommit(xmax) || hdr.XmaxIsLockedOnly() {
		setHintBits(tup, buf, htup.XmaxInvalid)
		return true
	}
	setHintBits(tup, buf, htup.XmaxCommitted)
	return false
}

// satisfiesToast only rejects versions whose insert is known dead.
func (h *HeapRoutine) satisfiesToast(tup *htup.HeapTuple) bool {
	hdr := tup.Header
	if !hdr.XminCommitted() {
		if hdr.XminInvalid() {
			return false
		}
		if !hdr.RawXmin().IsValid() {
			return false
		}
	}
	return true
}

func (h *HeapRoutine) TupleSatisfiesUpdate(tup *htup.HeapTuple, curcid htup.CommandID, buf htup.Buffer) TMResult {
	CheckTupleArgs(tup, buf)

	hdr := tup.Header
	xact := h.env.Xact
	multi := h.env.Multi

	if !hdr.XminCommitted() {
		if hdr.XminInvalid() {
			return TMInvisible
		}
		if xact.IsCurrentTransactionID(hdr.RawXmin()) {
			if hdr.Cmin >= curcid {
				return TMInvisible
			}
			if hdr.XmaxInvalid() {
				return TMOk
			}
			if hdr.XmaxIsLockedOnly() {
				if hdr.XmaxIsMulti() {
					if multi.IsRunning(hdr.RawXmaxMulti(), true) {
						return TMBeingModified
					}
					return TMOk
				}
				if !xact.IsInProgress(hdr.RawXmax()) {
					return TMOk
				}
				return TMBeingModified
			}
			if hdr.XmaxIsMulti() {
				xmax := multi.UpdateXid(hdr.RawXmaxMulti())
				if !xact.IsCurrentTransactionID(xmax) {
					if multi.IsRunning(hdr.RawXmaxMulti(), false) {
						return TMBeingModified
					}
					return TMOk
				}
				return selfModified(hdr, curcid)
			}
			if !xact.IsCurrentTransactionID(hdr.RawXmax()) {
				setHintBits(tup, buf, htup.XmaxInvalid)
				return TMOk
			}
			return selfModified(hdr, curcid)
		}
		if xact.IsInProgress(hdr.RawXmin()) {
			return TMInvisible
		}
		if !xact.DidCommit(hdr.RawXmin()) {
			setHintBits(tup, buf, htup.XminInvalid)
			return TMInvisible
		}
		setHintBits(tup, buf, htup.XminCommitted)
	}

	// by here, the inserting transaction has committed
	if hdr.XmaxInvalid() {
		return TMOk
	}
	if hdr.XmaxCommitted() {
		if hdr.XmaxIsLockedOnly() {
			return TMOk
		}
		return updatedOrDeleted(tup)
	}

	if hdr.XmaxIsMulti() {
		raw := hdr.RawXmaxMulti()
		if htup.LockedUpgraded(hdr.Infomask()) {
			return TMOk
		}
		if hdr.XmaxIsLockedOnly() {
			if multi.IsRunning(raw, true) {
				return TMBeingModified
			}
			setHintBits(tup, buf, htup.XmaxInvalid)
			return TMOk
		}
		xmax := multi.UpdateXid(raw)
		if !xmax.IsValid() {
			if multi.IsRunning(raw, false) {
				return TMBeingModified
			}
			return TMOk
		}
		if xact.IsCurrentTransactionID(xmax) {
			return selfModified(hdr, curcid)
		}
		if multi.IsRunning(raw, false) {
			return TMBeingModified
		}
		if xact.DidCommit(xmax) {
			return updatedOrDeleted(tup)
		}
		// no member is running and the updater aborted
		setHintBits(tup, buf, htup.XmaxInvalid)
		return TMOk
	}

	xmax := hdr.RawXmax()
	if xact.IsCurrentTransactionID(xmax) {
		if hdr.XmaxIsLockedOnly() {
			return TMBeingModified
		}
		return selfModified(hdr, curcid)
	}
	if xact.IsInProgress(xmax) {
		return TMBeingModified
	}
	if !xact.DidCommit(xmax) || hdr.XmaxIsLockedOnly() {
		setHintBits(tup, buf, htup.XmaxInvalid)
		return TMOk
	}
	setHintBits(tup, buf, htup.XmaxCommitted)
	return updatedOrDeleted(tup)
}

func selfModified(hdr *htup.TupleHeader, curcid htup.CommandID) TMResult {
	if hdr.Cmax >= curcid {
		return TMSelfModified // updated after scan started
	}
	return TMInvisible // updated before scan started
}

func updatedOrDeleted(tup *htup.HeapTuple) TMResult {
	if tup.Moved() {
		return TMUpdated
	}
	return TMDeleted
}

// RelationSetNewFilenode creates the main fork, scheduled for removal should
// the creating transaction abort.
func (h *HeapRoutine) RelationSetNewFilenode(rel RelationInfo, rnode smgr.RelFileNode, persistence smgr.Persistence) (htup.TransactionID, htup.MultiXactID, error) {
	freezeXid := h.env.Xact.RecentXmin()
	minMulti := h.env.Multi.OldestMultiXactID()

	srel, err := h.env.Storage.CreateStorage(rnode, persistence, true, h.env.Xact.CurrentTransactionID())
	if err != nil {
		return htup.InvalidTransactionID, htup.InvalidMultiXactID, err
	}
	defer srel.Close()

	if persistence == smgr.Unlogged {
		if err = CreateInitFork(h.env.Storage, srel, rel); err != nil {
			return htup.InvalidTransactionID, htup.InvalidMultiXactID, err
		}
	}
	return freezeXid, minMulti, nil
}

// CreateInitFork writes the empty init fork an unlogged relation is reset
// from after a crash. It is logged and synced immediately since no
// checkpoint covers it.
func CreateInitFork(storage StorageManager, srel *smgr.Relation, rel RelationInfo) error {
	switch rel.Kind {
	case RelKindRelation, RelKindMatView, RelKindToast:
	default:
		logger.Errorf("init fork requested for relation %q of kind %q", rel.Name, rel.Kind)
		panic(errors.Errorf("unexpected relation kind %q for init fork", rel.Kind))
	}
	if err := srel.Create(smgr.InitFork); err != nil {
		return err
	}
	if err := storage.LogCreate(srel.RelFileNode(), smgr.InitFork); err != nil {
		return err
	}
	return srel.ImmedSync(smgr.InitFork)
}

func (h *HeapRoutine) RelationNontransactionalTruncate(srel *smgr.Relation) error {
	return srel.Truncate(smgr.MainFork, 0)
}

func (h *HeapRoutine) RelationSize(srel *smgr.Relation, fork smgr.ForkNumber) (int64, error) {
	n, err := srel.NBlocks(fork)
	if err != nil {
		return 0, err
	}
	return int64(n) * smgr.BlockSize, nil
}
