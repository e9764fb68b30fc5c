package tvam

import (
	"github.com/pkg/errors"

	"tvam/htup"
	"tvam/smgr"
	"tvam/tableam"
)

// RelationSetNewFilenode creates storage for a temporary table variable. The
// files are not scheduled for removal on abort: the table's contents outlive
// the transaction that created it.
func (r *Routine) RelationSetNewFilenode(rel tableam.RelationInfo, rnode smgr.RelFileNode, persistence smgr.Persistence) (htup.TransactionID, htup.MultiXactID, error) {
	if persistence != smgr.Temp {
		return htup.InvalidTransactionID, htup.InvalidMultiXactID,
			errors.Wrap(tableam.ErrFeatureNotSupported, "Table Variable AM supports Temp Tables only.")
	}

	// no transaction older than RecentXmin can put tuples in the table
	freezeXid := r.xact.RecentXmin()
	minMulti := r.multi.OldestMultiXactID()

	storage := r.Env().Storage
	srel, err := storage.CreateStorage(rnode, persistence, false, r.xact.CurrentTransactionID())
	if err != nil {
		return htup.InvalidTransactionID, htup.InvalidMultiXactID, err
	}
	defer srel.Close()

	if persistence == smgr.Unlogged {
		if err = tableam.CreateInitFork(storage, srel, rel); err != nil {
			return htup.InvalidTransactionID, htup.InvalidMultiXactID, err
		}
	}
	return freezeXid, minMulti, nil
}
