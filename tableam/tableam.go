// Package tableam defines the table access method interface: the handful of
// entry points through which the heap layer asks a storage variant whether a
// row version is visible, whether it may be updated, and how to create its
// files. The baseline heap routine lives here too; variants embed it and
// override what they must.
package tableam

import (
	"fmt"

	"github.com/pkg/errors"

	"tvam/htup"
	"tvam/smgr"
	"tvam/snapshot"
)

// TMResult is the outcome of checking whether a row version may be modified.
type TMResult int

const (
	// TMOk means no conflicting version exists; the caller may proceed.
	TMOk TMResult = iota
	// TMInvisible means the version is not visible to the caller's command.
	TMInvisible
	// TMSelfModified means the caller's own transaction modified the version
	// in a later or the same command.
	TMSelfModified
	// TMUpdated means a concurrent transaction committed a newer version.
	TMUpdated
	// TMDeleted means a concurrent transaction committed a delete.
	TMDeleted
	// TMBeingModified means a concurrent transaction or locker is active on
	// the version.
	TMBeingModified
)

func (r TMResult) String() string {
	switch r {
	case TMOk:
		return "Ok"
	case TMInvisible:
		return "Invisible"
	case TMSelfModified:
		return "SelfModified"
	case TMUpdated:
		return "Updated"
	case TMDeleted:
		return "Deleted"
	case TMBeingModified:
		return "BeingModified"
	}
	return fmt.Sprintf("TMResult(%d)", int(r))
}

// ErrFeatureNotSupported is returned for configurations an access method
// refuses outright.
var ErrFeatureNotSupported = errors.New("feature not supported")

// XactOracle answers questions about transaction status from one backend's
// point of view.
type XactOracle interface {
	CurrentTransactionID() htup.TransactionID
	IsCurrentTransactionID(xid htup.TransactionID) bool
	IsInProgress(xid htup.TransactionID) bool
	DidCommit(xid htup.TransactionID) bool
	// RecentXmin is a horizon: no transaction older than it is running.
	RecentXmin() htup.TransactionID
}

// MultiXactOracle answers questions about multixact membership.
type MultiXactOracle interface {
	IsRunning(multi htup.MultiXactID, lockersOnly bool) bool
	// UpdateXid is the member that updated or deleted the tuple, or
	// InvalidTransactionID if every member only locks it.
	UpdateXid(multi htup.MultiXactID) htup.TransactionID
	OldestMultiXactID() htup.MultiXactID
}

// StorageManager creates and opens relation files.
type StorageManager interface {
	CreateStorage(rnode smgr.RelFileNode, persistence smgr.Persistence, registerDelete bool, xid htup.TransactionID) (*smgr.Relation, error)
	LogCreate(rnode smgr.RelFileNode, fork smgr.ForkNumber) error
}

// Env carries the collaborators a routine is built with.
type Env struct {
	Xact    XactOracle
	Multi   MultiXactOracle
	Storage StorageManager
}

// RelKind is the catalog kind of a relation.
type RelKind byte

const (
	RelKindRelation RelKind = 'r'
	RelKindMatView  RelKind = 'm'
	RelKindToast    RelKind = 't'
)

// RelationInfo is what a routine learns about the relation it creates
// storage for.
type RelationInfo struct {
	Oid  uint32
	Name string
	Kind RelKind
}

// Routine is one storage variant's implementation of the access method.
type Routine interface {
	Name() string

	// TupleSatisfiesVisibility reports whether tup is visible to snap. The
	// caller holds at least a shared latch on buf.
	TupleSatisfiesVisibility(tup *htup.HeapTuple, snap *snapshot.Snapshot, buf htup.Buffer) bool
	// TupleSatisfiesUpdate decides whether the command curcid of the current
	// transaction may update, delete or lock tup.
	TupleSatisfiesUpdate(tup *htup.HeapTuple, curcid htup.CommandID, buf htup.Buffer) TMResult

	// RelationSetNewFilenode creates the storage of a new relation and
	// returns the initial frozen xid and minimum multixact for the catalog.
	RelationSetNewFilenode(rel RelationInfo, rnode smgr.RelFileNode, persistence smgr.Persistence) (htup.TransactionID, htup.MultiXactID, error)
	// RelationNontransactionalTruncate empties the relation immediately.
	RelationNontransactionalTruncate(srel *smgr.Relation) error
	// RelationSize is the size in bytes of fork.
	RelationSize(srel *smgr.Relation, fork smgr.ForkNumber) (int64, error)
}

// CheckTupleArgs enforces the preconditions every visibility routine shares.
func CheckTupleArgs(tup *htup.HeapTuple, buf htup.Buffer) {
	if !htup.BufferIsValid(buf) {
		panic("tuple visibility checked without a valid buffer")
	}
	if !tup.Self.IsValid() {
		panic(fmt.Sprintf("tuple visibility checked on invalid item pointer %s", tup.Self))
	}
	if tup.TableOid == 0 {
		panic("tuple visibility checked without a table oid")
	}
}
