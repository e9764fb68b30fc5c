package transam

import (
	"github.com/pkg/errors"

	"tvam/htup"
	"tvam/snapshot"
)

var (
	ErrInTransaction = errors.New("there is already a transaction in progress")
	ErrNoTransaction = errors.New("there is no transaction in progress")
)

// Backend is one session's view of the transaction system: it knows which
// transaction is its own and which command of it is executing.
type Backend struct {
	mgr    *Manager
	xid    htup.TransactionID
	curcid htup.CommandID
}

func NewBackend(mgr *Manager) *Backend {
	return &Backend{mgr: mgr}
}

func (b *Backend) Manager() *Manager {
	return b.mgr
}

func (b *Backend) Begin() (htup.TransactionID, error) {
	if b.xid.IsValid() {
		return htup.InvalidTransactionID, ErrInTransaction
	}
	xid, err := b.mgr.AssignXid()
	if err != nil {
		return htup.InvalidTransactionID, err
	}
	b.xid = xid
	b.curcid = htup.FirstCommandID
	return xid, nil
}

func (b *Backend) Commit() error {
	return b.end(b.mgr.Commit)
}

func (b *Backend) Abort() error {
	return b.end(b.mgr.Abort)
}

func (b *Backend) end(finish func(htup.TransactionID) error) error {
	if !b.xid.IsValid() {
		return ErrNoTransaction
	}
	xid := b.xid
	b.xid = htup.InvalidTransactionID
	b.curcid = htup.FirstCommandID
	return finish(xid)
}

func (b *Backend) InTransaction() bool {
	return b.xid.IsValid()
}

func (b *Backend) CurrentTransactionID() htup.TransactionID {
	return b.xid
}

func (b *Backend) CurrentCommandID() htup.CommandID {
	return b.curcid
}

// CommandCounterIncrement makes the current command's effects visible to
// the commands that follow it.
func (b *Backend) CommandCounterIncrement() {
	b.curcid++
}

// GetSnapshot takes a snapshot for the running transaction.
func (b *Backend) GetSnapshot(kind snapshot.Kind) *snapshot.Snapshot {
	return b.mgr.GetSnapshot(b.xid, b.curcid, kind)
}

func (b *Backend) IsCurrentTransactionID(xid htup.TransactionID) bool {
	return b.xid.IsValid() && xid == b.xid
}

func (b *Backend) IsInProgress(xid htup.TransactionID) bool {
	return b.mgr.IsInProgress(xid)
}

func (b *Backend) DidCommit(xid htup.TransactionID) bool {
	return b.mgr.DidCommit(xid)
}

func (b *Backend) RecentXmin() htup.TransactionID {
	return b.mgr.RecentXmin()
}
