package transam

import (
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"tvam/bitcask"
	"tvam/htup"
	"tvam/logger"
	"tvam/snapshot"
)

// XidStatus is the commit log state of a transaction.
type XidStatus byte

const (
	StatusInProgress XidStatus = iota
	StatusCommitted
	StatusAborted
)

func (s XidStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "in progress"
	}
}

var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrNotInProgress      = errors.New("transaction is not in progress")
)

// XactCallback runs after a transaction's final status is recorded.
type XactCallback func(xid htup.TransactionID, committed bool)

// Manager is the process-wide transaction table: xid allocation, the commit
// log, the set of running transactions and the multixact registry.
type Manager struct {
	mu sync.RWMutex

	nextXid htup.TransactionID
	clog    map[htup.TransactionID]XidStatus
	running map[htup.TransactionID]struct{}

	nextMulti htup.MultiXactID
	multis    *btree.BTree

	// store keeps the commit log across restarts; nil for a volatile manager
	store    bitcask.Engine
	xidLimit htup.TransactionID

	callbacks []XactCallback
}

func NewManager() *Manager {
	return &Manager{
		nextXid:   htup.FirstNormalTransactionID,
		clog:      map[htup.TransactionID]XidStatus{},
		running:   map[htup.TransactionID]struct{}{},
		nextMulti: htup.FirstMultiXactID,
		multis:    btree.New(2),
	}
}

// RegisterXactCallback adds fn to the end-of-transaction callbacks.
func (m *Manager) RegisterXactCallback(fn XactCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// AssignXid allocates a new transaction id and marks it running.
func (m *Manager) AssignXid() (htup.TransactionID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	xid := m.nextXid
	if err := m.reserveLocked(xid); err != nil {
		return htup.InvalidTransactionID, err
	}
	m.nextXid = m.nextXid.Next()
	m.clog[xid] = StatusInProgress
	m.running[xid] = struct{}{}
	return xid, nil
}

func (m *Manager) Commit(xid htup.TransactionID) error {
	return m.finish(xid, StatusCommitted)
}

func (m *Manager) Abort(xid htup.TransactionID) error {
	return m.finish(xid, StatusAborted)
}

func (m *Manager) finish(xid htup.TransactionID, status XidStatus) error {
	m.mu.Lock()
	cur, ok := m.clog[xid]
	if !ok {
		m.mu.Unlock()
		return errors.Wrapf(ErrUnknownTransaction, "xid %d", xid)
	}
	if cur != StatusInProgress {
		m.mu.Unlock()
		return errors.Wrapf(ErrNotInProgress, "xid %d is %s", xid, cur)
	}
	if err := m.recordLocked(xid, status); err != nil {
		m.mu.Unlock()
		return err
	}
	m.clog[xid] = status
	delete(m.running, xid)
	callbacks := append([]XactCallback(nil), m.callbacks...)
	m.mu.Unlock()

	logger.Debugf("transaction %d %s", xid, status)
	for _, fn := range callbacks {
		fn(xid, status == StatusCommitted)
	}
	return nil
}

// Status returns the commit log state. Permanent xids count as committed and
// unknown xids as aborted, the way a crash leaves them.
func (m *Manager) Status(xid htup.TransactionID) XidStatus {
	if !xid.IsNormal() {
		if xid == htup.InvalidTransactionID {
			return StatusAborted
		}
		return StatusCommitted
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.clog[xid]; ok {
		return s
	}
	return StatusAborted
}

func (m *Manager) IsInProgress(xid htup.TransactionID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.running[xid]
	return ok
}

func (m *Manager) DidCommit(xid htup.TransactionID) bool {
	return m.Status(xid) == StatusCommitted
}

func (m *Manager) DidAbort(xid htup.TransactionID) bool {
	return m.Status(xid) == StatusAborted
}

// RecentXmin is the oldest xid that may still be running; no older
// transaction is in flight.
func (m *Manager) RecentXmin() htup.TransactionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.oldestRunningLocked()
}

func (m *Manager) oldestRunningLocked() htup.TransactionID {
	oldest := m.nextXid
	for xid := range m.running {
		if xid.Precedes(oldest) {
			oldest = xid
		}
	}
	return oldest
}

// NextXid is the id the next transaction will get.
func (m *Manager) NextXid() htup.TransactionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextXid
}

// GetSnapshot builds a snapshot for a transaction. The caller's own xid is
// left out of the in-progress set; its own writes are governed by command ids.
func (m *Manager) GetSnapshot(own htup.TransactionID, curcid htup.CommandID, kind snapshot.Kind) *snapshot.Snapshot {
	if kind != snapshot.MVCC {
		snap := snapshot.OfKind(kind)
		snap.Curcid = curcid
		return snap
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	xmin := m.oldestRunningLocked()
	xip := make([]htup.TransactionID, 0, len(m.running))
	for xid := range m.running {
		if xid != own {
			xip = append(xip, xid)
		}
	}
	return snapshot.New(xmin, m.nextXid, xip, curcid)
}
