// Package tamtest provides scripted collaborators for testing access method
// routines without a running transaction manager.
package tamtest

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"tvam/htup"
	"tvam/smgr"
	"tvam/tableam"
)

// TableOid is the relation every tuple built by Tuple belongs to.
const TableOid = 16384

// Xact answers transaction status questions from fixed tables.
type Xact struct {
	Current   htup.TransactionID
	Running   map[htup.TransactionID]bool
	Committed map[htup.TransactionID]bool
	Horizon   htup.TransactionID
}

// NewXact returns an oracle whose backend runs current. Every other xid is
// aborted until marked otherwise.
func NewXact(current htup.TransactionID) *Xact {
	return &Xact{
		Current:   current,
		Running:   map[htup.TransactionID]bool{},
		Committed: map[htup.TransactionID]bool{},
		Horizon:   htup.FirstNormalTransactionID,
	}
}

func (x *Xact) Run(xids ...htup.TransactionID) *Xact {
	for _, xid := range xids {
		x.Running[xid] = true
	}
	return x
}

func (x *Xact) Commit(xids ...htup.TransactionID) *Xact {
	for _, xid := range xids {
		delete(x.Running, xid)
		x.Committed[xid] = true
	}
	return x
}

func (x *Xact) CurrentTransactionID() htup.TransactionID {
	return x.Current
}

func (x *Xact) IsCurrentTransactionID(xid htup.TransactionID) bool {
	return xid.IsValid() && xid == x.Current
}

func (x *Xact) IsInProgress(xid htup.TransactionID) bool {
	return x.IsCurrentTransactionID(xid) || x.Running[xid]
}

func (x *Xact) DidCommit(xid htup.TransactionID) bool {
	if xid.IsValid() && !xid.IsNormal() {
		return true
	}
	return x.Committed[xid]
}

func (x *Xact) RecentXmin() htup.TransactionID {
	return x.Horizon
}

// Multi answers multixact questions from fixed tables.
type Multi struct {
	Updater        map[htup.MultiXactID]htup.TransactionID
	UpdaterRunning map[htup.MultiXactID]bool
	LockerRunning  map[htup.MultiXactID]bool
	Oldest         htup.MultiXactID
}

func NewMulti() *Multi {
	return &Multi{
		Updater:        map[htup.MultiXactID]htup.TransactionID{},
		UpdaterRunning: map[htup.MultiXactID]bool{},
		LockerRunning:  map[htup.MultiXactID]bool{},
		Oldest:         htup.FirstMultiXactID,
	}
}

func (m *Multi) IsRunning(multi htup.MultiXactID, lockersOnly bool) bool {
	if lockersOnly {
		return m.LockerRunning[multi]
	}
	return m.LockerRunning[multi] || m.UpdaterRunning[multi]
}

func (m *Multi) UpdateXid(multi htup.MultiXactID) htup.TransactionID {
	return m.Updater[multi]
}

func (m *Multi) OldestMultiXactID() htup.MultiXactID {
	return m.Oldest
}

// Buffer counts the hint bit changes reported to it.
type Buffer struct {
	ID    int32
	dirty atomic.Int32
}

func NewBuffer() *Buffer {
	return &Buffer{ID: 1}
}

func (b *Buffer) BufferID() int32 {
	return b.ID
}

func (b *Buffer) MarkDirtyHint() {
	b.dirty.Add(1)
}

func (b *Buffer) DirtyHints() int {
	return int(b.dirty.Load())
}

// Tuple builds a version at (0,1) of TableOid with the given header state.
func Tuple(xmin htup.TransactionID, cmin htup.CommandID, xmax uint32, cmax htup.CommandID, infomask uint16) *htup.HeapTuple {
	self := htup.ItemPointer{Block: 0, Offset: 1}
	hdr := htup.NewTupleHeader(xmin, cmin, self)
	hdr.Xmax = xmax
	hdr.Cmax = cmax
	hdr.SetInfomask(infomask)
	return &htup.HeapTuple{Self: self, TableOid: TableOid, Header: hdr}
}

// CreateCall records one CreateStorage request.
type CreateCall struct {
	RelFileNode    smgr.RelFileNode
	Persistence    smgr.Persistence
	RegisterDelete bool
	Xid            htup.TransactionID
}

// Storage wraps a real storage manager in a temporary directory and
// records what routines ask of it.
type Storage struct {
	*smgr.Manager

	mu      sync.Mutex
	Creates []CreateCall
	Logged  []smgr.ForkNumber
}

var _ tableam.StorageManager = (*Storage)(nil)

func NewStorage(t testing.TB) *Storage {
	m, err := smgr.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return &Storage{Manager: m}
}

func (s *Storage) CreateStorage(rnode smgr.RelFileNode, persistence smgr.Persistence, registerDelete bool, xid htup.TransactionID) (*smgr.Relation, error) {
	s.mu.Lock()
	s.Creates = append(s.Creates, CreateCall{rnode, persistence, registerDelete, xid})
	s.mu.Unlock()
	return s.Manager.CreateStorage(rnode, persistence, registerDelete, xid)
}

func (s *Storage) LogCreate(rnode smgr.RelFileNode, fork smgr.ForkNumber) error {
	s.mu.Lock()
	s.Logged = append(s.Logged, fork)
	s.mu.Unlock()
	return s.Manager.LogCreate(rnode, fork)
}

// Env bundles the three fakes the way a backend would.
func Env(x *Xact, m *Multi, s *Storage) tableam.Env {
	env := tableam.Env{Xact: x, Multi: m}
	if s != nil {
		env.Storage = s
	}
	return env
}
