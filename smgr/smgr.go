package smgr

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"tvam/htup"
	"tvam/logger"
	"tvam/util"
	"tvam/xlog"
)

// BlockSize is the size of one page on disk.
const BlockSize = 8192

// RelFileNode identifies the files of one relation.
type RelFileNode struct {
	SpcNode uint32
	DbNode  uint32
	RelNode uint32
}

func (r RelFileNode) String() string {
	return fmt.Sprintf("%d/%d/%d", r.SpcNode, r.DbNode, r.RelNode)
}

// ForkNumber selects one of a relation's files.
type ForkNumber int

const (
	MainFork ForkNumber = iota
	FSMFork
	VisibilityMapFork
	InitFork
)

var forkSuffix = map[ForkNumber]string{
	MainFork:          "",
	FSMFork:           "_fsm",
	VisibilityMapFork: "_vm",
	InitFork:          "_init",
}

func (f ForkNumber) String() string {
	switch f {
	case MainFork:
		return "main"
	case FSMFork:
		return "fsm"
	case VisibilityMapFork:
		return "vm"
	case InitFork:
		return "init"
	}
	return fmt.Sprintf("fork(%d)", int(f))
}

// Persistence is a relation's durability class.
type Persistence byte

const (
	Permanent Persistence = 'p'
	Unlogged  Persistence = 'u'
	Temp      Persistence = 't'
)

func (p Persistence) String() string {
	switch p {
	case Permanent:
		return "permanent"
	case Unlogged:
		return "unlogged"
	case Temp:
		return "temporary"
	}
	return fmt.Sprintf("persistence(%q)", byte(p))
}

// ParsePersistence accepts the long names and the single-letter codes.
func ParsePersistence(s string) (Persistence, error) {
	switch s {
	case "permanent", "p":
		return Permanent, nil
	case "unlogged", "u":
		return Unlogged, nil
	case "temporary", "temp", "t":
		return Temp, nil
	}
	return 0, errors.Errorf("unknown persistence %q", s)
}

type pendingDelete struct {
	rnode       RelFileNode
	persistence Persistence
	xid         htup.TransactionID
}

// Manager owns the relation files under one data directory.
type Manager struct {
	dir      string
	lockFile *os.File
	wal      *xlog.Writer

	mu      sync.Mutex
	pending []pendingDelete
}

// Open locks dir for exclusive use. wal may be nil, in which case nothing is
// logged.
func Open(dir string, wal *xlog.Writer) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}
	lockFile, err := os.OpenFile(filepath.Join(dir, "smgr.lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	if err = util.LockFileNonBlocking(lockFile); err != nil {
		lockFile.Close()
		return nil, err
	}
	return &Manager{dir: dir, lockFile: lockFile, wal: wal}, nil
}

func (m *Manager) Close() error {
	return m.lockFile.Close()
}

// Open returns a handle on an existing or future relation; no file is touched.
func (m *Manager) Open(rnode RelFileNode, persistence Persistence) *Relation {
	return &Relation{
		mgr:         m,
		rnode:       rnode,
		persistence: persistence,
		files:       map[ForkNumber]*os.File{},
	}
}

// CreateStorage creates the main fork of a new relation. With registerDelete
// the files are removed again if transaction xid aborts; without it they
// outlive an abort.
func (m *Manager) CreateStorage(rnode RelFileNode, persistence Persistence, registerDelete bool, xid htup.TransactionID) (*Relation, error) {
	rel := m.Open(rnode, persistence)
	if err := rel.Create(MainFork); err != nil {
		return nil, err
	}
	if persistence == Permanent {
		if err := m.LogCreate(rnode, MainFork); err != nil {
			rel.Close()
			return nil, err
		}
	}
	if registerDelete {
		m.mu.Lock()
		m.pending = append(m.pending, pendingDelete{rnode: rnode, persistence: persistence, xid: xid})
		m.mu.Unlock()
	}
	logger.Debugf("created storage %s (%s) register delete %t", rnode, persistence, registerDelete)
	return rel, nil
}

// LogCreate writes a fork creation record to the write-ahead log.
func (m *Manager) LogCreate(rnode RelFileNode, fork ForkNumber) error {
	if m.wal == nil {
		return nil
	}
	payload := util.BufferAppend(
		util.BinaryToByte(rnode.SpcNode),
		util.BinaryToByte(rnode.DbNode),
		util.BinaryToByte(rnode.RelNode),
		[]byte{byte(fork)},
	)
	if _, err := m.wal.Insert(xlog.RecSmgrCreate, payload); err != nil {
		return errors.Wrapf(err, "log create of %s %s", rnode, fork)
	}
	return nil
}

// LogTruncate records that fork was cut down to nblocks.
func (m *Manager) LogTruncate(rnode RelFileNode, fork ForkNumber, nblocks htup.BlockNumber) error {
	if m.wal == nil {
		return nil
	}
	payload := util.BufferAppend(
		util.BinaryToByte(rnode.SpcNode),
		util.BinaryToByte(rnode.DbNode),
		util.BinaryToByte(rnode.RelNode),
		[]byte{byte(fork)},
		util.BinaryToByte(uint32(nblocks)),
	)
	if _, err := m.wal.Insert(xlog.RecSmgrTruncate, payload); err != nil {
		return errors.Wrapf(err, "log truncate of %s %s", rnode, fork)
	}
	return nil
}

// AtEOXact settles the pending deletes of a finished transaction: on abort
// the files go away, on commit the relation is kept.
func (m *Manager) AtEOXact(xid htup.TransactionID, committed bool) {
	m.mu.Lock()
	var mine []pendingDelete
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p.xid == xid {
			mine = append(mine, p)
		} else {
			kept = append(kept, p)
		}
	}
	m.pending = kept
	m.mu.Unlock()

	if committed {
		return
	}
	for _, p := range mine {
		if err := m.Open(p.rnode, p.persistence).Unlink(); err != nil {
			logger.Warnf("could not remove storage %s after abort: %v", p.rnode, err)
		}
	}
}

// PendingDeletes counts relations that an abort would remove.
func (m *Manager) PendingDeletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) path(rnode RelFileNode, persistence Persistence, fork ForkNumber) string {
	name := fmt.Sprintf("%d%s", rnode.RelNode, forkSuffix[fork])
	if persistence == Temp {
		name = "t_" + name
	}
	return filepath.Join(m.dir, fmt.Sprint(rnode.SpcNode), fmt.Sprint(rnode.DbNode), name)
}
