// Package engine ties the catalog, storage, transaction manager and access
// methods together and hands out sessions.
package engine

import (
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tvam/bitcask"
	"tvam/catalog"
	"tvam/heap"
	"tvam/logger"
	"tvam/smgr"
	"tvam/tableam"
	"tvam/transam"
	"tvam/tvam"
	"tvam/xlog"
)

var (
	ErrNotOwner      = errors.New("table variable belongs to another session")
	ErrNoTransaction = errors.New("there is no transaction in progress")
	ErrSessionClosed = errors.New("session is closed")

	// ErrTruncateShared guards relations other sessions may be reading.
	ErrTruncateShared = errors.New("only table variables and relations created in this transaction can be truncated")
)

// Engine is one open data directory.
type Engine struct {
	dir string

	catalogStore *bitcask.BitCask
	clogStore    *bitcask.BitCask
	walStore     *bitcask.BitCask
	wal          *xlog.Writer
	smgr         *smgr.Manager
	xact         *transam.Manager
	registry     *tableam.Registry
	catalog      *catalog.Catalog

	mu       sync.Mutex
	rels     map[uint32]*heap.Relation
	sessions map[uuid.UUID]*Session
	closed   bool
}

// Open opens or creates the data directory dir. Bitcask logs are compacted
// on open once their garbage ratio reaches compactThreshold.
func Open(dir string, compactThreshold float64) (*Engine, error) {
	e := &Engine{
		dir:      dir,
		rels:     map[uint32]*heap.Relation{},
		sessions: map[uuid.UUID]*Session{},
	}
	if err := e.open(compactThreshold); err != nil {
		e.closeStores()
		return nil, err
	}
	logger.Infof("engine opened at %s, access methods %v", dir, e.registry.Names())
	return e, nil
}

func (e *Engine) open(compactThreshold float64) error {
	var err error
	if e.catalogStore, err = bitcask.Open(filepath.Join(e.dir, "global", "catalog"), compactThreshold); err != nil {
		return errors.Wrap(err, "open catalog store")
	}
	if e.clogStore, err = bitcask.Open(filepath.Join(e.dir, "global", "clog"), compactThreshold); err != nil {
		return errors.Wrap(err, "open commit log")
	}
	if e.walStore, err = bitcask.Open(filepath.Join(e.dir, "wal", "xlog"), compactThreshold); err != nil {
		return errors.Wrap(err, "open write-ahead log")
	}
	if e.wal, err = xlog.NewWriter(e.walStore); err != nil {
		return err
	}
	if e.smgr, err = smgr.Open(filepath.Join(e.dir, "base"), e.wal); err != nil {
		return err
	}
	if e.xact, err = transam.Open(e.clogStore); err != nil {
		return err
	}
	e.xact.RegisterXactCallback(e.smgr.AtEOXact)

	e.registry = tableam.NewRegistry()
	if err = tableam.RegisterHeap(e.registry); err != nil {
		return err
	}
	if err = tvam.Register(e.registry); err != nil {
		return err
	}

	if e.catalog, err = catalog.Open(e.catalogStore); err != nil {
		return err
	}
	return e.removeTempRelations()
}

// removeTempRelations drops what the sessions of the last run left behind:
// temp relations die with their session.
func (e *Engine) removeTempRelations() error {
	rels, err := e.catalog.List()
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if rel.Persistence != smgr.Temp {
			continue
		}
		if err = e.dropRelation(rel); err != nil {
			return err
		}
		logger.Infof("removed leftover temp relation %s", rel.Name)
	}
	return nil
}

func (e *Engine) closeStores() {
	if e.smgr != nil {
		e.smgr.Close()
	}
	for _, bc := range []*bitcask.BitCask{e.catalogStore, e.clogStore, e.walStore} {
		if bc != nil {
			bc.Close()
		}
	}
}

// NewSession starts a session with its own transaction state.
func (e *Engine) NewSession() *Session {
	s := newSession(e)
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
	logger.Debugf("session %s started", s.id)
	return s
}

// Sessions counts the open sessions.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// AccessMethods lists the registered access methods.
func (e *Engine) AccessMethods() []string {
	return e.registry.Names()
}

// relation returns the open heap of rel, loading it on first use.
func (e *Engine) relation(rel *catalog.Relation) (*heap.Relation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.rels[rel.Oid]; ok {
		return h, nil
	}
	h, err := heap.Open(rel.Oid, e.smgr.Open(rel.RelFileNode, rel.Persistence), e.xact)
	if err != nil {
		return nil, errors.Wrapf(err, "open relation %s", rel.Name)
	}
	e.rels[rel.Oid] = h
	return h, nil
}

// forget drops the cached heap of oid without writing it back.
func (e *Engine) forget(oid uint32) {
	e.mu.Lock()
	h, ok := e.rels[oid]
	delete(e.rels, oid)
	e.mu.Unlock()
	if ok {
		h.Storage().Close()
	}
}

// dropRelation removes rel's storage and catalog row at once.
func (e *Engine) dropRelation(rel *catalog.Relation) error {
	e.forget(rel.Oid)
	if err := e.smgr.Open(rel.RelFileNode, rel.Persistence).Unlink(); err != nil {
		return errors.Wrapf(err, "remove storage of %s", rel.Name)
	}
	return e.catalog.Drop(rel.Name)
}

// Status summarizes the engine.
type Status struct {
	DataDir        string
	Sessions       int
	AccessMethods  []string
	NextXid        uint32
	RecentXmin     uint32
	OldestMulti    uint32
	PendingDeletes int
	Catalog        *bitcask.Status
	WAL            *bitcask.Status
}

func (e *Engine) Status() (*Status, error) {
	catalogStatus, err := e.catalogStore.Status()
	if err != nil {
		return nil, err
	}
	walStatus, err := e.walStore.Status()
	if err != nil {
		return nil, err
	}
	return &Status{
		DataDir:        e.dir,
		Sessions:       e.Sessions(),
		AccessMethods:  e.AccessMethods(),
		NextXid:        uint32(e.xact.NextXid()),
		RecentXmin:     uint32(e.xact.RecentXmin()),
		OldestMulti:    uint32(e.xact.OldestMultiXactID()),
		PendingDeletes: e.smgr.PendingDeletes(),
		Catalog:        catalogStatus,
		WAL:            walStatus,
	}, nil
}

// Vacuum forgets multixacts that no running transaction belongs to.
func (e *Engine) Vacuum() int {
	n := e.xact.TruncateMultiXacts(e.xact.OldestMultiXactID())
	logger.Infof("vacuum removed %d multixacts", n)
	return n
}

// Flush writes every dirty page and syncs the stores.
func (e *Engine) Flush() error {
	e.mu.Lock()
	rels := make([]*heap.Relation, 0, len(e.rels))
	for _, h := range e.rels {
		rels = append(rels, h)
	}
	e.mu.Unlock()

	for _, h := range rels {
		if err := h.Flush(); err != nil {
			return err
		}
	}
	if err := e.wal.Flush(); err != nil {
		return err
	}
	if err := e.clogStore.Flush(); err != nil {
		return err
	}
	return e.catalog.Flush()
}

// Close ends every session, writes the relations back and releases the
// data directory. The stores are released even when the final flush fails.
// Closing a closed engine does nothing.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			logger.Warnf("closing session %s: %v", s.id, err)
		}
	}
	err := e.Flush()
	if err != nil {
		logger.Errorf("flushing engine at %s: %v", e.dir, err)
	}

	e.mu.Lock()
	for oid, h := range e.rels {
		if err != nil {
			h.Storage().Close()
			continue
		}
		if closeErr := h.Close(); closeErr != nil {
			logger.Warnf("closing relation %d: %v", oid, closeErr)
		}
	}
	e.rels = map[uint32]*heap.Relation{}
	e.mu.Unlock()

	e.closeStores()
	logger.Infof("engine at %s closed", e.dir)
	return err
}
