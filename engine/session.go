package engine

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tvam/catalog"
	"tvam/heap"
	"tvam/htup"
	"tvam/logger"
	"tvam/smgr"
	"tvam/snapshot"
	"tvam/tableam"
	"tvam/transam"
	"tvam/tvam"
)

// Session is one client's connection to the engine. A session is not safe
// for concurrent use; open one per client.
type Session struct {
	id      uuid.UUID
	engine  *Engine
	backend *transam.Backend
	env     tableam.Env

	routines map[string]tableam.Routine
	// heap relations created by the open transaction
	created []*catalog.Relation
	// explicit is set between begin and commit/rollback
	explicit bool
	closed   bool
}

func newSession(e *Engine) *Session {
	b := transam.NewBackend(e.xact)
	return &Session{
		id:       uuid.New(),
		engine:   e,
		backend:  b,
		env:      tableam.Env{Xact: b, Multi: e.xact, Storage: e.smgr},
		routines: map[string]tableam.Routine{},
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) InTransaction() bool {
	return s.explicit
}

func (s *Session) routine(name string) (tableam.Routine, error) {
	if r, ok := s.routines[name]; ok {
		return r, nil
	}
	r, err := s.engine.registry.Routine(name, s.env)
	if err != nil {
		return nil, err
	}
	s.routines[name] = r
	return r, nil
}

// Begin opens an explicit transaction block.
func (s *Session) Begin() (htup.TransactionID, error) {
	if s.closed {
		return htup.InvalidTransactionID, ErrSessionClosed
	}
	xid, err := s.backend.Begin()
	if err != nil {
		return htup.InvalidTransactionID, err
	}
	s.explicit = true
	return xid, nil
}

func (s *Session) Commit() (htup.TransactionID, error) {
	if !s.explicit {
		return htup.InvalidTransactionID, ErrNoTransaction
	}
	s.explicit = false
	return s.commit()
}

func (s *Session) Rollback() (htup.TransactionID, error) {
	if !s.explicit {
		return htup.InvalidTransactionID, ErrNoTransaction
	}
	s.explicit = false
	return s.rollback()
}

func (s *Session) commit() (htup.TransactionID, error) {
	xid := s.backend.CurrentTransactionID()
	s.created = nil
	return xid, s.backend.Commit()
}

// rollback aborts the transaction. Storage of heap relations created in it
// is removed by the abort itself; their catalog rows go here.
func (s *Session) rollback() (htup.TransactionID, error) {
	xid := s.backend.CurrentTransactionID()
	err := s.backend.Abort()
	for _, rel := range s.created {
		s.engine.forget(rel.Oid)
		if dropErr := s.engine.catalog.Drop(rel.Name); dropErr != nil {
			logger.Warnf("session %s: dropping %s after rollback: %v", s.id, rel.Name, dropErr)
		}
	}
	s.created = nil
	return xid, err
}

// statement runs fn as one command: inside the open transaction block, or in
// a transaction of its own that commits when fn succeeds.
func (s *Session) statement(fn func() error) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.explicit {
		err := fn()
		s.backend.CommandCounterIncrement()
		return err
	}
	if _, err := s.backend.Begin(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if _, abortErr := s.rollback(); abortErr != nil {
			logger.Warnf("session %s: abort after failed statement: %v", s.id, abortErr)
		}
		return err
	}
	_, err := s.commit()
	return err
}

// CreateTable creates a relation using access method am. Table variables
// belong to this session and are dropped when it closes.
func (s *Session) CreateTable(name, am string, persistence smgr.Persistence) (*catalog.Relation, error) {
	routine, err := s.routine(am)
	if err != nil {
		return nil, err
	}
	owner := uuid.Nil
	if am == tvam.Name {
		owner = s.id
	}
	var rel *catalog.Relation
	err = s.statement(func() error {
		rel, err = s.engine.catalog.CreateRelation(routine, name, persistence, s.backend.CurrentTransactionID(), owner)
		if err != nil {
			return err
		}
		if am != tvam.Name {
			s.created = append(s.created, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// DropTable removes a relation and its storage immediately; a rollback does
// not bring it back.
func (s *Session) DropTable(name string) error {
	rel, err := s.lookup(name)
	if err != nil {
		return err
	}
	for i, c := range s.created {
		if c.Oid == rel.Oid {
			s.created = append(s.created[:i], s.created[i+1:]...)
			break
		}
	}
	return s.engine.dropRelation(rel)
}

// Tables lists the relations this session can use.
func (s *Session) Tables() ([]*catalog.Relation, error) {
	rels, err := s.engine.catalog.List()
	if err != nil {
		return nil, err
	}
	visible := rels[:0]
	for _, rel := range rels {
		if rel.Owner == uuid.Nil || rel.Owner == s.id {
			visible = append(visible, rel)
		}
	}
	return visible, nil
}

func (s *Session) lookup(name string) (*catalog.Relation, error) {
	rel, err := s.engine.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	if rel.Owner != uuid.Nil && rel.Owner != s.id {
		return nil, errors.Wrap(ErrNotOwner, name)
	}
	return rel, nil
}

// open resolves a relation name to its heap and this session's routine.
func (s *Session) open(name string) (*heap.Relation, tableam.Routine, error) {
	rel, err := s.lookup(name)
	if err != nil {
		return nil, nil, err
	}
	routine, err := s.routine(rel.AccessMethod)
	if err != nil {
		return nil, nil, err
	}
	h, err := s.engine.relation(rel)
	if err != nil {
		return nil, nil, err
	}
	return h, routine, nil
}

func (s *Session) Insert(name string, rows ...[]byte) ([]htup.ItemPointer, error) {
	h, _, err := s.open(name)
	if err != nil {
		return nil, err
	}
	var tids []htup.ItemPointer
	err = s.statement(func() error {
		for _, row := range rows {
			tid, err := h.Insert(s.backend, row)
			if err != nil {
				return err
			}
			tids = append(tids, tid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tids, nil
}

func (s *Session) Update(name string, tid htup.ItemPointer, data []byte) (htup.ItemPointer, error) {
	h, routine, err := s.open(name)
	if err != nil {
		return htup.ItemPointer{}, err
	}
	var newTid htup.ItemPointer
	err = s.statement(func() error {
		newTid, err = h.Update(routine, s.backend, tid, data)
		return err
	})
	return newTid, err
}

func (s *Session) Delete(name string, tid htup.ItemPointer) error {
	h, routine, err := s.open(name)
	if err != nil {
		return err
	}
	return s.statement(func() error {
		return h.Delete(routine, s.backend, tid)
	})
}

func (s *Session) Lock(name string, tid htup.ItemPointer) error {
	h, routine, err := s.open(name)
	if err != nil {
		return err
	}
	return s.statement(func() error {
		return h.LockTuple(routine, s.backend, tid)
	})
}

// Scan returns the versions of name that a snapshot of the given kind sees.
func (s *Session) Scan(name string, kind snapshot.Kind) ([]*htup.HeapTuple, error) {
	h, routine, err := s.open(name)
	if err != nil {
		return nil, err
	}
	var tuples []*htup.HeapTuple
	err = s.statement(func() error {
		tuples = h.Scan(routine, s.backend.GetSnapshot(kind))
		return nil
	})
	return tuples, err
}

// Truncate empties name immediately, whatever becomes of the transaction.
// Only relations nobody else can see qualify: this session's table
// variables and relations created by its open transaction.
func (s *Session) Truncate(name string) error {
	rel, err := s.lookup(name)
	if err != nil {
		return err
	}
	if rel.Owner != s.id && !s.createdHere(rel.Oid) {
		return errors.Wrap(ErrTruncateShared, name)
	}
	h, routine, err := s.open(name)
	if err != nil {
		return err
	}
	return h.Truncate(routine)
}

func (s *Session) createdHere(oid uint32) bool {
	for _, rel := range s.created {
		if rel.Oid == oid {
			return true
		}
	}
	return false
}

// Close aborts the open transaction and drops the session's table variables.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var first error
	if s.backend.InTransaction() {
		s.explicit = false
		if _, err := s.rollback(); err != nil {
			first = err
		}
	}
	s.closed = true

	rels, err := s.engine.catalog.List()
	if err != nil && first == nil {
		first = err
	}
	for _, rel := range rels {
		if rel.Owner != s.id {
			continue
		}
		if err = s.engine.dropRelation(rel); err != nil && first == nil {
			first = err
		}
	}

	s.engine.mu.Lock()
	delete(s.engine.sessions, s.id)
	s.engine.mu.Unlock()
	logger.Debugf("session %s closed", s.id)
	return first
}
