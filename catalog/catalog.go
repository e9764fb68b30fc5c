// Package catalog stores relation metadata on a bitcask log.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tvam/bitcask"
	"tvam/htup"
	"tvam/logger"
	"tvam/smgr"
	"tvam/tableam"
	"tvam/util"
)

const (
	KeyPrefix      byte = 0x05
	NextOidPrefix  byte = 0x01
	RelationPrefix byte = 0x02
)

const (
	DefaultTablespace uint32 = 1663
	DefaultDatabase   uint32 = 1
	// FirstNormalOid is the first oid handed to user relations.
	FirstNormalOid uint32 = 16384
)

var (
	ErrRelationExists   = errors.New("relation already exists")
	ErrRelationNotFound = errors.New("relation does not exist")
)

type Key interface {
	Encode() []byte
}

type NextOidKey struct{}

func (k *NextOidKey) Encode() []byte {
	return []byte{KeyPrefix, NextOidPrefix}
}

type RelationKey struct {
	Name string
}

func (k *RelationKey) Encode() []byte {
	return append([]byte{KeyPrefix, RelationPrefix}, k.Name...)
}

// Relation is one catalog row.
type Relation struct {
	Oid          uint32
	Name         string
	Kind         tableam.RelKind
	AccessMethod string
	Persistence  smgr.Persistence
	RelFileNode  smgr.RelFileNode
	FrozenXid    htup.TransactionID
	MinMulti     htup.MultiXactID
	CreateXid    htup.TransactionID
	// Owner is the session a table variable belongs to; uuid.Nil for
	// relations every session can use.
	Owner uuid.UUID
}

func (r *Relation) Info() tableam.RelationInfo {
	return tableam.RelationInfo{Oid: r.Oid, Name: r.Name, Kind: r.Kind}
}

func (r *Relation) String() string {
	owner := "shared"
	if r.Owner != uuid.Nil {
		owner = r.Owner.String()
	}
	return fmt.Sprintf("%s oid=%d am=%s %s file=%s frozenxid=%d minmxid=%d owner=%s",
		r.Name, r.Oid, r.AccessMethod, r.Persistence, r.RelFileNode, r.FrozenXid, r.MinMulti, owner)
}

// Catalog entries are not transactional: a relation is visible to every
// session as soon as CreateRelation returns.
type Catalog struct {
	mu      sync.Mutex
	engine  bitcask.Engine
	nextOid uint32
}

func Open(engine bitcask.Engine) (*Catalog, error) {
	c := &Catalog{engine: engine, nextOid: FirstNormalOid}
	value, err := engine.Get((&NextOidKey{}).Encode())
	if err != nil {
		return nil, errors.Wrap(err, "read next oid")
	}
	if len(value) != 0 {
		if err = util.ByteToInt(value, &c.nextOid); err != nil {
			return nil, errors.Wrap(err, "decode next oid")
		}
	}
	return c, nil
}

// CreateRelation allocates an oid and relfilenode, asks the access method to
// create the storage and records the result.
func (c *Catalog) CreateRelation(routine tableam.Routine, name string, persistence smgr.Persistence, xid htup.TransactionID, owner uuid.UUID) (*Relation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.getLocked(name); err == nil {
		return nil, errors.Wrap(ErrRelationExists, name)
	} else if !errors.Is(err, ErrRelationNotFound) {
		return nil, err
	}

	oid := c.nextOid
	rel := &Relation{
		Oid:          oid,
		Name:         name,
		Kind:         tableam.RelKindRelation,
		AccessMethod: routine.Name(),
		Persistence:  persistence,
		RelFileNode:  smgr.RelFileNode{SpcNode: DefaultTablespace, DbNode: DefaultDatabase, RelNode: oid},
		CreateXid:    xid,
		Owner:        owner,
	}
	frozenXid, minMulti, err := routine.RelationSetNewFilenode(rel.Info(), rel.RelFileNode, persistence)
	if err != nil {
		return nil, errors.Wrapf(err, "create relation %s", name)
	}
	rel.FrozenXid = frozenXid
	rel.MinMulti = minMulti

	c.nextOid++
	if err = c.engine.Set((&NextOidKey{}).Encode(), util.BinaryToByte(c.nextOid)); err != nil {
		return nil, errors.Wrap(err, "store next oid")
	}
	if err = c.put(rel); err != nil {
		return nil, err
	}
	logger.Infof("created relation %s", rel)
	return rel, nil
}

func (c *Catalog) put(rel *Relation) error {
	value, err := util.BinaryStructToByte(rel)
	if err != nil {
		return errors.Wrapf(err, "encode relation %s", rel.Name)
	}
	return errors.Wrapf(c.engine.Set((&RelationKey{Name: rel.Name}).Encode(), value), "store relation %s", rel.Name)
}

func (c *Catalog) Get(name string) (*Relation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(name)
}

func (c *Catalog) getLocked(name string) (*Relation, error) {
	value, err := c.engine.Get((&RelationKey{Name: name}).Encode())
	if err != nil {
		return nil, errors.Wrapf(err, "read relation %s", name)
	}
	if len(value) == 0 {
		return nil, errors.Wrap(ErrRelationNotFound, name)
	}
	rel := &Relation{}
	if err = util.ByteToStruct(value, rel); err != nil {
		return nil, errors.Wrapf(err, "decode relation %s", name)
	}
	return rel, nil
}

// List returns every relation ordered by oid.
func (c *Catalog) List() ([]*Relation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pairs, err := c.engine.ScanPrefix([]byte{KeyPrefix, RelationPrefix})
	if err != nil {
		return nil, errors.Wrap(err, "scan relations")
	}
	rels := make([]*Relation, 0, len(pairs))
	for _, p := range pairs {
		rel := &Relation{}
		if err = util.ByteToStruct(p.Value, rel); err != nil {
			return nil, errors.Wrapf(err, "decode relation %q", p.Key[2:])
		}
		rels = append(rels, rel)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].Oid < rels[j].Oid })
	return rels, nil
}

// Drop removes the catalog row only; the caller owns the storage.
func (c *Catalog) Drop(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.getLocked(name); err != nil {
		return err
	}
	if err := c.engine.Delete((&RelationKey{Name: name}).Encode()); err != nil {
		return errors.Wrapf(err, "drop relation %s", name)
	}
	logger.Infof("dropped relation %s", name)
	return nil
}

func (c *Catalog) Flush() error {
	return c.engine.Flush()
}
