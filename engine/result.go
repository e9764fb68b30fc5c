package engine

import (
	"bytes"
	"encoding/gob"
)

// ResultSet is what one command returns to the client.
type ResultSet interface {
	resultSet()
}

type BeginResultSet struct {
	Xid uint32
}

type CommitResultSet struct {
	Xid uint32
}

type RollbackResultSet struct {
	Xid uint32
}

type CreateTableResultSet struct {
	Name         string
	Oid          uint32
	AccessMethod string
	Persistence  string
}

type DropTableResultSet struct {
	Name string
}

type InsertResultSet struct {
	Tids []string
}

type UpdateResultSet struct {
	Old string
	New string
}

type DeleteResultSet struct {
	Tid string
}

type LockResultSet struct {
	Tid string
}

type TruncateResultSet struct {
	Name string
}

type VacuumResultSet struct {
	MultiXacts int
}

// QueryResultSet is a table of strings: rows of a scan or the relation list.
type QueryResultSet struct {
	Columns []string
	Rows    [][]string
}

func (*BeginResultSet) resultSet()       {}
func (*CommitResultSet) resultSet()      {}
func (*RollbackResultSet) resultSet()    {}
func (*CreateTableResultSet) resultSet() {}
func (*DropTableResultSet) resultSet()   {}
func (*InsertResultSet) resultSet()      {}
func (*UpdateResultSet) resultSet()      {}
func (*DeleteResultSet) resultSet()      {}
func (*LockResultSet) resultSet()        {}
func (*TruncateResultSet) resultSet()    {}
func (*VacuumResultSet) resultSet()      {}
func (*QueryResultSet) resultSet()       {}

// GobReg registers the result types so they can travel inside an interface.
func GobReg() {
	types := []ResultSet{
		&BeginResultSet{},
		&CommitResultSet{},
		&RollbackResultSet{},
		&CreateTableResultSet{},
		&DropTableResultSet{},
		&InsertResultSet{},
		&UpdateResultSet{},
		&DeleteResultSet{},
		&LockResultSet{},
		&TruncateResultSet{},
		&VacuumResultSet{},
		&QueryResultSet{},
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	for _, t := range types {
		gob.Register(t)
		_ = enc.Encode(t)
	}
}
