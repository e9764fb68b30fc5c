package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"tvam/htup"
	"tvam/smgr"
	"tvam/snapshot"
	"tvam/tableam"
	"tvam/tvam"
)

var (
	ErrEmptyCommand   = errors.New("empty command")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
)

// Usage describes every command Execute understands.
var Usage = []struct {
	Command string
	Help    string
}{
	{"begin", "start a transaction block"},
	{"commit", "commit the transaction block"},
	{"rollback", "abort the transaction block"},
	{"create <table> [using heap|table_variable] [permanent|unlogged|temp]", "create a relation"},
	{"drop <table>", "drop a relation and its storage"},
	{"insert <table> <value>...", "insert one row per value"},
	{"update <table> <tid> <value>", "replace the row at tid"},
	{"delete <table> <tid>", "delete the row at tid"},
	{"lock <table> <tid>", "take a key-share lock on the row at tid"},
	{"scan <table> [snapshot kind]", "list the rows a snapshot sees (default MVCC)"},
	{"truncate <table>", "empty a table variable or a table created in this transaction"},
	{"tables", "list relations"},
	{"vacuum", "forget finished multixacts"},
}

// UsageError reports a command called with the wrong arguments.
type UsageError struct {
	Command string
}

func (e *UsageError) Error() string {
	return "usage: " + e.Command
}

func (e *UsageError) Unwrap() error {
	return ErrUsage
}

func usage(cmd string) error {
	for _, u := range Usage {
		if strings.Fields(u.Command)[0] == cmd {
			return &UsageError{Command: u.Command}
		}
	}
	return errors.Wrap(ErrUnknownCommand, cmd)
}

// ParseTid reads an item pointer written as (block,offset).
func ParseTid(s string) (htup.ItemPointer, error) {
	var blk, off uint32
	if _, err := fmt.Sscanf(s, "(%d,%d)", &blk, &off); err != nil {
		return htup.ItemPointer{}, errors.Errorf("bad tid %q, want (block,offset)", s)
	}
	if off == 0 || off > 0xFFFF {
		return htup.ItemPointer{}, errors.Errorf("bad tid %q: offset out of range", s)
	}
	return htup.ItemPointer{Block: htup.BlockNumber(blk), Offset: htup.OffsetNumber(off)}, nil
}

func parseKind(s string) (snapshot.Kind, error) {
	for k := snapshot.MVCC; k <= snapshot.NonVacuumable; k++ {
		if strings.EqualFold(k.String(), s) {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown snapshot kind %q", s)
}

// Execute runs one command line.
func (s *Session) Execute(line string) (ResultSet, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "begin":
		if len(args) != 0 {
			return nil, usage(cmd)
		}
		xid, err := s.Begin()
		if err != nil {
			return nil, err
		}
		return &BeginResultSet{Xid: uint32(xid)}, nil

	case "commit":
		if len(args) != 0 {
			return nil, usage(cmd)
		}
		xid, err := s.Commit()
		if err != nil {
			return nil, err
		}
		return &CommitResultSet{Xid: uint32(xid)}, nil

	case "rollback":
		if len(args) != 0 {
			return nil, usage(cmd)
		}
		xid, err := s.Rollback()
		if err != nil {
			return nil, err
		}
		return &RollbackResultSet{Xid: uint32(xid)}, nil

	case "create":
		return s.executeCreate(args)

	case "drop":
		if len(args) != 1 {
			return nil, usage(cmd)
		}
		if err := s.DropTable(args[0]); err != nil {
			return nil, err
		}
		return &DropTableResultSet{Name: args[0]}, nil

	case "insert":
		if len(args) < 2 {
			return nil, usage(cmd)
		}
		rows := make([][]byte, 0, len(args)-1)
		for _, v := range args[1:] {
			rows = append(rows, []byte(v))
		}
		tids, err := s.Insert(args[0], rows...)
		if err != nil {
			return nil, err
		}
		res := &InsertResultSet{}
		for _, tid := range tids {
			res.Tids = append(res.Tids, tid.String())
		}
		return res, nil

	case "update":
		if len(args) != 3 {
			return nil, usage(cmd)
		}
		tid, err := ParseTid(args[1])
		if err != nil {
			return nil, err
		}
		newTid, err := s.Update(args[0], tid, []byte(args[2]))
		if err != nil {
			return nil, err
		}
		return &UpdateResultSet{Old: tid.String(), New: newTid.String()}, nil

	case "delete", "lock":
		if len(args) != 2 {
			return nil, usage(cmd)
		}
		tid, err := ParseTid(args[1])
		if err != nil {
			return nil, err
		}
		if cmd == "delete" {
			if err = s.Delete(args[0], tid); err != nil {
				return nil, err
			}
			return &DeleteResultSet{Tid: tid.String()}, nil
		}
		if err = s.Lock(args[0], tid); err != nil {
			return nil, err
		}
		return &LockResultSet{Tid: tid.String()}, nil

	case "scan":
		return s.executeScan(args)

	case "truncate":
		if len(args) != 1 {
			return nil, usage(cmd)
		}
		if err := s.Truncate(args[0]); err != nil {
			return nil, err
		}
		return &TruncateResultSet{Name: args[0]}, nil

	case "tables":
		return s.executeTables()

	case "vacuum":
		return &VacuumResultSet{MultiXacts: s.engine.Vacuum()}, nil
	}
	return nil, errors.Wrap(ErrUnknownCommand, cmd)
}

func (s *Session) executeCreate(args []string) (ResultSet, error) {
	if len(args) == 0 {
		return nil, usage("create")
	}
	name, rest := args[0], args[1:]
	am := tableam.HeapName
	if len(rest) >= 2 && strings.EqualFold(rest[0], "using") {
		am, rest = strings.ToLower(rest[1]), rest[2:]
	}
	persistence := smgr.Permanent
	if am == tvam.Name {
		persistence = smgr.Temp
	}
	switch len(rest) {
	case 0:
	case 1:
		p, err := smgr.ParsePersistence(strings.ToLower(rest[0]))
		if err != nil {
			return nil, err
		}
		persistence = p
	default:
		return nil, usage("create")
	}

	rel, err := s.CreateTable(name, am, persistence)
	if err != nil {
		return nil, err
	}
	return &CreateTableResultSet{
		Name:         rel.Name,
		Oid:          rel.Oid,
		AccessMethod: rel.AccessMethod,
		Persistence:  rel.Persistence.String(),
	}, nil
}

func (s *Session) executeScan(args []string) (ResultSet, error) {
	if len(args) == 0 || len(args) > 2 {
		return nil, usage("scan")
	}
	kind := snapshot.MVCC
	if len(args) == 2 {
		k, err := parseKind(args[1])
		if err != nil {
			return nil, err
		}
		kind = k
	}
	tuples, err := s.Scan(args[0], kind)
	if err != nil {
		return nil, err
	}
	res := &QueryResultSet{Columns: []string{"ctid", "xmin", "xmax", "data"}}
	for _, tup := range tuples {
		xmax := "-"
		if !tup.Header.XmaxInvalid() {
			xmax = fmt.Sprint(tup.Header.Xmax)
			if tup.Header.XmaxIsMulti() {
				xmax = "multi " + xmax
			}
		}
		res.Rows = append(res.Rows, []string{
			tup.Self.String(),
			tup.Header.Xmin.String(),
			xmax,
			string(tup.Data),
		})
	}
	return res, nil
}

func (s *Session) executeTables() (ResultSet, error) {
	rels, err := s.Tables()
	if err != nil {
		return nil, err
	}
	res := &QueryResultSet{Columns: []string{"name", "oid", "am", "persistence", "frozenxid", "minmxid", "owner"}}
	for _, rel := range rels {
		owner := "shared"
		if rel.Owner != uuid.Nil {
			owner = "session"
		}
		res.Rows = append(res.Rows, []string{
			rel.Name,
			fmt.Sprint(rel.Oid),
			rel.AccessMethod,
			rel.Persistence.String(),
			rel.FrozenXid.String(),
			fmt.Sprint(rel.MinMulti),
			owner,
		})
	}
	return res, nil
}
