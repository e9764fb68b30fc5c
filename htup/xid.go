package htup

import "fmt"

// TransactionID identifies a top-level transaction. Normal ids are compared
// modulo 2^32, so ordering only makes sense within half the id space.
type TransactionID uint32

// CommandID numbers the statements of one transaction.
type CommandID uint32

// MultiXactID identifies a set of transactions sharing a row lock.
type MultiXactID uint32

const (
	InvalidTransactionID     TransactionID = 0
	BootstrapTransactionID   TransactionID = 1
	FrozenTransactionID      TransactionID = 2
	FirstNormalTransactionID TransactionID = 3
	MaxTransactionID         TransactionID = 0xFFFFFFFF
)

const (
	FirstCommandID   CommandID = 0
	InvalidCommandID CommandID = 0xFFFFFFFF
)

const (
	InvalidMultiXactID MultiXactID = 0
	FirstMultiXactID   MultiXactID = 1
)

func (xid TransactionID) IsValid() bool {
	return xid != InvalidTransactionID
}

func (xid TransactionID) IsNormal() bool {
	return xid >= FirstNormalTransactionID
}

// Precedes reports xid < other. Permanent ids precede every normal id.
func (xid TransactionID) Precedes(other TransactionID) bool {
	if !xid.IsNormal() || !other.IsNormal() {
		return xid < other
	}
	return int32(xid-other) < 0
}

func (xid TransactionID) PrecedesOrEquals(other TransactionID) bool {
	return xid == other || xid.Precedes(other)
}

// Follows reports xid > other.
func (xid TransactionID) Follows(other TransactionID) bool {
	return other.Precedes(xid)
}

func (xid TransactionID) FollowsOrEquals(other TransactionID) bool {
	return xid == other || xid.Follows(other)
}

// Next returns the id after xid, skipping the permanent ids on wraparound.
func (xid TransactionID) Next() TransactionID {
	xid++
	if xid < FirstNormalTransactionID {
		xid = FirstNormalTransactionID
	}
	return xid
}

func (xid TransactionID) String() string {
	return fmt.Sprintf("%d", uint32(xid))
}

func (m MultiXactID) IsValid() bool {
	return m != InvalidMultiXactID
}

func (m MultiXactID) Precedes(other MultiXactID) bool {
	return int32(m-other) < 0
}

// Next returns the id after m, skipping InvalidMultiXactID on wraparound.
func (m MultiXactID) Next() MultiXactID {
	m++
	if m < FirstMultiXactID {
		m = FirstMultiXactID
	}
	return m
}
