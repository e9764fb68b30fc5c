package snapshot

import (
	"fmt"

	"github.com/RoaringBitmap/roaring"

	"tvam/htup"
)

// Kind selects the visibility rules a snapshot asks for.
type Kind int

const (
	MVCC Kind = iota
	Self
	Any
	Toast
	Dirty
	HistoricMVCC
	NonVacuumable
)

var kindNames = map[Kind]string{
	MVCC:          "MVCC",
	Self:          "Self",
	Any:           "Any",
	Toast:         "Toast",
	Dirty:         "Dirty",
	HistoricMVCC:  "HistoricMVCC",
	NonVacuumable: "NonVacuumable",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind maps a case-sensitive kind name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Snapshot is a transaction's view of which other transactions have finished.
type Snapshot struct {
	Kind Kind

	// every xid below Xmin had finished when the snapshot was taken
	Xmin htup.TransactionID
	// every xid at or above Xmax had not started
	Xmax htup.TransactionID
	// xids in [Xmin, Xmax) still running when the snapshot was taken
	Xip *roaring.Bitmap

	// Curcid is the first command whose effects are not visible.
	Curcid htup.CommandID
}

// New builds an MVCC snapshot.
func New(xmin, xmax htup.TransactionID, xip []htup.TransactionID, curcid htup.CommandID) *Snapshot {
	bm := roaring.New()
	for _, xid := range xip {
		bm.Add(uint32(xid))
	}
	return &Snapshot{
		Kind:   MVCC,
		Xmin:   xmin,
		Xmax:   xmax,
		Xip:    bm,
		Curcid: curcid,
	}
}

// OfKind builds a snapshot that carries only a kind, as used for the
// non-MVCC rules.
func OfKind(kind Kind) *Snapshot {
	return &Snapshot{Kind: kind, Xip: roaring.New()}
}

// XidInMVCCSnapshot reports whether xid is still in progress from the
// snapshot's point of view.
func (s *Snapshot) XidInMVCCSnapshot(xid htup.TransactionID) bool {
	if xid.Precedes(s.Xmin) {
		return false
	}
	if xid.FollowsOrEquals(s.Xmax) {
		return true
	}
	return s.Xip != nil && s.Xip.Contains(uint32(xid))
}

func (s *Snapshot) String() string {
	n := uint64(0)
	if s.Xip != nil {
		n = s.Xip.GetCardinality()
	}
	return fmt.Sprintf("%s xmin=%d xmax=%d xip=%d curcid=%d", s.Kind, s.Xmin, s.Xmax, n, s.Curcid)
}
