package transam

import (
	"github.com/google/btree"
	"github.com/pkg/errors"

	"tvam/htup"
)

// MemberStatus is the strength with which a member holds a multixact.
type MemberStatus byte

const (
	ForKeyShare MemberStatus = iota
	ForShare
	ForNoKeyUpdate
	ForUpdate
	NoKeyUpdate
	Update
)

// IsUpdate reports whether the member modified the tuple rather than locking it.
func (s MemberStatus) IsUpdate() bool {
	return s == NoKeyUpdate || s == Update
}

type Member struct {
	Xid    htup.TransactionID
	Status MemberStatus
}

var (
	ErrEmptyMultiXact   = errors.New("multixact needs at least one member")
	ErrTwoUpdaters      = errors.New("multixact can hold at most one updater")
	ErrUnknownMultiXact = errors.New("unknown multixact")
)

type multiItem struct {
	id      htup.MultiXactID
	members []Member
}

func (mi *multiItem) Less(than btree.Item) bool {
	return mi.id.Precedes(than.(*multiItem).id)
}

// CreateMultiXact registers a new multixact. Members are copied.
func (m *Manager) CreateMultiXact(members ...Member) (htup.MultiXactID, error) {
	if len(members) == 0 {
		return htup.InvalidMultiXactID, ErrEmptyMultiXact
	}
	updaters := 0
	for _, mem := range members {
		if mem.Status.IsUpdate() {
			updaters++
		}
	}
	if updaters > 1 {
		return htup.InvalidMultiXactID, ErrTwoUpdaters
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextMulti
	m.nextMulti = m.nextMulti.Next()
	m.multis.ReplaceOrInsert(&multiItem{id: id, members: append([]Member(nil), members...)})
	return id, nil
}

// Members returns a copy of the multixact's members.
func (m *Manager) Members(multi htup.MultiXactID) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item := m.multis.Get(&multiItem{id: multi})
	if item == nil {
		return nil, errors.Wrapf(ErrUnknownMultiXact, "multixact %d", multi)
	}
	return append([]Member(nil), item.(*multiItem).members...), nil
}

// IsRunning reports whether any member of multi is still in progress. With
// lockersOnly the caller knows there is no updater; the answer is the same.
func (m *Manager) IsRunning(multi htup.MultiXactID, lockersOnly bool) bool {
	members, err := m.Members(multi)
	if err != nil {
		return false
	}
	for _, mem := range members {
		if lockersOnly && mem.Status.IsUpdate() {
			continue
		}
		if m.IsInProgress(mem.Xid) {
			return true
		}
	}
	return false
}

// UpdateXid returns the member that updated or deleted the tuple, or
// InvalidTransactionID when every member is a locker.
func (m *Manager) UpdateXid(multi htup.MultiXactID) htup.TransactionID {
	members, err := m.Members(multi)
	if err != nil {
		return htup.InvalidTransactionID
	}
	for _, mem := range members {
		if mem.Status.IsUpdate() {
			return mem.Xid
		}
	}
	return htup.InvalidTransactionID
}

// OldestMultiXactID is the oldest multixact that a running transaction can
// still be a member of, or the next multixact id when there is none.
func (m *Manager) OldestMultiXactID() htup.MultiXactID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	oldest := m.nextMulti
	m.multis.Ascend(func(i btree.Item) bool {
		item := i.(*multiItem)
		for _, mem := range item.members {
			if _, ok := m.running[mem.Xid]; ok {
				oldest = item.id
				return false
			}
		}
		return true
	})
	return oldest
}

// TruncateMultiXacts forgets multixacts older than cutoff.
func (m *Manager) TruncateMultiXacts(cutoff htup.MultiXactID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var drop []btree.Item
	m.multis.AscendLessThan(&multiItem{id: cutoff}, func(i btree.Item) bool {
		drop = append(drop, i)
		return true
	})
	for _, i := range drop {
		m.multis.Delete(i)
	}
	return len(drop)
}
