package transam

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"tvam/bitcask"
	"tvam/htup"
	"tvam/snapshot"
)

type TransamSuite struct {
	suite.Suite

	mgr *Manager
}

func TestTransam(t *testing.T) {
	suite.Run(t, new(TransamSuite))
}

func (s *TransamSuite) SetupTest() {
	s.mgr = NewManager()
}

func (s *TransamSuite) assign() htup.TransactionID {
	xid, err := s.mgr.AssignXid()
	s.Require().NoError(err)
	return xid
}

func (s *TransamSuite) TestCommitLog() {
	x1 := s.assign()
	x2 := s.assign()
	s.Equal(htup.FirstNormalTransactionID, x1)
	s.True(s.mgr.IsInProgress(x1))

	s.Require().NoError(s.mgr.Commit(x1))
	s.Require().NoError(s.mgr.Abort(x2))

	s.True(s.mgr.DidCommit(x1))
	s.False(s.mgr.IsInProgress(x1))
	s.True(s.mgr.DidAbort(x2))
	s.ErrorIs(s.mgr.Commit(x2), ErrNotInProgress)
	s.ErrorIs(s.mgr.Commit(999), ErrUnknownTransaction)

	s.True(s.mgr.DidCommit(htup.FrozenTransactionID))
	s.False(s.mgr.DidCommit(htup.InvalidTransactionID))
	s.Equal(StatusAborted, s.mgr.Status(12345))
}

func (s *TransamSuite) TestRecentXmin() {
	s.Equal(htup.FirstNormalTransactionID, s.mgr.RecentXmin())

	x1 := s.assign()
	x2 := s.assign()
	s.Equal(x1, s.mgr.RecentXmin())

	s.Require().NoError(s.mgr.Commit(x1))
	s.Equal(x2, s.mgr.RecentXmin())

	s.Require().NoError(s.mgr.Commit(x2))
	s.Equal(s.mgr.NextXid(), s.mgr.RecentXmin())
}

func (s *TransamSuite) TestCallbacks() {
	var got []bool
	s.mgr.RegisterXactCallback(func(xid htup.TransactionID, committed bool) {
		got = append(got, committed)
	})
	x1 := s.assign()
	x2 := s.assign()
	s.Require().NoError(s.mgr.Commit(x1))
	s.Require().NoError(s.mgr.Abort(x2))
	s.Equal([]bool{true, false}, got)
}

func (s *TransamSuite) TestSnapshotExcludesOwnXid() {
	other := s.assign()
	own := s.assign()

	snap := s.mgr.GetSnapshot(own, 3, snapshot.MVCC)
	s.Equal(snapshot.MVCC, snap.Kind)
	s.Equal(htup.CommandID(3), snap.Curcid)
	s.True(snap.XidInMVCCSnapshot(other))
	s.False(snap.XidInMVCCSnapshot(own))
	s.True(snap.XidInMVCCSnapshot(s.mgr.NextXid()))

	s.Require().NoError(s.mgr.Commit(other))
	// an existing snapshot does not change
	s.True(snap.XidInMVCCSnapshot(other))
	s.False(s.mgr.GetSnapshot(own, 3, snapshot.MVCC).XidInMVCCSnapshot(other))

	s.Equal(snapshot.Any, s.mgr.GetSnapshot(own, 0, snapshot.Any).Kind)
}

func (s *TransamSuite) TestMultiXact() {
	locker := s.assign()
	updater := s.assign()

	_, err := s.mgr.CreateMultiXact()
	s.ErrorIs(err, ErrEmptyMultiXact)
	_, err = s.mgr.CreateMultiXact(Member{locker, Update}, Member{updater, NoKeyUpdate})
	s.ErrorIs(err, ErrTwoUpdaters)

	lockOnly, err := s.mgr.CreateMultiXact(Member{locker, ForKeyShare})
	s.Require().NoError(err)
	mixed, err := s.mgr.CreateMultiXact(Member{locker, ForKeyShare}, Member{updater, Update})
	s.Require().NoError(err)

	s.Equal(htup.InvalidTransactionID, s.mgr.UpdateXid(lockOnly))
	s.Equal(updater, s.mgr.UpdateXid(mixed))
	s.True(s.mgr.IsRunning(mixed, false))
	s.Equal(lockOnly, s.mgr.OldestMultiXactID())

	s.Require().NoError(s.mgr.Commit(locker))
	s.False(s.mgr.IsRunning(lockOnly, true))
	s.True(s.mgr.IsRunning(mixed, false))
	s.False(s.mgr.IsRunning(mixed, true))
	s.Equal(mixed, s.mgr.OldestMultiXactID())

	s.Require().NoError(s.mgr.Abort(updater))
	s.False(s.mgr.IsRunning(mixed, false))
	s.Equal(mixed+1, s.mgr.OldestMultiXactID())

	s.Equal(1, s.mgr.TruncateMultiXacts(mixed))
	_, err = s.mgr.Members(lockOnly)
	s.ErrorIs(err, ErrUnknownMultiXact)
	s.False(s.mgr.IsRunning(lockOnly, false))
}

func TestBackend(t *testing.T) {
	mgr := NewManager()
	b := NewBackend(mgr)

	require.False(t, b.InTransaction())
	require.ErrorIs(t, b.Commit(), ErrNoTransaction)

	xid, err := b.Begin()
	require.NoError(t, err)
	_, err = b.Begin()
	require.ErrorIs(t, err, ErrInTransaction)

	require.True(t, b.IsCurrentTransactionID(xid))
	require.False(t, b.IsCurrentTransactionID(htup.InvalidTransactionID))
	require.True(t, b.IsInProgress(xid))

	b.CommandCounterIncrement()
	require.Equal(t, htup.CommandID(1), b.CurrentCommandID())
	require.Equal(t, htup.CommandID(1), b.GetSnapshot(snapshot.MVCC).Curcid)

	require.NoError(t, b.Abort())
	require.False(t, b.IsCurrentTransactionID(xid))
	require.False(t, b.DidCommit(xid))
	require.Equal(t, htup.CommandID(0), b.CurrentCommandID())
}

func TestCommitLogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clog")
	store, err := bitcask.Open(path, 1.1)
	require.NoError(t, err)

	mgr, err := Open(store)
	require.NoError(t, err)
	committed, err := mgr.AssignXid()
	require.NoError(t, err)
	aborted, err := mgr.AssignXid()
	require.NoError(t, err)
	crashed, err := mgr.AssignXid()
	require.NoError(t, err)
	require.NoError(t, mgr.Commit(committed))
	require.NoError(t, mgr.Abort(aborted))
	require.NoError(t, store.Close())

	store, err = bitcask.Open(path, 1.1)
	require.NoError(t, err)
	defer store.Close()
	mgr, err = Open(store)
	require.NoError(t, err)

	require.True(t, mgr.DidCommit(committed))
	require.True(t, mgr.DidAbort(aborted))
	require.True(t, mgr.DidAbort(crashed))
	require.False(t, mgr.IsInProgress(crashed))

	// xids handed out before the restart are not reused
	next, err := mgr.AssignXid()
	require.NoError(t, err)
	require.True(t, next.Follows(crashed))
	require.Equal(t, htup.FirstNormalTransactionID+xidBatch, next)
}
