package tvam_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tvam/htup"
	"tvam/logger"
	"tvam/snapshot"
	"tvam/tableam"
	"tvam/tableam/tamtest"
	"tvam/tvam"
)

const (
	me      htup.TransactionID = 100
	t1      htup.TransactionID = 50
	t2      htup.TransactionID = 60
	other   htup.TransactionID = 200
	aborted htup.TransactionID = 250
	mx      htup.MultiXactID   = 7

	noCid = htup.InvalidCommandID

	lockOnly      = htup.XmaxLockOnly | htup.XmaxKeyShrLock
	multiLockOnly = htup.XmaxIsMulti | htup.XmaxLockOnly | htup.XmaxKeyShrLock
)

func routine(x *tamtest.Xact, m *tamtest.Multi) *tvam.Routine {
	return tvam.New(tamtest.Env(x, m, nil))
}

// snap is an MVCC snapshot of the current transaction in which running
// xids were still in progress.
func snap(curcid htup.CommandID, running ...htup.TransactionID) *snapshot.Snapshot {
	return snapshot.New(me, 400, running, curcid)
}

func moved(tup *htup.HeapTuple) *htup.HeapTuple {
	tup.Header.Ctid = htup.ItemPointer{Block: tup.Self.Block, Offset: tup.Self.Offset + 1}
	return tup
}

func requireConsistencyPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.ErrorIs(t, err, tvam.ErrInternalConsistency)
	}()
	fn()
}

func TestVisibilityMVCC(t *testing.T) {
	tests := []struct {
		name    string
		tuple   *htup.HeapTuple
		setup   func(*tamtest.Xact, *tamtest.Multi)
		snap    *snapshot.Snapshot
		visible bool
	}{
		{
			name:  "inserter hinted invalid",
			tuple: tamtest.Tuple(t1, 0, 0, noCid, htup.XminInvalid|htup.XmaxInvalid),
			snap:  snap(1),
		},
		{
			name:  "own insert from a later command",
			tuple: tamtest.Tuple(me, 2, 0, noCid, htup.XmaxInvalid),
			snap:  snap(1),
		},
		{
			name:  "own insert from the same command",
			tuple: tamtest.Tuple(me, 1, 0, noCid, htup.XmaxInvalid),
			snap:  snap(1),
		},
		{
			name:    "own insert from an earlier command",
			tuple:   tamtest.Tuple(me, 0, 0, noCid, htup.XmaxInvalid),
			snap:    snap(1),
			visible: true,
		},
		{
			name:    "own insert locked by another transaction",
			tuple:   tamtest.Tuple(me, 0, uint32(other), noCid, lockOnly),
			setup:   func(x *tamtest.Xact, _ *tamtest.Multi) { x.Run(other) },
			snap:    snap(1, other),
			visible: true,
		},
		{
			name:  "policy: own insert deleted by another transaction stays hidden",
			tuple: tamtest.Tuple(me, 0, uint32(aborted), 0, 0),
			snap:  snap(1),
		},
		{
			name:    "own insert deleted by a later command",
			tuple:   tamtest.Tuple(me, 0, uint32(me), 1, 0),
			snap:    snap(1),
			visible: true,
		},
		{
			name:  "own insert deleted by an earlier command",
			tuple: tamtest.Tuple(me, 0, uint32(me), 0, 0),
			snap:  snap(1),
		},
		{
			name:    "own insert updated through multixact by a later command",
			tuple:   tamtest.Tuple(me, 0, uint32(mx), 2, htup.XmaxIsMulti),
			setup:   func(_ *tamtest.Xact, m *tamtest.Multi) { m.Updater[mx] = me },
			snap:    snap(1),
			visible: true,
		},
		{
			name:  "own insert updated through multixact by an earlier command",
			tuple: tamtest.Tuple(me, 0, uint32(mx), 0, htup.XmaxIsMulti),
			setup: func(_ *tamtest.Xact, m *tamtest.Multi) { m.Updater[mx] = me },
			snap:  snap(1),
		},
		{
			name:  "inserter running per snapshot",
			tuple: tamtest.Tuple(other, 0, 0, noCid, htup.XmaxInvalid),
			setup: func(x *tamtest.Xact, _ *tamtest.Multi) { x.Run(other) },
			snap:  snap(1, other),
		},
		{
			name:  "inserter committed after the snapshot",
			tuple: tamtest.Tuple(other, 0, 0, noCid, htup.XmaxInvalid),
			setup: func(x *tamtest.Xact, _ *tamtest.Multi) { x.Commit(other) },
			snap:  snap(1, other),
		},
		{
			name:  "inserter aborted",
			tuple: tamtest.Tuple(aborted, 0, 0, noCid, htup.XmaxInvalid),
			snap:  snap(1),
		},
		{
			name:    "committed inserter without deleter",
			tuple:   tamtest.Tuple(t1, 0, 0, noCid, htup.XmaxInvalid),
			setup:   func(x *tamtest.Xact, _ *tamtest.Multi) { x.Commit(t1) },
			snap:    snap(1),
			visible: true,
		},
		{
			name:  "inserter hinted committed but running per snapshot",
			tuple: tamtest.Tuple(other, 0, 0, noCid, htup.XminCommitted|htup.XmaxInvalid),
			snap:  snap(1, other),
		},
		{
			name:    "frozen inserter ignores the snapshot",
			tuple:   tamtest.Tuple(other, 0, 0, noCid, htup.XminFrozen|htup.XmaxInvalid),
			snap:    snap(1, other),
			visible: true,
		},
		{
			name:    "committed row locked by plain locker",
			tuple:   tamtest.Tuple(t1, 0, uint32(other), noCid, htup.XminCommitted|lockOnly),
			setup:   func(x *tamtest.Xact, _ *tamtest.Multi) { x.Run(other) },
			snap:    snap(1, other),
			visible: true,
		},
		{
			name:    "committed row locked by running multixact",
			tuple:   tamtest.Tuple(t1, 0, uint32(mx), noCid, htup.XminCommitted|multiLockOnly),
			setup:   func(_ *tamtest.Xact, m *tamtest.Multi) { m.LockerRunning[mx] = true },
			snap:    snap(1),
			visible: true,
		},
		{
			name:    "multixact updater is us, later command",
			tuple:   tamtest.Tuple(t1, 0, uint32(mx), 1, htup.XminCommitted|htup.XmaxIsMulti),
			setup:   func(_ *tamtest.Xact, m *tamtest.Multi) { m.Updater[mx] = me },
			snap:    snap(1),
			visible: true,
		},
		{
			name:  "multixact updater is us, earlier command",
			tuple: tamtest.Tuple(t1, 0, uint32(mx), 0, htup.XminCommitted|htup.XmaxIsMulti),
			setup: func(_ *tamtest.Xact, m *tamtest.Multi) { m.Updater[mx] = me },
			snap:  snap(1),
		},
		{
			name:  "multixact updater running per snapshot",
			tuple: tamtest.Tuple(t1, 0, uint32(mx), 0, htup.XminCommitted|htup.XmaxIsMulti),
			setup: func(x *tamtest.Xact, m *tamtest.Multi) {
				x.Run(other)
				m.Updater[mx] = other
			},
			snap:    snap(1, other),
			visible: true,
		},
		{
			name:  "multixact updater committed",
			tuple: tamtest.Tuple(t1, 0, uint32(mx), 0, htup.XminCommitted|htup.XmaxIsMulti),
			setup: func(x *tamtest.Xact, m *tamtest.Multi) {
				x.Commit(t2)
				m.Updater[mx] = t2
			},
			snap: snap(1),
		},
		{
			name:    "multixact updater aborted",
			tuple:   tamtest.Tuple(t1, 0, uint32(mx), 0, htup.XminCommitted|htup.XmaxIsMulti),
			setup:   func(_ *tamtest.Xact, m *tamtest.Multi) { m.Updater[mx] = aborted },
			snap:    snap(1),
			visible: true,
		},
		{
			name:    "deleter is us, later command",
			tuple:   tamtest.Tuple(t1, 0, uint32(me), 1, htup.XminCommitted),
			snap:    snap(1),
			visible: true,
		},
		{
			name:  "deleter is us, earlier command",
			tuple: tamtest.Tuple(t1, 0, uint32(me), 0, htup.XminCommitted),
			snap:  snap(1),
		},
		{
			name:    "deleter running per snapshot",
			tuple:   tamtest.Tuple(t1, 0, uint32(other), 0, htup.XminCommitted),
			setup:   func(x *tamtest.Xact, _ *tamtest.Multi) { x.Run(other) },
			snap:    snap(1, other),
			visible: true,
		},
		{
			name:  "policy: aborted deleter keeps the row hidden",
			tuple: tamtest.Tuple(t1, 0, uint32(aborted), 0, htup.XminCommitted),
			snap:  snap(1),
		},
		{
			name:  "deleter committed",
			tuple: tamtest.Tuple(t1, 0, uint32(t2), 0, htup.XminCommitted),
			setup: func(x *tamtest.Xact, _ *tamtest.Multi) { x.Commit(t2) },
			snap:  snap(1),
		},
		{
			name:    "deleter hinted committed but running per snapshot",
			tuple:   tamtest.Tuple(t1, 0, uint32(other), 0, htup.XminCommitted|htup.XmaxCommitted),
			snap:    snap(1, other),
			visible: true,
		},
		{
			name:  "deleter hinted committed",
			tuple: tamtest.Tuple(t1, 0, uint32(t2), 0, htup.XminCommitted|htup.XmaxCommitted),
			snap:  snap(1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, m := tamtest.NewXact(me), tamtest.NewMulti()
			if tt.setup != nil {
				tt.setup(x, m)
			}
			r := routine(x, m)
			buf := tamtest.NewBuffer()
			mask := tt.tuple.Header.Infomask()

			require.Equal(t, tt.visible, r.TupleSatisfiesVisibility(tt.tuple, tt.snap, buf))
			require.Equal(t, tt.visible, r.TupleSatisfiesVisibility(tt.tuple, tt.snap, buf), "second call")

			require.Equal(t, mask, tt.tuple.Header.Infomask(), "hint bits must not change")
			require.Zero(t, buf.DirtyHints())
		})
	}
}

func TestVisibilityForeignMultiUpdaterOnOwnInsert(t *testing.T) {
	x, m := tamtest.NewXact(me), tamtest.NewMulti()
	m.Updater[mx] = other
	x.Run(other)
	r := routine(x, m)

	tup := tamtest.Tuple(me, 0, uint32(mx), 0, htup.XmaxIsMulti)
	requireConsistencyPanic(t, func() {
		r.TupleSatisfiesVisibility(tup, snap(1, other), tamtest.NewBuffer())
	})
}

func TestVisibilitySnapshotKinds(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	logger.SetLogger(zap.New(core))
	defer logger.SetLogger(zap.NewNop())

	r := routine(tamtest.NewXact(me), tamtest.NewMulti())
	buf := tamtest.NewBuffer()
	dead := tamtest.Tuple(aborted, 0, 0, noCid, htup.XminInvalid|htup.XmaxInvalid)
	live := tamtest.Tuple(htup.FrozenTransactionID, 0, 0, noCid, htup.XminFrozen|htup.XmaxInvalid)

	require.True(t, r.TupleSatisfiesVisibility(dead, snapshot.OfKind(snapshot.Any), buf))
	require.True(t, r.TupleSatisfiesVisibility(live, snapshot.OfKind(snapshot.Any), buf))
	require.Zero(t, logs.Len())

	for _, kind := range []snapshot.Kind{snapshot.Self, snapshot.Toast, snapshot.Dirty, snapshot.HistoricMVCC, snapshot.NonVacuumable} {
		require.False(t, r.TupleSatisfiesVisibility(live, snapshot.OfKind(kind), buf), kind.String())
	}
	require.Equal(t, 5, logs.Len())
	require.Contains(t, logs.All()[0].Message, "Unsupported snapshot type Self")
}

func TestVisibilityPreconditions(t *testing.T) {
	r := routine(tamtest.NewXact(me), tamtest.NewMulti())
	anySnap := snapshot.OfKind(snapshot.Any)

	tup := tamtest.Tuple(me, 0, 0, noCid, htup.XmaxInvalid)
	require.Panics(t, func() { r.TupleSatisfiesVisibility(tup, anySnap, nil) })

	tup.Self = htup.ItemPointer{}
	require.Panics(t, func() { r.TupleSatisfiesVisibility(tup, anySnap, tamtest.NewBuffer()) })
}

// Scenarios where the two routines disagree on the same header.
func TestRollbackInsensitivity(t *testing.T) {
	x, m := tamtest.NewXact(me), tamtest.NewMulti()
	x.Commit(t1)
	env := tamtest.Env(x, m, nil)
	heap, tv := tableam.NewHeapRoutine(env), tvam.New(env)

	deleted := func() *htup.HeapTuple {
		return tamtest.Tuple(t1, 0, uint32(aborted), 0, htup.XminCommitted)
	}
	require.True(t, heap.TupleSatisfiesVisibility(deleted(), snap(1), tamtest.NewBuffer()))
	require.False(t, tv.TupleSatisfiesVisibility(deleted(), snap(1), tamtest.NewBuffer()))
	require.Equal(t, tableam.TMOk, heap.TupleSatisfiesUpdate(deleted(), 1, tamtest.NewBuffer()))
	require.Equal(t, tableam.TMDeleted, tv.TupleSatisfiesUpdate(deleted(), 1, tamtest.NewBuffer()))

	inserted := func() *htup.HeapTuple {
		return tamtest.Tuple(aborted, 0, 0, noCid, htup.XmaxInvalid)
	}
	require.Equal(t, tableam.TMInvisible, heap.TupleSatisfiesUpdate(inserted(), 1, tamtest.NewBuffer()))
	require.Equal(t, tableam.TMOk, tv.TupleSatisfiesUpdate(inserted(), 1, tamtest.NewBuffer()))
}

func TestScenarioCommittedDelete(t *testing.T) {
	x := tamtest.NewXact(me).Commit(t1, t2)
	r := routine(x, tamtest.NewMulti())

	tup := tamtest.Tuple(t1, 0, uint32(t2), 0, 0)
	require.False(t, r.TupleSatisfiesVisibility(tup, snap(0), tamtest.NewBuffer()))
	require.Equal(t, tableam.TMDeleted, r.TupleSatisfiesUpdate(tup, 0, tamtest.NewBuffer()))
	require.Equal(t, tableam.TMUpdated, r.TupleSatisfiesUpdate(moved(tup), 0, tamtest.NewBuffer()))
}
