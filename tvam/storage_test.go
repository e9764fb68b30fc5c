package tvam_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tvam/smgr"
	"tvam/tableam"
	"tvam/tableam/tamtest"
	"tvam/transam"
	"tvam/tvam"
)

var tableVar = tableam.RelationInfo{Oid: 16500, Name: "@scratch", Kind: tableam.RelKindRelation}

func TestStorageRejectsNonTemp(t *testing.T) {
	storage := tamtest.NewStorage(t)
	r := tvam.New(tamtest.Env(tamtest.NewXact(me), tamtest.NewMulti(), storage))

	for _, p := range []smgr.Persistence{smgr.Permanent, smgr.Unlogged} {
		_, _, err := r.RelationSetNewFilenode(tableVar, smgr.RelFileNode{SpcNode: 1663, DbNode: 1, RelNode: 16500}, p)
		require.ErrorIs(t, err, tableam.ErrFeatureNotSupported, p.String())
		require.Contains(t, err.Error(), "Table Variable AM supports Temp Tables only.")
	}
	require.Empty(t, storage.Creates)
}

func TestStorageSurvivesAbort(t *testing.T) {
	mgr := transam.NewManager()
	storage := tamtest.NewStorage(t)
	mgr.RegisterXactCallback(storage.AtEOXact)

	older := transam.NewBackend(mgr)
	_, err := older.Begin()
	require.NoError(t, err)
	defer older.Abort()

	b := transam.NewBackend(mgr)
	xid, err := b.Begin()
	require.NoError(t, err)

	env := tableam.Env{Xact: b, Multi: mgr, Storage: storage}
	tv := tvam.New(env)
	heap := tableam.NewHeapRoutine(env)

	tvNode := smgr.RelFileNode{SpcNode: 1663, DbNode: 1, RelNode: 16501}
	freeze, minMulti, err := tv.RelationSetNewFilenode(tableVar, tvNode, smgr.Temp)
	require.NoError(t, err)
	require.True(t, freeze.PrecedesOrEquals(older.CurrentTransactionID()))
	require.True(t, freeze.PrecedesOrEquals(xid))
	require.Equal(t, mgr.OldestMultiXactID(), minMulti)

	heapNode := smgr.RelFileNode{SpcNode: 1663, DbNode: 1, RelNode: 16502}
	_, _, err = heap.RelationSetNewFilenode(tableVar, heapNode, smgr.Temp)
	require.NoError(t, err)

	require.Len(t, storage.Creates, 2)
	require.False(t, storage.Creates[0].RegisterDelete)
	require.Equal(t, xid, storage.Creates[0].Xid)
	require.True(t, storage.Creates[1].RegisterDelete)
	require.Empty(t, storage.Logged)

	require.NoError(t, b.Abort())

	require.True(t, storage.Open(tvNode, smgr.Temp).Exists(smgr.MainFork))
	require.False(t, storage.Open(heapNode, smgr.Temp).Exists(smgr.MainFork))
}

func TestRegister(t *testing.T) {
	reg := tableam.NewRegistry()
	require.NoError(t, tableam.RegisterHeap(reg))
	require.NoError(t, tvam.Register(reg))
	require.ErrorIs(t, tvam.Register(reg), tableam.ErrAccessMethodExists)
	require.Equal(t, []string{"heap", "table_variable"}, reg.Names())

	storage := tamtest.NewStorage(t)
	routine, err := reg.Routine(tvam.Name, tamtest.Env(tamtest.NewXact(me), tamtest.NewMulti(), storage))
	require.NoError(t, err)
	require.Equal(t, tvam.Name, routine.Name())
	require.IsType(t, &tvam.Routine{}, routine)

	// size and truncate come from the heap routine
	node := smgr.RelFileNode{SpcNode: 1663, DbNode: 1, RelNode: 16503}
	_, _, err = routine.RelationSetNewFilenode(tableVar, node, smgr.Temp)
	require.NoError(t, err)
	srel := storage.Open(node, smgr.Temp)
	defer srel.Close()
	require.NoError(t, srel.Write(smgr.MainFork, 0, []byte{1}))

	size, err := routine.RelationSize(srel, smgr.MainFork)
	require.NoError(t, err)
	require.EqualValues(t, smgr.BlockSize, size)
	require.NoError(t, routine.RelationNontransactionalTruncate(srel))
	size, err = routine.RelationSize(srel, smgr.MainFork)
	require.NoError(t, err)
	require.Zero(t, size)
}
