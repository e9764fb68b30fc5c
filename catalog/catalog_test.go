package catalog

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tvam/bitcask"
	"tvam/smgr"
	"tvam/tableam"
	"tvam/tableam/tamtest"
	"tvam/tvam"
)

func openCatalog(t *testing.T, path string) (*Catalog, *bitcask.BitCask) {
	bc, err := bitcask.Open(path, 1.1)
	require.NoError(t, err)
	c, err := Open(bc)
	require.NoError(t, err)
	return c, bc
}

func TestCreateAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog")
	c, bc := openCatalog(t, path)

	x := tamtest.NewXact(100)
	x.Horizon = 42
	storage := tamtest.NewStorage(t)
	env := tamtest.Env(x, tamtest.NewMulti(), storage)
	owner := uuid.New()

	heapRel, err := c.CreateRelation(tableam.NewHeapRoutine(env), "accounts", smgr.Permanent, 100, uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, FirstNormalOid, heapRel.Oid)
	require.Equal(t, "heap", heapRel.AccessMethod)

	tv, err := c.CreateRelation(tvam.New(env), "@scratch", smgr.Temp, 100, owner)
	require.NoError(t, err)
	require.Equal(t, FirstNormalOid+1, tv.Oid)
	require.EqualValues(t, 42, tv.FrozenXid)
	require.Equal(t, owner, tv.Owner)

	_, err = c.CreateRelation(tvam.New(env), "@scratch", smgr.Temp, 100, owner)
	require.ErrorIs(t, err, ErrRelationExists)

	_, err = c.CreateRelation(tvam.New(env), "@durable", smgr.Permanent, 100, owner)
	require.ErrorIs(t, err, tableam.ErrFeatureNotSupported)

	require.NoError(t, bc.Close())

	c, bc = openCatalog(t, path)
	defer bc.Close()

	got, err := c.Get("@scratch")
	require.NoError(t, err)
	require.Equal(t, tv, got)

	rels, err := c.List()
	require.NoError(t, err)
	require.Len(t, rels, 2)
	require.Equal(t, "accounts", rels[0].Name)

	// oids keep counting after a reload
	next, err := c.CreateRelation(tableam.NewHeapRoutine(env), "ledger", smgr.Temp, 101, uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, FirstNormalOid+2, next.Oid)
}

func TestDrop(t *testing.T) {
	c, bc := openCatalog(t, filepath.Join(t.TempDir(), "catalog"))
	defer bc.Close()

	env := tamtest.Env(tamtest.NewXact(100), tamtest.NewMulti(), tamtest.NewStorage(t))
	_, err := c.CreateRelation(tableam.NewHeapRoutine(env), "t", smgr.Temp, 100, uuid.Nil)
	require.NoError(t, err)

	require.NoError(t, c.Drop("t"))
	_, err = c.Get("t")
	require.ErrorIs(t, err, ErrRelationNotFound)
	require.ErrorIs(t, c.Drop("t"), ErrRelationNotFound)
}
