package smgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tvam/bitcask"
	"tvam/xlog"
)

func newManager(t *testing.T) (*Manager, *xlog.Writer) {
	dir := t.TempDir()
	bc, err := bitcask.Open(filepath.Join(dir, "wal", "xlog"), 1.1)
	require.NoError(t, err)
	t.Cleanup(func() { bc.Close() })

	wal, err := xlog.NewWriter(bc)
	require.NoError(t, err)

	m, err := Open(filepath.Join(dir, "base"), wal)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, wal
}

func TestCreateStorageLogsPermanentOnly(t *testing.T) {
	m, wal := newManager(t)

	perm, err := m.CreateStorage(RelFileNode{1663, 1, 16384}, Permanent, true, 10)
	require.NoError(t, err)
	defer perm.Close()
	temp, err := m.CreateStorage(RelFileNode{1663, 1, 16385}, Temp, true, 10)
	require.NoError(t, err)
	defer temp.Close()

	require.True(t, perm.Exists(MainFork))
	require.True(t, temp.Exists(MainFork))
	require.Contains(t, temp.Path(MainFork), "t_16385")

	records, err := wal.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, xlog.RecSmgrCreate, records[0].Type)
}

func TestAbortRemovesRegisteredStorage(t *testing.T) {
	m, _ := newManager(t)

	doomed, err := m.CreateStorage(RelFileNode{1663, 1, 1}, Temp, true, 10)
	require.NoError(t, err)
	persistent, err := m.CreateStorage(RelFileNode{1663, 1, 2}, Temp, false, 10)
	require.NoError(t, err)
	other, err := m.CreateStorage(RelFileNode{1663, 1, 3}, Temp, true, 11)
	require.NoError(t, err)
	require.Equal(t, 2, m.PendingDeletes())

	m.AtEOXact(10, false)

	require.False(t, doomed.Exists(MainFork))
	require.True(t, persistent.Exists(MainFork))
	require.True(t, other.Exists(MainFork))
	require.Equal(t, 1, m.PendingDeletes())

	m.AtEOXact(11, true)
	require.True(t, other.Exists(MainFork))
	require.Zero(t, m.PendingDeletes())
}

func TestBlockIO(t *testing.T) {
	m, _ := newManager(t)
	rel, err := m.CreateStorage(RelFileNode{1663, 1, 5}, Temp, false, 10)
	require.NoError(t, err)
	defer rel.Close()

	require.NoError(t, rel.Write(MainFork, 0, []byte("page zero")))
	require.NoError(t, rel.Write(MainFork, 2, []byte("page two")))

	n, err := rel.NBlocks(MainFork)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	page, err := rel.Read(MainFork, 2)
	require.NoError(t, err)
	require.Len(t, page, BlockSize)
	require.Equal(t, []byte("page two"), page[:8])

	_, err = rel.Read(MainFork, 7)
	require.Error(t, err)
	require.ErrorIs(t, rel.Write(MainFork, 0, make([]byte, BlockSize+1)), ErrBlockTooLarge)

	require.NoError(t, rel.Truncate(MainFork, 1))
	n, err = rel.NBlocks(MainFork)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, rel.Create(InitFork))
	require.NoError(t, rel.ImmedSync(InitFork))
	require.True(t, rel.Exists(InitFork))

	require.NoError(t, rel.Unlink())
	require.False(t, rel.Exists(MainFork))
	require.False(t, rel.Exists(InitFork))
}

func TestDataDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, nil)
	require.NoError(t, err)
	defer m.Close()

	_, err = Open(dir, nil)
	require.Error(t, err)
}

func TestParsePersistence(t *testing.T) {
	p, err := ParsePersistence("temp")
	require.NoError(t, err)
	require.Equal(t, Temp, p)
	require.Equal(t, "unlogged", Unlogged.String())

	_, err = ParsePersistence("durable")
	require.Error(t, err)
}

func TestTruncateLogsPermanentOnly(t *testing.T) {
	m, wal := newManager(t)

	perm, err := m.CreateStorage(RelFileNode{1663, 1, 20}, Permanent, false, 10)
	require.NoError(t, err)
	defer perm.Close()
	temp, err := m.CreateStorage(RelFileNode{1663, 1, 21}, Temp, false, 10)
	require.NoError(t, err)
	defer temp.Close()

	for _, rel := range []*Relation{perm, temp} {
		require.NoError(t, rel.Write(MainFork, 1, []byte{1}))
		require.NoError(t, rel.Truncate(MainFork, 0))
		n, err := rel.NBlocks(MainFork)
		require.NoError(t, err)
		require.Zero(t, n)
	}

	records, err := wal.Records()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, xlog.RecSmgrTruncate, records[1].Type)
	// spc, db, rel, fork, nblocks
	require.Len(t, records[1].Payload, 4+4+4+1+4)
}
