package bitcask

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*BitCask, string) {
	path := filepath.Join(t.TempDir(), "store", "catalog.log")
	bc, err := Open(path, 0.5)
	require.NoError(t, err)
	return bc, path
}

func TestSetGetDelete(t *testing.T) {
	bc, _ := openTemp(t)
	defer bc.Close()

	require.NoError(t, bc.Set([]byte("a"), []byte("1")))
	require.NoError(t, bc.Set([]byte("b"), []byte{}))

	v, err := bc.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	v, err = bc.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte{}, v)

	require.NoError(t, bc.Delete([]byte("a")))
	v, err = bc.Get([]byte("a"))
	require.NoError(t, err)
	require.Nil(t, v)

	require.NoError(t, bc.Delete([]byte("missing")))
}

func TestReopenReplaysLog(t *testing.T) {
	bc, path := openTemp(t)
	require.NoError(t, bc.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, bc.Set([]byte("k2"), []byte("v2")))
	require.NoError(t, bc.Set([]byte("k1"), []byte("v3")))
	require.NoError(t, bc.Delete([]byte("k2")))
	require.NoError(t, bc.Close())

	bc, err := Open(path, 1.1)
	require.NoError(t, err)
	defer bc.Close()

	v, err := bc.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v3"), v)
	v, err = bc.Get([]byte("k2"))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestTornTailIsTruncated(t *testing.T) {
	bc, path := openTemp(t)
	require.NoError(t, bc.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, bc.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	good := info.Size()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o666)
	require.NoError(t, err)
	// header claiming a 9 byte key and 100 byte value, then nothing
	_, err = f.Write([]byte{0, 0, 0, 9, 0, 0, 0, 100, 'x'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	bc, err = Open(path, 1.1)
	require.NoError(t, err)
	defer bc.Close()

	info, err = os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, good, info.Size())

	v, err := bc.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestScanPrefix(t *testing.T) {
	bc, _ := openTemp(t)
	defer bc.Close()

	for _, k := range []string{"rel/1", "rel/2", "rem", "rel/3", "xlog/1"} {
		require.NoError(t, bc.Set([]byte(k), []byte(k)))
	}
	pairs, err := bc.ScanPrefix([]byte("rel/"))
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	require.Equal(t, []byte("rel/1"), pairs[0].Key)
	require.Equal(t, []byte("rel/3"), pairs[2].Value)

	pairs, err = bc.Scan([]byte("rem"), nil)
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	require.Nil(t, prefixEnd([]byte{0xff, 0xff}))
	require.Equal(t, []byte{0x01}, prefixEnd([]byte{0x00, 0xff}))
}

func TestCompactDropsGarbage(t *testing.T) {
	bc, path := openTemp(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, bc.Set([]byte("k"), []byte("value")))
	}
	before, err := bc.Status()
	require.NoError(t, err)
	require.NotZero(t, before.GarbageDiskSize)
	require.NoError(t, bc.Close())

	bc, err = Open(path, 0.2)
	require.NoError(t, err)
	defer bc.Close()

	after, err := bc.Status()
	require.NoError(t, err)
	require.Zero(t, after.GarbageDiskSize)
	require.Equal(t, uint64(1), after.Keys)

	v, err := bc.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), v)
}

func TestExclusiveLock(t *testing.T) {
	bc, path := openTemp(t)
	defer bc.Close()

	_, err := Open(path, 1.1)
	require.Error(t, err)
}
