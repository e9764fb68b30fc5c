package xlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tvam/bitcask"
)

func TestWriterResumesAfterLastRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xlog")
	bc, err := bitcask.Open(path, 1.1)
	require.NoError(t, err)

	w, err := NewWriter(bc)
	require.NoError(t, err)
	lsn, err := w.Insert(RecSmgrCreate, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, LSN(1), lsn)
	lsn, err = w.Insert(RecSmgrTruncate, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, LSN(2), lsn)
	require.NoError(t, w.Flush())
	require.NoError(t, bc.Close())

	bc, err = bitcask.Open(path, 1.1)
	require.NoError(t, err)
	defer bc.Close()

	w, err = NewWriter(bc)
	require.NoError(t, err)
	lsn, err = w.Insert(RecSmgrCreate, nil)
	require.NoError(t, err)
	require.Equal(t, LSN(3), lsn)

	records, err := w.Records()
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, RecSmgrTruncate, records[1].Type)
	require.Equal(t, []byte("b"), records[1].Payload)
	require.Empty(t, records[2].Payload)
}

func TestDecodeKeyRejectsGarbage(t *testing.T) {
	_, err := decodeKey([]byte("xl"))
	require.Error(t, err)

	lsn, err := decodeKey(encodeKey(300))
	require.NoError(t, err)
	require.Equal(t, LSN(300), lsn)
}
