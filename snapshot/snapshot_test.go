package snapshot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tvam/htup"
)

func TestXidInMVCCSnapshot(t *testing.T) {
	snap := New(10, 20, []htup.TransactionID{12, 15}, 0)

	tests := []struct {
		xid  htup.TransactionID
		want bool
	}{
		{5, false},  // finished before xmin
		{10, false}, // at xmin, not in xip
		{12, true},
		{14, false},
		{15, true},
		{20, true}, // not yet started
		{25, true},
		{htup.FrozenTransactionID, false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, snap.XidInMVCCSnapshot(tt.xid), "xid %d", tt.xid)
	}
}

func TestKindNames(t *testing.T) {
	require.Equal(t, "Dirty", Dirty.String())
	require.Equal(t, "Kind(42)", Kind(42).String())

	k, ok := ParseKind("Any")
	require.True(t, ok)
	require.Equal(t, Any, k)

	_, ok = ParseKind("any")
	require.False(t, ok)
}

func TestOfKind(t *testing.T) {
	snap := OfKind(Toast)
	require.Equal(t, Toast, snap.Kind)
	require.Contains(t, snap.String(), "Toast")
}
