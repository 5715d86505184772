package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPage_DirtyIsSticky(t *testing.T) {
	p := NewPage()
	require.False(t, p.IsDirty())

	p.SetDirty(true)
	require.True(t, p.IsDirty())

	p.SetDirty(false)
	require.True(t, p.IsDirty(), "SetDirty(false) must not clear the flag")

	p.MarkClean()
	require.False(t, p.IsDirty())
}

func TestPage_PinUnpin(t *testing.T) {
	p := NewPage()
	require.Equal(t, 0, p.PinCount())

	p.Pin()
	p.Pin()
	require.Equal(t, 2, p.PinCount())

	p.Unpin()
	require.Equal(t, 1, p.PinCount())

	p.Unpin()
	p.Unpin() // no-op below zero
	require.Equal(t, 0, p.PinCount())
}

func TestPage_ResetFor(t *testing.T) {
	p := NewPage()
	copy(p.Data(), []byte("hello"))
	p.SetDirty(true)
	p.Pin()
	p.SetLSN(42)

	p.ResetFor(ID(7))

	require.Equal(t, ID(7), p.ID())
	require.False(t, p.IsDirty())
	require.Equal(t, 0, p.PinCount())
	require.Equal(t, InvalidLSN, p.LSN())
	for _, b := range p.Data()[:5] {
		require.Equal(t, byte(0), b)
	}
}

func TestRecordID_IsValid(t *testing.T) {
	require.False(t, RecordID{PageID: InvalidID}.IsValid())
	require.True(t, RecordID{PageID: 3, SlotNum: 1}.IsValid())
}
