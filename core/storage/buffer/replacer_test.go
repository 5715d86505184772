package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestReplacer(t *testing.T, k int) *LRUKReplacer {
	t.Helper()
	r, err := NewLRUKReplacer(k, nil, nil)
	require.NoError(t, err)
	return r
}

func TestReplacer_PrefersInfiniteKDistance(t *testing.T) {
	r := newTestReplacer(t, 2)

	// Frame 1 accessed twice (finite k-distance), frame 2 accessed once
	// (infinite k-distance) — frame 2 must be evicted first even though
	// it was touched more recently.
	r.RecordAccess(1)
	r.RecordAccess(1)
	r.RecordAccess(2)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	victim, err := r.Evict()
	require.NoError(t, err)
	require.Equal(t, FrameID(2), victim)
}

func TestReplacer_LRUWithinYoung(t *testing.T) {
	r := newTestReplacer(t, 2)

	r.RecordAccess(1)
	r.RecordAccess(2)
	r.RecordAccess(3)
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)
	r.SetEvictable(3, true)

	// All three have cnt=1 (infinite k-distance); classical LRU among them
	// evicts the least-recently-accessed first: 1, then 2, then 3.
	v1, err := r.Evict()
	require.NoError(t, err)
	require.Equal(t, FrameID(1), v1)

	v2, err := r.Evict()
	require.NoError(t, err)
	require.Equal(t, FrameID(2), v2)
}

func TestReplacer_LargestKDistanceAmongCached(t *testing.T) {
	r := newTestReplacer(t, 2)

	r.RecordAccess(1) // tick 1
	r.RecordAccess(1) // tick 2
	r.RecordAccess(2) // tick 3
	r.RecordAccess(2) // tick 4
	r.SetEvictable(1, true)
	r.SetEvictable(2, true)

	// Both have finite k-distance now; frame 1's 2nd most recent access is
	// tick 1 and frame 2's is tick 3, so frame 1's k-distance (now - 1) is
	// larger than frame 2's (now - 3) and it evicts first.
	victim, err := r.Evict()
	require.NoError(t, err)
	require.Equal(t, FrameID(1), victim)
}

func TestReplacer_NonEvictableNeverChosen(t *testing.T) {
	r := newTestReplacer(t, 2)
	r.RecordAccess(1)
	r.SetEvictable(1, false)

	_, err := r.Evict()
	require.ErrorIs(t, err, ErrNoEvictableFrame)
}

func TestReplacer_RemovePanicsOnNonEvictable(t *testing.T) {
	r := newTestReplacer(t, 2)
	r.RecordAccess(1)

	require.Panics(t, func() { r.Remove(1) })
}

func TestReplacer_SizeTracksEvictableCount(t *testing.T) {
	r := newTestReplacer(t, 2)
	r.RecordAccess(1)
	r.RecordAccess(2)
	require.Equal(t, 0, r.Size())

	r.SetEvictable(1, true)
	require.Equal(t, 1, r.Size())

	r.SetEvictable(2, true)
	require.Equal(t, 2, r.Size())

	r.SetEvictable(1, false)
	require.Equal(t, 1, r.Size())
}
