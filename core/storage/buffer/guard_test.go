package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicPageGuard_DropUnpinsAndPropagatesDirty(t *testing.T) {
	bpm := newTestBPM(t, 4)
	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()

	g, err := NewBasicPageGuard(bpm, id)
	require.NoError(t, err)
	require.Equal(t, 2, p.PinCount(), "NewPage and NewBasicPageGuard each pin once")

	g.SetDirty(true)
	g.Drop()
	require.Equal(t, 1, p.PinCount())
	require.True(t, p.IsDirty())

	bpm.UnpinPage(id, false)
}

func TestBasicPageGuard_DropIsIdempotent(t *testing.T) {
	bpm := newTestBPM(t, 4)
	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()

	g, err := NewBasicPageGuard(bpm, id)
	require.NoError(t, err)
	g.Drop()
	require.NotPanics(t, func() { g.Drop() })

	bpm.UnpinPage(id, false)
}

func TestBasicPageGuard_MoveInvalidatesOriginal(t *testing.T) {
	bpm := newTestBPM(t, 4)
	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()

	g, err := NewBasicPageGuard(bpm, id)
	require.NoError(t, err)
	moved := g.Move()

	// The moved-from guard is inert: dropping it must not unpin again.
	g.Drop()
	require.Equal(t, 2, p.PinCount(), "moved-from Drop must be a no-op")

	moved.Drop()
	require.Equal(t, 1, p.PinCount())

	bpm.UnpinPage(id, false)
}

func TestReadPageGuard_DropReleasesLatchThenUnpins(t *testing.T) {
	bpm := newTestBPM(t, 4)
	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()
	bpm.UnpinPage(id, false)

	g, err := NewReadPageGuard(bpm, id)
	require.NoError(t, err)
	require.Equal(t, 1, p.PinCount())

	g.Drop()
	require.Equal(t, 0, p.PinCount())

	// The shared latch must be free: a second read guard can acquire it.
	g2, err := NewReadPageGuard(bpm, id)
	require.NoError(t, err)
	g2.Drop()
}

func TestWritePageGuard_ImplicitlyDirtiesPage(t *testing.T) {
	bpm := newTestBPM(t, 4)
	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()
	bpm.UnpinPage(id, false)
	p.SetDirty(false)

	g, err := NewWritePageGuard(bpm, id)
	require.NoError(t, err)
	copy(g.Data(), []byte("written"))
	g.Drop()

	require.True(t, p.IsDirty())
	require.Equal(t, 0, p.PinCount())
}

func TestWritePageGuard_MoveInvalidatesOriginal(t *testing.T) {
	bpm := newTestBPM(t, 4)
	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.ID()
	bpm.UnpinPage(id, false)

	g, err := NewWritePageGuard(bpm, id)
	require.NoError(t, err)
	moved := g.Move()

	g.Drop()
	require.Equal(t, 1, p.PinCount(), "moved-from Drop must be a no-op")

	moved.Drop()
	require.Equal(t, 0, p.PinCount())
}
