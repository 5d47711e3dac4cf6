package fatfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/lethe/pkg/blockdev"
	"github.com/calvinalkan/lethe/pkg/fatfs"
)

func newVolume(t *testing.T, size int64) *fatfs.Volume {
	t.Helper()

	dev := blockdev.NewMemDevice(size)

	v, err := fatfs.Format(dev, fatfs.DefaultFormatOptions())
	require.NoError(t, err)

	return v
}

func TestCreateOpenReadWriteFile(t *testing.T) {
	v := newVolume(t, 4*1024*1024)

	f, err := v.CreateFile("ids/a/deadbeef")
	require.ErrorIs(t, err, fatfs.ErrNotExist) // parent dir doesn't exist yet

	require.NoError(t, v.MkdirAll("ids/a"))

	f, err = v.CreateFile("ids/a/deadbeef")
	require.NoError(t, err)
	require.Equal(t, int64(0), f.Length())
	require.NoError(t, f.Close())

	f2, err := v.OpenFile("ids/a/deadbeef")
	require.NoError(t, err)
	require.Equal(t, int64(0), f2.Length())
	require.NoError(t, f2.Close())
}

func TestCreateFileAlreadyExists(t *testing.T) {
	v := newVolume(t, 4*1024*1024)

	require.NoError(t, v.MkdirAll("ids/a"))

	f, err := v.CreateFile("ids/a/deadbeef")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = v.CreateFile("ids/a/deadbeef")
	require.ErrorIs(t, err, fatfs.ErrExist)
}

func TestOpenFileNotExist(t *testing.T) {
	v := newVolume(t, 4*1024*1024)

	_, err := v.OpenFile("ids/a/nope")
	require.ErrorIs(t, err, fatfs.ErrNotExist)
}

func TestGrowTruncateExtents(t *testing.T) {
	v := newVolume(t, 4*1024*1024)

	require.NoError(t, v.MkdirAll("ids/a"))

	f, err := v.CreateFile("ids/a/deadbeef")
	require.NoError(t, err)

	require.NoError(t, f.Grow(10000))
	require.Equal(t, int64(10000), f.Length())

	extents, err := f.Extents()
	require.NoError(t, err)

	var total int64
	for _, e := range extents {
		total += e.Length
	}

	require.Equal(t, int64(10000), total, "extents must never report bytes past logical EOF")

	require.NoError(t, f.Truncate(100))
	require.Equal(t, int64(100), f.Length())

	extents, err = f.Extents()
	require.NoError(t, err)

	total = 0
	for _, e := range extents {
		total += e.Length
	}

	require.Equal(t, int64(100), total)

	require.NoError(t, f.Close())
}

func TestRemoveNonEmptyDirRefused(t *testing.T) {
	v := newVolume(t, 4*1024*1024)

	require.NoError(t, v.MkdirAll("ids/a"))

	f, err := v.CreateFile("ids/a/deadbeef")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = v.Remove("ids/a")
	require.Error(t, err)

	require.NoError(t, v.Remove("ids/a/deadbeef"))
	require.NoError(t, v.Remove("ids/a"))
}

func TestRenameMovesEntry(t *testing.T) {
	v := newVolume(t, 4*1024*1024)

	require.NoError(t, v.MkdirAll("lethe"))
	require.NoError(t, v.MkdirAll("tmp"))

	f, err := v.CreateFile("tmp/khf")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, v.Rename("tmp/khf", "lethe/khf"))

	_, exists, err := v.Stat("tmp/khf")
	require.NoError(t, err)
	require.False(t, exists)

	_, exists, err = v.Stat("lethe/khf")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMountRoundTripsFormattedVolume(t *testing.T) {
	dev := blockdev.NewMemDevice(1024 * 1024)

	_, err := fatfs.Format(dev, fatfs.DefaultFormatOptions())
	require.NoError(t, err)

	// Mounting the same device must round-trip cleanly.
	_, err = fatfs.Mount(dev)
	require.NoError(t, err)
}

func TestOpenOrFormatFormatsFreshDevice(t *testing.T) {
	dev := blockdev.NewMemDevice(1024 * 1024)

	v, err := fatfs.OpenOrFormat(dev, fatfs.DefaultFormatOptions())
	require.NoError(t, err)
	require.NotNil(t, v)

	v2, err := fatfs.OpenOrFormat(dev, fatfs.DefaultFormatOptions())
	require.NoError(t, err)
	require.NotNil(t, v2)
}
