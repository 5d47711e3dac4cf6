package khf_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/lethe/pkg/blockdev"
	"github.com/calvinalkan/lethe/pkg/fatfs"
	"github.com/calvinalkan/lethe/pkg/khf"
)

// snapshot derives keys for each of pageIDs and returns them keyed by page
// ID, for comparing a forest's derivable key set across a persist/load
// round trip.
func snapshot(t *testing.T, f *khf.Forest, pageIDs []uint64) map[uint64]khf.Key {
	t.Helper()

	snap := make(map[uint64]khf.Key, len(pageIDs))

	for _, id := range pageIDs {
		k, err := f.DeriveMut(id)
		require.NoError(t, err)

		snap[id] = k
	}

	return snap
}

func newVolume(t *testing.T) (*fatfs.Volume, blockdev.Device) {
	t.Helper()

	dev := blockdev.NewMemDevice(4 * 1024 * 1024)

	v, err := fatfs.Format(dev, fatfs.DefaultFormatOptions())
	require.NoError(t, err)

	return v, dev
}

func TestDeriveMutIsStableWithinForest(t *testing.T) {
	vol, dev := newVolume(t)

	wal, records, err := khf.OpenWAL(vol, dev, "lethe/wal", khf.Key{1})
	require.NoError(t, err)
	require.Empty(t, records)

	f := khf.New(khf.Key{1}, wal)

	k1, err := f.DeriveMut(42)
	require.NoError(t, err)

	k2, err := f.DeriveMut(42)
	require.NoError(t, err)

	require.Equal(t, k1, k2)

	k3, err := f.DeriveMut(43)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestUpdateRotatesOnlyDeletedPages(t *testing.T) {
	vol, dev := newVolume(t)

	wal, _, err := khf.OpenWAL(vol, dev, "lethe/wal", khf.Key{2})
	require.NoError(t, err)

	f := khf.New(khf.Key{2}, wal)

	kBefore, err := f.DeriveMut(1)
	require.NoError(t, err)

	otherBefore, err := f.DeriveMut(2)
	require.NoError(t, err)

	require.NoError(t, f.Delete(1))

	rotated, err := f.Update()
	require.NoError(t, err)
	require.Len(t, rotated, 1)
	require.Equal(t, uint64(1), rotated[0].PageID)
	require.Equal(t, kBefore, rotated[0].OldKey)

	kAfter, err := f.DeriveMut(1)
	require.NoError(t, err)
	require.NotEqual(t, kBefore, kAfter)

	otherAfter, err := f.DeriveMut(2)
	require.NoError(t, err)
	require.Equal(t, otherBefore, otherAfter, "pages never deleted must not rotate")
}

func TestPersistLoadRoundTrip(t *testing.T) {
	vol, dev := newVolume(t)
	rootKey := khf.Key{3}

	wal, _, err := khf.OpenWAL(vol, dev, "lethe/wal", rootKey)
	require.NoError(t, err)

	f := khf.New(rootKey, wal)

	k1, err := f.DeriveMut(7)
	require.NoError(t, err)

	require.NoError(t, f.Persist(vol, dev, "lethe/khf", rootKey))

	loaded, err := khf.Load(vol, dev, "lethe/khf", rootKey, wal)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.PageCount())

	k1Loaded, err := loaded.DeriveMut(7)
	require.NoError(t, err)
	require.Equal(t, k1, k1Loaded)
}

// TestPersistLoadRoundTripPreservesFullKeySnapshot is a broader variant of
// TestPersistLoadRoundTrip: it derives a whole batch of pages, not just
// one, and diffs the entire before/after snapshot with cmp.Diff so a
// regression in Load's reconstruction names exactly which page IDs came
// back with the wrong key instead of just failing a single require.Equal.
func TestPersistLoadRoundTripPreservesFullKeySnapshot(t *testing.T) {
	vol, dev := newVolume(t)
	rootKey := khf.Key{7}

	wal, _, err := khf.OpenWAL(vol, dev, "lethe/wal", rootKey)
	require.NoError(t, err)

	f := khf.New(rootKey, wal)

	pageIDs := []uint64{0, 1, 2, 5, 8, 13, 21, 1000}

	before := snapshot(t, f, pageIDs)

	require.NoError(t, f.Persist(vol, dev, "lethe/khf", rootKey))

	loaded, err := khf.Load(vol, dev, "lethe/khf", rootKey, wal)
	require.NoError(t, err)

	after := snapshot(t, loaded, pageIDs)

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("key snapshot changed across persist/load round trip (-before +after):\n%s", diff)
	}
}

func TestLoadMissingFileYieldsEmptyForest(t *testing.T) {
	vol, dev := newVolume(t)
	rootKey := khf.Key{4}

	wal, _, err := khf.OpenWAL(vol, dev, "lethe/wal", rootKey)
	require.NoError(t, err)

	loaded, err := khf.Load(vol, dev, "lethe/khf", rootKey, wal)
	require.NoError(t, err)
	require.Equal(t, 0, loaded.PageCount())
}

func TestWALReplaysCommittedRecordsAfterReopen(t *testing.T) {
	vol, dev := newVolume(t)
	rootKey := khf.Key{5}

	wal, _, err := khf.OpenWAL(vol, dev, "lethe/wal", rootKey)
	require.NoError(t, err)

	f := khf.New(rootKey, wal)

	_, err = f.DeriveMut(10)
	require.NoError(t, err)
	require.NoError(t, f.Delete(10))

	// Simulate a restart: reopen the WAL against the same volume and
	// replay its records into a fresh forest, as pkg/objectstore.Open does.
	wal2, records, err := khf.OpenWAL(vol, dev, "lethe/wal", rootKey)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, khf.OpDerive, records[0].Op)
	require.Equal(t, khf.OpDelete, records[1].Op)

	fresh := khf.New(rootKey, wal2)
	fresh.Replay(records)

	rotated, err := fresh.Update()
	require.NoError(t, err)
	require.Len(t, rotated, 1)
	require.Equal(t, uint64(10), rotated[0].PageID)
}

func TestWALClearTruncatesToEmpty(t *testing.T) {
	vol, dev := newVolume(t)
	rootKey := khf.Key{6}

	wal, _, err := khf.OpenWAL(vol, dev, "lethe/wal", rootKey)
	require.NoError(t, err)

	f := khf.New(rootKey, wal)
	_, err = f.DeriveMut(1)
	require.NoError(t, err)

	require.NoError(t, wal.Clear())

	wal2, records, err := khf.OpenWAL(vol, dev, "lethe/wal", rootKey)
	require.NoError(t, err)
	require.Empty(t, records)
	require.NotEqual(t, wal.SessionID(), wal2.SessionID())
}
