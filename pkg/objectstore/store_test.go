package objectstore_test

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/lethe/pkg/blockdev"
	"github.com/calvinalkan/lethe/pkg/objectstore"
)

func newStore(t *testing.T) (*objectstore.Store, blockdev.Device, [32]byte) {
	t.Helper()

	dev := blockdev.NewMemDevice(16 * 1024 * 1024)

	var rootKey [32]byte
	_, err := rand.Read(rootKey[:])
	require.NoError(t, err)

	s, err := objectstore.Open(dev, rootKey, objectstore.Options{})
	require.NoError(t, err)

	return s, dev, rootKey
}

func randomID(t *testing.T) objectstore.ObjectID {
	t.Helper()

	var id objectstore.ObjectID
	_, err := rand.Read(id[:])
	require.NoError(t, err)

	return id
}

func TestCreateObjectZeroLengthRoundTrip(t *testing.T) {
	s, _, _ := newStore(t)

	id := randomID(t)

	created, err := s.CreateObject(id)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.CreateObject(id)
	require.NoError(t, err)
	require.False(t, created, "second create must be a no-op")

	length, err := s.DiskLength(id)
	require.NoError(t, err)
	require.Equal(t, int64(0), length)

	require.NoError(t, s.ReadExact(id, nil, 0))
}

func TestWriteReadRoundTripRandomPayload(t *testing.T) {
	s, _, _ := newStore(t)

	id := randomID(t)

	_, err := s.CreateObject(id)
	require.NoError(t, err)

	payload := make([]byte, 10007) // spans several pages, unaligned tail
	_, err = rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, s.WriteAll(id, payload, 0))

	length, err := s.DiskLength(id)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), length)

	got := make([]byte, len(payload))
	require.NoError(t, s.ReadExact(id, got, 0))
	require.Equal(t, payload, got)
}

func TestPartialOverwritePreservesSurroundingBytes(t *testing.T) {
	s, _, _ := newStore(t)

	id := randomID(t)

	_, err := s.CreateObject(id)
	require.NoError(t, err)

	payload := make([]byte, 9000)
	_, err = rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, s.WriteAll(id, payload, 0))

	patch := []byte("overwritten-region")
	require.NoError(t, s.WriteAll(id, patch, 4100))

	want := append([]byte(nil), payload...)
	copy(want[4100:], patch)

	got := make([]byte, len(want))
	require.NoError(t, s.ReadExact(id, got, 0))
	require.Equal(t, want, got)
}

func TestAdjacentObjectIDsDoNotCollide(t *testing.T) {
	s, _, _ := newStore(t)

	id1 := randomID(t)
	id2 := id1.Next()

	_, err := s.CreateObject(id1)
	require.NoError(t, err)

	_, err = s.CreateObject(id2)
	require.NoError(t, err)

	require.NoError(t, s.WriteAll(id1, []byte("object one payload"), 0))
	require.NoError(t, s.WriteAll(id2, []byte("object two payload, longer"), 0))

	got1 := make([]byte, len("object one payload"))
	require.NoError(t, s.ReadExact(id1, got1, 0))
	require.Equal(t, "object one payload", string(got1))

	got2 := make([]byte, len("object two payload, longer"))
	require.NoError(t, s.ReadExact(id2, got2, 0))
	require.Equal(t, "object two payload, longer", string(got2))
}

func TestUnlinkThenReadYieldsNotFound(t *testing.T) {
	s, _, _ := newStore(t)

	id := randomID(t)

	_, err := s.CreateObject(id)
	require.NoError(t, err)
	require.NoError(t, s.WriteAll(id, []byte("secret"), 0))

	require.NoError(t, s.UnlinkObject(id))

	var storeErr *objectstore.StoreError

	err = s.ReadExact(id, make([]byte, 6), 0)
	require.True(t, errors.As(err, &storeErr))
	require.Equal(t, objectstore.KindNotFound, storeErr.Kind)
	require.ErrorIs(t, err, objectstore.ErrNotFound)

	exists, err := s.ObjectExists(id)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestUnlinkAcrossAdvanceEpochMakesPlaintextUnrecoverable(t *testing.T) {
	s, dev, _ := newStore(t)

	id := randomID(t)
	_, err := s.CreateObject(id)
	require.NoError(t, err)

	plaintext := []byte("this must not survive an epoch advance")
	require.NoError(t, s.WriteAll(id, plaintext, 0))

	segments, err := s.ObjectSegments(id)
	require.NoError(t, err)
	require.NotEmpty(t, segments)

	raw := make([]byte, segments[0].Length)
	_, err = dev.ReadAt(raw, segments[0].Offset)
	require.NoError(t, err)

	require.NoError(t, s.UnlinkObject(id))

	report, err := s.AdvanceEpoch()
	require.NoError(t, err)
	require.Equal(t, 1, report.RotatedPages)

	rawAfter := make([]byte, segments[0].Length)
	_, err = dev.ReadAt(rawAfter, segments[0].Offset)
	require.NoError(t, err)

	require.NotEqual(t, raw, rawAfter, "ciphertext at the unlinked object's former extent must change across an epoch advance")

	_, err = s.ObjectExists(id)
	require.NoError(t, err)
}

func TestEnumerationReflectsLiveObjects(t *testing.T) {
	s, _, _ := newStore(t)

	ids := []objectstore.ObjectID{randomID(t), randomID(t), randomID(t)}

	for _, id := range ids {
		_, err := s.CreateObject(id)
		require.NoError(t, err)
	}

	count, err := s.ObjectCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	all, err := s.AllObjectIDs()
	require.NoError(t, err)
	require.Len(t, all, 3)

	require.NoError(t, s.UnlinkObject(ids[0]))

	count, err = s.ObjectCount()
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestConfigIDAbsentThenSetThenGet(t *testing.T) {
	s, _, _ := newStore(t)

	_, present, err := s.ConfigID()
	require.NoError(t, err)
	require.False(t, present)

	id := randomID(t)
	require.NoError(t, s.SetConfigID(id))

	got, present, err := s.ConfigID()
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, id, got)
}

func TestReopenPreservesObjectsAndKeys(t *testing.T) {
	s, dev, rootKey := newStore(t)
	_ = dev
	_ = rootKey

	id := randomID(t)
	_, err := s.CreateObject(id)
	require.NoError(t, err)

	payload := []byte("data that must survive a reopen")
	require.NoError(t, s.WriteAll(id, payload, 0))

	require.NoError(t, s.Reopen())

	got := make([]byte, len(payload))
	require.NoError(t, s.ReadExact(id, got, 0))
	require.Equal(t, payload, got)

	count, err := s.ObjectCount()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestOperationsOnMissingObjectReturnNotFound(t *testing.T) {
	s, _, _ := newStore(t)

	id := randomID(t)

	_, err := s.DiskLength(id)
	require.ErrorIs(t, err, objectstore.ErrNotFound)

	err = s.WriteAll(id, []byte("x"), 0)
	require.ErrorIs(t, err, objectstore.ErrNotFound)

	err = s.ReadExact(id, make([]byte, 1), 0)
	require.ErrorIs(t, err, objectstore.ErrNotFound)

	err = s.UnlinkObject(id)
	require.ErrorIs(t, err, objectstore.ErrNotFound)
}
