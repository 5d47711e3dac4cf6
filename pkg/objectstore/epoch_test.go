package objectstore_test

import (
	"crypto/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// TestAdvanceEpochOnlyRotatesPagesWithPendingDeletions exercises spec.md
// §8 scenario 5: two objects sharing no pages, one unlinked, one live.
// AdvanceEpoch must rotate only the pages the unlinked object touched and
// must leave the live object's bytes readable afterwards. No live object
// sits on a rotated page, so no bytes are re-encrypted.
func TestAdvanceEpochOnlyRotatesPagesWithPendingDeletions(t *testing.T) {
	s, _, _ := newStore(t)

	live := randomID(t)
	dead := randomID(t)

	_, err := s.CreateObject(live)
	require.NoError(t, err)

	_, err = s.CreateObject(dead)
	require.NoError(t, err)

	livePayload := make([]byte, 5000)
	_, err = rand.Read(livePayload)
	require.NoError(t, err)
	require.NoError(t, s.WriteAll(live, livePayload, 0))

	deadPayload := make([]byte, 5000)
	_, err = rand.Read(deadPayload)
	require.NoError(t, err)
	require.NoError(t, s.WriteAll(dead, deadPayload, 0))

	require.NoError(t, s.UnlinkObject(dead))

	report, err := s.AdvanceEpoch()
	require.NoError(t, err)
	require.Greater(t, report.RotatedPages, 0)
	require.Equal(t, int64(0), report.ReencryptedBytes)

	got := make([]byte, len(livePayload))
	require.NoError(t, s.ReadExact(live, got, 0))
	require.Equal(t, livePayload, got)
}

// TestAdvanceEpochWithNothingPendingRotatesNothing covers the degenerate
// case: no object has ever been unlinked, so the KHF has nothing to rotate.
func TestAdvanceEpochWithNothingPendingRotatesNothing(t *testing.T) {
	s, _, _ := newStore(t)

	id := randomID(t)
	_, err := s.CreateObject(id)
	require.NoError(t, err)
	require.NoError(t, s.WriteAll(id, []byte("untouched"), 0))

	report, err := s.AdvanceEpoch()
	require.NoError(t, err)
	require.Equal(t, 0, report.RotatedPages)
	require.Equal(t, int64(0), report.ReencryptedBytes)
}

// TestAdvanceEpochThenReopenPreservesLiveObjects exercises spec.md §8's
// epoch durability property: after advance_epoch(); reopen(), every live
// object's contents must read back unchanged. Reopen discards the
// in-process forest and KMS state and rebuilds from the on-disk KHF, so
// this also confirms AdvanceEpoch persisted the rotated keys rather than
// leaving them only in memory.
func TestAdvanceEpochThenReopenPreservesLiveObjects(t *testing.T) {
	s, _, _ := newStore(t)

	live := randomID(t)
	dead := randomID(t)

	_, err := s.CreateObject(live)
	require.NoError(t, err)

	_, err = s.CreateObject(dead)
	require.NoError(t, err)

	livePayload := make([]byte, 5000)
	_, err = rand.Read(livePayload)
	require.NoError(t, err)
	require.NoError(t, s.WriteAll(live, livePayload, 0))

	require.NoError(t, s.WriteAll(dead, []byte("will be unlinked"), 0))
	require.NoError(t, s.UnlinkObject(dead))

	report, err := s.AdvanceEpoch()
	require.NoError(t, err)
	require.Greater(t, report.RotatedPages, 0)

	require.NoError(t, s.Reopen())

	got := make([]byte, len(livePayload))
	require.NoError(t, s.ReadExact(live, got, 0))
	require.Equal(t, livePayload, got)

	exists, err := s.ObjectExists(dead)
	require.NoError(t, err)
	require.False(t, exists)
}

// TestAdvanceEpochDoesNotRelocateLiveExtents confirms AdvanceEpoch
// re-encrypts pages in place: a live object's on-disk extent layout
// (offsets and lengths) must diff empty before and after an epoch
// advance, even though the object's neighbor was unlinked and triggers
// real page rotation.
func TestAdvanceEpochDoesNotRelocateLiveExtents(t *testing.T) {
	s, _, _ := newStore(t)

	live := randomID(t)
	dead := randomID(t)

	_, err := s.CreateObject(live)
	require.NoError(t, err)

	_, err = s.CreateObject(dead)
	require.NoError(t, err)

	require.NoError(t, s.WriteAll(live, make([]byte, 9000), 0))
	require.NoError(t, s.WriteAll(dead, make([]byte, 9000), 0))

	before, err := s.ObjectSegments(live)
	require.NoError(t, err)

	require.NoError(t, s.UnlinkObject(dead))

	_, err = s.AdvanceEpoch()
	require.NoError(t, err)

	after, err := s.ObjectSegments(live)
	require.NoError(t, err)

	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("live object's extent layout changed across AdvanceEpoch (-before +after):\n%s", diff)
	}
}

// TestAdvanceEpochTwiceInARowIsIdempotentOnLiveData confirms repeated
// epoch advances don't corrupt surviving objects.
func TestAdvanceEpochTwiceInARowIsIdempotentOnLiveData(t *testing.T) {
	s, _, _ := newStore(t)

	id := randomID(t)
	_, err := s.CreateObject(id)
	require.NoError(t, err)

	payload := []byte("stable across repeated epoch advances")
	require.NoError(t, s.WriteAll(id, payload, 0))

	_, err = s.AdvanceEpoch()
	require.NoError(t, err)

	_, err = s.AdvanceEpoch()
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, s.ReadExact(id, got, 0))
	require.Equal(t, payload, got)

	epoch1 := s.LastEpoch()
	_, err = s.AdvanceEpoch()
	require.NoError(t, err)
	require.NotEqual(t, epoch1, s.LastEpoch(), "each AdvanceEpoch call mints a fresh token")
}
