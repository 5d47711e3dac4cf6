// Package objectstore implements the orchestrator from spec.md §4.4: the
// secure-deletion object store tying together the block device, the
// FAT-like file-system facade, the page-keyed cipher, and the KHF/WAL key
// manager into the public API sketched in spec.md §6.
package objectstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/calvinalkan/lethe/pkg/blockdev"
	"github.com/calvinalkan/lethe/pkg/extentio"
	"github.com/calvinalkan/lethe/pkg/fatfs"
	"github.com/calvinalkan/lethe/pkg/khf"
	"github.com/calvinalkan/lethe/pkg/pagecipher"
)

// Options configures [Open].
type Options struct {
	// CatalogPath is the host-filesystem path of the SQLite enumeration
	// catalog (see catalog.go). Empty uses an in-memory catalog, which
	// is always rebuilt from ids/* on every Open.
	CatalogPath string
}

// Store is a single open secure-deletion object store. All exported
// methods are safe for concurrent use: every public operation acquires
// the outer lock for its full duration, per spec.md §5.
type Store struct {
	mu sync.Mutex

	dev  blockdev.Device
	vol  *fatfs.Volume
	wal  *khf.WAL
	kms  *khf.Forest
	cat  *catalog
	opts Options

	rootKey khf.Key

	// lastEpoch is the token minted by the most recent successful
	// AdvanceEpoch call, for crash-log correlation across the
	// rotate/re-encrypt/persist/wipe sequence. The zero UUID means no
	// epoch has been advanced in this process.
	lastEpoch uuid.UUID
}

// LastEpoch returns the token minted by the most recent successful
// [Store.AdvanceEpoch] call.
func (s *Store) LastEpoch() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastEpoch
}

// Open mounts (or formats, on first use) the volume on dev, recovers any
// in-flight epoch flush, and rebuilds the KMS wrapper under rootKey.
func Open(dev blockdev.Device, rootKey [32]byte, opts Options) (*Store, error) {
	vol, err := fatfs.OpenOrFormat(dev, fatfs.DefaultFormatOptions())
	if err != nil {
		return nil, wrapErr("open", KindFsError, "", err)
	}

	if err := runRecovery(vol, dev); err != nil {
		return nil, wrapErr("open", KindFsError, "", err)
	}

	s, err := newStoreFromVolume(dev, vol, rootKey, opts)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func newStoreFromVolume(dev blockdev.Device, vol *fatfs.Volume, rootKey [32]byte, opts Options) (*Store, error) {
	key := khf.Key(rootKey)

	wal, records, err := khf.OpenWAL(vol, dev, pathWAL, key)
	if err != nil {
		return nil, wrapErr("open", KindKmsError, "", err)
	}

	forest, err := khf.Load(vol, dev, pathKHF, key, wal)
	if err != nil {
		return nil, wrapErr("open", KindKmsError, "", err)
	}

	forest.Replay(records)

	catPath := opts.CatalogPath
	if catPath == "" {
		catPath = ":memory:"
	}

	cat, err := openCatalog(context.Background(), catPath)
	if err != nil {
		return nil, wrapErr("open", KindFsError, "", err)
	}

	// The fan-out directories are the source of truth; the catalog is a
	// disposable derived index, so every Open rebuilds it from scratch
	// rather than trusting whatever an earlier process left behind.
	if err := rebuildFromVolume(context.Background(), vol, cat); err != nil {
		_ = cat.Close()

		return nil, wrapErr("open", KindFsError, "", err)
	}

	return &Store{
		dev:     dev,
		vol:     vol,
		wal:     wal,
		kms:     forest,
		cat:     cat,
		opts:    opts,
		rootKey: key,
	}, nil
}

// CreateObject ensures id's backing file exists, returning true if it had
// to be created.
func (s *Store) CreateObject(id ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists, err := s.vol.Stat(objectPath(id)); err != nil {
		return false, wrapErr("create_object", KindFsError, id.String(), err)
	} else if exists {
		return false, nil
	}

	if err := s.vol.MkdirAll(objectDir(id)); err != nil {
		return false, wrapErr("create_object", KindFsError, id.String(), err)
	}

	f, err := s.vol.CreateFile(objectPath(id))
	if err != nil {
		return false, wrapErr("create_object", KindFsError, id.String(), err)
	}

	if err := f.Close(); err != nil {
		return false, wrapErr("create_object", KindFsError, id.String(), err)
	}

	if err := s.cat.Insert(context.Background(), id); err != nil {
		return false, wrapErr("create_object", KindFsError, id.String(), err)
	}

	return true, nil
}

// ObjectExists reports whether id currently has a backing file.
func (s *Store) ObjectExists(id ObjectID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists, err := s.vol.Stat(objectPath(id))
	if err != nil {
		return false, wrapErr("object_exists", KindFsError, id.String(), err)
	}

	return exists, nil
}

// UnlinkObject deletes every key covering id's extents, then removes its
// directory entry. Order matters (spec.md §4.4): keys are deleted before
// the entry is removed, so a crash between the two steps leaves extra
// pending deletions rather than recoverable data.
func (s *Store) UnlinkObject(id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.vol.OpenFile(objectPath(id))
	if isNotExist(err) {
		return notFound("unlink_object", id.String())
	}

	if err != nil {
		return wrapErr("unlink_object", KindFsError, id.String(), err)
	}

	extents, err := f.Extents()
	if err != nil {
		_ = f.Close()

		return wrapErr("unlink_object", KindFsError, id.String(), err)
	}

	for _, e := range extents {
		for pageID := range pagesInExtent(e) {
			if err := s.kms.Delete(pageID); err != nil {
				_ = f.Close()

				return wrapErr("unlink_object", KindKmsError, id.String(), err)
			}
		}
	}

	if err := f.Close(); err != nil {
		return wrapErr("unlink_object", KindFsError, id.String(), err)
	}

	if err := s.vol.Remove(objectPath(id)); err != nil {
		return wrapErr("unlink_object", KindFsError, id.String(), err)
	}

	if err := s.cat.Delete(context.Background(), id); err != nil {
		return wrapErr("unlink_object", KindFsError, id.String(), err)
	}

	return nil
}

// pagesInExtent yields every page ID at least partially covered by e.
func pagesInExtent(e fatfs.Extent) func(func(uint64) bool) {
	return func(yield func(uint64) bool) {
		first := blockdev.PageID(e.Offset)
		last := blockdev.PageID(e.Offset + e.Length - 1)

		for p := first; p <= last; p++ {
			if !yield(p) {
				return
			}
		}
	}
}

// WriteAll writes buf to id's logical byte stream at off, encrypting each
// physical page written through the write proxy described in spec.md
// §4.4. Asserts the invariant extents_pre \ extents_post = ∅.
func (s *Store) WriteAll(id ObjectID, buf []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.vol.OpenFile(objectPath(id))
	if isNotExist(err) {
		return notFound("write_all", id.String())
	}

	if err != nil {
		return wrapErr("write_all", KindFsError, id.String(), err)
	}

	defer func() { _ = f.Close() }()

	preExtents, err := f.Extents()
	if err != nil {
		return wrapErr("write_all", KindFsError, id.String(), err)
	}

	newLength := off + int64(len(buf))
	if newLength > f.Length() {
		if err := f.Grow(newLength); err != nil {
			return wrapErr("write_all", KindFsError, id.String(), err)
		}
	}

	postExtents, err := f.Extents()
	if err != nil {
		return wrapErr("write_all", KindFsError, id.String(), err)
	}

	if err := assertNoLostExtents(preExtents, postExtents); err != nil {
		return wrapErr("write_all", KindInvariantViolation, id.String(), err)
	}

	if err := s.writeThroughProxy(postExtents, off, buf); err != nil {
		return wrapErr("write_all", KindIoError, id.String(), err)
	}

	return nil
}

// ReadExact reads exactly len(buf) bytes from id's logical byte stream at
// off, decrypting each physical page read through the read proxy.
func (s *Store) ReadExact(id ObjectID, buf []byte, off int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.vol.OpenFile(objectPath(id))
	if isNotExist(err) {
		return notFound("read_exact", id.String())
	}

	if err != nil {
		return wrapErr("read_exact", KindFsError, id.String(), err)
	}

	defer func() { _ = f.Close() }()

	if off+int64(len(buf)) > f.Length() {
		return wrapErr("read_exact", KindIoError, id.String(), fmt.Errorf("read past EOF: off=%d len=%d length=%d", off, len(buf), f.Length()))
	}

	extents, err := f.Extents()
	if err != nil {
		return wrapErr("read_exact", KindFsError, id.String(), err)
	}

	return s.readThroughProxy(extents, off, buf)
}

// DiskLength returns id's logical EOF position.
func (s *Store) DiskLength(id ObjectID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.vol.OpenFile(objectPath(id))
	if isNotExist(err) {
		return 0, notFound("disk_length", id.String())
	}

	if err != nil {
		return 0, wrapErr("disk_length", KindFsError, id.String(), err)
	}

	defer func() { _ = f.Close() }()

	return f.Length(), nil
}

// ObjectSegments returns the deduplicated physical extent set backing id.
func (s *Store) ObjectSegments(id ObjectID) ([]fatfs.Extent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.vol.OpenFile(objectPath(id))
	if isNotExist(err) {
		return nil, notFound("get_obj_segments", id.String())
	}

	if err != nil {
		return nil, wrapErr("get_obj_segments", KindFsError, id.String(), err)
	}

	defer func() { _ = f.Close() }()

	return f.Extents()
}

// AllObjectIDs enumerates ids/*/name, consulting the SQLite catalog
// rather than walking the volume on every call.
func (s *Store) AllObjectIDs() ([]ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.cat.All(context.Background())
	if err != nil {
		return nil, wrapErr("get_all_object_ids", KindFsError, "", err)
	}

	return ids, nil
}

// ObjectCount reports the number of live objects, backed by the catalog's
// count rather than a full directory walk.
func (s *Store) ObjectCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.cat.Count(context.Background())
	if err != nil {
		return 0, wrapErr("object_count", KindFsError, "", err)
	}

	return n, nil
}

// ConfigID returns the caller-defined token at FS root "config_id", and
// whether one is present.
func (s *Store) ConfigID() (ObjectID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.vol.OpenFile(pathConfig)
	if isNotExist(err) {
		return ObjectID{}, false, nil
	}

	if err != nil {
		return ObjectID{}, false, wrapErr("get_config_id", KindFsError, "", err)
	}

	defer func() { _ = f.Close() }()

	if f.Length() != 16 {
		return ObjectID{}, false, wrapErr("get_config_id", KindFsError, "", fmt.Errorf("config_id has length %d, want 16", f.Length()))
	}

	extents, err := f.Extents()
	if err != nil {
		return ObjectID{}, false, wrapErr("get_config_id", KindFsError, "", err)
	}

	buf, err := extentio.ReadAll(s.dev, toExtentioExtents(extents), 16)
	if err != nil {
		return ObjectID{}, false, wrapErr("get_config_id", KindIoError, "", err)
	}

	var out ObjectID
	copy(out[:], buf)

	return out, true, nil
}

// SetConfigID overwrites FS root "config_id" with id, truncating any
// previous value first.
func (s *Store) SetConfigID(id ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.vol.OpenFile(pathConfig)
	if isNotExist(err) {
		f, err = s.vol.CreateFile(pathConfig)
	}

	if err != nil {
		return wrapErr("set_config_id", KindFsError, "", err)
	}

	defer func() { _ = f.Close() }()

	if err := f.Grow(16); err != nil {
		return wrapErr("set_config_id", KindFsError, "", err)
	}

	if err := f.Truncate(16); err != nil {
		return wrapErr("set_config_id", KindFsError, "", err)
	}

	extents, err := f.Extents()
	if err != nil {
		return wrapErr("set_config_id", KindFsError, "", err)
	}

	if err := extentio.WriteAll(s.dev, toExtentioExtents(extents), id[:]); err != nil {
		return wrapErr("set_config_id", KindIoError, "", err)
	}

	return nil
}

// Flush syncs the device. WAL records already reach the device as each
// one is appended; Flush does not persist the in-memory forest snapshot
// and does not advance the epoch; callers wanting secure-deletion
// durability must still call AdvanceEpoch.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.dev.Sync(); err != nil {
		return wrapErr("flush", KindIoError, "", err)
	}

	return nil
}

// Close releases resources held by the store (the SQLite catalog
// connection). It does not close the underlying device.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cat.Close()
}

func toExtentioExtents(in []fatfs.Extent) []extentio.Extent {
	out := make([]extentio.Extent, len(in))
	for i, e := range in {
		out[i] = extentio.Extent{Offset: e.Offset, Length: e.Length}
	}

	return out
}

// assertNoLostExtents enforces spec.md §4.4's write invariant:
// extents_pre \ extents_post must be empty.
func assertNoLostExtents(pre, post []fatfs.Extent) error {
	postSet := make(map[fatfs.Extent]bool, len(post))
	for _, e := range post {
		postSet[e] = true
	}

	for _, e := range pre {
		if !postSet[e] {
			return fmt.Errorf("extent %s present before write, absent after", e)
		}
	}

	return nil
}

// EpochReport summarizes the work done by a single [Store.AdvanceEpoch]
// call, mirroring the statistics the original implementation logs at the
// end of its epoch-advance routine.
type EpochReport struct {
	// RotatedPages is the number of pages the KHF rotated (i.e. pages
	// that had at least one pending deletion).
	RotatedPages int

	// ReencryptedBytes is the total number of ciphertext bytes
	// re-encrypted across every rotated page.
	ReencryptedBytes int64
}

// AdvanceEpoch executes spec.md §4.4's epoch-advance algorithm: rotate
// every page pending deletion, re-encrypt its ciphertext under the new
// key, durably stage the rotated forest, and only then retire the old
// snapshot. A crash at any point leaves the three-slot recovery state
// machine (recovery.go) able to complete or roll back the step cleanly.
func (s *Store) AdvanceEpoch() (EpochReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	epoch := uuid.New()

	rotated, err := s.kms.Update()
	if err != nil {
		return EpochReport{}, wrapErr("advance_epoch", KindKmsError, "", fmt.Errorf("epoch %s: %w", epoch, err))
	}

	var reencryptedBytes int64

	for _, rp := range rotated {
		n, err := s.reencryptPage(rp)
		if err != nil {
			return EpochReport{}, wrapErr("advance_epoch", KindKmsError, "", fmt.Errorf("epoch %s: %w", epoch, err))
		}

		reencryptedBytes += n
	}

	if err := s.kms.Persist(s.vol, s.dev, pathTmpKHF, s.rootKey); err != nil {
		return EpochReport{}, wrapErr("advance_epoch", KindKmsError, "", fmt.Errorf("epoch %s: %w", epoch, err))
	}

	if err := runRecovery(s.vol, s.dev); err != nil {
		return EpochReport{}, wrapErr("advance_epoch", KindFsError, "", fmt.Errorf("epoch %s: %w", epoch, err))
	}

	if err := s.wal.Clear(); err != nil {
		return EpochReport{}, wrapErr("advance_epoch", KindKmsError, "", fmt.Errorf("epoch %s: %w", epoch, err))
	}

	s.lastEpoch = epoch

	return EpochReport{RotatedPages: len(rotated), ReencryptedBytes: reencryptedBytes}, nil
}

// reencryptPage re-keys every page byte covered by rp: every physical
// extent of every live object is scanned for pages matching rp.PageID,
// decrypted under rp.OldKey, and re-encrypted under the page's new
// (already-rotated) key. Returns the number of ciphertext bytes rewritten.
func (s *Store) reencryptPage(rp khf.RotatedPage) (int64, error) {
	ids, err := s.cat.All(context.Background())
	if err != nil {
		return 0, fmt.Errorf("objectstore: reencrypt: enumerate objects: %w", err)
	}

	var total int64

	for _, id := range ids {
		f, err := s.vol.OpenFile(objectPath(id))
		if isNotExist(err) {
			continue
		}

		if err != nil {
			return total, fmt.Errorf("objectstore: reencrypt: open %s: %w", id, err)
		}

		extents, err := f.Extents()
		if err != nil {
			_ = f.Close()

			return total, fmt.Errorf("objectstore: reencrypt: extents %s: %w", id, err)
		}

		for _, e := range extents {
			n, err := s.reencryptExtentPage(e, rp)
			if err != nil {
				_ = f.Close()

				return total, err
			}

			total += n
		}

		if err := f.Close(); err != nil {
			return total, fmt.Errorf("objectstore: reencrypt: close %s: %w", id, err)
		}
	}

	return total, nil
}

// reencryptExtentPage re-keys the portion of extent e that falls on
// rp.PageID, if any, returning the number of bytes rewritten.
func (s *Store) reencryptExtentPage(e fatfs.Extent, rp khf.RotatedPage) (int64, error) {
	pageStart := blockdev.PageOffset(rp.PageID)
	pageEnd := pageStart + blockdev.PageSize

	lo := e.Offset
	if pageStart > lo {
		lo = pageStart
	}

	hi := e.Offset + e.Length
	if pageEnd < hi {
		hi = pageEnd
	}

	if lo >= hi {
		return 0, nil
	}

	length := hi - lo

	ciphertext := make([]byte, length)
	if _, err := s.dev.ReadAt(ciphertext, lo); err != nil {
		return 0, fmt.Errorf("objectstore: reencrypt: read page %d: %w", rp.PageID, err)
	}

	newKey, err := s.kms.DeriveMut(rp.PageID)
	if err != nil {
		return 0, fmt.Errorf("objectstore: reencrypt: derive new key for page %d: %w", rp.PageID, err)
	}

	// The intra-page keystream offset (disk offset mod PageSize) wraps to 0
	// partway through a page, so [lo, hi) is re-keyed in place in pieces
	// that each end at or before the next multiple of PageSize.
	for start := lo; start < hi; {
		end := start - start%blockdev.PageSize + blockdev.PageSize
		if end > hi {
			end = hi
		}

		part, intraOffset := ciphertext[start-lo:end-lo], int(start%blockdev.PageSize)
		if err := pagecipher.XORKeyStream(pagecipher.PageKey(rp.OldKey), rp.PageID, intraOffset, part); err != nil {
			return 0, fmt.Errorf("objectstore: reencrypt: decrypt page %d: %w", rp.PageID, err)
		}

		if err := pagecipher.XORKeyStream(pagecipher.PageKey(newKey), rp.PageID, intraOffset, part); err != nil {
			return 0, fmt.Errorf("objectstore: reencrypt: encrypt page %d: %w", rp.PageID, err)
		}

		start = end
	}

	if _, err := s.dev.WriteAt(ciphertext, lo); err != nil {
		return 0, fmt.Errorf("objectstore: reencrypt: write page %d: %w", rp.PageID, err)
	}

	return length, nil
}

// Reopen discards the store's in-process resources (catalog handle,
// in-memory forest) and reloads from scratch against the same device and
// root key, replaying any WAL records and recovery steps exactly as
// [Open] would on a fresh process start. Useful for tests that want to
// simulate a restart without tearing down the underlying device.
func (s *Store) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cat.Close(); err != nil {
		return wrapErr("reopen", KindFsError, "", err)
	}

	vol, err := fatfs.Mount(s.dev)
	if err != nil {
		return wrapErr("reopen", KindFsError, "", err)
	}

	if err := runRecovery(vol, s.dev); err != nil {
		return wrapErr("reopen", KindFsError, "", err)
	}

	var rootKey [32]byte
	copy(rootKey[:], s.rootKey[:])

	next, err := newStoreFromVolume(s.dev, vol, rootKey, s.opts)
	if err != nil {
		return err
	}

	s.vol = next.vol
	s.wal = next.wal
	s.kms = next.kms
	s.cat = next.cat

	return nil
}

// Reformat discards every object and key on the store's device and
// formats a fresh, empty store under rootKey, in place. It is
// destructive and irreversible.
func (s *Store) Reformat(dev blockdev.Device, rootKey *[32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cat.Close(); err != nil {
		return wrapErr("reformat", KindFsError, "", err)
	}

	vol, err := fatfs.Format(dev, fatfs.DefaultFormatOptions())
	if err != nil {
		return wrapErr("reformat", KindFsError, "", err)
	}

	next, err := newStoreFromVolume(dev, vol, *rootKey, s.opts)
	if err != nil {
		return err
	}

	s.dev = next.dev
	s.vol = next.vol
	s.wal = next.wal
	s.kms = next.kms
	s.cat = next.cat
	s.rootKey = next.rootKey

	return nil
}
