// Package khf implements the keyed hash forest key-management primitive
// from spec.md §4.3: a map from page ID to a 32-byte symmetric key, with
// logged derive/delete and atomic rotation, sealed under a caller-supplied
// root key when persisted.
//
// A true keyed hash forest amortizes key derivation across a tree so that
// a single root secret can regenerate any leaf key without storing it.
// This implementation keeps that external contract — derive_mut, delete,
// update, persist, load — but represents the forest as one root per page,
// each evolved by hashing it forward through SHA3-256 on every rotation,
// mirroring spec.md §6's "AES-256-CTR + SHA3-256 over a sequential IV
// generator": AES-256-CTR in keystream mode stands in for the sequential
// IV generator, SHA3-256 folds the used keystream back into the next
// generation's seed. This is the part of the system spec.md treats as an
// external primitive "consumed... with the contract in §4.3"; forest
// shape is an implementation freedom the contract leaves open.
package khf

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"
)

// KeySize is the size, in bytes, of every derived page key and of the
// root key the forest is sealed under.
const KeySize = 32

// Key is a 32-byte symmetric key.
type Key [KeySize]byte

// pageState tracks one page ID's current generation seed and whether a
// deletion has been recorded for it since the last Update.
type pageState struct {
	seed    Key
	deleted bool
}

// Forest is the in-memory keyed hash forest. The zero value is not usable;
// construct with [New] or [Load].
type Forest struct {
	mu    sync.Mutex
	pages map[uint64]*pageState
	wal   *WAL

	// masterSeed mixes process-private entropy into every newly
	// allocated page's initial generation, so two Forests created with
	// different master seeds never collide even if they happen to
	// allocate the same page ID first.
	masterSeed Key
}

// New creates an empty forest backed by wal for mutation logging.
func New(masterSeed Key, wal *WAL) *Forest {
	return &Forest{
		pages:      make(map[uint64]*pageState),
		wal:        wal,
		masterSeed: masterSeed,
	}
}

// DeriveMut returns the current key for pageID, allocating and logging a
// fresh one via the WAL if this is the first reference to pageID.
func (f *Forest) DeriveMut(pageID uint64) (Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ps, ok := f.pages[pageID]
	if !ok {
		ps = &pageState{seed: f.seedFor(pageID, 0)}
		f.pages[pageID] = ps

		if err := f.wal.Append(Record{Op: OpDerive, PageID: pageID}); err != nil {
			return Key{}, fmt.Errorf("khf: log derive: %w", err)
		}
	}

	return expandKey(ps.seed), nil
}

// Delete marks pageID for rotation at the next Update and logs the
// deletion so recovery can replay it.
func (f *Forest) Delete(pageID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ps, ok := f.pages[pageID]
	if !ok {
		// Deleting a page never derived in this process lifetime still
		// needs a tombstone so a subsequent derive in the same epoch
		// does not resurrect a pre-crash key.
		ps = &pageState{seed: f.seedFor(pageID, 0)}
		f.pages[pageID] = ps
	}

	ps.deleted = true

	if err := f.wal.Append(Record{Op: OpDelete, PageID: pageID}); err != nil {
		return fmt.Errorf("khf: log delete: %w", err)
	}

	return nil
}

// RotatedPage is one page's rotation result from [Forest.Update]: the key
// material that must no longer be derivable anywhere, returned so the
// caller can re-encrypt affected ciphertext.
type RotatedPage struct {
	PageID uint64
	OldKey Key
}

// Update rotates every page marked deleted since the last Update, logs the
// rotation, and returns each page's pre-rotation key so the caller can
// locate and re-encrypt its ciphertext (spec.md §4.4 step 2).
func (f *Forest) Update() ([]RotatedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var rotated []RotatedPage

	for pageID, ps := range f.pages {
		if !ps.deleted {
			continue
		}

		old := expandKey(ps.seed)
		rotated = append(rotated, RotatedPage{PageID: pageID, OldKey: old})

		ps.seed = rotateSeed(ps.seed)
		ps.deleted = false

		if err := f.wal.Append(Record{Op: OpUpdate, PageID: pageID}); err != nil {
			return nil, fmt.Errorf("khf: log update: %w", err)
		}
	}

	return rotated, nil
}

// seedFor derives a page's initial generation seed from the forest's
// master seed, the page ID, and a generation counter, via SHA3-256.
func (f *Forest) seedFor(pageID uint64, generation uint64) Key {
	h := sha3.New256()
	h.Write(f.masterSeed[:])
	h.Write(encodeUint64(pageID))
	h.Write(encodeUint64(generation))

	var out Key
	copy(out[:], h.Sum(nil))

	return out
}

// rotateSeed advances a page's seed to its next generation: SHA3-256
// folds the current seed forward, giving forward secrecy (the prior
// generation's seed cannot be recovered from the new one).
func rotateSeed(seed Key) Key {
	h := sha3.New256()
	h.Write(seed[:])
	h.Write([]byte("lethe-khf-rotate"))

	var out Key
	copy(out[:], h.Sum(nil))

	return out
}

// expandKey derives the page's actual symmetric key from its seed by
// running it through AES-256-CTR as a keystream generator (spec.md §6:
// "KHF internally uses AES-256-CTR + SHA3-256").
func expandKey(seed Key) Key {
	block, err := aes.NewCipher(seed[:])
	if err != nil {
		// seed is always exactly 32 bytes; aes.NewCipher cannot fail.
		panic(fmt.Sprintf("khf: expandKey: %v", err))
	}

	var iv [aes.BlockSize]byte

	stream := cipher.NewCTR(block, iv[:])

	var out Key

	stream.XORKeyStream(out[:], out[:])

	return out
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}

	return buf
}

// PageCount reports how many distinct page IDs the forest currently
// tracks. Exposed for tests and diagnostics.
func (f *Forest) PageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.pages)
}

// Replay reapplies WAL records recovered from disk to an already-loaded
// forest, without re-logging them (they are already durable). Used on
// open to fast-forward a persisted KHF snapshot past any
// derive/delete/update events committed after the snapshot but before
// the process last exited.
func (f *Forest) Replay(records []Record) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rec := range records {
		ps, ok := f.pages[rec.PageID]
		if !ok {
			ps = &pageState{seed: f.seedFor(rec.PageID, 0)}
			f.pages[rec.PageID] = ps
		}

		switch rec.Op {
		case OpDerive:
			// Derivation alone doesn't change state beyond allocation,
			// already handled above.
		case OpDelete:
			ps.deleted = true
		case OpUpdate:
			ps.seed = rotateSeed(ps.seed)
			ps.deleted = false
		}
	}
}
