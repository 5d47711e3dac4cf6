package khf

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/calvinalkan/lethe/pkg/extentio"
	"github.com/calvinalkan/lethe/pkg/fatfs"
)

const persistMagic = "LTHEKHF1"

const persistFooterSize = 32

// persistEntrySize is pageID(8) + seed(32) + deleted flag(1).
const persistEntrySize = 8 + KeySize + 1

// Persist seals the forest's current state under the root key and writes
// it to path on vol (spec.md §4.3 "persist(root_key, path)"). Note this
// intentionally records *every* tracked page's current seed and pending
// deletion flag, not just rotated ones: Load must be able to fully
// reconstruct Forest state with no other input.
func (f *Forest) Persist(vol *fatfs.Volume, dev Device, path string, rootKey Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	plain := make([]byte, 0, len(f.pages)*persistEntrySize)

	for pageID, ps := range f.pages {
		entry := make([]byte, persistEntrySize)
		binary.BigEndian.PutUint64(entry[0:8], pageID)
		copy(entry[8:8+KeySize], ps.seed[:])

		if ps.deleted {
			entry[8+KeySize] = 1
		}

		plain = append(plain, entry...)
	}

	ciphertext, err := sealPersist(rootKey, plain)
	if err != nil {
		return fmt.Errorf("khf: seal persist: %w", err)
	}

	footer := make([]byte, persistFooterSize)
	copy(footer[0:8], persistMagic)

	count := uint64(len(f.pages))
	binary.LittleEndian.PutUint64(footer[8:16], count)
	binary.LittleEndian.PutUint64(footer[16:24], ^count)

	crc := crc32.Checksum(ciphertext, walCRC32C)
	binary.LittleEndian.PutUint32(footer[24:28], crc)
	binary.LittleEndian.PutUint32(footer[28:32], ^crc)

	full := append(ciphertext, footer...)

	file, err := vol.OpenFile(path)
	if err != nil {
		if i := strings.LastIndexByte(path, '/'); i > 0 {
			if err := vol.MkdirAll(path[:i]); err != nil {
				return fmt.Errorf("khf: create directory for %q: %w", path, err)
			}
		}

		file, err = vol.CreateFile(path)
	}

	if err != nil {
		return fmt.Errorf("khf: open %q: %w", path, err)
	}

	defer func() { _ = file.Close() }()

	if err := file.Grow(int64(len(full))); err != nil {
		return fmt.Errorf("khf: grow %q: %w", path, err)
	}

	if err := file.Truncate(int64(len(full))); err != nil {
		return fmt.Errorf("khf: truncate %q: %w", path, err)
	}

	extents, err := file.Extents()
	if err != nil {
		return fmt.Errorf("khf: extents %q: %w", path, err)
	}

	return extentio.WriteAll(dev, toExtentioExtents(extents), full)
}

// Load unseals a forest previously written by [Forest.Persist].
func Load(vol *fatfs.Volume, dev Device, path string, rootKey Key, wal *WAL) (*Forest, error) {
	file, err := vol.OpenFile(path)
	if errors.Is(err, fatfs.ErrNotExist) {
		return New(rootKey, wal), nil
	}

	if err != nil {
		return nil, fmt.Errorf("khf: open %q: %w", path, err)
	}

	defer func() { _ = file.Close() }()

	length := file.Length()
	if length < persistFooterSize {
		return New(rootKey, wal), nil
	}

	extents, err := file.Extents()
	if err != nil {
		return nil, fmt.Errorf("khf: extents %q: %w", path, err)
	}

	buf, err := extentio.ReadAll(dev, toExtentioExtents(extents), length)
	if err != nil {
		return nil, fmt.Errorf("khf: read %q: %w", path, err)
	}

	footer := buf[len(buf)-persistFooterSize:]
	if string(footer[0:8]) != persistMagic {
		return nil, fmt.Errorf("khf: %q: %w", path, ErrWALCorrupt)
	}

	count := binary.LittleEndian.Uint64(footer[8:16])
	if ^count != binary.LittleEndian.Uint64(footer[16:24]) {
		return nil, fmt.Errorf("khf: %q: %w", path, ErrWALCorrupt)
	}

	crc := binary.LittleEndian.Uint32(footer[24:28])
	if ^crc != binary.LittleEndian.Uint32(footer[28:32]) {
		return nil, fmt.Errorf("khf: %q: %w", path, ErrWALCorrupt)
	}

	ciphertext := buf[:len(buf)-persistFooterSize]
	if crc32.Checksum(ciphertext, walCRC32C) != crc {
		return nil, fmt.Errorf("khf: %q: %w", path, ErrWALCorrupt)
	}

	plain, err := sealPersist(rootKey, ciphertext) // XOR stream is its own inverse
	if err != nil {
		return nil, fmt.Errorf("khf: unseal %q: %w", path, err)
	}

	if uint64(len(plain)) != count*persistEntrySize {
		return nil, fmt.Errorf("khf: %q: entry count mismatch: %w", path, ErrWALCorrupt)
	}

	forest := New(rootKey, wal)

	for i := uint64(0); i < count; i++ {
		entry := plain[i*persistEntrySize : (i+1)*persistEntrySize]

		pageID := binary.BigEndian.Uint64(entry[0:8])

		var seed Key
		copy(seed[:], entry[8:8+KeySize])

		forest.pages[pageID] = &pageState{seed: seed, deleted: entry[8+KeySize] != 0}
	}

	return forest, nil
}

// sealPersist encrypts (or, symmetrically, decrypts) buf under rootKey
// using AES-256-CTR keyed by a root-key-derived IV, per spec.md §6
// ("all key material is sealed under the 32-byte root key when
// persisted").
func sealPersist(rootKey Key, buf []byte) ([]byte, error) {
	block, err := aes.NewCipher(rootKey[:])
	if err != nil {
		return nil, err
	}

	h := sha3.New256()
	h.Write(rootKey[:])
	h.Write([]byte("lethe-khf-persist-iv"))

	var iv [aes.BlockSize]byte
	copy(iv[:], h.Sum(nil)[:aes.BlockSize])

	stream := cipher.NewCTR(block, iv[:])

	out := make([]byte, len(buf))
	stream.XORKeyStream(out, buf)

	return out, nil
}
