package khf

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/calvinalkan/lethe/pkg/extentio"
	"github.com/calvinalkan/lethe/pkg/fatfs"
)

// walMagic identifies a WAL footer, mirroring the magic+footer+CRC32C
// pattern of a committed write-ahead log: a fixed-size trailer whose
// length and checksum fields are each stored alongside their bitwise
// complement, so a torn write (partial footer) is distinguishable from a
// genuinely valid one without a separate "commit bit".
const walMagic = "LTHEWAL1"

const walFooterSize = 32

const recordSize = 9 // 1-byte op + 8-byte page ID

const (
	OpDerive byte = 1
	OpDelete byte = 2
	OpUpdate byte = 3
)

// ErrWALCorrupt reports a WAL whose footer fails its checksum.
var ErrWALCorrupt = errors.New("khf: wal corrupt")

var walCRC32C = crc32.MakeTable(crc32.Castagnoli)

// Record is one logged key-management event.
type Record struct {
	Op     byte
	PageID uint64
}

// WAL is the secure write-ahead log backing a [Forest]: every derive,
// delete, and update is appended here, encrypted per-record under the
// root key, before the in-memory forest state changes are considered
// durable. Cleared by [WAL.Clear] as the final step of an epoch flush.
type WAL struct {
	mu      sync.Mutex
	vol     *fatfs.Volume
	dev     Device
	file    *fatfs.File
	path    string
	rootKey Key

	// sessionID identifies this WAL handle for crash-log correlation. It
	// is not written into records or persisted, so it carries no meaning
	// across a process restart.
	sessionID uuid.UUID

	body  []byte // accumulated ciphertext records, in append order
	crc   uint32
	count uint64
}

// SessionID identifies this particular open of the WAL, for log
// correlation across the derive/delete/update calls it backs.
func (w *WAL) SessionID() uuid.UUID {
	return w.sessionID
}

// Device is the minimal device surface the WAL and [Forest] persistence
// need: positioned reads and writes against the backing store.
type Device interface {
	extentio.ReaderAt
	extentio.WriterAt
}

func toExtentioExtents(in []fatfs.Extent) []extentio.Extent {
	out := make([]extentio.Extent, len(in))
	for i, e := range in {
		out[i] = extentio.Extent{Offset: e.Offset, Length: e.Length}
	}

	return out
}

// OpenWAL opens or creates the WAL file at path on vol (creating its parent
// directory if missing), replaying any previously committed records into
// the returned slice so the caller can rebuild forest state before
// accepting new writes.
func OpenWAL(vol *fatfs.Volume, dev Device, path string, rootKey Key) (*WAL, []Record, error) {
	w := &WAL{vol: vol, dev: dev, path: path, rootKey: rootKey, crc: 0, sessionID: uuid.New()}

	f, err := vol.OpenFile(path)
	if errors.Is(err, fatfs.ErrNotExist) {
		if i := strings.LastIndexByte(path, '/'); i > 0 {
			if err := vol.MkdirAll(path[:i]); err != nil {
				return nil, nil, fmt.Errorf("khf: create wal directory: %w", err)
			}
		}

		f, err = vol.CreateFile(path)
	}

	if err != nil {
		return nil, nil, fmt.Errorf("khf: open wal: %w", err)
	}

	w.file = f

	records, err := w.load()
	if err != nil {
		return nil, nil, err
	}

	return w, records, nil
}

// load reads and validates the current WAL contents, returning the
// decrypted records it committed. An empty or uncommitted (no valid
// footer) WAL yields no records, matching spec.md §4.5's "uncommitted"
// WAL handling: a partial write is simply discarded, never replayed.
func (w *WAL) load() ([]Record, error) {
	length := w.file.Length()
	if length < walFooterSize {
		return nil, nil
	}

	extents, err := w.file.Extents()
	if err != nil {
		return nil, fmt.Errorf("khf: wal extents: %w", err)
	}

	buf, err := extentio.ReadAll(w.dev, toExtentioExtents(extents), length)
	if err != nil {
		return nil, fmt.Errorf("khf: read wal: %w", err)
	}

	footer := buf[len(buf)-walFooterSize:]
	if string(footer[0:8]) != walMagic {
		return nil, nil
	}

	count := binary.LittleEndian.Uint64(footer[8:16])
	countInv := binary.LittleEndian.Uint64(footer[16:24])

	if ^count != countInv {
		return nil, nil
	}

	crc := binary.LittleEndian.Uint32(footer[24:28])
	crcInv := binary.LittleEndian.Uint32(footer[28:32])

	if ^crc != crcInv {
		return nil, nil
	}

	body := buf[:len(buf)-walFooterSize]
	if uint64(len(body)) != count*recordSize {
		return nil, nil
	}

	if crc32.Checksum(body, walCRC32C) != crc {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrWALCorrupt)
	}

	records := make([]Record, 0, count)

	for i := uint64(0); i < count; i++ {
		ct := body[i*recordSize : (i+1)*recordSize]

		pt, err := w.decryptRecord(i, ct)
		if err != nil {
			return nil, fmt.Errorf("khf: decrypt wal record %d: %w", i, err)
		}

		records = append(records, Record{Op: pt[0], PageID: binary.BigEndian.Uint64(pt[1:9])})
	}

	w.body = append([]byte(nil), body...)
	w.crc = crc
	w.count = count

	return records, nil
}

// Append logs rec durably: the new record is encrypted, written past the
// previously-committed body, and the footer is rewritten to cover it
// before Append returns.
func (w *WAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	plain := make([]byte, recordSize)
	plain[0] = rec.Op
	binary.BigEndian.PutUint64(plain[1:9], rec.PageID)

	ct, err := w.encryptRecord(w.count, plain)
	if err != nil {
		return fmt.Errorf("khf: encrypt wal record: %w", err)
	}

	newBody := append(append([]byte(nil), w.body...), ct...)
	newCRC := crc32.Checksum(newBody, walCRC32C)
	newCount := w.count + 1

	if err := w.writeFull(newBody, newCount, newCRC); err != nil {
		return err
	}

	w.body = newBody
	w.crc = newCRC
	w.count = newCount

	return nil
}

// Clear truncates the WAL to empty, the final step of a successful
// advance_epoch (spec.md §4.4 step 6).
func (w *WAL) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeFull(nil, 0, crc32.Checksum(nil, walCRC32C)); err != nil {
		return err
	}

	w.body = nil
	w.crc = crc32.Checksum(nil, walCRC32C)
	w.count = 0

	return nil
}

// writeFull rewrites the WAL file's full contents (body + footer) and
// grows/truncates the backing file to match.
func (w *WAL) writeFull(body []byte, count uint64, crc uint32) error {
	footer := make([]byte, walFooterSize)
	copy(footer[0:8], walMagic)
	binary.LittleEndian.PutUint64(footer[8:16], count)
	binary.LittleEndian.PutUint64(footer[16:24], ^count)
	binary.LittleEndian.PutUint32(footer[24:28], crc)
	binary.LittleEndian.PutUint32(footer[28:32], ^crc)

	full := append(append([]byte(nil), body...), footer...)

	if int64(len(full)) > w.file.Length() {
		if err := w.file.Grow(int64(len(full))); err != nil {
			return fmt.Errorf("khf: grow wal: %w", err)
		}
	}

	if err := w.file.Truncate(int64(len(full))); err != nil {
		return fmt.Errorf("khf: truncate wal: %w", err)
	}

	extents, err := w.file.Extents()
	if err != nil {
		return fmt.Errorf("khf: wal extents: %w", err)
	}

	return extentio.WriteAll(w.dev, toExtentioExtents(extents), full)
}

// recordIV derives a per-record AES-CTR IV from the root key and the
// record's position, so records never need a stored nonce.
func (w *WAL) recordIV(index uint64) [aes.BlockSize]byte {
	h := sha3.New256()
	h.Write(w.rootKey[:])
	h.Write([]byte("lethe-wal-record"))
	h.Write(encodeUint64(index))

	sum := h.Sum(nil)

	var iv [aes.BlockSize]byte
	copy(iv[:], sum[:aes.BlockSize])

	return iv
}

func (w *WAL) encryptRecord(index uint64, plain []byte) ([]byte, error) {
	return w.xorRecord(index, plain)
}

func (w *WAL) decryptRecord(index uint64, cipherText []byte) ([]byte, error) {
	return w.xorRecord(index, cipherText)
}

func (w *WAL) xorRecord(index uint64, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(w.rootKey[:])
	if err != nil {
		return nil, err
	}

	iv := w.recordIV(index)
	stream := cipher.NewCTR(block, iv[:])

	out := make([]byte, len(in))
	stream.XORKeyStream(out, in)

	return out, nil
}
