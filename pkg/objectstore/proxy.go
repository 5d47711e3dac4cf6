package objectstore

import (
	"fmt"

	"github.com/calvinalkan/lethe/pkg/blockdev"
	"github.com/calvinalkan/lethe/pkg/fatfs"
	"github.com/calvinalkan/lethe/pkg/pagecipher"
)

// physChunk is one physically-contiguous, single-page run produced by
// walking a file's extents against a logical byte range.
type physChunk struct {
	physOffset int64
	logicalOff int64 // offset into the caller's buf
	length     int64
}

// writeThroughProxy encrypts buf page-by-page under the KMS wrapper's
// current key for each page, writing ciphertext directly to the device at
// extents' physical offsets. No read-modify-write is needed: a stream
// cipher's keystream at a given offset is independent of neighboring
// bytes.
func (s *Store) writeThroughProxy(extents []fatfs.Extent, off int64, buf []byte) error {
	chunks, err := walkChunks(extents, off, int64(len(buf)))
	if err != nil {
		return err
	}

	for _, c := range chunks {
		pageID := blockdev.PageID(c.physOffset)

		key, err := s.kms.DeriveMut(pageID)
		if err != nil {
			return fmt.Errorf("objectstore: derive page %d key: %w", pageID, err)
		}

		intraOffset := int(c.physOffset % blockdev.PageSize)

		plaintext := buf[c.logicalOff : c.logicalOff+c.length]

		ciphertext, err := pagecipher.Encrypt(pagecipher.PageKey(key), pageID, intraOffset, plaintext)
		if err != nil {
			return fmt.Errorf("objectstore: encrypt page %d: %w", pageID, err)
		}

		if _, err := s.dev.WriteAt(ciphertext, c.physOffset); err != nil {
			return fmt.Errorf("objectstore: write page %d: %w", pageID, err)
		}
	}

	return nil
}

// readThroughProxy reads and decrypts the physical bytes backing the
// logical range [off, off+len(buf)), filling buf in place.
func (s *Store) readThroughProxy(extents []fatfs.Extent, off int64, buf []byte) error {
	chunks, err := walkChunks(extents, off, int64(len(buf)))
	if err != nil {
		return err
	}

	for _, c := range chunks {
		pageID := blockdev.PageID(c.physOffset)

		key, err := s.kms.DeriveMut(pageID)
		if err != nil {
			return fmt.Errorf("objectstore: derive page %d key: %w", pageID, err)
		}

		intraOffset := int(c.physOffset % blockdev.PageSize)

		ciphertext := make([]byte, c.length)
		if _, err := s.dev.ReadAt(ciphertext, c.physOffset); err != nil {
			return fmt.Errorf("objectstore: read page %d: %w", pageID, err)
		}

		plaintext, err := pagecipher.Decrypt(pagecipher.PageKey(key), pageID, intraOffset, ciphertext)
		if err != nil {
			return fmt.Errorf("objectstore: decrypt page %d: %w", pageID, err)
		}

		copy(buf[c.logicalOff:c.logicalOff+c.length], plaintext)
	}

	return nil
}

// walkChunks maps the logical range [off, off+n) onto extents (a file's
// physical extents in logical order), splitting further at page
// boundaries. Each returned chunk's logicalOff is relative to off, i.e.
// directly usable as an index into the caller's buf.
func walkChunks(extents []fatfs.Extent, off, n int64) ([]physChunk, error) {
	var chunks []physChunk

	var logicalPos int64 // logical offset of the start of the extent currently being walked

	end := off + n

	for _, e := range extents {
		extentLogicalStart := logicalPos
		extentLogicalEnd := logicalPos + e.Length

		logicalPos = extentLogicalEnd

		// Intersect [off, end) with [extentLogicalStart, extentLogicalEnd).
		lo := off
		if extentLogicalStart > lo {
			lo = extentLogicalStart
		}

		hi := end
		if extentLogicalEnd < hi {
			hi = extentLogicalEnd
		}

		if lo >= hi {
			continue
		}

		physStart := e.Offset + (lo - extentLogicalStart)
		remaining := hi - lo
		cur := physStart
		logicalCursor := lo

		for remaining > 0 {
			pageID := blockdev.PageID(cur)
			pageEnd := blockdev.PageOffset(pageID) + blockdev.PageSize

			// The intra-page keystream offset is cur mod PageSize, which
			// wraps to 0 partway through a page, so a chunk also ends at
			// the next multiple of PageSize.
			if wrap := cur - cur%blockdev.PageSize + blockdev.PageSize; wrap < pageEnd {
				pageEnd = wrap
			}

			chunkLen := pageEnd - cur
			if chunkLen > remaining {
				chunkLen = remaining
			}

			chunks = append(chunks, physChunk{
				physOffset: cur,
				logicalOff: logicalCursor - off,
				length:     chunkLen,
			})

			cur += chunkLen
			remaining -= chunkLen
			logicalCursor += chunkLen
		}
	}

	total := int64(0)
	for _, c := range chunks {
		total += c.length
	}

	if total != n {
		return nil, fmt.Errorf("objectstore: extents cover %d of %d requested bytes", total, n)
	}

	return chunks, nil
}
