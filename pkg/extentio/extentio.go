// Package extentio reads and writes a file's logical byte stream directly
// against a block device, given the physical extents a file-system facade
// reports for it. It exists because payload bytes in this system are
// never routed through the file-system facade's own I/O path (see
// pkg/fatfs's package doc): only the object store and the KHF/WAL layer
// touch ciphertext, and both need the same small extent-to-device
// plumbing, so it lives here rather than duplicated in each.
package extentio

import (
	"fmt"
	"io"
)

// Extent is a contiguous physical byte range. It mirrors [fatfs.Extent]
// structurally so callers can pass either without a conversion helper
// beyond a plain struct literal copy.
type Extent struct {
	Offset int64
	Length int64
}

// ReaderAt is the read half of a [blockdev.Device].
type ReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// WriterAt is the write half of a [blockdev.Device].
type WriterAt interface {
	WriteAt(p []byte, off int64) (int, error)
}

// ReadAll reads exactly length bytes of a file's logical content from dev,
// given its extents in logical order.
func ReadAll(dev ReaderAt, extents []Extent, length int64) ([]byte, error) {
	out := make([]byte, 0, length)

	var read int64

	for _, e := range extents {
		if read >= length {
			break
		}

		n := e.Length
		if read+n > length {
			n = length - read
		}

		buf := make([]byte, n)
		if _, err := dev.ReadAt(buf, e.Offset); err != nil {
			return nil, fmt.Errorf("extentio: read [%d,%d): %w", e.Offset, e.Offset+n, err)
		}

		out = append(out, buf...)
		read += n
	}

	if read < length {
		return nil, fmt.Errorf("extentio: extents cover %d bytes, want %d: %w", read, length, io.ErrUnexpectedEOF)
	}

	return out, nil
}

// WriteAll writes data across dev at extents, in logical order. The sum of
// extent lengths must be >= len(data); any extent bytes beyond len(data)
// are left untouched.
func WriteAll(dev WriterAt, extents []Extent, data []byte) error {
	var written int64

	for _, e := range extents {
		if written >= int64(len(data)) {
			break
		}

		n := e.Length
		if remaining := int64(len(data)) - written; n > remaining {
			n = remaining
		}

		if _, err := dev.WriteAt(data[written:written+n], e.Offset); err != nil {
			return fmt.Errorf("extentio: write [%d,%d): %w", e.Offset, e.Offset+n, err)
		}

		written += n
	}

	if written < int64(len(data)) {
		return fmt.Errorf("extentio: extents cover %d bytes, want to write %d: %w", written, len(data), io.ErrShortWrite)
	}

	return nil
}
