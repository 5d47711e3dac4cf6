// Package fatfs implements the FAT-like file-system facade from spec.md
// §4.1: a cluster-chain file system, laid directly on top of a
// [blockdev.Device], that names and locates object payloads but carries no
// opinion about their contents.
//
// fatfs deliberately does not encrypt anything it writes. Its own
// bookkeeping (the FAT table, directory entries) is plaintext FS metadata,
// never part of any object's extent set, and therefore never touched by
// the KHF (spec.md §4.4: only an object's *own* extents are ever handed to
// KHF.delete). Object payload bytes are written and read directly against
// the backing [blockdev.Device] by the caller (see pkg/objectstore), using
// the extents fatfs reports; fatfs only allocates and locates clusters.
//
// The on-disk layout is modeled on soypat/fat's cluster-chain FAT table and
// directory-entry design (see other_examples/b5600549_soypat-fat__fat.go.go
// in the retrieval pack), simplified to fixed-width names (object IDs are
// already fixed 32-hex-digit strings) and to a flat two-level hierarchy.
package fatfs

import "fmt"

// ClusterSize is the allocation unit, equal to [blockdev.PageSize] so every
// cluster maps onto exactly one page ID.
const ClusterSize = 4096

// Extent is a contiguous physical byte range backing part of a file's
// logical byte stream, per spec.md §3.
type Extent struct {
	Offset int64
	Length int64
}

// String implements fmt.Stringer for debugging/logging.
func (e Extent) String() string {
	return fmt.Sprintf("[%d,%d)", e.Offset, e.Offset+e.Length)
}
