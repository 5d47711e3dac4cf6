package fatfs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/calvinalkan/lethe/pkg/blockdev"
)

const (
	fatEntryFree uint32 = 0x0000_0000
	fatEntryEOC  uint32 = 0xFFFF_FFFF // end-of-chain sentinel
)

var errNoSpace = errors.New("fatfs: no free clusters")

// fatTable is the in-memory mirror of the on-disk FAT (one uint32 entry per
// data cluster: 0 = free, 0xFFFFFFFF = end of chain, else = next cluster).
// It is read in full on mount and rewritten in full on every mutation that
// touches cluster allocation, mirroring a small FAT-like volume's
// "FAT fits in memory" assumption (see soypat-fat's in-memory win[] cache,
// generalized here to the whole table since our FAT is small relative to a
// 4096-byte cluster).
type fatTable struct {
	dev     blockdev.Device
	offset  int64
	entries []uint32
	dirty   bool
}

func loadFATTable(dev blockdev.Device, offset int64, count uint32) (*fatTable, error) {
	buf := make([]byte, int(count)*4)
	if _, err := dev.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("fatfs: read FAT table: %w", err)
	}

	entries := make([]uint32, count)
	for i := range entries {
		entries[i] = binary.BigEndian.Uint32(buf[i*4 : i*4+4])
	}

	return &fatTable{dev: dev, offset: offset, entries: entries}, nil
}

func (t *fatTable) flush() error {
	if !t.dirty {
		return nil
	}

	buf := make([]byte, len(t.entries)*4)
	for i, e := range t.entries {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], e)
	}

	if _, err := t.dev.WriteAt(buf, t.offset); err != nil {
		return fmt.Errorf("fatfs: write FAT table: %w", err)
	}

	t.dirty = false

	return nil
}

// allocChain allocates n new clusters (n >= 1), linking them into a chain
// terminated by fatEntryEOC, and returns the first cluster ID. If tail is
// non-negative, the new chain is appended after it (tail's entry is
// rewritten to point at the new first cluster).
func (t *fatTable) allocChain(n int, tail int32) (first uint32, err error) {
	if n <= 0 {
		return 0, fmt.Errorf("fatfs: allocChain: n must be positive, got %d", n)
	}

	ids := make([]uint32, 0, n)

	for id, e := range t.entries {
		if e == fatEntryFree {
			ids = append(ids, uint32(id))
			if len(ids) == n {
				break
			}
		}
	}

	if len(ids) < n {
		return 0, fmt.Errorf("%w: need %d, found %d", errNoSpace, n, len(ids))
	}

	for i, id := range ids {
		if i+1 < len(ids) {
			t.entries[id] = ids[i+1]
		} else {
			t.entries[id] = fatEntryEOC
		}
	}

	t.dirty = true

	if tail >= 0 {
		t.entries[tail] = ids[0]
	}

	return ids[0], nil
}

// chain returns the ordered list of cluster IDs starting at first.
func (t *fatTable) chain(first uint32) ([]uint32, error) {
	var out []uint32

	cur := first
	seen := make(map[uint32]bool)

	for {
		if seen[cur] {
			return nil, fmt.Errorf("fatfs: cyclic cluster chain at %d", cur)
		}

		seen[cur] = true
		out = append(out, cur)

		if int(cur) >= len(t.entries) {
			return nil, fmt.Errorf("fatfs: cluster %d out of range", cur)
		}

		next := t.entries[cur]
		if next == fatEntryEOC {
			return out, nil
		}

		if next == fatEntryFree {
			return nil, fmt.Errorf("fatfs: chain from %d hits free cluster", first)
		}

		cur = next
	}
}

// freeChain releases every cluster in the chain starting at first.
func (t *fatTable) freeChain(first uint32) error {
	chain, err := t.chain(first)
	if err != nil {
		return err
	}

	for _, id := range chain {
		t.entries[id] = fatEntryFree
	}

	t.dirty = true

	return nil
}

// truncateChain shrinks the chain starting at first so that it has exactly
// keep clusters, freeing the rest. keep must be >= 1.
func (t *fatTable) truncateChain(first uint32, keep int) error {
	chain, err := t.chain(first)
	if err != nil {
		return err
	}

	if keep >= len(chain) {
		return nil
	}

	if keep < 1 {
		return fmt.Errorf("fatfs: truncateChain: keep must be >= 1, got %d", keep)
	}

	t.entries[chain[keep-1]] = fatEntryEOC

	for _, id := range chain[keep:] {
		t.entries[id] = fatEntryFree
	}

	t.dirty = true

	return nil
}

func (t *fatTable) freeCount() int {
	n := 0

	for _, e := range t.entries {
		if e == fatEntryFree {
			n++
		}
	}

	return n
}
