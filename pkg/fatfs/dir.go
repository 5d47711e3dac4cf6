package fatfs

import (
	"encoding/binary"
	"fmt"
)

const (
	dirEntrySize     = 128
	dirEntryNameMax  = 100
	dirEntriesPerCls = clusterSize / dirEntrySize
)

// dirEntry is a single fixed-size directory record. A zero NameLen marks
// the slot free (reusable by a later create in the same directory).
type dirEntry struct {
	Name         string
	IsDir        bool
	FirstCluster uint32
	Size         uint64
}

func (e dirEntry) marshal() []byte {
	buf := make([]byte, dirEntrySize)

	if len(e.Name) > dirEntryNameMax {
		panic("fatfs: directory entry name too long")
	}

	buf[0] = byte(len(e.Name))
	copy(buf[1:1+dirEntryNameMax], e.Name)

	if e.IsDir {
		buf[101] = 1
	}

	binary.BigEndian.PutUint32(buf[104:108], e.FirstCluster)
	binary.BigEndian.PutUint64(buf[108:116], e.Size)

	return buf
}

func (e *dirEntry) unmarshal(buf []byte) bool {
	nameLen := int(buf[0])
	if nameLen == 0 {
		return false
	}

	e.Name = string(buf[1 : 1+nameLen])
	e.IsDir = buf[101] != 0
	e.FirstCluster = binary.BigEndian.Uint32(buf[104:108])
	e.Size = binary.BigEndian.Uint64(buf[108:116])

	return true
}

// readDirClusters reads every entry across a directory's cluster chain,
// in on-disk order, skipping free slots.
func (v *Volume) readDirClusters(firstCluster uint32) ([]dirEntry, error) {
	chain, err := v.fat.chain(firstCluster)
	if err != nil {
		return nil, err
	}

	var entries []dirEntry

	buf := make([]byte, clusterSize)

	for _, cid := range chain {
		if _, err := v.dev.ReadAt(buf, v.sb.clusterOffset(cid)); err != nil {
			return nil, fmt.Errorf("fatfs: read dir cluster %d: %w", cid, err)
		}

		for i := 0; i < dirEntriesPerCls; i++ {
			var e dirEntry

			raw := buf[i*dirEntrySize : (i+1)*dirEntrySize]
			if e.unmarshal(raw) {
				entries = append(entries, e)
			}
		}
	}

	return entries, nil
}

// findInDir looks up name among firstCluster's entries.
func (v *Volume) findInDir(firstCluster uint32, name string) (dirEntry, bool, error) {
	entries, err := v.readDirClusters(firstCluster)
	if err != nil {
		return dirEntry{}, false, err
	}

	for _, e := range entries {
		if e.Name == name {
			return e, true, nil
		}
	}

	return dirEntry{}, false, nil
}

// writeEntryInDir appends or updates an entry named entry.Name within
// firstCluster's chain, allocating a new cluster if every existing one is
// full. The directory's first cluster never changes.
func (v *Volume) writeEntryInDir(firstCluster uint32, entry dirEntry) error {
	chain, err := v.fat.chain(firstCluster)
	if err != nil {
		return err
	}

	buf := make([]byte, clusterSize)

	for _, cid := range chain {
		if _, err := v.dev.ReadAt(buf, v.sb.clusterOffset(cid)); err != nil {
			return fmt.Errorf("fatfs: read dir cluster %d: %w", cid, err)
		}

		for i := 0; i < dirEntriesPerCls; i++ {
			raw := buf[i*dirEntrySize : (i+1)*dirEntrySize]

			var existing dirEntry
			if existing.unmarshal(raw) && existing.Name == entry.Name {
				copy(raw, entry.marshal())

				if _, err := v.dev.WriteAt(buf, v.sb.clusterOffset(cid)); err != nil {
					return fmt.Errorf("fatfs: write dir cluster %d: %w", cid, err)
				}

				return nil
			}
		}
	}

	// No existing slot: find a free one, or allocate a new cluster.
	for _, cid := range chain {
		if _, err := v.dev.ReadAt(buf, v.sb.clusterOffset(cid)); err != nil {
			return fmt.Errorf("fatfs: read dir cluster %d: %w", cid, err)
		}

		for i := 0; i < dirEntriesPerCls; i++ {
			raw := buf[i*dirEntrySize : (i+1)*dirEntrySize]
			if raw[0] == 0 {
				copy(raw, entry.marshal())

				if _, err := v.dev.WriteAt(buf, v.sb.clusterOffset(cid)); err != nil {
					return fmt.Errorf("fatfs: write dir cluster %d: %w", cid, err)
				}

				return nil
			}
		}
	}

	last := chain[len(chain)-1]

	newCid, err := v.fat.allocChain(1, int32(last))
	if err != nil {
		return err
	}

	if err := v.fat.flush(); err != nil {
		return err
	}

	zero := make([]byte, clusterSize)
	copy(zero, entry.marshal())

	if _, err := v.dev.WriteAt(zero, v.sb.clusterOffset(newCid)); err != nil {
		return fmt.Errorf("fatfs: write new dir cluster %d: %w", newCid, err)
	}

	return nil
}

// removeEntryFromDir clears the slot named name within firstCluster's
// chain. No-op if the name isn't present.
func (v *Volume) removeEntryFromDir(firstCluster uint32, name string) error {
	chain, err := v.fat.chain(firstCluster)
	if err != nil {
		return err
	}

	buf := make([]byte, clusterSize)

	for _, cid := range chain {
		if _, err := v.dev.ReadAt(buf, v.sb.clusterOffset(cid)); err != nil {
			return fmt.Errorf("fatfs: read dir cluster %d: %w", cid, err)
		}

		for i := 0; i < dirEntriesPerCls; i++ {
			raw := buf[i*dirEntrySize : (i+1)*dirEntrySize]

			var existing dirEntry
			if existing.unmarshal(raw) && existing.Name == name {
				for j := range raw {
					raw[j] = 0
				}

				if _, err := v.dev.WriteAt(buf, v.sb.clusterOffset(cid)); err != nil {
					return fmt.Errorf("fatfs: write dir cluster %d: %w", cid, err)
				}

				return nil
			}
		}
	}

	return nil
}
