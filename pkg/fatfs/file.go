package fatfs

import "fmt"

// File is an open handle onto a file's cluster chain. It never reads or
// writes payload bytes itself — see the package doc — it only reports and
// adjusts the extents backing the file's logical length.
type File struct {
	v            *Volume
	parentDir    uint32
	name         string
	firstCluster uint32
	length       int64
}

// CreateFile creates a new, empty file at path, failing if it already
// exists. The parent directory must already exist.
func (v *Volume) CreateFile(path string) (*File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, name, err := split(path)
	if err != nil {
		return nil, err
	}

	parentCluster, err := v.resolveDir(parent, false)
	if err != nil {
		return nil, err
	}

	if _, exists, err := v.findInDir(parentCluster, name); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("fatfs: %q: %w", path, ErrExist)
	}

	first, err := v.fat.allocChain(1, -1)
	if err != nil {
		return nil, err
	}

	if err := v.fat.flush(); err != nil {
		return nil, err
	}

	entry := dirEntry{Name: name, FirstCluster: first, Size: 0}

	if err := v.writeEntryInDir(parentCluster, entry); err != nil {
		return nil, err
	}

	return &File{v: v, parentDir: parentCluster, name: name, firstCluster: first}, nil
}

// OpenFile opens an existing file at path.
func (v *Volume) OpenFile(path string) (*File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, name, err := split(path)
	if err != nil {
		return nil, err
	}

	parentCluster, err := v.resolveDir(parent, false)
	if err != nil {
		return nil, err
	}

	entry, ok, err := v.findInDir(parentCluster, name)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("fatfs: %q: %w", path, ErrNotExist)
	}

	if entry.IsDir {
		return nil, fmt.Errorf("fatfs: %q: %w", path, ErrIsDir)
	}

	return &File{v: v, parentDir: parentCluster, name: name, firstCluster: entry.FirstCluster, length: int64(entry.Size)}, nil
}

// Length returns the file's current logical length in bytes.
func (f *File) Length() int64 {
	return f.length
}

// Extents reports the physical byte ranges backing the file's full cluster
// chain, merging adjacent clusters into single extents. The final extent is
// capped to the file's logical length, not the cluster boundary, so callers
// never see bytes past Length() as part of an extent.
func (f *File) Extents() ([]Extent, error) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if f.length == 0 {
		return nil, nil
	}

	chain, err := f.v.fat.chain(f.firstCluster)
	if err != nil {
		return nil, err
	}

	var extents []Extent

	for _, cid := range chain {
		off := f.v.sb.clusterOffset(cid)

		if len(extents) > 0 {
			last := &extents[len(extents)-1]
			if last.Offset+last.Length == off {
				last.Length += clusterSize
				continue
			}
		}

		extents = append(extents, Extent{Offset: off, Length: clusterSize})
	}

	// Cap the total to the file's logical length.
	var total int64

	capped := extents[:0]

	for _, e := range extents {
		if total >= f.length {
			break
		}

		remaining := f.length - total
		if e.Length > remaining {
			e.Length = remaining
		}

		capped = append(capped, e)
		total += e.Length
	}

	return capped, nil
}

// Grow extends the file's logical length to newLength, allocating clusters
// as needed. newLength must be >= the current length.
func (f *File) Grow(newLength int64) error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if newLength < f.length {
		return fmt.Errorf("fatfs: Grow: newLength %d < current length %d", newLength, f.length)
	}

	if newLength == f.length {
		return nil
	}

	chain, err := f.v.fat.chain(f.firstCluster)
	if err != nil {
		return err
	}

	wantClusters := int((newLength + clusterSize - 1) / clusterSize)
	if wantClusters > len(chain) {
		last := chain[len(chain)-1]

		if _, err := f.v.fat.allocChain(wantClusters-len(chain), int32(last)); err != nil {
			return err
		}

		if err := f.v.fat.flush(); err != nil {
			return err
		}
	}

	f.length = newLength

	return f.syncSize()
}

// Truncate shrinks the file's logical length to newLength, freeing any
// clusters no longer needed. newLength must be <= the current length.
func (f *File) Truncate(newLength int64) error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	if newLength > f.length {
		return fmt.Errorf("fatfs: Truncate: newLength %d > current length %d", newLength, f.length)
	}

	wantClusters := int((newLength + clusterSize - 1) / clusterSize)
	if wantClusters < 1 {
		wantClusters = 1
	}

	if err := f.v.fat.truncateChain(f.firstCluster, wantClusters); err != nil {
		return err
	}

	if err := f.v.fat.flush(); err != nil {
		return err
	}

	f.length = newLength

	return f.syncSize()
}

// syncSize persists the file's current length into its directory entry.
// Callers must hold f.v.mu.
func (f *File) syncSize() error {
	return f.v.writeEntryInDir(f.parentDir, dirEntry{
		Name:         f.name,
		FirstCluster: f.firstCluster,
		Size:         uint64(f.length),
	})
}

// Close flushes any pending FAT table writes. File handles carry no other
// buffered state.
func (f *File) Close() error {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()

	return f.v.fat.flush()
}
