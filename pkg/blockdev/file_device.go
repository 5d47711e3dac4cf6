package blockdev

import (
	"fmt"
	"os"

	fsx "github.com/calvinalkan/lethe/pkg/fs"
)

// FileDevice is a [Device] backed by a regular file, opened through
// [pkg/fs.FS] the same way the teacher's Store opens its WAL and index
// files through [fs.Real].
type FileDevice struct {
	fsys     fsx.FS
	file     fsx.File
	capacity int64
}

// OpenFileDevice opens or creates path as a fixed-capacity block device.
// If the file is shorter than capacity, it is extended (sparsely) to that
// length; it is never truncated if already larger.
func OpenFileDevice(fsys fsx.FS, path string, capacity int64) (*FileDevice, error) {
	if fsys == nil {
		fsys = fsx.NewReal()
	}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %q: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("blockdev: stat %q: %w", path, err)
	}

	size := info.Size()
	if size < capacity {
		if err := f.Truncate(capacity); err != nil {
			_ = f.Close()

			return nil, fmt.Errorf("blockdev: grow %q to %d bytes: %w", path, capacity, err)
		}

		size = capacity
	}

	return &FileDevice{fsys: fsys, file: f, capacity: size}, nil
}

func (d *FileDevice) Size() int64 { return d.capacity }

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.file.ReadAt(p, off)
}

func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.file.WriteAt(p, off)
}

func (d *FileDevice) Sync() error { return d.file.Sync() }

func (d *FileDevice) Close() error { return d.file.Close() }
