package fatfs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/calvinalkan/lethe/pkg/blockdev"
)

// ErrNotExist is returned when a path does not name an existing file or
// directory.
var ErrNotExist = errors.New("fatfs: not exist")

// ErrExist is returned by operations that require a path to be absent.
var ErrExist = errors.New("fatfs: already exists")

// ErrNotDir and ErrIsDir report a path/operation kind mismatch.
var (
	ErrNotDir = errors.New("fatfs: not a directory")
	ErrIsDir  = errors.New("fatfs: is a directory")
)

// Volume is a mounted fatfs file system. All exported methods are safe for
// concurrent use; the caller (pkg/objectstore) additionally serializes
// access with its own outer lock per spec.md §5, but Volume does not rely
// on that for correctness.
type Volume struct {
	mu  sync.Mutex
	dev blockdev.Device
	sb  *superblock
	fat *fatTable
}

// FormatOptions configures a fresh volume at format time.
type FormatOptions struct {
	// RootDirClusters reserves this many clusters for the root directory
	// at format time (it can still grow later).
	RootDirClusters int
}

// DefaultFormatOptions returns sane defaults for a fresh volume.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{RootDirClusters: 1}
}

// OpenOrFormat mounts the FAT-like volume on dev. If dev holds no valid
// superblock, it is formatted first, per spec.md §4.1 ("On open, it
// attempts to mount the existing ... volume; on failure it reformats").
func OpenOrFormat(dev blockdev.Device, opts FormatOptions) (*Volume, error) {
	if v, err := Mount(dev); err == nil {
		return v, nil
	}

	return Format(dev, opts)
}

// Mount mounts an already-formatted volume, failing if the superblock is
// missing or corrupt.
func Mount(dev blockdev.Device) (*Volume, error) {
	sb, err := readSuperblock(dev)
	if err != nil {
		return nil, fmt.Errorf("fatfs: mount: %w", err)
	}

	if sb.TotalBytes != dev.Size() {
		return nil, fmt.Errorf("fatfs: mount: superblock size %d != device size %d", sb.TotalBytes, dev.Size())
	}

	fat, err := loadFATTable(dev, sb.FATOffset, sb.FATClusters)
	if err != nil {
		return nil, fmt.Errorf("fatfs: mount: %w", err)
	}

	return &Volume{dev: dev, sb: sb, fat: fat}, nil
}

// Format reinitializes dev with a fresh, empty volume: 512-byte sectors,
// 4096-byte clusters, per spec.md §4.1.
func Format(dev blockdev.Device, opts FormatOptions) (*Volume, error) {
	if opts.RootDirClusters <= 0 {
		opts.RootDirClusters = 1
	}

	size := dev.Size()
	if size <= blockdev.ReservedPrefix {
		return nil, fmt.Errorf("fatfs: format: device too small (%d bytes)", size)
	}

	usable := size - blockdev.ReservedPrefix
	clusterCount := uint32(usable / clusterSize) // an upper bound; FAT itself eats into this

	fatOffset := int64(blockdev.ReservedPrefix)
	fatBytes := int64(clusterCount) * 4
	dataOffset := fatOffset + roundUpToCluster(fatBytes)

	// FAT entries beyond what actually fits as data clusters are wasted
	// but harmless; recompute the real cluster count from the space left.
	realClusterCount := uint32((size - dataOffset) / clusterSize)
	if realClusterCount < uint32(opts.RootDirClusters)+1 {
		return nil, fmt.Errorf("fatfs: format: device too small for %d root clusters", opts.RootDirClusters)
	}

	sb := &superblock{
		MountID:      1,
		TotalBytes:   size,
		FATOffset:    fatOffset,
		FATClusters:  realClusterCount,
		DataOffset:   dataOffset,
		ClusterCount: realClusterCount,
	}

	fat := &fatTable{dev: dev, offset: fatOffset, entries: make([]uint32, realClusterCount), dirty: true}

	rootFirst, err := fat.allocChain(opts.RootDirClusters, -1)
	if err != nil {
		return nil, fmt.Errorf("fatfs: format: allocate root dir: %w", err)
	}

	sb.RootCluster = rootFirst

	if err := fat.flush(); err != nil {
		return nil, err
	}

	// Zero the root directory's clusters so every slot starts "free".
	zero := make([]byte, clusterSize)

	chain, err := fat.chain(rootFirst)
	if err != nil {
		return nil, err
	}

	for _, cid := range chain {
		if _, err := dev.WriteAt(zero, sb.clusterOffset(cid)); err != nil {
			return nil, fmt.Errorf("fatfs: format: zero root cluster: %w", err)
		}
	}

	if err := writeSuperblock(dev, sb); err != nil {
		return nil, err
	}

	if err := dev.Sync(); err != nil {
		return nil, fmt.Errorf("fatfs: format: sync: %w", err)
	}

	return &Volume{dev: dev, sb: sb, fat: fat}, nil
}

func roundUpToCluster(n int64) int64 {
	if n%clusterSize == 0 {
		return n
	}

	return (n/clusterSize + 1) * clusterSize
}
