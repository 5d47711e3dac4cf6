package fatfs

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/calvinalkan/lethe/pkg/blockdev"
)

// superblockMagic identifies a formatted volume. 512-byte sector size and
// 4096-byte cluster size are fixed by spec.md §6.
const superblockMagic = "LETHEFAT"

const (
	sectorSize    = blockdev.SectorSize
	clusterSize   = ClusterSize
	superblockLen = 64
)

// superblock is the on-disk boot record, stored at device offset 0 (inside
// spec.md's 1024-byte reserved prefix, so it never collides with page ID
// space).
type superblock struct {
	MountID      uint32 // set to 1 by Format; stored and loaded but not otherwise used
	TotalBytes   int64
	FATOffset    int64
	FATClusters  uint32 // number of entries (== total data clusters)
	RootCluster  uint32 // first cluster of the root directory chain
	DataOffset   int64  // first byte of cluster 0
	ClusterCount uint32
}

var errBadMagic = errors.New("fatfs: bad superblock magic")

func (s *superblock) marshal() []byte {
	buf := make([]byte, superblockLen)
	copy(buf[0:8], superblockMagic)
	binary.BigEndian.PutUint32(buf[8:12], s.MountID)
	binary.BigEndian.PutUint64(buf[12:20], uint64(s.TotalBytes))
	binary.BigEndian.PutUint64(buf[20:28], uint64(s.FATOffset))
	binary.BigEndian.PutUint32(buf[28:32], s.FATClusters)
	binary.BigEndian.PutUint32(buf[32:36], s.RootCluster)
	binary.BigEndian.PutUint64(buf[40:48], uint64(s.DataOffset))
	binary.BigEndian.PutUint32(buf[48:52], s.ClusterCount)

	return buf
}

func (s *superblock) unmarshal(buf []byte) error {
	if len(buf) < superblockLen || string(buf[0:8]) != superblockMagic {
		return errBadMagic
	}

	s.MountID = binary.BigEndian.Uint32(buf[8:12])
	s.TotalBytes = int64(binary.BigEndian.Uint64(buf[12:20]))
	s.FATOffset = int64(binary.BigEndian.Uint64(buf[20:28]))
	s.FATClusters = binary.BigEndian.Uint32(buf[28:32])
	s.RootCluster = binary.BigEndian.Uint32(buf[32:36])
	s.DataOffset = int64(binary.BigEndian.Uint64(buf[40:48]))
	s.ClusterCount = binary.BigEndian.Uint32(buf[48:52])

	return nil
}

// clusterOffset returns the device byte offset of cluster id.
func (s *superblock) clusterOffset(id uint32) int64 {
	return s.DataOffset + int64(id)*clusterSize
}

func readSuperblock(dev blockdev.Device) (*superblock, error) {
	buf := make([]byte, superblockLen)
	if _, err := dev.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("fatfs: read superblock: %w", err)
	}

	sb := &superblock{}
	if err := sb.unmarshal(buf); err != nil {
		return nil, err
	}

	return sb, nil
}

func writeSuperblock(dev blockdev.Device, sb *superblock) error {
	if _, err := dev.WriteAt(sb.marshal(), 0); err != nil {
		return fmt.Errorf("fatfs: write superblock: %w", err)
	}

	return nil
}
