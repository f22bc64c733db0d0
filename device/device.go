// Package device adapts block devices for the buffer cache. A device
// is a goose disk.Disk: synchronous, one block at a time.
package device

import (
	"github.com/cockroachdb/errors"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
)

// Open returns an in-memory disk when path is empty and a file-backed
// one otherwise.
func Open(path string, blocks uint64) (disk.Disk, error) {
	if blocks == 0 {
		return nil, errors.New("device: zero-sized disk")
	}
	if path == "" {
		util.DPrintf(1, "device: MemDisk %d blocks\n", blocks)
		return disk.NewMemDisk(blocks), nil
	}
	d, err := disk.NewFileDisk(path, blocks)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create disk %s", path)
	}
	util.DPrintf(1, "device: FileDisk %s %d blocks\n", path, blocks)
	return d, nil
}

// Zero overwrites every block of d with zeros.
func Zero(d disk.Disk) {
	zeroblock := make(disk.Block, disk.BlockSize)
	sz := d.Size()
	for i := uint64(0); i < sz; i++ {
		d.Write(i, zeroblock)
	}
	d.Barrier()
}
