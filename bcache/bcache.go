package bcache

import (
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/cache"
	"github.com/mit-pdos/go-bcache/device"
)

//
// Block I/O over the buffer cache. Read returns a locked, populated
// buffer; Write pushes a held buffer's contents to its device. Every
// buffer from Read goes back through Release exactly once.
//

var (
	ErrNoDevice   = errors.New("bcache: no such device")
	ErrOutOfRange = errors.New("bcache: block out of range")
	ErrBusy       = errors.New("bcache: device busy")
)

type Bcache struct {
	c    *cache.Cache
	mu   *sync.RWMutex
	devs map[uint64]*device.Timed
}

func MkBcache(c *cache.Cache) *Bcache {
	return &Bcache{
		c:    c,
		mu:   new(sync.RWMutex),
		devs: make(map[uint64]*device.Timed),
	}
}

func (bc *Bcache) Cache() *cache.Cache {
	return bc.c
}

// Attach makes d available as device dev.
func (bc *Bcache) Attach(dev uint64, d disk.Disk) error {
	if dev == cache.NoDev {
		return errors.Wrapf(ErrNoDevice, "reserved device %d", dev)
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if _, ok := bc.devs[dev]; ok {
		return errors.Wrapf(ErrBusy, "device %d already attached", dev)
	}
	bc.devs[dev] = device.MkTimed(dev, d)
	util.DPrintf(1, "Attach: device %d, %d blocks\n", dev, d.Size())
	return nil
}

// Detach forgets device dev and drops its blocks from the cache. It
// fails with ErrBusy while any block of dev is held or pinned.
func (bc *Bcache) Detach(dev uint64) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if _, ok := bc.devs[dev]; !ok {
		return errors.Wrapf(ErrNoDevice, "device %d", dev)
	}
	if err := bc.c.Invalidate(dev); err != nil {
		return errors.Mark(err, ErrBusy)
	}
	delete(bc.devs, dev)
	util.DPrintf(1, "Detach: device %d\n", dev)
	return nil
}

// Device returns the metered disk attached as dev.
func (bc *Bcache) Device(dev uint64) (*device.Timed, error) {
	bc.mu.RLock()
	d, ok := bc.devs[dev]
	bc.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrNoDevice, "device %d", dev)
	}
	return d, nil
}

func (bc *Bcache) Size(dev uint64) (uint64, error) {
	d, err := bc.Device(dev)
	if err != nil {
		return 0, err
	}
	return d.Size(), nil
}

// Read returns the buffer for block bn of dev, locked and populated.
func (bc *Bcache) Read(dev uint64, bn common.Bnum) (*cache.Buf, error) {
	d, err := bc.Device(dev)
	if err != nil {
		return nil, err
	}
	if bn >= d.Size() {
		return nil, errors.Wrapf(ErrOutOfRange, "block %d of device %d (size %d)", bn, dev, d.Size())
	}
	b, err := bc.c.Acquire(cache.MkBlockId(dev, bn))
	if err != nil {
		return nil, err
	}
	if b.Valid() {
		return b, nil
	}
	// Fill under the registry lock so that Detach cannot run between
	// the check and SetValid.
	bc.mu.RLock()
	if bc.devs[dev] != d {
		bc.mu.RUnlock()
		bc.c.Release(b)
		return nil, errors.Wrapf(ErrNoDevice, "device %d detached during read", dev)
	}
	util.DPrintf(10, "Read: fill %v\n", b.Id())
	d.Fill(bn, b.Data())
	b.SetValid()
	bc.mu.RUnlock()
	return b, nil
}

// Write pushes b's contents to its device. The caller must hold b.
func (bc *Bcache) Write(b *cache.Buf) error {
	if !b.Held() {
		panic(errors.AssertionFailedf("Write: buffer %v not held by caller", b.Id()))
	}
	id := b.Id()
	d, err := bc.Device(id.Dev)
	if err != nil {
		return err
	}
	util.DPrintf(10, "Write: %v\n", id)
	d.WriteThrough(id.Blkno, b.Data())
	return nil
}

func (bc *Bcache) Release(b *cache.Buf) {
	bc.c.Release(b)
}

func (bc *Bcache) Pin(b *cache.Buf) {
	bc.c.Pin(b)
}

func (bc *Bcache) Unpin(b *cache.Buf) {
	bc.c.Unpin(b)
}

// Barrier waits until earlier writes to dev are durable.
func (bc *Bcache) Barrier(dev uint64) error {
	d, err := bc.Device(dev)
	if err != nil {
		return err
	}
	d.Sync()
	return nil
}

// WriteStats prints the cache counters followed by one table per
// attached device, in device order.
func (bc *Bcache) WriteStats(w io.Writer) {
	bc.c.WriteStats(w)
	bc.mu.RLock()
	devs := make([]*device.Timed, 0, len(bc.devs))
	for _, d := range bc.devs {
		devs = append(devs, d)
	}
	bc.mu.RUnlock()
	sort.Slice(devs, func(i, j int) bool { return devs[i].Dev() < devs[j].Dev() })
	for _, d := range devs {
		d.WriteStats(w)
	}
}

func (bc *Bcache) ResetStats() {
	bc.c.ResetStats()
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	for _, d := range bc.devs {
		d.ResetStats()
	}
}
