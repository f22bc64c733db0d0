package device

import (
	"fmt"
	"io"
	"time"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-bcache/util/stats"
)

// Timed is the disk behind one attached device number. It meters two
// kinds of traffic separately: the buffer cache's own (Fill on a miss,
// WriteThrough of a held buffer, Sync) and raw disk.Disk calls made by
// anyone who uses the device directly.
type Timed struct {
	dev uint64
	d   disk.Disk
	ops [numOps]stats.Op
}

func MkTimed(dev uint64, d disk.Disk) *Timed {
	return &Timed{dev: dev, d: d}
}

const (
	fillOp int = iota
	writeThroughOp
	syncOp
	rawReadOp
	rawWriteOp
	rawBarrierOp
	numOps
)

var opNames = [numOps]string{"fill", "write-through", "sync", "raw.Read", "raw.Write", "raw.Barrier"}

var _ disk.Disk = &Timed{}

func (d *Timed) Dev() uint64 {
	return d.dev
}

// Fill reads block a into a cache buffer that holds no valid data.
func (d *Timed) Fill(a uint64, b disk.Block) {
	defer d.ops[fillOp].Record(time.Now())
	d.d.ReadTo(a, b)
}

// WriteThrough writes a cache buffer back to block a.
func (d *Timed) WriteThrough(a uint64, b disk.Block) {
	defer d.ops[writeThroughOp].Record(time.Now())
	d.d.Write(a, b)
}

// Sync waits for earlier write-throughs to be durable.
func (d *Timed) Sync() {
	defer d.ops[syncOp].Record(time.Now())
	d.d.Barrier()
}

func (d *Timed) ReadTo(a uint64, b disk.Block) {
	defer d.ops[rawReadOp].Record(time.Now())
	d.d.ReadTo(a, b)
}

func (d *Timed) Read(a uint64) disk.Block {
	buf := make(disk.Block, disk.BlockSize)
	d.ReadTo(a, buf)
	return buf
}

func (d *Timed) Write(a uint64, b disk.Block) {
	defer d.ops[rawWriteOp].Record(time.Now())
	d.d.Write(a, b)
}

func (d *Timed) Barrier() {
	defer d.ops[rawBarrierOp].Record(time.Now())
	d.d.Barrier()
}

func (d *Timed) Size() uint64 {
	return d.d.Size()
}

func (d *Timed) Close() {
	d.d.Close()
}

// Fills counts cache misses served from this device.
func (d *Timed) Fills() uint64 {
	return d.ops[fillOp].Count()
}

func (d *Timed) WriteThroughs() uint64 {
	return d.ops[writeThroughOp].Count()
}

// RawReads counts reads that bypassed the cache.
func (d *Timed) RawReads() uint64 {
	return d.ops[rawReadOp].Count()
}

func (d *Timed) WriteStats(w io.Writer) {
	names := make([]string, numOps)
	for i, name := range opNames {
		names[i] = fmt.Sprintf("dev%d.%s", d.dev, name)
	}
	stats.WriteTable(names, d.ops[:], w)
}

func (d *Timed) ResetStats() {
	for i := range d.ops {
		d.ops[i].Reset()
	}
}
