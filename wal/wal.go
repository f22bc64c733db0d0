package wal

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"
	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/cache"
)

// A redo log in a fixed region of one device. The first block of the
// region is the header: a count followed by the home block numbers
// of the logged blocks, which occupy the following blocks in order.
// A transaction is committed once a header with a non-zero count is
// on disk.
//
// Blocks written by a transaction stay pinned in the buffer cache
// until they are installed at their home location.

const MaxOpBlocks uint64 = 10 // most blocks one operation may write
const LogSize uint64 = 3 * MaxOpBlocks

const HDRADDRS = (disk.BlockSize - 8) / 8

var ErrTooBig = errors.New("wal: transaction too big")

// ErrCacheTooSmall means the buffer cache cannot hold a full
// transaction pinned plus the two buffers a commit copies through.
var ErrCacheTooSmall = errors.New("wal: buffer cache too small for log")

type Log struct {
	bc    *bcache.Bcache
	dev   uint64
	start common.Bnum // header block
	size  uint64      // header plus log blocks

	mu          *sync.Mutex
	cond        *sync.Cond
	outstanding uint64
	committing  bool
	blocks      []common.Bnum
	pinned      map[common.Bnum]*cache.Buf
}

// Open places a log of size blocks at start on dev and replays any
// committed transaction found there.
func Open(bc *bcache.Bcache, dev uint64, start common.Bnum, size uint64) (*Log, error) {
	if size < MaxOpBlocks+1 || size-1 > HDRADDRS {
		return nil, errors.Newf("wal: bad log size %d", size)
	}
	if nbuf := uint64(bc.Cache().NBuf()); nbuf < size+1 {
		return nil, errors.Wrapf(ErrCacheTooSmall, "%d buffers for a log of %d blocks", nbuf, size)
	}
	devsz, err := bc.Size(dev)
	if err != nil {
		return nil, err
	}
	if start+size > devsz {
		return nil, errors.Newf("wal: log [%d,%d) beyond device size %d", start, start+size, devsz)
	}
	mu := new(sync.Mutex)
	l := &Log{
		bc:     bc,
		dev:    dev,
		start:  start,
		size:   size,
		mu:     mu,
		cond:   sync.NewCond(mu),
		pinned: make(map[common.Bnum]*cache.Buf),
	}
	util.DPrintf(1, "wal.Open: dev %d start %d size %d\n", dev, start, size)
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) capacity() uint64 {
	return l.size - 1
}

// Begin starts an operation, waiting until the log has room for
// MaxOpBlocks more blocks and no commit is in progress.
func (l *Log) Begin() {
	l.mu.Lock()
	for l.committing ||
		uint64(len(l.blocks))+(l.outstanding+1)*MaxOpBlocks > l.capacity() {
		l.cond.Wait()
	}
	l.outstanding++
	l.mu.Unlock()
}

// Write adds b, which the caller holds and has modified, to the
// current transaction instead of writing it to the device. The block
// is pinned until the transaction is installed.
func (l *Log) Write(b *cache.Buf) error {
	id := b.Id()
	if id.Dev != l.dev {
		return errors.Newf("wal: block %v not on log device %d", id, l.dev)
	}
	if id.Blkno >= l.start && id.Blkno < l.start+l.size {
		return errors.Newf("wal: block %v inside the log", id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outstanding == 0 {
		panic("wal.Write outside of an operation")
	}
	if _, ok := l.pinned[id.Blkno]; ok {
		// absorbed
		return nil
	}
	if uint64(len(l.blocks)) >= l.capacity() {
		return errors.Wrapf(ErrTooBig, "logging %v", id)
	}
	l.bc.Pin(b)
	l.blocks = append(l.blocks, id.Blkno)
	l.pinned[id.Blkno] = b
	return nil
}

// End finishes an operation. The last outstanding operation commits
// the transaction. Callers must have released every buffer they read
// before calling End.
func (l *Log) End() error {
	l.mu.Lock()
	if l.outstanding == 0 || l.committing {
		l.mu.Unlock()
		panic("wal.End without Begin")
	}
	l.outstanding--
	if l.outstanding > 0 {
		// Begin may be waiting for the space this operation reserved
		l.cond.Broadcast()
		l.mu.Unlock()
		return nil
	}
	l.committing = true
	blocks := l.blocks
	pinned := l.pinned
	l.blocks = nil
	l.pinned = make(map[common.Bnum]*cache.Buf)
	l.mu.Unlock()

	err := l.commit(blocks, pinned)

	l.mu.Lock()
	l.committing = false
	l.cond.Broadcast()
	l.mu.Unlock()
	return err
}

func (l *Log) commit(blocks []common.Bnum, pinned map[common.Bnum]*cache.Buf) error {
	if len(blocks) == 0 {
		return nil
	}
	defer func() {
		for _, bn := range blocks {
			l.bc.Unpin(pinned[bn])
		}
	}()
	util.DPrintf(1, "wal.commit: %d blocks %v\n", len(blocks), blocks)
	if err := l.writeLog(blocks); err != nil {
		return err
	}
	if err := l.writeHead(blocks); err != nil {
		return err
	}
	if err := l.install(blocks); err != nil {
		return err
	}
	return l.writeHead(nil)
}

// copyBlock copies block from to block to on the log device through
// the cache and writes to to the device.
func (l *Log) copyBlock(from, to common.Bnum) error {
	src, err := l.bc.Read(l.dev, from)
	if err != nil {
		return err
	}
	dst, err := l.bc.Read(l.dev, to)
	if err != nil {
		l.bc.Release(src)
		return err
	}
	copy(dst.Data(), src.Data())
	err = l.bc.Write(dst)
	l.bc.Release(dst)
	l.bc.Release(src)
	return err
}

func (l *Log) writeLog(blocks []common.Bnum) error {
	for i, bn := range blocks {
		if err := l.copyBlock(bn, l.start+1+uint64(i)); err != nil {
			return err
		}
	}
	return l.bc.Barrier(l.dev)
}

func (l *Log) install(blocks []common.Bnum) error {
	for i, bn := range blocks {
		if err := l.copyBlock(l.start+1+uint64(i), bn); err != nil {
			return err
		}
	}
	return l.bc.Barrier(l.dev)
}

func encodeHdr(blocks []common.Bnum) []byte {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(uint64(len(blocks)))
	for _, bn := range blocks {
		enc.PutInt(bn)
	}
	return enc.Finish()
}

func (l *Log) writeHead(blocks []common.Bnum) error {
	hb, err := l.bc.Read(l.dev, l.start)
	if err != nil {
		return err
	}
	copy(hb.Data(), encodeHdr(blocks))
	err = l.bc.Write(hb)
	l.bc.Release(hb)
	if err != nil {
		return err
	}
	return l.bc.Barrier(l.dev)
}

func (l *Log) readHead() ([]common.Bnum, error) {
	hb, err := l.bc.Read(l.dev, l.start)
	if err != nil {
		return nil, err
	}
	defer l.bc.Release(hb)
	dec := marshal.NewDec(hb.Data())
	n := dec.GetInt()
	if n > l.capacity() {
		return nil, errors.Newf("wal: corrupt header, %d blocks in a log of %d", n, l.capacity())
	}
	blocks := make([]common.Bnum, n)
	for i := range blocks {
		blocks[i] = dec.GetInt()
	}
	return blocks, nil
}

func (l *Log) recover() error {
	blocks, err := l.readHead()
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}
	util.DPrintf(1, "wal.recover: replaying %d blocks\n", len(blocks))
	if err := l.install(blocks); err != nil {
		return err
	}
	return l.writeHead(nil)
}
