package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mit-pdos/go-journal/util"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
	"github.com/tchajed/goose/machine"
	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/cache"
	"github.com/mit-pdos/go-bcache/config"
	"github.com/mit-pdos/go-bcache/device"
	"github.com/mit-pdos/go-bcache/wal"
)

const dev uint64 = 1

// Each block of the working set holds its own block number and a
// version that every operation increments.
func blockStamp(b *cache.Buf) (uint64, uint64) {
	d := b.Data()
	return machine.UInt64Get(d[0:8]), machine.UInt64Get(d[8:16])
}

func setStamp(b *cache.Buf, bn, version uint64) {
	d := b.Data()
	machine.UInt64Put(d[0:8], bn)
	machine.UInt64Put(d[8:16], version)
}

type bench struct {
	cfg  config.Config
	bc   *bcache.Bcache
	log  *wal.Log
	base uint64 // first block of the working set
}

// rmw reads blkno, bumps its version and hands the buffer to write.
func (bn *bench) rmw(blkno uint64, write func(*cache.Buf) error) error {
	b, err := bn.bc.Read(dev, blkno)
	if err != nil {
		return err
	}
	defer bn.bc.Release(b)
	stamped, version := blockStamp(b)
	if version != 0 && stamped != blkno {
		return errors.Newf("block %d holds the stamp of block %d", blkno, stamped)
	}
	setStamp(b, blkno, version+1)
	return write(b)
}

func (bn *bench) update(blkno uint64) error {
	if bn.log == nil {
		return bn.rmw(blkno, bn.bc.Write)
	}
	bn.log.Begin()
	err := bn.rmw(blkno, bn.log.Write)
	if endErr := bn.log.End(); err == nil {
		err = endErr
	}
	return err
}

func (bn *bench) client(ops int) error {
	for i := 0; i < ops; i++ {
		blkno := bn.base + machine.RandomUint64()%bn.cfg.Blocks
		if err := bn.update(blkno); err != nil {
			return err
		}
	}
	return nil
}

func (bn *bench) run() (time.Duration, error) {
	var g errgroup.Group
	start := time.Now()
	for i := 0; i < bn.cfg.Threads; i++ {
		g.Go(func() error {
			return bn.client(bn.cfg.Ops)
		})
	}
	err := g.Wait()
	return time.Since(start), err
}

// verify checks that the versions of all blocks add up to the number
// of updates performed.
func (bn *bench) verify() error {
	var total uint64
	for i := uint64(0); i < bn.cfg.Blocks; i++ {
		b, err := bn.bc.Read(dev, bn.base+i)
		if err != nil {
			return err
		}
		_, version := blockStamp(b)
		total += version
		bn.bc.Release(b)
	}
	want := uint64(bn.cfg.Threads) * uint64(bn.cfg.Ops)
	if total != want {
		return errors.Newf("lost updates: %d versions for %d updates", total, want)
	}
	return nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	flags := flag.NewFlagSet("bcache-bench", flag.ExitOnError)
	configPath := flags.String("config", "", "JSONC config file")
	envFile := flags.String("env", ".env", "env file")
	nbuf := flags.Int("nbuf", 0, "number of cache buffers")
	nshard := flags.Int("nshard", 0, "number of cache shards")
	policy := flags.String("policy", "", "victim policy (local-first, global-only)")
	exhaust := flags.String("exhaust", "", "on exhaustion: panic, error or wait")
	threads := flags.Int("threads", 0, "number of worker threads")
	ops := flags.Int("ops", 0, "updates per thread")
	blocks := flags.Uint64("blocks", 0, "working set in blocks")
	diskfile := flags.String("disk", "", "disk image (empty for MemDisk)")
	diskBlocks := flags.Uint64("disk-blocks", 0, "disk size in blocks")
	useLog := flags.Bool("log", false, "update blocks through the write-ahead log")
	dumpStats := flags.Bool("stats", false, "print cache and disk stats at the end")
	statsOut := flags.String("stats-out", "", "also write stats to this file")
	debug := flags.Uint64("debug", 0, "debug level (higher is more verbose)")
	flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}
	if flags.Changed("nbuf") {
		cfg.NBuf = *nbuf
	}
	if flags.Changed("nshard") {
		cfg.NShard = *nshard
	}
	if flags.Changed("policy") {
		cfg.Policy = *policy
	}
	if flags.Changed("exhaust") {
		cfg.OnExhaust = *exhaust
	}
	if flags.Changed("threads") {
		cfg.Threads = *threads
	}
	if flags.Changed("ops") {
		cfg.Ops = *ops
	}
	if flags.Changed("blocks") {
		cfg.Blocks = *blocks
	}
	if flags.Changed("disk") {
		cfg.DiskFile = *diskfile
	}
	if flags.Changed("disk-blocks") {
		cfg.DiskBlocks = *diskBlocks
	}
	if flags.Changed("log") {
		cfg.UseLog = *useLog
	}
	if flags.Changed("debug") {
		cfg.Debug = *debug
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	util.Debug = cfg.Debug

	cc, err := cfg.CacheConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid cache config")
	}
	c, err := cache.MkCache(cc)
	if err != nil {
		log.Fatal().Err(err).Msg("creating cache")
	}

	d, err := device.Open(cfg.DiskFile, cfg.DiskBlocks)
	if err != nil {
		log.Fatal().Err(err).Msg("opening disk")
	}
	defer d.Close()
	if cfg.DiskFile != "" {
		device.Zero(d)
	}
	bc := bcache.MkBcache(c)
	if err := bc.Attach(dev, d); err != nil {
		log.Fatal().Err(err).Msg("attaching disk")
	}

	bn := &bench{cfg: cfg, bc: bc}
	if cfg.UseLog {
		// shrink the log to what the cache can keep pinned
		size := wal.LogSize + 1
		if n := uint64(cc.NBuf) - 1; n < size {
			size = n
		}
		bn.log, err = wal.Open(bc, dev, 0, size)
		if err != nil {
			log.Fatal().Err(err).Int("nbuf", cc.NBuf).Msg("opening log")
		}
		bn.base = size
		if bn.base+cfg.Blocks > cfg.DiskBlocks {
			log.Fatal().Uint64("blocks", cfg.Blocks).Msg("working set overlaps the log")
		}
	}

	log.Info().
		Int("nbuf", cc.NBuf).
		Int("nshard", cc.NShard).
		Str("policy", cc.Policy.String()).
		Str("exhaust", cc.OnExhaust.String()).
		Int("threads", cfg.Threads).
		Bool("log", cfg.UseLog).
		Msg("starting")

	elapsed, err := bn.run()
	if err != nil {
		log.Fatal().Err(err).Msg("bench failed")
	}
	if err := bn.verify(); err != nil {
		log.Fatal().Err(err).Msg("verify failed")
	}
	if err := c.Check(); err != nil {
		log.Fatal().Err(err).Msg("cache invariants violated")
	}

	nops := cfg.Threads * cfg.Ops
	fmt.Printf("bcache-bench: %v %v ops/sec\n", cfg.Threads, float64(nops)/elapsed.Seconds())

	if *dumpStats || *statsOut != "" {
		buf := new(bytes.Buffer)
		bc.WriteStats(buf)
		if *dumpStats {
			os.Stderr.Write(buf.Bytes())
		}
		if *statsOut != "" {
			if err := atomic.WriteFile(*statsOut, bytes.NewReader(buf.Bytes())); err != nil {
				log.Fatal().Err(err).Str("path", *statsOut).Msg("writing stats")
			}
		}
	}
}
