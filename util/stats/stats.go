// package stats tracks operation counts and latencies
package stats

import (
	"bytes"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rodaine/table"
)

type Op struct {
	count atomic.Uint64
	nanos atomic.Uint64
}

func (op *Op) Record(start time.Time) {
	op.count.Add(1)
	op.nanos.Add(uint64(time.Since(start).Nanoseconds()))
}

func (op *Op) Reset() {
	op.count.Store(0)
	op.nanos.Store(0)
}

func (op *Op) Count() uint64 {
	return op.count.Load()
}

func microsPerOp(count, nanos uint64) float64 {
	if count == 0 {
		return 0
	}
	return float64(nanos) / float64(count) / 1e3
}

func WriteTable(names []string, ops []Op, w io.Writer) {
	if len(names) != len(ops) {
		panic("mismatched names and ops lists")
	}
	tbl := table.New("op", "count", "us").WithWriter(w)
	var totalCount, totalNanos uint64
	for i, name := range names {
		count := ops[i].count.Load()
		nanos := ops[i].nanos.Load()
		totalCount += count
		totalNanos += nanos
		tbl.AddRow(name, count, fmt.Sprintf("%0.1f us/op", microsPerOp(count, nanos)))
	}
	tbl.AddRow("total", totalCount, fmt.Sprintf("%0.1f us", float64(totalNanos)/1e3))
	tbl.Print()
}

// WriteCounts prints plain event counters, one row per name.
func WriteCounts(title string, names []string, counts []uint64, w io.Writer) {
	if len(names) != len(counts) {
		panic("mismatched names and counts lists")
	}
	tbl := table.New(title, "count").WithWriter(w)
	for i, name := range names {
		tbl.AddRow(name, counts[i])
	}
	tbl.Print()
}

func FormatTable(names []string, ops []Op) string {
	buf := new(bytes.Buffer)
	WriteTable(names, ops, buf)
	return buf.String()
}
