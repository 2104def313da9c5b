package harborkv

// statistics.go implements the Statistics interface for collecting database metrics.

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// TickerType represents different types of counters.
type TickerType int

const (
	// TickerBytesWritten is the total bytes of keys and values written.
	TickerBytesWritten TickerType = iota
	// TickerBytesRead is the total bytes of values returned by point reads.
	TickerBytesRead
	// TickerNumberKeysWritten is the count of keys written (puts, deletes, merges).
	TickerNumberKeysWritten
	// TickerNumberKeysRead is the count of point reads.
	TickerNumberKeysRead
	// TickerNumberKeysFound is the count of point reads that found the key.
	TickerNumberKeysFound
	// TickerNumberMerges is the count of merges resolved on the write path.
	TickerNumberMerges
	// TickerNumberMergeFailures is the count of merge operation failures.
	TickerNumberMergeFailures
	// TickerNumberSeek is the count of iterator positioning calls.
	TickerNumberSeek
	// TickerNumberSeekNext is the count of Iterator.Next() calls.
	TickerNumberSeekNext
	// TickerNumberSeekPrev is the count of Iterator.Prev() calls.
	TickerNumberSeekPrev
	// TickerIterBytesRead is the total bytes of keys and values read by iterators.
	TickerIterBytesRead
	// TickerNumberMultiGetCalls is the count of MultiGet calls.
	TickerNumberMultiGetCalls
	// TickerNumberMultiGetKeysRead is the count of keys read in MultiGet.
	TickerNumberMultiGetKeysRead
	// TickerNumberMultiGetKeysFound is the count of keys found in MultiGet.
	TickerNumberMultiGetKeysFound
	// TickerWriteWithWAL is the count of writes with WAL.
	TickerWriteWithWAL
	// TickerWriteWithoutWAL is the count of writes without WAL.
	TickerWriteWithoutWAL
	// TickerWriteSynced is the count of synchronous writes.
	TickerWriteSynced
	// TickerSnapshotsCreated is the count of snapshots taken.
	TickerSnapshotsCreated
	// TickerTxnCommits is the count of committed transactions.
	TickerTxnCommits
	// TickerTxnRollbacks is the count of rolled back transactions.
	TickerTxnRollbacks
	// TickerTxnConflicts is the count of optimistic commits that lost a race.
	TickerTxnConflicts
	// TickerTxnWriteConflicts is the count of pessimistic snapshot validation failures.
	TickerTxnWriteConflicts
	// TickerTxnLockTimeouts is the count of lock waits that timed out.
	TickerTxnLockTimeouts
	// TickerTxnDeadlocks is the count of lock requests refused as deadlocks.
	TickerTxnDeadlocks
	// TickerTxnExpired is the count of commits refused because the transaction expired.
	TickerTxnExpired

	// TickerEnumMax is the maximum ticker type for sizing arrays.
	TickerEnumMax
)

var tickerNames = [TickerEnumMax]string{
	"harborkv.bytes.written",
	"harborkv.bytes.read",
	"harborkv.number.keys.written",
	"harborkv.number.keys.read",
	"harborkv.number.keys.found",
	"harborkv.number.merges",
	"harborkv.number.merge.failures",
	"harborkv.number.seek",
	"harborkv.number.seek.next",
	"harborkv.number.seek.prev",
	"harborkv.iter.bytes.read",
	"harborkv.number.multiget.calls",
	"harborkv.number.multiget.keys.read",
	"harborkv.number.multiget.keys.found",
	"harborkv.write.wal",
	"harborkv.write.nowal",
	"harborkv.write.synced",
	"harborkv.snapshots.created",
	"harborkv.txn.commits",
	"harborkv.txn.rollbacks",
	"harborkv.txn.conflicts",
	"harborkv.txn.write.conflicts",
	"harborkv.txn.lock.timeouts",
	"harborkv.txn.deadlocks",
	"harborkv.txn.expired",
}

// String returns the name of the ticker type.
func (t TickerType) String() string {
	if t >= 0 && t < TickerEnumMax {
		return tickerNames[t]
	}
	return "unknown"
}

// HistogramType represents different types of histograms.
type HistogramType int

const (
	// HistogramDBGet is the histogram for point read latency in microseconds.
	HistogramDBGet HistogramType = iota
	// HistogramDBWrite is the histogram for write latency in microseconds.
	HistogramDBWrite
	// HistogramDBMultiGet is the histogram for MultiGet latency in microseconds.
	HistogramDBMultiGet
	// HistogramTxnCommit is the histogram for transaction commit latency in microseconds.
	HistogramTxnCommit
	// HistogramLockWait is the histogram for lock acquisition time in microseconds.
	HistogramLockWait
	// HistogramBytesPerWrite is the histogram for engine batch sizes.
	HistogramBytesPerWrite
	// HistogramBytesPerRead is the histogram for values returned by point reads.
	HistogramBytesPerRead

	// HistogramEnumMax is the maximum histogram type for sizing arrays.
	HistogramEnumMax
)

var histogramNames = [HistogramEnumMax]string{
	"harborkv.db.get.micros",
	"harborkv.db.write.micros",
	"harborkv.db.multiget.micros",
	"harborkv.txn.commit.micros",
	"harborkv.lock.wait.micros",
	"harborkv.bytes.per.write",
	"harborkv.bytes.per.read",
}

// String returns the name of the histogram type.
func (h HistogramType) String() string {
	if h >= 0 && h < HistogramEnumMax {
		return histogramNames[h]
	}
	return "unknown"
}

// HistogramData contains histogram statistics.
type HistogramData struct {
	Average float64
	Max     float64
	Min     float64
	Count   uint64
	Sum     uint64
}

// Statistics collects and reports database metrics.
type Statistics interface {
	// GetTickerCount returns the current value of a ticker.
	GetTickerCount(tickerType TickerType) uint64

	// RecordTick increments a ticker by count.
	RecordTick(tickerType TickerType, count uint64)

	// SetTickerCount sets the ticker to a specific value.
	SetTickerCount(tickerType TickerType, count uint64)

	// GetHistogramData returns histogram statistics.
	GetHistogramData(histogramType HistogramType) HistogramData

	// MeasureTime records a value to a histogram.
	MeasureTime(histogramType HistogramType, value uint64)

	// Reset clears all statistics.
	Reset()

	// String returns a formatted string of all statistics.
	String() string
}

// statisticsImpl is the default implementation of Statistics.
type statisticsImpl struct {
	tickers    [TickerEnumMax]atomic.Uint64
	histograms [HistogramEnumMax]atomic.Pointer[histogramImpl]
}

// histogramImpl is a lock-free min/max/sum/count histogram.
type histogramImpl struct {
	min   atomic.Uint64
	max   atomic.Uint64
	sum   atomic.Uint64
	count atomic.Uint64
}

func newHistogram() *histogramImpl {
	h := &histogramImpl{}
	h.min.Store(math.MaxUint64)
	return h
}

// NewStatistics creates a new Statistics instance.
func NewStatistics() Statistics {
	s := &statisticsImpl{}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
	return s
}

// GetTickerCount returns the current value of a ticker.
func (s *statisticsImpl) GetTickerCount(tickerType TickerType) uint64 {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return 0
	}
	return s.tickers[tickerType].Load()
}

// RecordTick increments a ticker by count.
func (s *statisticsImpl) RecordTick(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Add(count)
}

// SetTickerCount sets the ticker to a specific value.
func (s *statisticsImpl) SetTickerCount(tickerType TickerType, count uint64) {
	if tickerType < 0 || tickerType >= TickerEnumMax {
		return
	}
	s.tickers[tickerType].Store(count)
}

// GetHistogramData returns histogram statistics.
func (s *statisticsImpl) GetHistogramData(histogramType HistogramType) HistogramData {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return HistogramData{}
	}
	h := s.histograms[histogramType].Load()
	count := h.count.Load()
	if count == 0 {
		return HistogramData{}
	}
	sum := h.sum.Load()
	return HistogramData{
		Count:   count,
		Sum:     sum,
		Min:     float64(h.min.Load()),
		Max:     float64(h.max.Load()),
		Average: float64(sum) / float64(count),
	}
}

// MeasureTime records a value to a histogram.
func (s *statisticsImpl) MeasureTime(histogramType HistogramType, value uint64) {
	if histogramType < 0 || histogramType >= HistogramEnumMax {
		return
	}
	h := s.histograms[histogramType].Load()
	h.count.Add(1)
	h.sum.Add(value)
	for {
		old := h.min.Load()
		if value >= old || h.min.CompareAndSwap(old, value) {
			break
		}
	}
	for {
		old := h.max.Load()
		if value <= old || h.max.CompareAndSwap(old, value) {
			break
		}
	}
}

// Reset clears all statistics.
func (s *statisticsImpl) Reset() {
	for i := range s.tickers {
		s.tickers[i].Store(0)
	}
	for i := range s.histograms {
		s.histograms[i].Store(newHistogram())
	}
}

// String returns a formatted string of all non-zero statistics.
func (s *statisticsImpl) String() string {
	var b strings.Builder
	b.WriteString("TICKERS:\n")
	for i := range TickerEnumMax {
		if count := s.GetTickerCount(i); count > 0 {
			fmt.Fprintf(&b, "  %s : %d\n", i, count)
		}
	}
	b.WriteString("\nHISTOGRAMS:\n")
	for i := range HistogramEnumMax {
		data := s.GetHistogramData(i)
		if data.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %s : count=%d avg=%.2f min=%.0f max=%.0f\n",
			i, data.Count, data.Average, data.Min, data.Max)
	}
	return b.String()
}

// recordTick and measure tolerate a nil Statistics so call sites need no
// checks when statistics are disabled.
func recordTick(s Statistics, t TickerType, n uint64) {
	if s != nil && n > 0 {
		s.RecordTick(t, n)
	}
}

func measureSince(s Statistics, h HistogramType, start time.Time) {
	if s != nil {
		s.MeasureTime(h, uint64(time.Since(start).Microseconds()))
	}
}

func measure(s Statistics, h HistogramType, v uint64) {
	if s != nil {
		s.MeasureTime(h, v)
	}
}
