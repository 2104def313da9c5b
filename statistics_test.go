package harborkv

// statistics_test.go implements tests for statistics.

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatisticsBasic(t *testing.T) {
	stats := NewStatistics()

	// Record some tickers
	stats.RecordTick(TickerBytesWritten, 100)
	stats.RecordTick(TickerBytesWritten, 50)
	stats.RecordTick(TickerNumberKeysWritten, 1)

	if got := stats.GetTickerCount(TickerBytesWritten); got != 150 {
		t.Errorf("TickerBytesWritten = %d, want 150", got)
	}
	if got := stats.GetTickerCount(TickerNumberKeysWritten); got != 1 {
		t.Errorf("TickerNumberKeysWritten = %d, want 1", got)
	}
}

func TestStatisticsSetTicker(t *testing.T) {
	stats := NewStatistics()

	stats.SetTickerCount(TickerBytesRead, 1000)
	if got := stats.GetTickerCount(TickerBytesRead); got != 1000 {
		t.Errorf("TickerBytesRead = %d, want 1000", got)
	}

	stats.SetTickerCount(TickerBytesRead, 500)
	if got := stats.GetTickerCount(TickerBytesRead); got != 500 {
		t.Errorf("TickerBytesRead = %d, want 500", got)
	}
}

func TestStatisticsHistogram(t *testing.T) {
	stats := NewStatistics()

	// Record histogram values
	stats.MeasureTime(HistogramDBGet, 100)
	stats.MeasureTime(HistogramDBGet, 200)
	stats.MeasureTime(HistogramDBGet, 300)

	data := stats.GetHistogramData(HistogramDBGet)

	if data.Count != 3 {
		t.Errorf("Count = %d, want 3", data.Count)
	}
	if data.Sum != 600 {
		t.Errorf("Sum = %d, want 600", data.Sum)
	}
	if data.Min != 100 {
		t.Errorf("Min = %f, want 100", data.Min)
	}
	if data.Max != 300 {
		t.Errorf("Max = %f, want 300", data.Max)
	}
	if data.Average != 200 {
		t.Errorf("Average = %f, want 200", data.Average)
	}
}

func TestStatisticsReset(t *testing.T) {
	stats := NewStatistics()

	stats.RecordTick(TickerBytesWritten, 100)
	stats.MeasureTime(HistogramDBGet, 100)

	stats.Reset()

	if got := stats.GetTickerCount(TickerBytesWritten); got != 0 {
		t.Errorf("After reset, TickerBytesWritten = %d, want 0", got)
	}

	data := stats.GetHistogramData(HistogramDBGet)
	if data.Count != 0 {
		t.Errorf("After reset, histogram count = %d, want 0", data.Count)
	}
}

func TestStatisticsConcurrent(t *testing.T) {
	stats := NewStatistics()

	const numGoroutines = 10
	const numOps = 1000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for range numGoroutines {
		go func() {
			defer wg.Done()
			for range numOps {
				stats.RecordTick(TickerBytesWritten, 1)
				stats.MeasureTime(HistogramDBGet, 100)
			}
		}()
	}

	wg.Wait()

	expected := uint64(numGoroutines * numOps)
	if got := stats.GetTickerCount(TickerBytesWritten); got != expected {
		t.Errorf("TickerBytesWritten = %d, want %d", got, expected)
	}

	data := stats.GetHistogramData(HistogramDBGet)
	if data.Count != expected {
		t.Errorf("Histogram count = %d, want %d", data.Count, expected)
	}
}

func TestStatisticsInvalidTypes(t *testing.T) {
	stats := NewStatistics()

	// Invalid ticker type should not panic
	stats.RecordTick(TickerEnumMax, 100)
	stats.RecordTick(-1, 100)
	_ = stats.GetTickerCount(TickerEnumMax)
	_ = stats.GetTickerCount(-1)

	// Invalid histogram type should not panic
	stats.MeasureTime(HistogramEnumMax, 100)
	stats.MeasureTime(-1, 100)
	_ = stats.GetHistogramData(HistogramEnumMax)
	_ = stats.GetHistogramData(-1)
}

func TestTickerTypeString(t *testing.T) {
	tests := []struct {
		ticker TickerType
		want   string
	}{
		{TickerBytesWritten, "harborkv.bytes.written"},
		{TickerBytesRead, "harborkv.bytes.read"},
		{TickerTxnCommits, "harborkv.txn.commits"},
		{TickerTxnLockTimeouts, "harborkv.txn.lock.timeouts"},
	}

	for _, tt := range tests {
		if got := tt.ticker.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.ticker, got, tt.want)
		}
	}

	// Invalid ticker
	if got := TickerEnumMax.String(); got != "unknown" {
		t.Errorf("TickerEnumMax.String() = %q, want 'unknown'", got)
	}
}

func TestHistogramTypeString(t *testing.T) {
	tests := []struct {
		histogram HistogramType
		want      string
	}{
		{HistogramDBGet, "harborkv.db.get.micros"},
		{HistogramDBWrite, "harborkv.db.write.micros"},
		{HistogramLockWait, "harborkv.lock.wait.micros"},
	}

	for _, tt := range tests {
		if got := tt.histogram.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.histogram, got, tt.want)
		}
	}

	// Invalid histogram
	if got := HistogramEnumMax.String(); got != "unknown" {
		t.Errorf("HistogramEnumMax.String() = %q, want 'unknown'", got)
	}
}

func TestStatisticsString(t *testing.T) {
	stats := NewStatistics()

	stats.RecordTick(TickerBytesWritten, 100)
	stats.MeasureTime(HistogramDBGet, 100)

	str := stats.String()
	if !strings.Contains(str, "harborkv.bytes.written : 100") {
		t.Errorf("String() missing recorded ticker:\n%s", str)
	}
	if !strings.Contains(str, "harborkv.db.get.micros : count=1") {
		t.Errorf("String() missing recorded histogram:\n%s", str)
	}
	if strings.Contains(str, "harborkv.bytes.read") {
		t.Errorf("String() lists a zero ticker:\n%s", str)
	}
}

func TestHistogramMinMax(t *testing.T) {
	stats := NewStatistics()

	// Record values in non-sorted order
	stats.MeasureTime(HistogramDBGet, 500)
	stats.MeasureTime(HistogramDBGet, 100)
	stats.MeasureTime(HistogramDBGet, 900)
	stats.MeasureTime(HistogramDBGet, 200)

	data := stats.GetHistogramData(HistogramDBGet)

	if data.Min != 100 {
		t.Errorf("Min = %f, want 100", data.Min)
	}
	if data.Max != 900 {
		t.Errorf("Max = %f, want 900", data.Max)
	}
}

func TestStatisticsEmptyHistogram(t *testing.T) {
	stats := NewStatistics()

	data := stats.GetHistogramData(HistogramDBGet)

	if data.Count != 0 {
		t.Errorf("Empty histogram count = %d, want 0", data.Count)
	}
	if data.Sum != 0 {
		t.Errorf("Empty histogram sum = %d, want 0", data.Sum)
	}
	if data.Average != 0 {
		t.Errorf("Empty histogram average = %f, want 0", data.Average)
	}
}

func TestAllTickerTypes(t *testing.T) {
	stats := NewStatistics()

	// Test all ticker types can be recorded without panicking
	for i := range TickerEnumMax {
		stats.RecordTick(i, 1)
		if got := stats.GetTickerCount(i); got != 1 {
			t.Errorf("GetTickerCount(%d) = %d, want 1", i, got)
		}
	}
}

func TestAllHistogramTypes(t *testing.T) {
	stats := NewStatistics()

	// Test all histogram types can be measured without panicking
	for i := range HistogramEnumMax {
		stats.MeasureTime(i, 100)
		data := stats.GetHistogramData(i)
		if data.Count != 1 {
			t.Errorf("GetHistogramData(%d).Count = %d, want 1", i, data.Count)
		}
	}
}

func TestDBStatistics(t *testing.T) {
	opts := testOptions(EngineLevelDB)
	opts.EnableStatistics = true
	db, err := Open(filepath.Join(t.TempDir(), "db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	stats := db.Statistics()
	if stats == nil {
		t.Fatal("Statistics() = nil with EnableStatistics")
	}

	if err := db.Put([]byte("key"), []byte("value")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.PutWithOptions(&WriteOptions{Sync: true, DisableWAL: true}, []byte("k2"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := db.Get([]byte("key")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	_, _ = db.Get([]byte("missing"))
	db.MultiGet([][]byte{[]byte("key"), []byte("missing")})
	snap, _ := db.NewSnapshot()
	snap.Release()
	it := db.NewIterator(IteratorModeStart)
	for range it.All() {
	}
	it.Close()

	tickers := []struct {
		ticker TickerType
		want   uint64
	}{
		{TickerNumberKeysWritten, 2},
		{TickerNumberKeysRead, 2},
		{TickerNumberKeysFound, 1},
		{TickerWriteWithWAL, 1},
		{TickerWriteWithoutWAL, 1},
		{TickerWriteSynced, 1},
		{TickerNumberMultiGetCalls, 1},
		{TickerNumberMultiGetKeysRead, 2},
		{TickerNumberMultiGetKeysFound, 1},
		{TickerSnapshotsCreated, 1},
		{TickerNumberSeek, 1},
		{TickerNumberSeekNext, 2},
	}
	for _, tt := range tickers {
		if got := stats.GetTickerCount(tt.ticker); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.ticker, got, tt.want)
		}
	}
	if got := stats.GetHistogramData(HistogramDBWrite).Count; got != 2 {
		t.Errorf("write histogram count = %d, want 2", got)
	}
	if v, ok := db.GetProperty(PropertyStats); !ok || !strings.Contains(v, "harborkv.number.keys.written : 2") {
		t.Errorf("stats property = %q, %v", v, ok)
	}
}

func TestStatisticsCollector(t *testing.T) {
	stats := NewStatistics()
	stats.RecordTick(TickerTxnCommits, 3)
	stats.MeasureTime(HistogramDBGet, 10)
	stats.MeasureTime(HistogramDBGet, 30)

	c := NewStatisticsCollector(stats, prometheus.Labels{"db": "test"})
	if n := testutil.CollectAndCount(c); n != int(TickerEnumMax)+int(HistogramEnumMax) {
		t.Errorf("collected %d metrics, want %d", n, int(TickerEnumMax)+int(HistogramEnumMax))
	}

	const want = `
# HELP harborkv_txn_commits_total Ticker harborkv.txn.commits.
# TYPE harborkv_txn_commits_total counter
harborkv_txn_commits_total{db="test"} 3
# HELP harborkv_db_get_micros Histogram harborkv.db.get.micros.
# TYPE harborkv_db_get_micros summary
harborkv_db_get_micros_sum{db="test"} 40
harborkv_db_get_micros_count{db="test"} 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want),
		"harborkv_txn_commits_total", "harborkv_db_get_micros"); err != nil {
		t.Error(err)
	}

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Errorf("Gather: %v", err)
	}
}

func openDatabases() int {
	processEnv.mu.Lock()
	defer processEnv.mu.Unlock()
	return processEnv.refs
}

func cronEntries() int {
	processEnv.mu.Lock()
	defer processEnv.mu.Unlock()
	if processEnv.cron == nil {
		return 0
	}
	return len(processEnv.cron.Entries())
}

func TestProcessEnvRefCount(t *testing.T) {
	base := openDatabases()

	db1 := openTestDB(t, EngineLevelDB)
	db2 := openTestDB(t, EngineBolt)
	if got := openDatabases(); got != base+2 {
		t.Fatalf("open databases = %d, want %d", got, base+2)
	}
	db1.Close()
	db1.Close()
	if got := openDatabases(); got != base+1 {
		t.Errorf("after one Close = %d, want %d", got, base+1)
	}
	db2.Close()
	if got := openDatabases(); got != base {
		t.Errorf("after both Close = %d, want %d", got, base)
	}
}

// Closing a database removes its dump job while other databases keep the
// scheduler running.
func TestStatsDumpJobRemovedOnClose(t *testing.T) {
	dumping := func() *Options {
		opts := testOptions(EngineLevelDB)
		opts.EnableStatistics = true
		opts.StatsDumpPeriodSec = 3600
		return opts
	}
	keeper, err := Open(filepath.Join(t.TempDir(), "keeper"), dumping())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer keeper.Close()
	base := cronEntries()
	if base == 0 {
		t.Fatal("no cron entry for the open database")
	}

	path := filepath.Join(t.TempDir(), "db")
	for i := range 20 {
		db, err := Open(path, dumping())
		if err != nil {
			t.Fatalf("Open #%d: %v", i, err)
		}
		if got := cronEntries(); got != base+1 {
			t.Fatalf("entries while open = %d, want %d", got, base+1)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
	if got := cronEntries(); got != base {
		t.Errorf("entries after 20 open/close cycles = %d, want %d", got, base)
	}

	// The surviving job is still scheduled on the rebuilt scheduler.
	processEnv.mu.Lock()
	_, ok := processEnv.jobs[keeper.statsJob]
	processEnv.mu.Unlock()
	if !ok {
		t.Error("keeper's dump job lost")
	}
}

func TestStatsDumpJob(t *testing.T) {
	opts := testOptions(EngineLevelDB)
	opts.EnableStatistics = true
	opts.StatsDumpPeriodSec = 3600
	db, err := Open(filepath.Join(t.TempDir(), "db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if db.statsJob == nil {
		t.Fatal("stats dump not scheduled")
	}
	// Running the job by hand must not block or panic.
	db.statsJob.Run()
	db.Close()
	if !db.statsJob.stopped.Load() {
		t.Error("job not stopped by Close")
	}
	db.statsJob.Run()
}
