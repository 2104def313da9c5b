package harborkv

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "options.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWriteAndReadOptionsFile(t *testing.T) {
	opts := DefaultOptions()
	opts.Engine = EngineBolt
	opts.CreateIfMissing = true
	opts.EnableStatistics = true
	opts.StatsDumpPeriodSec = 0
	opts.WriteBufferSize = 8 << 20
	opts.MergeOperator = &UInt64AddOperator{}

	logs := DefaultColumnFamilyOptions()
	logs.Compression = ZstdCompression
	logs.CompressionMinSize = 0
	logs.MergeOperator = &StringAppendOperator{Delimiter: ","}
	descs := []ColumnFamilyDescriptor{
		{Name: DefaultColumnFamilyName, Options: DefaultColumnFamilyOptions()},
		{Name: "logs", Options: logs},
	}

	tdbOpts := DefaultTransactionDBOptions()
	tdbOpts.NumStripes = 8
	tdbOpts.TransactionLockTimeout = 250 * time.Millisecond

	var buf bytes.Buffer
	n, err := NewOptionsFile(opts, descs, tdbOpts).WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("WriteTo returned %d, wrote %d bytes", n, buf.Len())
	}
	for _, want := range []string{`engine = "bolt"`, `lock_timeout = "250ms"`, `[column_families.logs]`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("encoded file missing %q:\n%s", want, buf.String())
		}
	}

	f, err := ReadOptionsFile(writeFile(t, buf.String()))
	if err != nil {
		t.Fatalf("ReadOptionsFile: %v", err)
	}
	got, err := f.Options()
	if err != nil {
		t.Fatal(err)
	}
	if got.Engine != EngineBolt || !got.CreateIfMissing || !got.EnableStatistics {
		t.Errorf("options = %+v", got)
	}
	if got.StatsDumpPeriodSec != 0 {
		t.Errorf("StatsDumpPeriodSec = %d, want 0", got.StatsDumpPeriodSec)
	}
	if got.WriteBufferSize != 8<<20 {
		t.Errorf("WriteBufferSize = %d", got.WriteBufferSize)
	}
	if _, ok := got.MergeOperator.(*UInt64AddOperator); !ok {
		t.Errorf("MergeOperator = %T", got.MergeOperator)
	}

	if names := f.ColumnFamilyNames(); strings.Join(names, ",") != "default,logs" {
		t.Errorf("ColumnFamilyNames = %v", names)
	}
	cfo, err := f.ColumnFamilyOptions("logs")
	if err != nil {
		t.Fatal(err)
	}
	if cfo.Compression != ZstdCompression || cfo.CompressionMinSize != 0 {
		t.Errorf("logs options = %+v", cfo)
	}
	if _, ok := cfo.MergeOperator.(*StringAppendOperator); !ok {
		t.Errorf("logs MergeOperator = %T", cfo.MergeOperator)
	}

	to := f.TransactionDBOptions()
	if to.NumStripes != 8 || to.TransactionLockTimeout != 250*time.Millisecond || to.DefaultLockTimeout != time.Second {
		t.Errorf("transaction options = %+v", to)
	}
}

func TestOptionsFileDefaults(t *testing.T) {
	f, err := ReadOptionsFile(writeFile(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	opts, err := f.Options()
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultOptions()
	if opts.Engine != def.Engine || opts.StatsDumpPeriodSec != def.StatsDumpPeriodSec || opts.MergeOperator != nil {
		t.Errorf("empty file options = %+v", opts)
	}
	cfo, err := f.ColumnFamilyOptions("anything")
	if err != nil {
		t.Fatal(err)
	}
	if cfo != DefaultColumnFamilyOptions() {
		t.Errorf("unconfigured family options = %+v", cfo)
	}
	if to := f.TransactionDBOptions(); *to != *DefaultTransactionDBOptions() {
		t.Errorf("transaction options = %+v", to)
	}

	// An unset transaction table is left out when written.
	var buf bytes.Buffer
	if _, err := NewOptionsFile(nil, nil, nil).WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "[transaction]") {
		t.Errorf("empty transaction table written:\n%s", buf.String())
	}
}

func TestReadOptionsFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		stage   string
	}{
		{"unknown key", "engine = \"leveldb\"\nmax_open_files = 10\n", "read"},
		{"syntax", "engine = \n", "read"},
		{"bad duration", "[transaction]\nlock_timeout = \"later\"\n", "read"},
		{"bad engine", "engine = \"rocks\"\n", "options"},
		{"bad merge operator", "merge_operator = \"concat\"\n", "options"},
		{"bad compression", "[column_families.x]\ncompression = \"brotli\"\n", "family"},
		{"bad family merge operator", "[column_families.x]\nmerge_operator = \"concat\"\n", "family"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ReadOptionsFile(writeFile(t, tt.content))
			if tt.stage == "read" {
				if err == nil {
					t.Fatal("ReadOptionsFile succeeded")
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadOptionsFile: %v", err)
			}
			_, oerr := f.Options()
			_, ferr := f.ColumnFamilyOptions("x")
			if (tt.stage == "options") != (oerr != nil) || (tt.stage == "family") != (ferr != nil) {
				t.Errorf("Options err = %v, ColumnFamilyOptions err = %v", oerr, ferr)
			}
		})
	}

	if _, err := ReadOptionsFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestOpenFromOptionsFile(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine EngineType) {
		f, err := ReadOptionsFile(writeFile(t, `
engine = "`+string(engine)+`"
create_if_missing = true
create_missing_column_families = false

[column_families.counters]
merge_operator = "uint64add"
`))
		if err == nil {
			t.Fatal("unknown key create_missing_column_families accepted")
		}

		f, err = ReadOptionsFile(writeFile(t, `
engine = "`+string(engine)+`"
create_if_missing = true

[column_families.counters]
merge_operator = "uint64add"
`))
		if err != nil {
			t.Fatal(err)
		}
		opts, err := f.Options()
		if err != nil {
			t.Fatal(err)
		}
		db, err := Open(filepath.Join(t.TempDir(), "db"), opts)
		if err != nil {
			t.Fatal(err)
		}
		defer db.Close()

		cfo, err := f.ColumnFamilyOptions("counters")
		if err != nil {
			t.Fatal(err)
		}
		counters, err := db.CreateColumnFamily("counters", cfo)
		if err != nil {
			t.Fatal(err)
		}
		for range 3 {
			if err := db.MergeCF(counters, []byte("n"), EncodeUint64(2)); err != nil {
				t.Fatal(err)
			}
		}
		v, err := db.GetCF(counters, []byte("n"))
		if err != nil {
			t.Fatal(err)
		}
		if n, _ := DecodeUint64(v); n != 6 {
			t.Errorf("counter = %d, want 6", n)
		}
	})
}
