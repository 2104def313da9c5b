package harborkv

// options_file.go reads and writes TOML options files.
//
// Format:
//
//	engine = "leveldb"
//	create_if_missing = true
//	merge_operator = "uint64add"
//
//	[column_families.users]
//	compression = "zstd"
//	compression_min_size = 32
//
//	[transaction]
//	num_stripes = 32
//	lock_timeout = "250ms"

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aalhour/harborkv/internal/compression"
)

// OptionsFile is the decoded form of an options file. Zero fields keep the
// defaults of DefaultOptions, DefaultColumnFamilyOptions and
// DefaultTransactionDBOptions.
type OptionsFile struct {
	Engine              string                             `toml:"engine,omitempty"`
	CreateIfMissing     bool                               `toml:"create_if_missing,omitempty"`
	ErrorIfExists       bool                               `toml:"error_if_exists,omitempty"`
	ParanoidChecks      bool                               `toml:"paranoid_checks,omitempty"`
	WriteBufferSize     int                                `toml:"write_buffer_size,omitzero"`
	BlockCacheCapacity  int                                `toml:"block_cache_capacity,omitzero"`
	BoltInitialMmapSize int                                `toml:"bolt_initial_mmap_size,omitzero"`
	EnableStatistics    bool                               `toml:"enable_statistics,omitempty"`
	StatsDumpPeriodSec  *uint                              `toml:"stats_dump_period_sec,omitempty"`
	MergeOperator       string                             `toml:"merge_operator,omitempty"`
	ColumnFamilies      map[string]ColumnFamilyOptionsFile `toml:"column_families,omitempty"`
	Transaction         *TransactionOptionsFile            `toml:"transaction,omitempty"`
}

// ColumnFamilyOptionsFile is the [column_families.<name>] table.
type ColumnFamilyOptionsFile struct {
	Compression        string `toml:"compression,omitempty"`
	CompressionMinSize *int   `toml:"compression_min_size,omitempty"`
	MergeOperator      string `toml:"merge_operator,omitempty"`
}

// TransactionOptionsFile is the [transaction] table.
type TransactionOptionsFile struct {
	NumStripes         int      `toml:"num_stripes,omitzero"`
	MaxNumLocks        int64    `toml:"max_num_locks,omitzero"`
	LockTimeout        Duration `toml:"lock_timeout,omitempty"`
	DefaultLockTimeout Duration `toml:"default_lock_timeout,omitempty"`
}

// Duration is a time.Duration written as a string such as "1s" or
// "250ms". The zero Duration means unset.
type Duration struct {
	time.Duration
	Set bool
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration, d.Set = v, true
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsZero lets omitempty drop unset durations.
func (d Duration) IsZero() bool { return !d.Set }

// ReadOptionsFile decodes the options file at path. Unknown keys are an
// error.
func ReadOptionsFile(path string) (*OptionsFile, error) {
	f := &OptionsFile{}
	md, err := toml.DecodeFile(path, f)
	if err != nil {
		return nil, fmt.Errorf("options file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("options file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return f, nil
}

// NewOptionsFile captures opts, the families in descs and tdbOpts (which
// may be nil) as an options file.
func NewOptionsFile(opts *Options, descs []ColumnFamilyDescriptor, tdbOpts *TransactionDBOptions) *OptionsFile {
	if opts == nil {
		opts = DefaultOptions()
	}
	period := opts.StatsDumpPeriodSec
	f := &OptionsFile{
		Engine:              string(opts.Engine),
		CreateIfMissing:     opts.CreateIfMissing,
		ErrorIfExists:       opts.ErrorIfExists,
		ParanoidChecks:      opts.ParanoidChecks,
		WriteBufferSize:     opts.WriteBufferSize,
		BlockCacheCapacity:  opts.BlockCacheCapacity,
		BoltInitialMmapSize: opts.BoltInitialMmapSize,
		EnableStatistics:    opts.EnableStatistics,
		StatsDumpPeriodSec:  &period,
	}
	if opts.MergeOperator != nil {
		f.MergeOperator = opts.MergeOperator.Name()
	}
	for _, d := range descs {
		if f.ColumnFamilies == nil {
			f.ColumnFamilies = make(map[string]ColumnFamilyOptionsFile)
		}
		minSize := d.Options.CompressionMinSize
		cf := ColumnFamilyOptionsFile{
			Compression:        d.Options.Compression.String(),
			CompressionMinSize: &minSize,
		}
		if d.Options.MergeOperator != nil {
			cf.MergeOperator = d.Options.MergeOperator.Name()
		}
		f.ColumnFamilies[d.Name] = cf
	}
	if tdbOpts != nil {
		f.Transaction = &TransactionOptionsFile{
			NumStripes:         tdbOpts.NumStripes,
			MaxNumLocks:        tdbOpts.MaxNumLocks,
			LockTimeout:        Duration{Duration: tdbOpts.TransactionLockTimeout, Set: true},
			DefaultLockTimeout: Duration{Duration: tdbOpts.DefaultLockTimeout, Set: true},
		}
	}
	return f
}

// WriteTo encodes the options file as TOML.
func (f *OptionsFile) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	err := toml.NewEncoder(cw).Encode(f)
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Options returns the database options the file describes.
func (f *OptionsFile) Options() (*Options, error) {
	opts := DefaultOptions()
	engine, err := ParseEngineType(f.Engine)
	if err != nil {
		return nil, err
	}
	opts.Engine = engine
	opts.CreateIfMissing = f.CreateIfMissing
	opts.ErrorIfExists = f.ErrorIfExists
	opts.ParanoidChecks = f.ParanoidChecks
	opts.WriteBufferSize = f.WriteBufferSize
	opts.BlockCacheCapacity = f.BlockCacheCapacity
	opts.BoltInitialMmapSize = f.BoltInitialMmapSize
	opts.EnableStatistics = f.EnableStatistics
	if f.StatsDumpPeriodSec != nil {
		opts.StatsDumpPeriodSec = *f.StatsDumpPeriodSec
	}
	if f.MergeOperator != "" {
		if opts.MergeOperator, err = MergeOperatorByName(f.MergeOperator); err != nil {
			return nil, err
		}
	}
	return opts, nil
}

// ColumnFamilyOptions returns the options of the named family. Families
// the file does not mention get DefaultColumnFamilyOptions.
func (f *OptionsFile) ColumnFamilyOptions(name string) (ColumnFamilyOptions, error) {
	cfo := DefaultColumnFamilyOptions()
	fc, ok := f.ColumnFamilies[name]
	if !ok {
		return cfo, nil
	}
	if fc.Compression != "" {
		ct, err := compression.ParseType(fc.Compression)
		if err != nil {
			return cfo, fmt.Errorf("column family %s: %w", name, err)
		}
		cfo.Compression = ct
	}
	if fc.CompressionMinSize != nil {
		cfo.CompressionMinSize = *fc.CompressionMinSize
	}
	if fc.MergeOperator != "" {
		op, err := MergeOperatorByName(fc.MergeOperator)
		if err != nil {
			return cfo, fmt.Errorf("column family %s: %w", name, err)
		}
		cfo.MergeOperator = op
	}
	return cfo, nil
}

// ColumnFamilyNames returns the families the file configures, sorted.
func (f *OptionsFile) ColumnFamilyNames() []string {
	return slices.Sorted(maps.Keys(f.ColumnFamilies))
}

// TransactionDBOptions returns the TransactionDB options the file
// describes.
func (f *OptionsFile) TransactionDBOptions() *TransactionDBOptions {
	o := DefaultTransactionDBOptions()
	t := f.Transaction
	if t == nil {
		return o
	}
	if t.NumStripes > 0 {
		o.NumStripes = t.NumStripes
	}
	if t.MaxNumLocks != 0 {
		o.MaxNumLocks = t.MaxNumLocks
	}
	if t.LockTimeout.Set {
		o.TransactionLockTimeout = t.LockTimeout.Duration
	}
	if t.DefaultLockTimeout.Set {
		o.DefaultLockTimeout = t.DefaultLockTimeout.Duration
	}
	return o
}
