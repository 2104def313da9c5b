// Command harborctl inspects and edits harborkv databases.
//
// Usage:
//
//	harborctl --db=<path> [--cf=<family>] <command> [args]
//
// Keys and values prefixed with 0x are hex-decoded. With --hex, output is
// always hex; otherwise non-printable output is hex-encoded.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/aalhour/harborkv"
	"github.com/aalhour/harborkv/internal/logging"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the persistent flags shared by every command.
type cli struct {
	out io.Writer
	log io.Writer

	dbPath          string
	engine          string
	optionsFile     string
	logLevel        string
	createIfMissing bool
	cf              string
	hexOutput       bool

	flags *pflag.FlagSet
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	c := &cli{out: out, log: errOut}
	root := &cobra.Command{
		Use:           "harborctl",
		Short:         "Inspect and edit harborkv databases",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&c.dbPath, "db", "", "Path to the database (required)")
	pf.StringVar(&c.engine, "engine", "", "Storage engine: leveldb or bolt (overrides the options file)")
	pf.StringVar(&c.optionsFile, "options-file", "", "TOML file with database, column family and transaction options")
	pf.StringVar(&c.logLevel, "log-level", logging.LevelWarn.String(), "Log level: error, warn, info or debug")
	pf.BoolVar(&c.createIfMissing, "create-if-missing", false, "Create the database if it does not exist")
	pf.StringVar(&c.cf, "cf", harborkv.DefaultColumnFamilyName, "Column family to operate on")
	pf.BoolVar(&c.hexOutput, "hex", false, "Print keys and values in hex")
	c.flags = pf

	root.AddCommand(
		c.getCmd(), c.putCmd(), c.deleteCmd(), c.mergeCmd(), c.scanCmd(),
		c.txnCmd(),
		c.listCFCmd(), c.createCFCmd(), c.dropCFCmd(),
		c.compactCmd(), c.repairCmd(), c.destroyCmd(), c.statsCmd(), c.optionsCmd(),
	)
	return root
}

// config loads the options file and applies flag overrides.
func (c *cli) config() (*harborkv.OptionsFile, *harborkv.Options, error) {
	if c.dbPath == "" {
		return nil, nil, errors.New("--db is required")
	}
	fc, err := loadOptionsFile(c.optionsFile)
	if err != nil {
		return nil, nil, err
	}
	if c.flags.Changed("engine") {
		fc.Engine = c.engine
	}
	if c.flags.Changed("create-if-missing") {
		fc.CreateIfMissing = c.createIfMissing
	}
	opts, err := fc.Options()
	if err != nil {
		return nil, nil, err
	}
	level, ok := logging.ParseLevel(c.logLevel)
	if !ok {
		return nil, nil, fmt.Errorf("invalid --log-level %q", c.logLevel)
	}
	opts.Logger = logging.NewLogger(c.log, level)
	return fc, opts, nil
}

// loadOptionsFile reads path. An empty path yields an empty file, which
// means all defaults.
func loadOptionsFile(path string) (*harborkv.OptionsFile, error) {
	if path == "" {
		return &harborkv.OptionsFile{}, nil
	}
	return harborkv.ReadOptionsFile(path)
}

// descriptors lists every family of the store at path with its configured
// options. A store that does not exist yet gets just the default family.
func (c *cli) descriptors(fc *harborkv.OptionsFile, opts *harborkv.Options) ([]harborkv.ColumnFamilyDescriptor, error) {
	names, err := harborkv.ListColumnFamilies(c.dbPath, opts)
	if err != nil {
		if !opts.CreateIfMissing {
			return nil, err
		}
		names = []string{harborkv.DefaultColumnFamilyName}
	}
	descs := make([]harborkv.ColumnFamilyDescriptor, 0, len(names))
	for _, name := range names {
		cfo, err := fc.ColumnFamilyOptions(name)
		if err != nil {
			return nil, err
		}
		descs = append(descs, harborkv.ColumnFamilyDescriptor{Name: name, Options: cfo})
	}
	return descs, nil
}

// prepare resolves the options and family descriptors for an open. tune
// may adjust the options first.
func (c *cli) prepare(tune func(*harborkv.Options)) (*harborkv.OptionsFile, *harborkv.Options, []harborkv.ColumnFamilyDescriptor, error) {
	fc, opts, err := c.config()
	if err != nil {
		return nil, nil, nil, err
	}
	if tune != nil {
		tune(opts)
	}
	descs, err := c.descriptors(fc, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	return fc, opts, descs, nil
}

// openDB opens the database with all of its families.
func (c *cli) openDB(tune func(*harborkv.Options)) (*harborkv.DB, error) {
	_, opts, descs, err := c.prepare(tune)
	if err != nil {
		return nil, err
	}
	db, _, err := harborkv.OpenColumnFamilies(c.dbPath, opts, descs)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// family returns the handle named by --cf.
func (c *cli) family(db *harborkv.DB) (*harborkv.ColumnFamilyHandle, error) {
	h := db.ColumnFamily(c.cf)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", harborkv.ErrInvalidColumnFamily, c.cf)
	}
	return h, nil
}

func (c *cli) formatOutput(data []byte) string {
	if c.hexOutput {
		return hex.EncodeToString(data)
	}
	for _, b := range data {
		if b < 32 || b > 126 {
			return "0x" + hex.EncodeToString(data)
		}
	}
	return string(data)
}

func parseInput(s string) []byte {
	if strings.HasPrefix(s, "0x") {
		if decoded, err := hex.DecodeString(s[2:]); err == nil {
			return decoded
		}
	}
	return []byte(s)
}
