package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/aalhour/harborkv"
	"github.com/aalhour/harborkv/internal/compression"
)

// withFamily opens the database, resolves --cf and runs fn.
func (c *cli) withFamily(tune func(*harborkv.Options), fn func(*harborkv.DB, *harborkv.ColumnFamilyHandle) error) error {
	db, err := c.openDB(tune)
	if err != nil {
		return err
	}
	defer db.Close()
	h, err := c.family(db)
	if err != nil {
		return err
	}
	return fn(db, h)
}

func (c *cli) getCmd() *cobra.Command {
	var asUint64 bool
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFamily(nil, func(db *harborkv.DB, h *harborkv.ColumnFamilyHandle) error {
				v, err := db.GetCF(h, parseInput(args[0]))
				if err != nil {
					return err
				}
				if asUint64 {
					n, err := harborkv.DecodeUint64(v)
					if err != nil {
						return err
					}
					fmt.Fprintln(c.out, n)
					return nil
				}
				fmt.Fprintln(c.out, c.formatOutput(v))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asUint64, "uint64", false, "Decode the value as a little-endian uint64 counter")
	return cmd
}

func (c *cli) putCmd() *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFamily(nil, func(db *harborkv.DB, h *harborkv.ColumnFamilyHandle) error {
				return db.PutCFWithOptions(&harborkv.WriteOptions{Sync: sync}, h, parseInput(args[0]), parseInput(args[1]))
			})
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "Wait for the write to reach stable storage")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFamily(nil, func(db *harborkv.DB, h *harborkv.ColumnFamilyHandle) error {
				return db.DeleteCFWithOptions(&harborkv.WriteOptions{Sync: sync}, h, parseInput(args[0]))
			})
		},
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "Wait for the write to reach stable storage")
	return cmd
}

func (c *cli) mergeCmd() *cobra.Command {
	var (
		operator string
		asUint64 bool
	)
	cmd := &cobra.Command{
		Use:   "merge <key> <operand>",
		Short: "Merge an operand into a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var op harborkv.MergeOperator
			if operator != "" {
				var err error
				if op, err = harborkv.MergeOperatorByName(operator); err != nil {
					return err
				}
			}
			operand := parseInput(args[1])
			if asUint64 {
				n, err := strconv.ParseUint(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("operand %q: %w", args[1], err)
				}
				operand = harborkv.EncodeUint64(n)
			}
			tune := func(o *harborkv.Options) {
				if op != nil {
					o.MergeOperator = op
				}
			}
			return c.withFamily(tune, func(db *harborkv.DB, h *harborkv.ColumnFamilyHandle) error {
				return db.MergeCF(h, parseInput(args[0]), operand)
			})
		},
	}
	cmd.Flags().StringVar(&operator, "merge-operator", "", "Built-in merge operator: uint64add, stringappend or max")
	cmd.Flags().BoolVar(&asUint64, "uint64", false, "Encode the operand, a decimal number, as a uint64")
	return cmd
}

func (c *cli) scanCmd() *cobra.Command {
	var (
		from, to string
		reverse  bool
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Print the key-value pairs of a column family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFamily(nil, func(db *harborkv.DB, h *harborkv.ColumnFamilyHandle) error {
				ro := harborkv.DefaultReadOptions()
				if from != "" {
					ro.IterateLowerBound = parseInput(from)
				}
				if to != "" {
					ro.IterateUpperBound = parseInput(to)
				}
				mode := harborkv.IteratorModeStart
				if reverse {
					mode = harborkv.IteratorModeEnd
				}
				it := db.NewIteratorCFWithOptions(ro, h, mode)
				defer it.Close()

				count := 0
				for k, v := range it.All() {
					fmt.Fprintf(c.out, "%s => %s\n", c.formatOutput(k), c.formatOutput(v))
					count++
					if limit > 0 && count >= limit {
						break
					}
				}
				if err := it.Err(); err != nil {
					return fmt.Errorf("iterator error: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Inclusive start key")
	cmd.Flags().StringVar(&to, "to", "", "Exclusive end key")
	cmd.Flags().BoolVar(&reverse, "reverse", false, "Scan from the last key backwards")
	cmd.Flags().IntVar(&limit, "limit", 0, "Stop after this many entries (0 = unlimited)")
	return cmd
}

// txnOp is one operation of a txn command line.
type txnOp struct {
	kind  string
	key   []byte
	value []byte
}

func parseTxnOps(args []string) ([]txnOp, error) {
	var ops []txnOp
	for i := 0; i < len(args); {
		kind := args[i]
		n := 3
		if kind == "delete" {
			n = 2
		} else if kind != "put" && kind != "merge" {
			return nil, fmt.Errorf("unknown operation %q", kind)
		}
		if i+n > len(args) {
			return nil, fmt.Errorf("%s: missing arguments", kind)
		}
		op := txnOp{kind: kind, key: parseInput(args[i+1])}
		if n == 3 {
			op.value = parseInput(args[i+2])
		}
		ops = append(ops, op)
		i += n
	}
	if len(ops) == 0 {
		return nil, errors.New("no operations")
	}
	return ops, nil
}

func (c *cli) txnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "txn <op> [<op>...]",
		Short: "Apply operations atomically in a pessimistic transaction",
		Long: "Each op is 'put <key> <value>', 'delete <key>' or 'merge <key> <operand>'.\n" +
			"Lock limits and timeouts come from the [transaction] table of the options file.",
		Example: "harborctl --db=/tmp/db txn put a 1 put b 2 delete c",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := parseTxnOps(args)
			if err != nil {
				return err
			}
			fc, opts, descs, err := c.prepare(nil)
			if err != nil {
				return err
			}
			tdb, _, err := harborkv.OpenTransactionDBColumnFamilies(c.dbPath, opts, fc.TransactionDBOptions(), descs)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer tdb.Close()
			h, err := c.family(tdb.DB)
			if err != nil {
				return err
			}

			t := tdb.Begin(nil, nil)
			for _, op := range ops {
				switch op.kind {
				case "put":
					err = t.PutCF(h, op.key, op.value)
				case "delete":
					err = t.DeleteCF(h, op.key)
				case "merge":
					err = t.MergeCF(h, op.key, op.value)
				}
				if err != nil {
					_ = t.Rollback()
					return fmt.Errorf("%s %s: %w", op.kind, c.formatOutput(op.key), err)
				}
			}
			if err := t.Commit(); err != nil {
				_ = t.Rollback()
				return err
			}
			fmt.Fprintf(c.out, "committed %d operations\n", len(ops))
			return nil
		},
	}
	return cmd
}

func (c *cli) listCFCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-cf",
		Short: "List the column families of a closed database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, opts, err := c.config()
			if err != nil {
				return err
			}
			names, err := harborkv.ListColumnFamilies(c.dbPath, opts)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(c.out, name)
			}
			return nil
		},
	}
}

func (c *cli) createCFCmd() *cobra.Command {
	var (
		comp     string
		minSize  int
		operator string
	)
	cmd := &cobra.Command{
		Use:   "create-cf <name>",
		Short: "Create a column family",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, opts, descs, err := c.prepare(nil)
			if err != nil {
				return err
			}
			cfo, err := fc.ColumnFamilyOptions(args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("compression") {
				if cfo.Compression, err = compression.ParseType(comp); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("compression-min-size") {
				cfo.CompressionMinSize = minSize
			}
			if operator != "" {
				if cfo.MergeOperator, err = harborkv.MergeOperatorByName(operator); err != nil {
					return err
				}
			}
			db, _, err := harborkv.OpenColumnFamilies(c.dbPath, opts, descs)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()
			h, err := db.CreateColumnFamily(args[0], cfo)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "created column family %s (id %d, %s)\n", h.Name(), h.ID(), cfo.Compression)
			return nil
		},
	}
	cmd.Flags().StringVar(&comp, "compression", "snappy", "Value compression: none, snappy, zlib, lz4, lz4hc or zstd")
	cmd.Flags().IntVar(&minSize, "compression-min-size", 64, "Smallest value that is compressed")
	cmd.Flags().StringVar(&operator, "merge-operator", "", "Built-in merge operator for the family")
	return cmd
}

func (c *cli) dropCFCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-cf <name>",
		Short: "Drop a column family and its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.openDB(nil)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.DropColumnFamily(args[0])
		},
	}
}

func (c *cli) compactCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact a key range of a column family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFamily(nil, func(db *harborkv.DB, h *harborkv.ColumnFamilyHandle) error {
				var start, limit []byte
				if from != "" {
					start = parseInput(from)
				}
				if to != "" {
					limit = parseInput(to)
				}
				return db.CompactRange(h, start, limit)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Inclusive start key")
	cmd.Flags().StringVar(&to, "to", "", "Exclusive end key")
	return cmd
}

func (c *cli) repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Attempt to repair a corrupted database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, opts, err := c.config()
			if err != nil {
				return err
			}
			if err := harborkv.RepairDB(c.dbPath, opts); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "repair completed")
			return nil
		},
	}
}

func (c *cli) destroyCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete a database and all of its files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("destroy removes all data; pass --yes to confirm")
			}
			_, opts, err := c.config()
			if err != nil {
				return err
			}
			return harborkv.DestroyDB(c.dbPath, opts)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")
	return cmd
}

func (c *cli) optionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "options",
		Short: "Print the effective options of a database as an options file",
		Long: "options merges the options file and flags, resolves the options of every\n" +
			"column family stored in the database and prints the result as TOML.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, opts, descs, err := c.prepare(nil)
			if err != nil {
				return err
			}
			_, err = harborkv.NewOptionsFile(opts, descs, fc.TransactionDBOptions()).WriteTo(c.out)
			return err
		},
	}
}
