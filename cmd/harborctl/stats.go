package main

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/aalhour/harborkv"
)

func (c *cli) statsCmd() *cobra.Command {
	var promText bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count the keys of a column family and print database statistics",
		Long: "stats scans the column family selected by --cf with statistics enabled,\n" +
			"then prints the key count, database properties and the statistics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var engine harborkv.EngineType
			tune := func(o *harborkv.Options) {
				o.EnableStatistics = true
				o.StatsDumpPeriodSec = 0
				engine = o.Engine
			}
			return c.withFamily(tune, func(db *harborkv.DB, h *harborkv.ColumnFamilyHandle) error {
				n, err := countKeys(db, h)
				if err != nil {
					return err
				}
				if promText {
					reg := prometheus.NewRegistry()
					reg.MustRegister(harborkv.NewStatisticsCollector(db.Statistics(), prometheus.Labels{"db": db.Path()}))
					mfs, err := reg.Gather()
					if err != nil {
						return err
					}
					return writeMetrics(c.out, mfs)
				}

				fmt.Fprintf(c.out, "keys in %s: %d\n", h.Name(), n)
				for _, name := range []string{
					harborkv.PropertyColumnFamilies,
					harborkv.PropertyNumSnapshots,
					harborkv.PropertyNumLiveIterators,
					harborkv.PropertyNumActiveTransactions,
				} {
					if v, ok := db.GetProperty(name); ok {
						fmt.Fprintf(c.out, "%s: %s\n", name, v)
					}
				}
				if v, ok := db.GetProperty(string(engine) + ".stats"); ok {
					fmt.Fprintf(c.out, "%s.stats:\n%s\n", engine, v)
				}
				if v, ok := db.GetProperty(harborkv.PropertyStats); ok {
					fmt.Fprint(c.out, v)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&promText, "prometheus", false, "Print the statistics in the Prometheus text format")
	return cmd
}

func countKeys(db *harborkv.DB, h *harborkv.ColumnFamilyHandle) (int, error) {
	it := db.NewIteratorCF(h, harborkv.IteratorModeStart)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

func writeMetrics(w io.Writer, mfs []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
