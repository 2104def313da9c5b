package harborkv

// statistics_collector.go exports Statistics to Prometheus.

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// StatisticsCollector is a prometheus.Collector over a Statistics. Tickers
// become counters and histograms become summaries (count and sum only).
type StatisticsCollector struct {
	stats      Statistics
	tickers    [TickerEnumMax]*prometheus.Desc
	histograms [HistogramEnumMax]*prometheus.Desc
}

// NewStatisticsCollector returns a collector for stats. constLabels are
// attached to every metric, for example the database path.
func NewStatisticsCollector(stats Statistics, constLabels prometheus.Labels) *StatisticsCollector {
	c := &StatisticsCollector{stats: stats}
	for t := range TickerEnumMax {
		c.tickers[t] = prometheus.NewDesc(metricName(t.String())+"_total",
			"Ticker "+t.String()+".", nil, constLabels)
	}
	for h := range HistogramEnumMax {
		c.histograms[h] = prometheus.NewDesc(metricName(h.String()),
			"Histogram "+h.String()+".", nil, constLabels)
	}
	return c
}

// metricName turns a dotted statistics name into a Prometheus name.
func metricName(s string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(s)
}

// Describe implements prometheus.Collector.
func (c *StatisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.tickers {
		ch <- d
	}
	for _, d := range c.histograms {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.stats == nil {
		return
	}
	for t := range TickerEnumMax {
		ch <- prometheus.MustNewConstMetric(c.tickers[t], prometheus.CounterValue,
			float64(c.stats.GetTickerCount(t)))
	}
	for h := range HistogramEnumMax {
		data := c.stats.GetHistogramData(h)
		ch <- prometheus.MustNewConstSummary(c.histograms[h], data.Count, float64(data.Sum), nil)
	}
}
