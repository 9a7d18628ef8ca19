package tracer

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"smt_exporter/internal/maps"
)

// StatsCollector implements prometheus.Collector for the health of the scheduler event
// pipeline itself.
type StatsCollector struct {
	stats *Stats

	eventsDesc        *prometheus.Desc
	lostDesc          *prometheus.Desc
	decodeErrorsDesc  *prometheus.Desc
	handlerErrorsDesc *prometheus.Desc
}

// NewStatsCollector creates a collector exporting stats.
func NewStatsCollector(stats *Stats) *StatsCollector {
	return &StatsCollector{
		stats: stats,

		eventsDesc: prometheus.NewDesc(
			"smt_tracer_events_total",
			"Total number of scheduler events decoded, per CPU and tracepoint.",
			[]string{"cpu", "event"}, nil,
		),
		lostDesc: prometheus.NewDesc(
			"smt_tracer_records_lost_total",
			"Total number of records dropped by a full perf ring, per CPU.",
			[]string{"cpu"}, nil,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			"smt_tracer_decode_errors_total",
			"Total number of tracepoint records that failed to decode, per CPU.",
			[]string{"cpu"}, nil,
		),
		handlerErrorsDesc: prometheus.NewDesc(
			"smt_tracer_handler_errors_total",
			"Total number of events the accounting handler aborted, per CPU.",
			[]string{"cpu"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsDesc
	ch <- c.lostDesc
	ch <- c.decodeErrorsDesc
	ch <- c.handlerErrorsDesc
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	c.emit(ch, c.eventsDesc, c.stats.Switches, KindSwitch.String())
	c.emit(ch, c.eventsDesc, c.stats.Exits, KindExit.String())
	c.emit(ch, c.lostDesc, c.stats.Lost)
	c.emit(ch, c.decodeErrorsDesc, c.stats.DecodeErrors)
	c.emit(ch, c.handlerErrorsDesc, c.stats.HandlerErrors)
}

func (c *StatsCollector) emit(ch chan<- prometheus.Metric, desc *prometheus.Desc, m *maps.CounterMap[uint32], extra ...string) {
	m.Range(func(cpu uint32, v uint64) bool {
		labels := append([]string{strconv.FormatUint(uint64(cpu), 10)}, extra...)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
		return true
	})
}
