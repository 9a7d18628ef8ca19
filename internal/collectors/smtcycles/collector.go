package smtcycles

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"smt_exporter/internal/accounting"
)

// Collector implements prometheus.Collector for the last finished sampling window.
// Every scrape reports the same immutable Sample until the sampler publishes the next.
type Collector struct {
	sampler *Sampler
	diags   *accounting.DiagnosticCounts
	tgids   *TGIDResolver // optional

	// Metric Descriptors
	processCyclesDesc   *prometheus.Desc
	processTimeDesc     *prometheus.Desc
	idleCyclesDesc      *prometheus.Desc
	idleTimeDesc        *prometheus.Desc
	switchCountDesc     *prometheus.Desc
	timesliceDesc       *prometheus.Desc
	windowTimeDesc      *prometheus.Desc
	windowCyclesDesc    *prometheus.Desc
	diagnosticsDesc     *prometheus.Desc
	accountsTrackedDesc *prometheus.Desc
}

// NewCollector creates a collector over sampler. diags and tgids may be nil.
func NewCollector(sampler *Sampler, diags *accounting.DiagnosticCounts, tgids *TGIDResolver) *Collector {
	return &Collector{
		sampler: sampler,
		diags:   diags,
		tgids:   tgids,

		processCyclesDesc: prometheus.NewDesc(
			"smt_process_weighted_cycles",
			"SMT-weighted CPU cycles of a task in the last finished window, per socket.",
			[]string{"pid", "tgid", "comm", "socket"}, nil,
		),
		processTimeDesc: prometheus.NewDesc(
			"smt_process_time_seconds",
			"On-CPU time of a task in the last finished window, per socket.",
			[]string{"pid", "tgid", "comm", "socket"}, nil,
		),
		idleCyclesDesc: prometheus.NewDesc(
			"smt_idle_weighted_cycles",
			"SMT-weighted cycles of the idle task of a CPU in the last finished window.",
			[]string{"cpu", "socket"}, nil,
		),
		idleTimeDesc: prometheus.NewDesc(
			"smt_idle_time_seconds",
			"Idle time of a CPU in the last finished window.",
			[]string{"cpu", "socket"}, nil,
		),
		switchCountDesc: prometheus.NewDesc(
			"smt_window_switch_count",
			"Context switches observed in the last finished window.",
			nil, nil,
		),
		timesliceDesc: prometheus.NewDesc(
			"smt_window_timeslice_seconds",
			"Window length used to judge slot validity in the last finished window.",
			nil, nil,
		),
		windowTimeDesc: prometheus.NewDesc(
			"smt_window_execution_seconds",
			"Total on-CPU time, idle included, in the last finished window.",
			nil, nil,
		),
		windowCyclesDesc: prometheus.NewDesc(
			"smt_window_weighted_cycles",
			"Total SMT-weighted cycles, idle included, in the last finished window.",
			nil, nil,
		),
		diagnosticsDesc: prometheus.NewDesc(
			"smt_diagnostics_total",
			"Total number of accounting diagnostics by code.",
			[]string{"code", "name"}, nil,
		),
		accountsTrackedDesc: prometheus.NewDesc(
			"smt_accounts_tracked",
			"Number of task accounts currently held.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.processCyclesDesc
	ch <- c.processTimeDesc
	ch <- c.idleCyclesDesc
	ch <- c.idleTimeDesc
	ch <- c.switchCountDesc
	ch <- c.timesliceDesc
	ch <- c.windowTimeDesc
	ch <- c.windowCyclesDesc
	ch <- c.diagnosticsDesc
	ch <- c.accountsTrackedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.diags != nil {
		c.diags.Range(func(code accounting.DiagnosticCode, n uint64) bool {
			ch <- prometheus.MustNewConstMetric(c.diagnosticsDesc, prometheus.CounterValue, float64(n),
				strconv.Itoa(int(code)), code.String())
			return true
		})
	}

	procs, _ := c.sampler.store.Len()
	ch <- prometheus.MustNewConstMetric(c.accountsTrackedDesc, prometheus.GaugeValue, float64(procs))

	s := c.sampler.Last()
	if s == nil {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.switchCountDesc, prometheus.GaugeValue, float64(s.Rotation.SwitchCount))
	ch <- prometheus.MustNewConstMetric(c.timesliceDesc, prometheus.GaugeValue, seconds(s.Step))
	ch <- prometheus.MustNewConstMetric(c.windowTimeDesc, prometheus.GaugeValue, seconds(s.TotalTimeNS))
	ch <- prometheus.MustNewConstMetric(c.windowCyclesDesc, prometheus.GaugeValue, float64(s.TotalWeightedCycles))

	for _, p := range s.Processes {
		pid := strconv.FormatInt(int64(p.PID), 10)
		tgid := ""
		if c.tgids != nil {
			if t, ok := c.tgids.Resolve(p.PID); ok {
				tgid = strconv.FormatInt(int64(t), 10)
			}
		}
		for _, slot := range p.Slots {
			socket := strconv.FormatUint(uint64(slot.Socket), 10)
			ch <- prometheus.MustNewConstMetric(c.processCyclesDesc, prometheus.GaugeValue,
				float64(slot.WeightedCycles), pid, tgid, p.Comm, socket)
			ch <- prometheus.MustNewConstMetric(c.processTimeDesc, prometheus.GaugeValue,
				seconds(slot.TimeNS), pid, tgid, p.Comm, socket)
		}
	}

	for _, idle := range s.Idle {
		cpu := strconv.FormatUint(uint64(idle.CPU), 10)
		for _, slot := range idle.Slots {
			socket := strconv.FormatUint(uint64(slot.Socket), 10)
			ch <- prometheus.MustNewConstMetric(c.idleCyclesDesc, prometheus.GaugeValue,
				float64(slot.WeightedCycles), cpu, socket)
			ch <- prometheus.MustNewConstMetric(c.idleTimeDesc, prometheus.GaugeValue,
				seconds(slot.TimeNS), cpu, socket)
		}
	}
}

func seconds(ns uint64) float64 {
	return float64(ns) / 1e9
}
