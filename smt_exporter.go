package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // For pprof server
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	plog "github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"smt_exporter/internal/accounting"
	"smt_exporter/internal/collectors/smtcycles"
	"smt_exporter/internal/config"
	"smt_exporter/internal/counters"
	"smt_exporter/internal/logger"
	"smt_exporter/internal/topology"
	"smt_exporter/internal/tracer"
	"smt_exporter/internal/window"
)

// SMTExporter wires the accounting core to its event source, its reader and the HTTP
// endpoint.
type SMTExporter struct {
	config *config.AppConfig

	cpus     []uint32
	groups   *counters.PerfGroups // nil with the clock source
	handler  *accounting.Handler
	source   *tracer.Source
	sampler  *smtcycles.Sampler

	registry   *prometheus.Registry
	httpServer *http.Server
	log        plog.Logger
}

// NewSMTExporter creates and initializes a new SMTExporter instance.
func NewSMTExporter(cfg *config.AppConfig) (*SMTExporter, error) {
	e := &SMTExporter{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		log:      plog.DefaultLogger, // main app uses default logger
	}
	e.log.Info().
		Str("version", version).
		Str("listen_address", cfg.Server.ListenAddress).
		Str("metrics_path", cfg.Server.MetricsPath).
		Str("counter_source", cfg.Counters.Source).
		Msg("Starting SMT Exporter")

	if err := raiseMemlockLimit(); err != nil {
		e.log.Warn().Err(err).Msg("Failed to raise RLIMIT_MEMLOCK, perf rings may fail to map")
	}

	if err := e.setupAccounting(); err != nil {
		return nil, err
	}
	e.setupHTTPServer()
	return e, nil
}

func (e *SMTExporter) loadTopology() ([]topology.Static, error) {
	if cpus := e.config.Topology.CPUs; len(cpus) > 0 {
		online, err := topology.OnlineCPUs(e.config.Topology.SysfsRoot)
		if err != nil {
			return nil, err
		}
		for _, c := range cpus {
			if !slices.Contains(online, c.CPU) {
				return nil, fmt.Errorf("configured CPU %d is not online", c.CPU)
			}
		}
		e.log.Info().Int("cpus", len(cpus)).Msg("Using configured CPU topology")
		return cpus, nil
	}
	cpus, err := topology.Discover(e.config.Topology.SysfsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to discover CPU topology: %w", err)
	}
	e.log.Info().Int("cpus", len(cpus)).Str("sysfs", e.config.Topology.SysfsRoot).Msg("Discovered CPU topology")
	return cpus, nil
}

// setupAccounting builds the accounting core and its collaborators.
func (e *SMTExporter) setupAccounting() error {
	acfg := e.config.Accounting
	backend := acfg.MapImplementation

	statics, err := e.loadTopology()
	if err != nil {
		return err
	}
	topo, err := topology.NewTable(backend)
	if err != nil {
		return err
	}
	if err := topo.Seed(statics); err != nil {
		return fmt.Errorf("invalid CPU topology: %w", err)
	}
	for _, s := range statics {
		e.cpus = append(e.cpus, s.CPU)
	}

	conf, err := window.NewConf(backend)
	if err != nil {
		return err
	}
	step := uint64(acfg.Step.Nanoseconds())
	if err := conf.Seed(step); err != nil {
		return err
	}
	win := window.NewController(conf)
	if acfg.SampleInterval.Duration > acfg.Step.Duration {
		e.log.Warn().
			Dur("sample_interval", acfg.SampleInterval.Duration).
			Dur("step", acfg.Step.Duration).
			Msg("Sample interval exceeds the step, early activity in a window will be filtered out")
	}

	store, err := accounting.NewStore(backend)
	if err != nil {
		return err
	}

	reader, group, err := e.openCounters()
	if err != nil {
		return fmt.Errorf("failed to open cycle counters: %w", err)
	}

	diags := accounting.NewDiagnosticCounts()
	diagLog := logger.NewSampledLoggerCtx("accounting")
	sink := accounting.MultiSink{diags, accounting.SinkFunc(func(d accounting.Diagnostic) {
		diagLog.Warn(d.Code.String()).
			Int32("code", int32(d.Code)).
			Uint32("cpu", d.CPU).
			Int32("pid", d.PID).
			Err(d.Err).
			Msg("Accounting diagnostic")
	})}

	e.handler, err = accounting.NewHandler(topo, store, win, reader, accounting.HandlerConfig{
		HappyFactor: accounting.Factor{Num: acfg.HappyFactorNum, Den: acfg.HappyFactorDen},
		Sink:        sink,
		CapOverlap:  acfg.CapOverlap,
	})
	if err != nil {
		e.closeCounters()
		return err
	}

	stats := tracer.NewStats()
	e.source, err = tracer.NewSource(tracer.SourceConfig{
		CPUs:      e.cpus,
		RingPages: e.config.Tracer.RingPages,
		Counters:  group,
	}, tracer.NewDispatcher(e.handler, stats))
	if err != nil {
		e.closeCounters()
		return err
	}

	e.sampler = smtcycles.NewSampler(win, store, acfg.SampleInterval.Duration)

	tgids, err := smtcycles.NewTGIDResolver("/proc")
	if err != nil {
		e.log.Warn().Err(err).Msg("tgid resolution disabled")
		tgids = nil
	}

	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		smtcycles.NewCollector(e.sampler, diags, tgids),
		tracer.NewStatsCollector(stats),
	)
	e.log.Info().
		Str("happy_factor", e.handler.Factor().String()).
		Bool("cap_overlap", acfg.CapOverlap).
		Dur("step", acfg.Step.Duration).
		Int("sockets", len(topo.Sockets())).
		Str("map_implementation", backend).
		Msg("Accounting core ready")
	return nil
}

// openCounters returns the reader serving events that arrive without counter values
// and, with perf, the counter groups the tracer samples on every event.
func (e *SMTExporter) openCounters() (counters.Reader, tracer.CounterGroup, error) {
	ccfg := counters.Config{
		Source:          e.config.Counters.Source,
		ThreadRawConfig: e.config.Counters.ThreadRawConfig,
		CoreRawConfig:   e.config.Counters.CoreRawConfig,
	}
	switch ccfg.Source {
	case counters.SourceClock:
		e.log.Warn().Msg("Using the monotonic clock as cycle counter, weighted cycles are SMT-weighted run time")
		return counters.NewClockReader(e.cpus), nil, nil
	case counters.SourcePerf, "":
		groups, err := counters.NewPerfGroups(ccfg, e.cpus)
		if err != nil {
			return nil, nil, err
		}
		e.groups = groups
		return groups, groups, nil
	default:
		return nil, nil, fmt.Errorf("unknown counter source %q", ccfg.Source)
	}
}

func (e *SMTExporter) closeCounters() error {
	if e.groups == nil {
		return nil
	}
	return e.groups.Close()
}

// setupHTTPServer configures the HTTP server for metrics.
func (e *SMTExporter) setupHTTPServer() {
	e.log.Debug().Str("metrics_path", e.config.Server.MetricsPath).Msg("Setting up HTTP handlers")
	mux := http.NewServeMux()
	mux.Handle(e.config.Server.MetricsPath, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>
            <head><title>SMT Exporter</title></head>
            <body>
            <h1>SMT Exporter v` + version + ` </h1>
            <p><a href="` + e.config.Server.MetricsPath + `">Metrics</a></p>
            </body>
            </html>`))
	})

	e.httpServer = &http.Server{
		Addr:    e.config.Server.ListenAddress,
		Handler: mux,
	}
}

// Run starts all services and waits for a shutdown signal.
func (e *SMTExporter) Run() error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		e.log.Info().Msg("! Received OS shutdown signal, shutting down gracefully...")
		stop()
	}()

	if e.config.Server.PprofEnabled {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error().Interface("panic", r).Msg("Panic recovered in pprof server, initiating shutdown")
					stop()
				}
			}()
			e.log.Info().Msg("Starting pprof HTTP server on localhost:6060")
			// pprof registers its handlers on http.DefaultServeMux
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				e.log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	if err := e.source.Start(ctx); err != nil {
		e.closeCounters()
		return fmt.Errorf("failed to start scheduler tracer: %w", err)
	}

	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		e.sampler.Run(ctx)
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Interface("panic", r).Msg("Panic recovered in HTTP server, initiating shutdown")
				stop()
			}
		}()
		e.log.Info().Str("address", e.config.Server.ListenAddress).Msg("Starting HTTP server")
		if err := e.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error().Err(err).Msg("Failed to start HTTP server")
			stop()
		}
	}()

	e.log.Info().Msg("SMT Exporter is ready and accounting cycles...")

	<-ctx.Done()
	e.log.Info().Msg("! Shutdown initiated...")

	// --- Graceful shutdown sequence ---

	httpCtx, cancelhttp := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelhttp()
	if err := e.httpServer.Shutdown(httpCtx); err != nil {
		e.log.Error().Err(err).Msg("Error shutting down HTTP server")
	} else {
		e.log.Debug().Msg("HTTP server shut down cleanly")
	}

	<-samplerDone
	var errs []error
	if err := e.source.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop tracer: %w", err))
	}
	if err := e.closeCounters(); err != nil {
		errs = append(errs, fmt.Errorf("close counters: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		e.log.Error().Err(err).Msg("Error releasing perf events")
	}

	e.log.Info().Msg("SMT Exporter stopped gracefully")
	return nil
}
