// Package logger configures the process-wide phuslu/log logger and hands out
// per-component loggers. Components (accounting, tracer, smt_sampler) can run at their
// own level and sample their per-event lines at their own interval.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/phuslu/log"

	"smt_exporter/internal/config"
)

const asyncChannelSize = 4096

// component is the resolved logging setup of one component.
type component struct {
	level    log.Level
	interval time.Duration
}

var (
	mu              sync.RWMutex
	defaultInterval = 10 * time.Second
	components      = map[string]component{}
)

// ParseLevel converts a configured level name.
func ParseLevel(name string) (log.Level, error) {
	switch name {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info", "":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("unknown log level %q", name)
}

func timeFormat(format string) string {
	switch format {
	case "Unix":
		return log.TimeFormatUnix
	case "UnixMs":
		return log.TimeFormatUnixMs
	}
	return format
}

func maybeAsync(w log.Writer, async bool) log.Writer {
	if !async {
		return w
	}
	return &log.AsyncWriter{ChannelSize: asyncChannelSize, Writer: w}
}

func consoleWriter(c *config.ConsoleConfig) log.Writer {
	var out io.Writer = os.Stderr
	if c.Writer == "stdout" {
		out = os.Stdout
	}
	var w log.Writer
	switch c.Format {
	case "json":
		w = &log.IOWriter{Writer: out}
	case "logfmt":
		w = &log.ConsoleWriter{
			Writer:    out,
			Formatter: log.LogfmtFormatter{TimeField: "time"}.Formatter,
		}
	default:
		w = &log.ConsoleWriter{
			Writer:         out,
			ColorOutput:    c.ColorOutput,
			QuoteString:    true,
			EndWithMessage: true,
		}
	}
	return maybeAsync(w, c.Async)
}

func fileWriter(c *config.FileConfig) log.Writer {
	return maybeAsync(&log.FileWriter{
		Filename:     c.Filename,
		FileMode:     0644,
		MaxSize:      c.MaxSize << 20,
		MaxBackups:   c.MaxBackups,
		EnsureFolder: true,
		LocalTime:    true,
	}, c.Async)
}

// outputWriter builds the writer of one enabled output.
func outputWriter(o config.LogOutput) (log.Writer, error) {
	switch o.Type {
	case "console":
		if o.Console == nil {
			return nil, fmt.Errorf("console output without console settings")
		}
		return consoleWriter(o.Console), nil
	case "file":
		if o.File == nil || o.File.Filename == "" {
			return nil, fmt.Errorf("file output without a filename")
		}
		return fileWriter(o.File), nil
	}
	return nil, fmt.Errorf("unknown output type %q", o.Type)
}

// buildWriter fans out to every enabled output, or writes JSON to stderr when none is.
func buildWriter(outputs []config.LogOutput) (log.Writer, error) {
	var writers log.MultiEntryWriter
	for _, o := range outputs {
		if !o.Enabled {
			continue
		}
		w, err := outputWriter(o)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	switch len(writers) {
	case 0:
		return &log.IOWriter{Writer: os.Stderr}, nil
	case 1:
		return writers[0], nil
	}
	return &writers, nil
}

// resolve merges the component overrides over the defaults.
func resolve(cfg config.LoggingConfig, base log.Level) (map[string]component, error) {
	interval := defaultInterval
	if cfg.SampleInterval.Duration > 0 {
		interval = cfg.SampleInterval.Duration
	}
	out := make(map[string]component, len(cfg.Components))
	for name, c := range cfg.Components {
		resolved := component{level: base, interval: interval}
		if c.Level != "" {
			lvl, err := ParseLevel(c.Level)
			if err != nil {
				return nil, fmt.Errorf("component %s: %w", name, err)
			}
			resolved.level = lvl
		}
		if c.SampleInterval.Duration > 0 {
			resolved.interval = c.SampleInterval.Duration
		}
		out[name] = resolved
	}
	return out, nil
}

// ConfigureLogging installs the configured writer and level on log.DefaultLogger and
// records the component overrides. Call it before creating component loggers.
func ConfigureLogging(cfg config.LoggingConfig) error {
	level, err := ParseLevel(cfg.Defaults.Level)
	if err != nil {
		return err
	}
	resolved, err := resolve(cfg, level)
	if err != nil {
		return err
	}
	writer, err := buildWriter(cfg.Outputs)
	if err != nil {
		return err
	}

	log.DefaultLogger = log.Logger{
		Level:      level,
		Caller:     cfg.Defaults.Caller,
		TimeFormat: timeFormat(cfg.Defaults.TimeFormat),
		Writer:     writer,
	}

	mu.Lock()
	if cfg.SampleInterval.Duration > 0 {
		defaultInterval = cfg.SampleInterval.Duration
	}
	components = resolved
	mu.Unlock()

	log.Info().
		Str("level", level.String()).
		Dur("sample_interval", defaultInterval).
		Int("components", len(resolved)).
		Msg("Loggers configured")
	return nil
}

func lookup(name string) component {
	mu.RLock()
	defer mu.RUnlock()
	if c, ok := components[name]; ok {
		return c
	}
	return component{level: log.DefaultLogger.Level, interval: defaultInterval}
}

// NewLoggerWithContext returns a logger writing to the configured outputs, tagged with
// the component name and at the component's level.
func NewLoggerWithContext(name string) log.Logger {
	c := lookup(name)
	base := &log.DefaultLogger
	return log.Logger{
		Level:      c.level,
		TimeFormat: base.TimeFormat,
		Writer:     base.Writer,
		Context:    log.NewContext(base.Context).Str("component", name).Value(),
	}
}

// NewSampledLoggerCtx returns a rate-limited component logger for per-event paths.
func NewSampledLoggerCtx(name string) *SampledLogger {
	return NewSampledLogger(NewLoggerWithContext(name), lookup(name).interval)
}
