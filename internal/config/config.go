package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/peterbourgon/ff/v3"

	"smt_exporter/internal/counters"
	"smt_exporter/internal/maps"
	"smt_exporter/internal/topology"
	"smt_exporter/internal/window"
)

// Configuration system:
// - config.example.toml is generated with -generate-config
// - Use brief comments here for reference only

// EnvPrefix is the prefix of environment variables overriding command-line flags.
const EnvPrefix = "SMT_EXPORTER"

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Accounting core configuration
	Accounting AccountingConfig `toml:"accounting"`

	// CPU topology source
	Topology TopologyConfig `toml:"topology"`

	// Cycle counter source
	Counters CountersConfig `toml:"counters"`

	// Scheduler event source
	Tracer TracerConfig `toml:"tracer"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Listen address (default: "localhost:9190")
	ListenAddress string `toml:"listen_address"`

	// Metrics endpoint path (default: "/metrics")
	MetricsPath string `toml:"metrics_path"`

	// Enable pprof endpoint for debugging (default: false)
	PprofEnabled bool `toml:"pprof_enabled"`
}

// AccountingConfig contains the sampling window and weighting settings.
type AccountingConfig struct {
	// Sampling window length (default: "1s", range 1s..4s)
	Step Duration `toml:"step"`

	// Interval between selector flips by the sampler (default: same as step)
	SampleInterval Duration `toml:"sample_interval"`

	// Weight applied to cycles overlapped by the SMT sibling, as num/den (default: 11/20)
	HappyFactorNum uint64 `toml:"happy_factor_num"`
	HappyFactorDen uint64 `toml:"happy_factor_den"`

	// Limit the weighted overlap of an interval to the thread's own cycles in it (default: false)
	CapOverlap bool `toml:"cap_overlap"`

	// Concurrent map backend: "xsync" or "sharded" (default: "xsync")
	MapImplementation string `toml:"map_implementation"`
}

// TopologyConfig selects where the CPU topology comes from.
type TopologyConfig struct {
	// sysfs mount point used for discovery (default: "/sys")
	SysfsRoot string `toml:"sysfs_root"`

	// Explicit topology; when non-empty, discovery is skipped.
	CPUs []topology.Static `toml:"cpus"`
}

// CountersConfig selects the cycle counter source.
type CountersConfig struct {
	// "perf" for hardware counters, "clock" for monotonic time (default: "perf")
	Source string `toml:"source"`

	// Raw PMU event for thread cycles; 0 uses the generic cpu-cycles event
	ThreadRawConfig uint64 `toml:"thread_raw_config"`

	// Raw PMU event for core cycles (default: 0x20003c, AnyThread unhalted cycles)
	CoreRawConfig uint64 `toml:"core_raw_config"`
}

// TracerConfig contains scheduler tracepoint ring settings.
type TracerConfig struct {
	// Data pages per CPU ring, must be a power of two (default: 64)
	RingPages int `toml:"ring_pages"`
}

// LoggingConfig contains the complete logging configuration
type LoggingConfig struct {
	// Default logging settings applied to all loggers
	Defaults LogDefaults `toml:"defaults"`

	// Output configurations - can have multiple outputs
	Outputs []LogOutput `toml:"outputs"`

	// Minimum interval between repeated hot-path log lines with the same key (default: "10s")
	SampleInterval Duration `toml:"sample_interval"`

	// Per-component overrides, keyed by component: "accounting", "tracer", "smt_sampler"
	Components map[string]ComponentLogConfig `toml:"components"`
}

// LogDefaults contains default logger settings
type LogDefaults struct {
	// Log level (default: "info")
	Level string `toml:"level"`

	// Include caller information in the main logger (default: 0)
	Caller int `toml:"caller"`

	// Time format: "" (RFC3339 with milliseconds), "Unix", "UnixMs" or a Go layout
	TimeFormat string `toml:"time_format"`
}

// ComponentLogConfig overrides the defaults for one component. Empty fields inherit.
type ComponentLogConfig struct {
	// Log level of the component
	Level string `toml:"level"`

	// Sampling interval of the component's per-event log lines
	SampleInterval Duration `toml:"sample_interval"`
}

// LogOutput represents a single output configuration
type LogOutput struct {
	// Output type: "console" or "file"
	Type string `toml:"type"`

	// Enable this output (default: true)
	Enabled bool `toml:"enabled"`

	// Configuration specific to the output type
	Console *ConsoleConfig `toml:"console,omitempty"`
	File    *FileConfig    `toml:"file,omitempty"`
}

// ConsoleConfig contains console/terminal output settings
type ConsoleConfig struct {
	// "auto" (colorized text), "logfmt" or "json" (default: "auto")
	Format string `toml:"format"`

	// Enable colored output for "auto" (default: true)
	ColorOutput bool `toml:"color_output"`

	// Output destination: "stderr" or "stdout" (default: "stderr")
	Writer string `toml:"writer"`

	// Use asynchronous writing (default: false)
	Async bool `toml:"async"`
}

// FileConfig contains file output settings
type FileConfig struct {
	// Log file path (required)
	Filename string `toml:"filename"`

	// Maximum file size in megabytes (default: 10)
	MaxSize int64 `toml:"max_size"`

	// Maximum number of old log files to keep (default: 7)
	MaxBackups int `toml:"max_backups"`

	// Use asynchronous writing (default: true)
	Async bool `toml:"async"`
}

// LogLevels lists the accepted log level names.
var LogLevels = []string{"trace", "debug", "info", "warn", "error"}

// Duration is a time.Duration written as a string ("1s", "500ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			ListenAddress: "localhost:9190",
			MetricsPath:   "/metrics",
			PprofEnabled:  false,
		},
		Accounting: AccountingConfig{
			Step:              Duration{time.Second},
			SampleInterval:    Duration{time.Second},
			HappyFactorNum:    11,
			HappyFactorDen:    20,
			CapOverlap:        false,
			MapImplementation: maps.DefaultBackend,
		},
		Topology: TopologyConfig{
			SysfsRoot: topology.DefaultSysfsRoot,
			CPUs:      []topology.Static{},
		},
		Counters: CountersConfig{
			Source:          counters.SourcePerf,
			ThreadRawConfig: 0,
			CoreRawConfig:   counters.DefaultCoreRawConfig,
		},
		Tracer: TracerConfig{
			RingPages: 64,
		},
		Logging: LoggingConfig{
			Defaults: LogDefaults{
				Level:      "info",
				Caller:     0,
				TimeFormat: "",
			},
			Outputs: []LogOutput{
				{
					Type:    "console",
					Enabled: true,
					Console: &ConsoleConfig{
						Format:      "auto",
						ColorOutput: true,
						Writer:      "stderr",
						Async:       false,
					},
				},
				{
					Type:    "file",
					Enabled: false,
					File: &FileConfig{
						Filename:   "logs/smt_exporter.log",
						MaxSize:    10, // 10MB
						MaxBackups: 7,
						Async:      true,
					},
				},
			},
			SampleInterval: Duration{10 * time.Second},
			Components: map[string]ComponentLogConfig{
				// Ring overflow warnings come in bursts under load.
				"tracer":      {SampleInterval: Duration{30 * time.Second}},
				"accounting":  {},
				"smt_sampler": {},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, falling back to defaults
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		return config, fmt.Errorf("config file not found: %s", configPath)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a TOML file
func SaveConfig(configPath string, config *AppConfig) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file %s: %w", configPath, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(config); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// GenerateExampleConfig generates a TOML configuration file with default values
func GenerateExampleConfig(outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	header := `# SMT Exporter Example Configuration
# This file is auto-generated and serves as an example configuration.
# Copy this file to create your own configuration and modify as needed.
#
# Format: TOML (Tom's Obvious, Minimal Language)

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors
func (c *AppConfig) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if c.Server.MetricsPath == "" {
		return fmt.Errorf("server.metrics_path cannot be empty")
	}

	a := c.Accounting
	if !window.ValidStep(uint64(a.Step.Nanoseconds())) {
		return fmt.Errorf("accounting.step %s must be between %s and %s",
			a.Step, time.Duration(window.StepMin), time.Duration(window.StepMax))
	}
	if a.SampleInterval.Duration <= 0 {
		return fmt.Errorf("accounting.sample_interval must be positive")
	}
	if a.HappyFactorDen == 0 || a.HappyFactorNum > a.HappyFactorDen {
		return fmt.Errorf("accounting.happy_factor %d/%d must be a fraction in [0, 1]",
			a.HappyFactorNum, a.HappyFactorDen)
	}
	if !maps.ValidBackend(a.MapImplementation) {
		return fmt.Errorf("accounting.map_implementation %q is not supported", a.MapImplementation)
	}

	if len(c.Topology.CPUs) > 0 {
		if err := topology.Validate(c.Topology.CPUs); err != nil {
			return fmt.Errorf("topology.cpus: %w", err)
		}
	} else if c.Topology.SysfsRoot == "" {
		return fmt.Errorf("topology.sysfs_root cannot be empty without topology.cpus")
	}

	if !counters.ValidSource(c.Counters.Source) {
		return fmt.Errorf("counters.source %q must be %q or %q",
			c.Counters.Source, counters.SourcePerf, counters.SourceClock)
	}

	if p := c.Tracer.RingPages; p <= 0 || p&(p-1) != 0 {
		return fmt.Errorf("tracer.ring_pages %d must be a positive power of two", p)
	}

	return c.Logging.validate()
}

func (l LoggingConfig) validate() error {
	if !slices.Contains(LogLevels, l.Defaults.Level) {
		return fmt.Errorf("logging.defaults.level %q must be one of %v", l.Defaults.Level, LogLevels)
	}
	for name, comp := range l.Components {
		if comp.Level != "" && !slices.Contains(LogLevels, comp.Level) {
			return fmt.Errorf("logging.components.%s.level %q must be one of %v", name, comp.Level, LogLevels)
		}
		if comp.SampleInterval.Duration < 0 {
			return fmt.Errorf("logging.components.%s.sample_interval cannot be negative", name)
		}
	}

	enabled := 0
	for i, output := range l.Outputs {
		if !output.Enabled {
			continue
		}
		enabled++
		switch output.Type {
		case "console":
			if output.Console == nil {
				return fmt.Errorf("logging.outputs[%d]: console output without console settings", i)
			}
			switch output.Console.Format {
			case "", "auto", "logfmt", "json":
			default:
				return fmt.Errorf("logging.outputs[%d]: console format %q is not supported", i, output.Console.Format)
			}
		case "file":
			if output.File == nil || output.File.Filename == "" {
				return fmt.Errorf("logging.outputs[%d]: file output without a filename", i)
			}
		default:
			return fmt.Errorf("logging.outputs[%d]: unknown output type %q", i, output.Type)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one logging output must be enabled")
	}
	return nil
}

// Flags holds the command-line flags
type Flags struct {
	ListenAddress  string
	MetricsPath    string
	ConfigPath     string
	GenerateConfig string
	CounterSource  string
	LogLevel       string
}

// NewConfig creates a new configuration by parsing flags (and SMT_EXPORTER_* environment
// variables) and loading the config file. A nil config with a nil error means the caller
// should exit cleanly.
func NewConfig(args []string) (*AppConfig, error) {
	flags := &Flags{}
	flagSet := flag.NewFlagSet("smt_exporter", flag.ContinueOnError)

	flagSet.StringVar(&flags.ListenAddress,
		"web.listen-address",
		"localhost:9190",
		"Address to listen on for web interface and telemetry.")
	flagSet.StringVar(&flags.MetricsPath,
		"web.telemetry-path",
		"/metrics",
		"Path under which to expose metrics.")
	flagSet.StringVar(&flags.ConfigPath,
		"config",
		"",
		"Path to configuration file (optional).")
	flagSet.StringVar(&flags.GenerateConfig,
		"generate-config",
		"",
		"Generate example config file to specified path and exit.")
	flagSet.StringVar(&flags.CounterSource,
		"counters.source",
		counters.SourcePerf,
		"Cycle counter source: perf or clock.")
	flagSet.StringVar(&flags.LogLevel,
		"log.level",
		"info",
		"Log level: trace, debug, info, warn, error.")

	if err := ff.Parse(flagSet, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return nil, err
	}

	if flags.GenerateConfig != "" {
		if err := GenerateExampleConfig(flags.GenerateConfig); err != nil {
			return nil, fmt.Errorf("error generating example config: %w", err)
		}
		fmt.Printf("Generated %s successfully\n", flags.GenerateConfig)
		return nil, nil
	}

	config := DefaultConfig()
	if flags.ConfigPath != "" {
		var err error
		config, err = LoadConfig(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	// Flags (or their environment variables) override the file only when set.
	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["web.listen-address"] {
		config.Server.ListenAddress = flags.ListenAddress
	}
	if set["web.telemetry-path"] {
		config.Server.MetricsPath = flags.MetricsPath
	}
	if set["counters.source"] {
		config.Counters.Source = flags.CounterSource
	}
	if set["log.level"] {
		config.Logging.Defaults.Level = flags.LogLevel
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}
