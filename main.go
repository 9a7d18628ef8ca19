package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/phuslu/log"

	"smt_exporter/internal/config"
	"smt_exporter/internal/logger"
)

var (
	version = "0.1.0"
)

func main() {
	cfg, err := config.NewConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg == nil {
		// -generate-config was handled.
		return
	}

	if err := logger.ConfigureLogging(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure loggers: %v\n", err)
		os.Exit(1)
	}

	exporter, err := NewSMTExporter(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize SMT exporter")
	}
	if err := exporter.Run(); err != nil {
		log.Fatal().Err(err).Msg("SMT exporter failed")
	}
}
