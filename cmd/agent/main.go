// Package main is the entry point for the A1 telemetry and presence agent.
//
//	agent [flags]          run the agent (foreground or Windows service)
//	agent --once           print one snapshot as JSON and exit
//	agent probe [flags]    run the metric probe and print one query document
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/a1tools/agent/internal/config"
	"github.com/a1tools/agent/internal/probe"
	"github.com/a1tools/agent/internal/service"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 0 && args[0] == "probe" {
		return runProbe(args[1:])
	}

	var (
		configPath  string
		showVersion bool
		once        bool
		cli         config.CLIOverrides
	)
	flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to configuration file (default: search standard locations)")
	flagSet.BoolVar(&showVersion, "version", false, "show version and exit")
	flagSet.BoolVar(&once, "once", false, "collect one snapshot, print it as JSON and exit")
	flagSet.StringVar(&cli.URL, "server", "", "server base URL")
	flagSet.StringVar(&cli.Token, "token", "", "server bearer token")
	flagSet.StringVar(&cli.Username, "username", "", "identity to report before the host logs in")
	flagSet.StringVar(&cli.LogLevel, "log-level", "", "debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("a1-agent %s\n", version)
		return nil
	}

	var cfg *config.Config
	var err error
	if flagSet.Changed("config") {
		cfg, err = config.LoadLayered(cli, embeddedConfig, configPath)
	} else {
		cfg, err = config.LoadLayered(cli, embeddedConfig)
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Identity.AppVersion == "" && version != "dev" {
		cfg.Identity.AppVersion = version
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	if once {
		return printOnce(cfg, logger)
	}

	logger.Info("Starting A1 agent",
		zap.String("version", version),
		zap.String("server", cfg.Server.URL))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := newAgent(cfg, logger)
	if err != nil {
		return err
	}
	svc := service.New(logger, func(ctx context.Context) {
		if err := a.run(ctx); err != nil {
			logger.Error("Agent failed", zap.Error(err))
		}
	})
	if err := svc.Run(); err != nil {
		return fmt.Errorf("service: %w", err)
	}
	logger.Info("Agent stopped")
	return nil
}

// runProbe is the external metric query. It writes exactly one JSON document
// to stdout; diagnostics go to stderr.
func runProbe(args []string) error {
	var opts probe.Options
	var level string
	flagSet := pflag.NewFlagSet("probe", pflag.ContinueOnError)
	flagSet.IntVar(&opts.TopN, "top", 10, "number of top processes to report")
	flagSet.StringVar(&opts.Target, "target", "", "host:port used for the latency check")
	flagSet.DurationVar(&opts.Deadline, "deadline", probe.DefaultDeadline, "overall probe deadline")
	flagSet.StringVar(&level, "log-level", "warn", "stderr log level")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	logger := newLogger(parseLevel(level, zapcore.WarnLevel), "")
	defer logger.Sync()
	return probe.Run(context.Background(), opts, os.Stdout, logger)
}

// printOnce collects a single snapshot for the configured identity.
func printOnce(cfg *config.Config, logger *zap.Logger) error {
	a, err := newAgent(cfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Collection.QueryTimeout.Duration+10*time.Second)
	defer cancel()

	snap := a.scheduler.RunOnce(ctx)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// initLogger builds the agent logger: a console core on stderr plus an
// optional JSON file core.
func initLogger(cfg *config.Config) *zap.Logger {
	return newLogger(parseLevel(cfg.Logging.Level, zapcore.InfoLevel), cfg.Logging.File)
}

func newLogger(level zapcore.Level, file string) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(os.Stderr),
			level,
		),
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			cores = append(cores, zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(f),
				level,
			))
		}
	}

	return zap.New(zapcore.NewTee(cores...))
}

func parseLevel(s string, fallback zapcore.Level) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return fallback
	}
	return level
}
