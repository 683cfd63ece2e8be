// Package main is the entry point for the dra CLI: an OpenAI-compatible
// search and deep research server, plus one-shot research commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ncolesummers/deep-research-agent/pkg/config"
	"github.com/ncolesummers/deep-research-agent/pkg/observability"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "dra",
	Short: "Web search and deep research agent",
	Long: `dra answers chat conversations with the help of web search. A base chat model
decides whether to search; a single quick search or an iterative deep research
loop gathers pages; a summary model writes the answer.

Run "dra serve" for the OpenAI-compatible HTTP API, or "dra search" and
"dra research" for one-shot queries from the terminal.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "YAML configuration file (environment and .env apply on top)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json or console")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	viper.SetEnvPrefix("DRA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// runtime is what every command needs before it can build components
type runtime struct {
	cfg       *config.Config
	logger    *observability.StructuredLogger
	telemetry *observability.Telemetry
}

// setup loads configuration and starts logging and telemetry
func setup() (*runtime, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Observability.Logging.Level = lvl
	}
	if format := viper.GetString("log-format"); format != "" {
		cfg.Observability.Logging.Format = format
	}

	base, err := observability.NewLogger(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	if err != nil {
		return nil, err
	}

	telemetry, err := observability.NewTelemetry(&observability.TelemetryConfig{
		ServiceName:    "deep-research-agent",
		ServiceVersion: Version,
		Environment:    getEnvironment(),
		OTLPEndpoint:   cfg.Observability.Tracing.Endpoint,
		PrometheusPort: cfg.Observability.Metrics.Port,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableTracing:  cfg.Observability.Tracing.Enabled,
		EnableMetrics:  cfg.Observability.Metrics.Enabled,
	})
	if err != nil {
		_ = base.Sync()
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return &runtime{
		cfg:       cfg,
		logger:    observability.NewStructuredLogger(base, "dra"),
		telemetry: telemetry,
	}, nil
}

// close flushes telemetry and logs
func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Error(ctx, "error shutting down telemetry", err)
	}
	_ = r.logger.Zap().Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
