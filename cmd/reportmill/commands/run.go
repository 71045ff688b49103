// Package commands implements CLI command handlers for reportmill.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/reportmill/internal/observability"
	"github.com/Sumatoshi-tech/reportmill/internal/reader"
	"github.com/Sumatoshi-tech/reportmill/internal/updater"
	"github.com/Sumatoshi-tech/reportmill/pkg/version"
)

// logFormatJSON is the logging.format value selecting JSON output.
const logFormatJSON = "json"

// logFileMode is the permission for a created log file.
const logFileMode = 0o644

// readHeaderTimeout bounds header reads on the metrics endpoint.
const readHeaderTimeout = 5 * time.Second

// metricsShutdownTimeout bounds the metrics endpoint drain on exit.
const metricsShutdownTimeout = 3 * time.Second

// envOTLPEndpoint is the standard OTel env var naming the OTLP gRPC
// collector; reportmill exports traces and metrics only when it is set.
const envOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"

// envOTLPHeaders is the standard OTel env var carrying extra gRPC
// metadata for the OTLP exporters, in "key=value,key=value" form.
const envOTLPHeaders = "OTEL_EXPORTER_OTLP_HEADERS"

// ErrWindowsFailed is returned when an update pass finished but some
// windows could not be materialized.
var ErrWindowsFailed = errors.New("windows failed")

// RunCommand holds configuration for the run command.
type RunCommand struct {
	configPath    string
	queryFolder   string
	outputFolder  string
	logFile       string
	logJSON       bool
	metricsListen string
	timeout       time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	rc := &RunCommand{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one update pass over the configured reports",
		Long: "Triage every configured report for due, not-yet-computed windows,\n" +
			"run the producers, and merge the fresh rows into the output folder.",
		Args: cobra.NoArgs,
		RunE: rc.run,
	}

	cmd.Flags().StringVarP(&rc.configPath, "config", "c", "", "config file path (default: .reportmill.yaml in CWD or $HOME)")
	cmd.Flags().StringVar(&rc.queryFolder, "query-folder", "", "folder with the *.sql templates and scripts")
	cmd.Flags().StringVar(&rc.outputFolder, "output-folder", "", "folder receiving the report artifacts")
	cmd.Flags().StringVar(&rc.logFile, "log-file", "", "append logs to this file instead of stderr")
	cmd.Flags().BoolVar(&rc.logJSON, "log-json", false, "emit JSON logs")
	cmd.Flags().StringVar(&rc.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address for the duration of the run")
	cmd.Flags().DurationVar(&rc.timeout, "timeout", 0, "per-producer timeout (0 = unbounded)")

	return cmd
}

func (rc *RunCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := reader.LoadConfigWithFlags(rc.configPath, cmd.Flags())
	if err != nil {
		return err
	}

	if rc.logJSON {
		cfg.Logging.Format = logFormatJSON
	}

	logOutput := io.Writer(cmd.ErrOrStderr())

	if cfg.Logging.File != "" {
		file, openErr := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFileMode)
		if openErr != nil {
			return fmt.Errorf("open log file %s: %w", cfg.Logging.File, openErr)
		}
		defer file.Close()

		logOutput = file
	}

	providers, err := observability.Init(obsConfig(cmd, cfg, logOutput))
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	defer func() {
		shutdownErr := providers.Shutdown(context.Background())
		if shutdownErr != nil {
			providers.Logger.Warn("run: telemetry shutdown", "error", shutdownErr)
		}
	}()

	stopMetrics := serveMetrics(cfg.MetricsListen, providers.MetricsHandler, providers.Logger)
	defer stopMetrics()

	metrics, err := observability.NewRunMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	stats, err := updater.New(updater.Params{
		Config:  cfg,
		Logger:  providers.Logger,
		Metrics: metrics,
		Timeout: rc.timeout,
	}).Run(cmd.Context())
	if err != nil {
		return err
	}

	if !persistentBool(cmd, "quiet") {
		fmt.Fprintln(cmd.OutOrStdout(), stats.Summary())
	}

	if stats.Failed() {
		return fmt.Errorf("%w: %d of %d windows", ErrWindowsFailed,
			stats.WindowsFailed, stats.WindowsFailed+stats.WindowsComputed)
	}

	return nil
}

// obsConfig maps the run configuration onto the observability setup.
func obsConfig(cmd *cobra.Command, cfg *reader.Config, logOutput io.Writer) observability.Config {
	obs := observability.DefaultConfig()
	obs.ServiceVersion = version.Version
	obs.OTLPEndpoint = os.Getenv(envOTLPEndpoint)
	obs.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv(envOTLPHeaders))
	obs.EnablePrometheus = cfg.MetricsListen != ""
	obs.LogLevel = observability.ParseLogLevel(cfg.Logging.Level)
	obs.LogJSON = strings.EqualFold(cfg.Logging.Format, logFormatJSON)
	obs.LogOutput = logOutput

	if persistentBool(cmd, "verbose") {
		obs.LogLevel = slog.LevelDebug
	}

	return obs
}

// serveMetrics exposes the Prometheus scrape endpoint while the run
// lasts. The returned stop function drains the listener.
func serveMetrics(listen string, handler http.Handler, logger *slog.Logger) func() {
	if listen == "" || handler == nil {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	server := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		serveErr := server.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Warn("run: metrics endpoint", "error", serveErr)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		shutdownErr := server.Shutdown(shutdownCtx)
		if shutdownErr != nil {
			logger.Warn("run: metrics endpoint shutdown", "error", shutdownErr)
		}
	}
}

// persistentBool reads a persistent flag declared on the root command.
// A command executed without its root reports false.
func persistentBool(cmd *cobra.Command, name string) bool {
	value, err := cmd.Flags().GetBool(name)
	if err != nil {
		return false
	}

	return value
}
