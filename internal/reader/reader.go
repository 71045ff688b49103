package reader

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/reportmill/internal/graphite"
	"github.com/Sumatoshi-tech/reportmill/internal/interval"
	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// Sentinel report-resolution errors.
var (
	ErrMissingStarts   = errors.New("report needs a starts date")
	ErrMissingDatabase = errors.New("sql report needs a database key")
	ErrUnknownReport   = errors.New("unknown report key")
	ErrNegativeLag     = errors.New("lag must not be negative")
	ErrInvalidType     = errors.New("unknown report type")
	ErrEmptyExplode    = errors.New("explode placeholder has no values")
)

// Hardcoded fallbacks applied after the defaults section.
const (
	defaultReportType  = string(report.TypeSQL)
	defaultGranularity = string(interval.Days)
)

// sqlExtension is the file extension of SQL query templates in the
// query folder.
const sqlExtension = ".sql"

// Reader resolves configured report blocks into runnable definitions,
// pulling query templates and scripts from the query folder.
type Reader struct {
	cfg    *Config
	logger *slog.Logger
}

// New returns a Reader over cfg. The logger reports skipped reports.
func New(cfg *Config, logger *slog.Logger) *Reader {
	return &Reader{cfg: cfg, logger: logger}
}

// Definitions resolves every configured report. Malformed reports are
// logged and skipped so one bad block cannot stall the rest of the run.
func (r *Reader) Definitions() []*report.Definition {
	defs := make([]*report.Definition, 0, len(r.cfg.Reports))

	for key, reportCfg := range r.cfg.Reports {
		def, err := r.definition(key, reportCfg)
		if err != nil {
			r.logger.Warn("reader: skipping report", "report", key, "error", err)

			continue
		}

		defs = append(defs, def)
	}

	return defs
}

// Definition resolves a single report by key.
func (r *Reader) Definition(key string) (*report.Definition, error) {
	reportCfg, ok := r.cfg.Reports[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownReport, key)
	}

	return r.definition(key, reportCfg)
}

func (r *Reader) definition(key string, reportCfg ReportConfig) (*report.Definition, error) {
	typ := report.Type(resolve(reportCfg.Type, r.cfg.Defaults.Type, defaultReportType))
	if typ != report.TypeSQL && typ != report.TypeScript {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}

	granularity, granErr := interval.Parse(resolve(reportCfg.Granularity, r.cfg.Defaults.Granularity, defaultGranularity))
	if granErr != nil {
		return nil, granErr
	}

	starts := resolve(reportCfg.Starts, r.cfg.Defaults.Starts, "")
	if starts == "" {
		return nil, ErrMissingStarts
	}

	firstDate, dateErr := report.ParseDate(starts)
	if dateErr != nil {
		return nil, fmt.Errorf("starts: %w", dateErr)
	}

	lagSeconds := resolveInt(reportCfg.Lag, r.cfg.Defaults.Lag)
	if lagSeconds < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeLag, lagSeconds)
	}

	def := &report.Definition{
		Key:           key,
		Type:          typ,
		Granularity:   granularity,
		Lag:           time.Duration(lagSeconds) * time.Second,
		FirstDate:     firstDate,
		MaxDataPoints: resolveInt(reportCfg.MaxDataPoints, r.cfg.Defaults.MaxDataPoints),
		Funnel:        reportCfg.Funnel,
		Group:         resolve(reportCfg.Group, r.cfg.Defaults.Group, ""),
		Graphite: report.Graphite{
			Path:    reportCfg.Graphite.Path,
			Metrics: reportCfg.Graphite.Metrics,
		},
	}

	explodeBy, explodeErr := r.explodeValues(reportCfg.ExplodeBy)
	if explodeErr != nil {
		return nil, explodeErr
	}

	def.ExplodeBy = explodeBy

	sourceErr := r.attachSource(def, reportCfg)
	if sourceErr != nil {
		return nil, sourceErr
	}

	return def, nil
}

// attachSource loads the SQL template or locates the script for def.
// The source file is named after the execute override when present,
// otherwise after the report key.
func (r *Reader) attachSource(def *report.Definition, reportCfg ReportConfig) error {
	base := resolve(reportCfg.Execute, "", def.Key)

	if def.Type == report.TypeScript {
		script := filepath.Join(r.cfg.QueryFolder, base)

		_, statErr := os.Stat(script)
		if statErr != nil {
			return fmt.Errorf("locate script: %w", statErr)
		}

		def.Script = script

		return nil
	}

	template, readErr := os.ReadFile(filepath.Join(r.cfg.QueryFolder, base+sqlExtension))
	if readErr != nil {
		return fmt.Errorf("read sql template: %w", readErr)
	}

	def.SQLTemplate = string(template)

	def.DBKey = resolve(reportCfg.DB, r.cfg.Defaults.DB, "")
	if def.DBKey == "" {
		return ErrMissingDatabase
	}

	return nil
}

// explodeValues expands the raw explode_by entries. Each entry is
// either an inline comma-separated list, or a single token naming a file
// in the query folder holding one value per line; an existing non-empty
// file wins over the single-token reading.
func (r *Reader) explodeValues(raw map[string]string) (map[string][]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	values := make(map[string][]string, len(raw))

	for placeholder, entry := range raw {
		inline := splitValues(entry)
		if len(inline) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrEmptyExplode, placeholder)
		}

		if len(inline) == 1 {
			fromFile, fileErr := readValueFile(filepath.Join(r.cfg.QueryFolder, inline[0]))
			if fileErr == nil && len(fromFile) > 0 {
				values[placeholder] = fromFile

				continue
			}
		}

		values[placeholder] = inline
	}

	return values, nil
}

// readValueFile reads one explode value per line, skipping blanks.
func readValueFile(path string) ([]string, error) {
	file, openErr := os.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("open value file: %w", openErr)
	}
	defer file.Close()

	var values []string

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		value := strings.TrimSpace(scanner.Text())
		if value == "" {
			continue
		}

		values = append(values, value)
	}

	scanErr := scanner.Err()
	if scanErr != nil {
		return nil, fmt.Errorf("read value file: %w", scanErr)
	}

	return values, nil
}

func splitValues(entry string) []string {
	var values []string

	for _, value := range strings.Split(entry, ",") {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		values = append(values, value)
	}

	return values
}

// Lookups loads the graphite dimension translation files named in the
// configuration. Each file is a YAML mapping from raw dimension value
// to the name to publish.
func (r *Reader) Lookups() (graphite.Lookups, error) {
	if len(r.cfg.Graphite.Lookups) == 0 {
		return nil, nil
	}

	lookups := make(graphite.Lookups, len(r.cfg.Graphite.Lookups))

	for placeholder, name := range r.cfg.Graphite.Lookups {
		raw, readErr := os.ReadFile(filepath.Join(r.cfg.QueryFolder, name))
		if readErr != nil {
			return nil, fmt.Errorf("read lookup file: %w", readErr)
		}

		table := map[string]string{}

		unmarshalErr := yaml.Unmarshal(raw, &table)
		if unmarshalErr != nil {
			return nil, fmt.Errorf("parse lookup file %q: %w", name, unmarshalErr)
		}

		lookups[placeholder] = table
	}

	return lookups, nil
}

// resolve returns the first non-empty value among the report setting,
// the defaults section, and the hardcoded fallback.
func resolve(fromReport, fromDefaults, fallback string) string {
	if fromReport != "" {
		return fromReport
	}

	if fromDefaults != "" {
		return fromDefaults
	}

	return fallback
}

func resolveInt(fromReport, fromDefaults int) int {
	if fromReport != 0 {
		return fromReport
	}

	return fromDefaults
}
