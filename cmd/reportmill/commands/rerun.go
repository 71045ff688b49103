package commands

import (
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/reportmill/internal/reader"
	"github.com/Sumatoshi-tech/reportmill/internal/report"
	"github.com/Sumatoshi-tech/reportmill/internal/rerun"
)

var (
	// ErrBadRange is returned when the rerun range is empty or inverted.
	ErrBadRange = errors.New("start date must be before end date")
	// ErrFutureRange is returned when the rerun range ends in the future.
	ErrFutureRange = errors.New("end date is in the future")
	// ErrStartsAfterRange is returned for a report whose first window
	// begins on or after the requested range end.
	ErrStartsAfterRange = errors.New("report starts after the range end")
)

// RerunCommand holds configuration for the rerun command.
type RerunCommand struct {
	configPath string
	reports    []string
}

// NewRerunCommand creates the rerun command.
func NewRerunCommand() *cobra.Command {
	rc := &RerunCommand{}

	cmd := &cobra.Command{
		Use:   "rerun <start> <end>",
		Short: "Mark report windows for recomputation",
		Long: "Write a rerun directive reopening every window starting inside\n" +
			"[start, end) for the named reports. The next run recomputes them.",
		Args: cobra.ExactArgs(2),
		RunE: rc.run,
	}

	cmd.Flags().StringVarP(&rc.configPath, "config", "c", "", "config file path (default: .reportmill.yaml in CWD or $HOME)")
	cmd.Flags().StringArrayVarP(&rc.reports, "report", "r", nil, "report to re-run (repeatable; default: all configured reports)")

	return cmd
}

func (rc *RerunCommand) run(cmd *cobra.Command, args []string) error {
	start, err := report.ParseDate(args[0])
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	end, err := report.ParseDate(args[1])
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}

	if !start.Before(end) {
		return fmt.Errorf("%w: %s >= %s", ErrBadRange, args[0], args[1])
	}

	if end.After(time.Now().UTC()) {
		return fmt.Errorf("%w: %s", ErrFutureRange, args[1])
	}

	cfg, err := reader.LoadConfig(rc.configPath)
	if err != nil {
		return err
	}

	keys, err := rerunKeys(cfg, rc.reports, end)
	if err != nil {
		return err
	}

	path, err := rerun.Write(filepath.Join(cfg.QueryFolder, rerun.Folder), &rerun.Directive{
		Start: start,
		End:   end,
		Keys:  keys,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "marked %d report(s) for re-run: %s\n", len(keys), path)

	return nil
}

// rerunKeys resolves the requested report keys against the configuration
// and rejects reports the range cannot touch. No explicit keys means all
// configured reports, in stable order.
func rerunKeys(cfg *reader.Config, requested []string, end time.Time) ([]string, error) {
	keys := requested
	if len(keys) == 0 {
		keys = slices.Sorted(maps.Keys(cfg.Reports))
	}

	for _, key := range keys {
		reportCfg, ok := cfg.Reports[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", reader.ErrUnknownReport, key)
		}

		starts := reportCfg.Starts
		if starts == "" {
			starts = cfg.Defaults.Starts
		}

		if starts == "" {
			return nil, fmt.Errorf("report %q: %w", key, reader.ErrMissingStarts)
		}

		first, err := report.ParseDate(starts)
		if err != nil {
			return nil, fmt.Errorf("report %q starts: %w", key, err)
		}

		if !first.Before(end) {
			return nil, fmt.Errorf("%w: %q starts %s", ErrStartsAfterRange, key, starts)
		}
	}

	return keys, nil
}
