package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/reportmill/internal/reader"
)

// ErrConfigInvalid is returned when the configuration fails schema or
// semantic validation.
var ErrConfigInvalid = errors.New("configuration is invalid")

// ValidateCommand holds configuration for the validate command.
type ValidateCommand struct {
	noColor bool
}

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	vc := &ValidateCommand{}

	cmd := &cobra.Command{
		Use:   "validate <config.yaml>",
		Short: "Validate a configuration file",
		Long: "Check a configuration file against the bundled JSON schema, then\n" +
			"resolve every report block the way the run command would.",
		Args: cobra.ExactArgs(1),
		RunE: vc.run,
	}

	cmd.Flags().BoolVar(&vc.noColor, "no-color", false, "disable colored output")

	return cmd
}

func (vc *ValidateCommand) run(cmd *cobra.Command, args []string) error {
	if vc.noColor {
		color.NoColor = true //nolint:reassign // intentional override of library global
	}

	configPath := args[0]
	out := cmd.OutOrStdout()

	violations, err := reader.CheckSchema(configPath)
	if err != nil {
		return err
	}

	if len(violations) > 0 {
		for _, violation := range violations {
			color.New(color.FgRed).Fprintf(out, "✗ %s\n", violation)
		}

		return fmt.Errorf("%w: %d schema violation(s)", ErrConfigInvalid, len(violations))
	}

	cfg, err := reader.LoadConfig(configPath)
	if err != nil {
		color.New(color.FgRed).Fprintf(out, "✗ %v\n", err)

		return fmt.Errorf("%w: %s", ErrConfigInvalid, configPath)
	}

	bad := vc.checkReports(out, cfg)
	if bad > 0 {
		return fmt.Errorf("%w: %d report(s) failed to resolve", ErrConfigInvalid, bad)
	}

	fmt.Fprintf(out, "%s is valid: %d report(s)\n", configPath, len(cfg.Reports))

	return nil
}

// checkReports resolves every report block, including its query or
// script source, and prints one line per report.
func (vc *ValidateCommand) checkReports(out io.Writer, cfg *reader.Config) int {
	rd := reader.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var bad int

	for _, key := range slices.Sorted(maps.Keys(cfg.Reports)) {
		_, err := rd.Definition(key)
		if err != nil {
			color.New(color.FgRed).Fprintf(out, "✗ report %s: %v\n", key, err)

			bad++

			continue
		}

		color.New(color.FgGreen).Fprintf(out, "✓ report %s\n", key)
	}

	return bad
}
