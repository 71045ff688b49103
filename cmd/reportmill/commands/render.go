package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/reportmill/internal/artifact"
	"github.com/Sumatoshi-tech/reportmill/internal/plot"
)

// htmlExtension is the rendered chart file extension.
const htmlExtension = ".html"

// RenderCommand holds configuration for the render command.
type RenderCommand struct {
	outputPath string
	title      string
}

// NewRenderCommand creates the render command.
func NewRenderCommand() *cobra.Command {
	rc := &RenderCommand{}

	cmd := &cobra.Command{
		Use:   "render <artifact.tsv>",
		Short: "Render a report artifact as an HTML line chart",
		Long: "Read one published artifact and write an HTML page charting its\n" +
			"numeric columns over the window dates. The artifact is never modified.",
		Args: cobra.ExactArgs(1),
		RunE: rc.run,
	}

	cmd.Flags().StringVarP(&rc.outputPath, "output", "o", "", "output HTML file (default: artifact path with .html)")
	cmd.Flags().StringVar(&rc.title, "title", "", "chart title (default: artifact file name)")

	return cmd
}

func (rc *RenderCommand) run(cmd *cobra.Command, args []string) error {
	artifactPath := args[0]

	file, err := os.Open(artifactPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	results, err := artifact.Codec{}.Decode(file)
	if err != nil {
		return err
	}

	title := rc.title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(artifactPath), artifact.Extension)
	}

	outputPath := rc.outputPath
	if outputPath == "" {
		outputPath = strings.TrimSuffix(artifactPath, artifact.Extension) + htmlExtension
	}

	err = plot.RenderFile(outputPath, title, results)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outputPath)

	return nil
}
