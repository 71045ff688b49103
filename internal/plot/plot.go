// Package plot renders report artifacts as self-contained HTML line
// charts, one series per value column.
package plot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// ErrNoData means the result set has no header or no value columns to chart.
var ErrNoData = errors.New("nothing to chart")

const (
	chartWidth  = "1200px"
	chartHeight = "600px"

	lineWidth = 2
)

// Chart builds a line chart over the result set. The X axis carries the
// window dates in ascending order; every column after the date becomes
// a series. Cells that do not parse as numbers render as gaps.
func Chart(title string, rs *report.ResultSet) (*charts.Line, error) {
	if len(rs.Header) < 2 || rs.Len() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoData, title)
	}

	labels, series := buildSeries(rs)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: title,
			Width:     chartWidth,
			Height:    chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{Title: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "date"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "value"}),
	)

	line.SetXAxis(labels)

	for _, column := range rs.Header[1:] {
		line.AddSeries(column, series[column],
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}),
			charts.WithLineStyleOpts(opts.LineStyle{Width: lineWidth}),
		)
	}

	return line, nil
}

// buildSeries flattens the result set into X labels and one data slice
// per value column. Funnel artifacts chart every row, so a date label
// may repeat.
func buildSeries(rs *report.ResultSet) ([]string, map[string][]opts.LineData) {
	var labels []string

	series := make(map[string][]opts.LineData, len(rs.Header)-1)

	for date, rows := range rs.All() {
		for _, row := range rows {
			labels = append(labels, report.FormatDate(date))

			for i, column := range rs.Header[1:] {
				series[column] = append(series[column], cellValue(row, i+1))
			}
		}
	}

	return labels, series
}

// cellValue parses a numeric cell. Nulls and non-numeric cells become
// the echarts gap marker.
func cellValue(row report.Row, index int) opts.LineData {
	if index >= len(row) {
		return opts.LineData{Value: "-"}
	}

	value, err := strconv.ParseFloat(row[index], 64)
	if err != nil {
		return opts.LineData{Value: "-"}
	}

	return opts.LineData{Value: value}
}

// Render writes the chart for the result set to w as a standalone HTML page.
func Render(w io.Writer, title string, rs *report.ResultSet) error {
	line, err := Chart(title, rs)
	if err != nil {
		return err
	}

	renderErr := line.Render(w)
	if renderErr != nil {
		return fmt.Errorf("render chart: %w", renderErr)
	}

	return nil
}

// RenderFile writes the chart for the result set to an HTML file at path.
func RenderFile(path, title string, rs *report.ResultSet) error {
	file, createErr := os.Create(path)
	if createErr != nil {
		return fmt.Errorf("create chart file: %w", createErr)
	}

	renderErr := Render(file, title, rs)

	closeErr := file.Close()
	if renderErr != nil {
		return renderErr
	}

	if closeErr != nil {
		return fmt.Errorf("close chart file: %w", closeErr)
	}

	return nil
}
