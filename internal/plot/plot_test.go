package plot_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-echarts/go-echarts/v2/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/reportmill/internal/plot"
	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

func date(day int) time.Time {
	return time.Date(2016, 1, day, 0, 0, 0, 0, time.UTC)
}

func sampleResultSet() *report.ResultSet {
	rs := report.NewResultSet([]string{"date", "visits", "unique"})
	rs.Replace(date(5), report.Row{"2016-01-05", "10", "4"})
	rs.Replace(date(6), report.Row{"2016-01-06", "12", ""})
	rs.Replace(date(7), report.Row{"2016-01-07", "9", "3"})

	return rs
}

func TestChart_BuildsSeriesPerColumn(t *testing.T) {
	t.Parallel()

	line, err := plot.Chart("visits", sampleResultSet())
	require.NoError(t, err)
	require.NotNil(t, line)

	var buf bytes.Buffer

	renderer := render.NewChartRender(line, line.Validate)
	require.NoError(t, renderer.Render(&buf))
	assert.Positive(t, buf.Len())

	html := buf.String()
	assert.Contains(t, html, "visits")
	assert.Contains(t, html, "unique")
	assert.Contains(t, html, "2016-01-05")
}

func TestChart_EmptyResultSet(t *testing.T) {
	t.Parallel()

	_, err := plot.Chart("visits", report.NewResultSet([]string{"date", "visits"}))
	require.ErrorIs(t, err, plot.ErrNoData)
}

func TestChart_NoValueColumns(t *testing.T) {
	t.Parallel()

	rs := report.NewResultSet([]string{"date"})
	rs.Replace(date(5), report.Row{"2016-01-05"})

	_, err := plot.Chart("visits", rs)
	require.ErrorIs(t, err, plot.ErrNoData)
}

func TestRender_WritesHTML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	require.NoError(t, plot.Render(&buf, "visits", sampleResultSet()))
	assert.Contains(t, buf.String(), "<html>")
}

func TestRenderFile_CreatesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "visits.html")

	require.NoError(t, plot.RenderFile(path, "visits", sampleResultSet()))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "visits")
}

func TestRenderFile_BadPath(t *testing.T) {
	t.Parallel()

	err := plot.RenderFile(filepath.Join(t.TempDir(), "missing", "visits.html"), "visits", sampleResultSet())
	require.Error(t, err)
}

// Funnel artifacts keep several rows per window; each row becomes a point.
func TestChart_FunnelRowsAllCharted(t *testing.T) {
	t.Parallel()

	rs := report.NewResultSet([]string{"date", "step"})
	rs.Append(date(5), report.Row{"2016-01-05", "100"}, report.Row{"2016-01-05", "40"})

	line, err := plot.Chart("funnel", rs)
	require.NoError(t, err)

	var buf bytes.Buffer

	renderer := render.NewChartRender(line)
	require.NoError(t, renderer.Render(&buf))

	assert.Contains(t, buf.String(), "100")
	assert.Contains(t, buf.String(), "40")
}
