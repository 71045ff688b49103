package reader_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/reportmill/internal/reader"
)

func TestLoadConfig_ValidFile_Unmarshals(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "reportmill.yaml")
	content := `query_folder: /srv/queries
output_folder: /srv/output
metrics_listen: ":9464"
databases:
  analytics:
    driver: mysql
    dsn: "stats:secret@tcp(db.local:3306)/logs"
graphite:
  host: carbon.local
  port: 2004
  lookups:
    wiki: wiki-names.yaml
defaults:
  db: analytics
  granularity: weeks
logging:
  level: debug
  format: json
reports:
  visits:
    granularity: days
    starts: 2016-01-01
    lag: 7200
    max_data_points: 30
    funnel: true
    explode_by:
      wiki: "enwiki, dewiki"
    graphite:
      path: "daily.{wiki}"
      metrics:
        count: visits
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := reader.LoadConfig(cfgPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "/srv/queries", cfg.QueryFolder)
	assert.Equal(t, "/srv/output", cfg.OutputFolder)
	assert.Equal(t, ":9464", cfg.MetricsListen)

	assert.Equal(t, "mysql", cfg.Databases["analytics"].Driver)
	assert.Equal(t, "stats:secret@tcp(db.local:3306)/logs", cfg.Databases["analytics"].DSN)

	assert.Equal(t, "carbon.local", cfg.Graphite.Host)
	assert.Equal(t, 2004, cfg.Graphite.Port)
	assert.Equal(t, "wiki-names.yaml", cfg.Graphite.Lookups["wiki"])

	assert.Equal(t, "analytics", cfg.Defaults.DB)
	assert.Equal(t, "weeks", cfg.Defaults.Granularity)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	visits := cfg.Reports["visits"]
	assert.Equal(t, "days", visits.Granularity)
	assert.Equal(t, "2016-01-01", visits.Starts)
	assert.Equal(t, 7200, visits.Lag)
	assert.Equal(t, 30, visits.MaxDataPoints)
	assert.True(t, visits.Funnel)
	assert.Equal(t, "enwiki, dewiki", visits.ExplodeBy["wiki"])
	assert.Equal(t, "daily.{wiki}", visits.Graphite.Path)
	assert.Equal(t, "visits", visits.Graphite.Metrics["count"])
}

// Unquoted dates are YAML timestamps; the loader must fold them back
// into plain date strings.
func TestLoadConfig_UnquotedStartsDate_DecodesAsString(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "reportmill.yaml")
	content := `query_folder: /srv/queries
output_folder: /srv/output
reports:
  visits:
    starts: 2016-01-05
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := reader.LoadConfig(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "2016-01-05", cfg.Reports["visits"].Starts)
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "reportmill.yaml")
	content := `query_folder: /srv/queries
output_folder: /srv/output
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := reader.LoadConfig(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, 2003, cfg.Graphite.Port)
	assert.Equal(t, "sql", cfg.Defaults.Type)
	assert.Equal(t, "days", cfg.Defaults.Granularity)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfig_EnvOverride_QueryFolder(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "reportmill.yaml")
	content := `query_folder: /srv/queries
output_folder: /srv/output
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	t.Setenv("REPORTMILL_QUERY_FOLDER", "/srv/other-queries")

	cfg, err := reader.LoadConfig(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "/srv/other-queries", cfg.QueryFolder)
}

func TestLoadConfig_EnvOverride_NestedKey(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "reportmill.yaml")
	content := `query_folder: /srv/queries
output_folder: /srv/output
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	t.Setenv("REPORTMILL_LOGGING_LEVEL", "debug")

	cfg, err := reader.LoadConfig(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_MalformedYAML_ReturnsError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	content := `reports: [broken
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	cfg, err := reader.LoadConfig(cfgPath)
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "read config")
}

func TestLoadConfig_ExplicitPath_NotFound_ReturnsError(t *testing.T) {
	t.Parallel()

	cfg, err := reader.LoadConfig("/nonexistent/path/reportmill.yaml")
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfig_ValidationFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{
			name:    "missing query folder",
			content: "output_folder: /srv/output\n",
			wantErr: reader.ErrMissingQueryFolder,
		},
		{
			name:    "missing output folder",
			content: "query_folder: /srv/queries\n",
			wantErr: reader.ErrMissingOutputFolder,
		},
		{
			name: "graphite port out of range",
			content: `query_folder: /srv/queries
output_folder: /srv/output
graphite:
  host: carbon.local
  port: 70000
`,
			wantErr: reader.ErrInvalidGraphitePort,
		},
		{
			name: "database without dsn",
			content: `query_folder: /srv/queries
output_folder: /srv/output
databases:
  analytics:
    driver: mysql
`,
			wantErr: reader.ErrInvalidDatabase,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfgPath := filepath.Join(t.TempDir(), "reportmill.yaml")
			require.NoError(t, os.WriteFile(cfgPath, []byte(tt.content), 0o600))

			_, err := reader.LoadConfig(cfgPath)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGraphiteConfigAddr(t *testing.T) {
	t.Parallel()

	cfg := reader.GraphiteConfig{Host: "carbon.local", Port: 2003}

	assert.Equal(t, "carbon.local:2003", cfg.Addr())
}

func TestCheckSchema_ValidConfig(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "reportmill.yaml")
	content := `query_folder: /srv/queries
output_folder: /srv/output
databases:
  analytics:
    driver: mysql
    dsn: "stats:secret@tcp(db.local:3306)/logs"
reports:
  visits:
    granularity: days
    starts: 2016-01-01
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	problems, err := reader.CheckSchema(cfgPath)
	require.NoError(t, err)
	assert.Empty(t, problems)
}

func TestCheckSchema_ReportsViolations(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "reportmill.yaml")
	content := `query_folder: /srv/queries
output_folder: /srv/output
reports:
  visits:
    granularity: fortnights
  pageviews:
    starts: "2016-1-5"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	problems, err := reader.CheckSchema(cfgPath)
	require.NoError(t, err)
	require.NotEmpty(t, problems)

	joined := strings.Join(problems, "\n")
	assert.Contains(t, joined, "granularity")
	assert.Contains(t, joined, "starts")
}

func TestCheckSchema_RejectsUnknownTopLevelKey(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "reportmill.yaml")
	content := `query_folder: /srv/queries
output_folder: /srv/output
reports: {}
unknown_section: true
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	problems, err := reader.CheckSchema(cfgPath)
	require.NoError(t, err)
	require.NotEmpty(t, problems)
	assert.Contains(t, strings.Join(problems, "\n"), "unknown_section")
}

func TestCheckSchema_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := reader.CheckSchema(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCheckSchema_MalformedYAML(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("reports: [broken\n"), 0o600))

	_, err := reader.CheckSchema(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}
