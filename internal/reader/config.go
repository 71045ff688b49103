// Package reader loads the reportmill configuration: run folders,
// database targets, the graphite block, and the report definitions with
// their query or script sources.
package reader

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/reportmill/internal/report"
)

// Sentinel validation errors.
var (
	ErrMissingQueryFolder  = errors.New("query folder must be set")
	ErrMissingOutputFolder = errors.New("output folder must be set")
	ErrInvalidGraphitePort = errors.New("invalid graphite port")
	ErrInvalidDatabase     = errors.New("database needs driver and dsn")
)

// configName is the config file name without extension.
const configName = ".reportmill"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for reportmill settings.
const envPrefix = "REPORTMILL"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Default graphite plaintext-protocol port.
const defaultGraphitePort = 2003

// maxPort is the highest valid TCP port.
const maxPort = 65535

// flagBindings maps config keys onto the command-line flags allowed to
// override them.
var flagBindings = map[string]string{
	"query_folder":   "query-folder",
	"output_folder":  "output-folder",
	"metrics_listen": "metrics-listen",
	"logging.file":   "log-file",
}

// Config holds all configuration for one reportmill run.
type Config struct {
	QueryFolder   string                  `mapstructure:"query_folder"`
	OutputFolder  string                  `mapstructure:"output_folder"`
	Databases     map[string]Database     `mapstructure:"databases"`
	Graphite      GraphiteConfig          `mapstructure:"graphite"`
	Defaults      ReportDefaults          `mapstructure:"defaults"`
	Reports       map[string]ReportConfig `mapstructure:"reports"`
	Logging       LoggingConfig           `mapstructure:"logging"`
	MetricsListen string                  `mapstructure:"metrics_listen"`
}

// Database is one configured connection target.
type Database struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// GraphiteConfig holds the optional metrics sink endpoint and the
// dimension value lookup files, relative to the query folder.
type GraphiteConfig struct {
	Host    string            `mapstructure:"host"`
	Port    int               `mapstructure:"port"`
	Lookups map[string]string `mapstructure:"lookups"`
}

// Addr renders the carbon endpoint as host:port.
func (g GraphiteConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// ReportDefaults fills report fields omitted from individual report
// blocks.
type ReportDefaults struct {
	Type          string `mapstructure:"type"`
	Granularity   string `mapstructure:"granularity"`
	Starts        string `mapstructure:"starts"`
	Lag           int    `mapstructure:"lag"`
	MaxDataPoints int    `mapstructure:"max_data_points"`
	Group         string `mapstructure:"group"`
	DB            string `mapstructure:"db"`
}

// ReportConfig is one report block as written in configuration. Lag is
// in seconds; Starts is the first window date in YYYY-MM-DD.
type ReportConfig struct {
	Type          string            `mapstructure:"type"`
	Granularity   string            `mapstructure:"granularity"`
	Starts        string            `mapstructure:"starts"`
	Lag           int               `mapstructure:"lag"`
	MaxDataPoints int               `mapstructure:"max_data_points"`
	Funnel        bool              `mapstructure:"funnel"`
	Group         string            `mapstructure:"group"`
	DB            string            `mapstructure:"db"`
	Execute       string            `mapstructure:"execute"`
	ExplodeBy     map[string]string `mapstructure:"explode_by"`
	Graphite      ReportGraphite    `mapstructure:"graphite"`
}

// ReportGraphite is the per-report metrics sink block.
type ReportGraphite struct {
	Path    string            `mapstructure:"path"`
	Metrics map[string]string `mapstructure:"metrics"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWithFlags(configPath, nil)
}

// LoadConfigWithFlags loads configuration like LoadConfig and binds the
// known override flags on top of file and environment values. Viper only
// consults a bound flag when it was set on the command line.
func LoadConfigWithFlags(configPath string, flags *pflag.FlagSet) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	bindErr := bindFlags(viperCfg, flags)
	if bindErr != nil {
		return nil, bindErr
	}

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		dateToStringHookFunc(),
	)))
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func bindFlags(viperCfg *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}

	for key, name := range flagBindings {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}

		err := viperCfg.BindPFlag(key, flag)
		if err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return nil
}

// dateToStringHookFunc renders YAML timestamp scalars back into plain
// YYYY-MM-DD strings, so unquoted starts dates decode like quoted ones.
func dateToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from != reflect.TypeOf(time.Time{}) || to.Kind() != reflect.String {
			return data, nil
		}

		return data.(time.Time).UTC().Format(report.DateLayout), nil
	}
}

func applyDefaults(viperCfg *viper.Viper) {
	// Empty defaults register keys without a natural default, so env
	// overrides reach Unmarshal.
	viperCfg.SetDefault("query_folder", "")
	viperCfg.SetDefault("output_folder", "")
	viperCfg.SetDefault("metrics_listen", "")

	viperCfg.SetDefault("graphite.host", "")
	viperCfg.SetDefault("graphite.port", defaultGraphitePort)

	viperCfg.SetDefault("defaults.type", defaultReportType)
	viperCfg.SetDefault("defaults.granularity", defaultGranularity)

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "text")
	viperCfg.SetDefault("logging.file", "")
}

// Validate checks the settings a run cannot start without.
func (c *Config) Validate() error {
	if c.QueryFolder == "" {
		return ErrMissingQueryFolder
	}

	if c.OutputFolder == "" {
		return ErrMissingOutputFolder
	}

	if c.Graphite.Host != "" && (c.Graphite.Port <= 0 || c.Graphite.Port > maxPort) {
		return fmt.Errorf("%w: %d", ErrInvalidGraphitePort, c.Graphite.Port)
	}

	for key, db := range c.Databases {
		if db.Driver == "" || db.DSN == "" {
			return fmt.Errorf("%w: %q", ErrInvalidDatabase, key)
		}
	}

	return nil
}
