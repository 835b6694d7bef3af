// Package config layers the service settings: built-in defaults, then an
// optional YAML file, then .env files and the process environment. Command
// line flags in main override the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "GEOCLUSTER_"

// Config holds the full service configuration.
type Config struct {
	Port   int    `yaml:"port"`
	Domain string `yaml:"domain"`

	Database Database `yaml:"database"`
	Engine   Engine   `yaml:"engine"`
	View     View     `yaml:"default_view"`

	// Remote, when set, makes the engine read records from another node's
	// HTTP API instead of the local database.
	Remote    string `yaml:"remote"`
	GeoIPPath string `yaml:"geoip_path"`
}

// Database mirrors database.Config.
type Database struct {
	Type    string `yaml:"type"`
	Path    string `yaml:"path"`
	Conn    string `yaml:"conn"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"ssl_mode"`
}

// Engine carries the tunables of the viewport pipeline.
type Engine struct {
	ClusterMaxZoom   float64       `yaml:"cluster_max_zoom"`
	BaseCellSizeDeg  float64       `yaml:"base_cell_size_deg"`
	MinClusterSize   int           `yaml:"min_cluster_size"`
	PaddingRatio     float64       `yaml:"padding_ratio"`
	Progressive      bool          `yaml:"progressive"`
	InitialBatchSize int           `yaml:"initial_batch_size"`
	MaxRetries       int           `yaml:"max_retries"`
	BatchTimeout     time.Duration `yaml:"batch_timeout"`
	MetadataTTL      time.Duration `yaml:"metadata_ttl"`
	TelemetryFlush   time.Duration `yaml:"telemetry_flush"`
	DataDebounce     time.Duration `yaml:"data_debounce"`
	StyleDebounce    time.Duration `yaml:"style_debounce"`
}

// View is the fallback initial viewport.
type View struct {
	Lat  float64 `yaml:"lat"`
	Lon  float64 `yaml:"lon"`
	Zoom float64 `yaml:"zoom"`
	// HalfSpanDeg is half the height of the default viewport in degrees.
	HalfSpanDeg float64 `yaml:"half_span_deg"`
}

// Default returns sane defaults.
func Default() *Config {
	return &Config{
		Port: 8765,
		Database: Database{
			Type:    "sqlite",
			Host:    "127.0.0.1",
			Port:    5432,
			User:    "postgres",
			Name:    "geocluster",
			SSLMode: "prefer",
		},
		Engine: Engine{
			ClusterMaxZoom:   14,
			BaseCellSizeDeg:  90,
			MinClusterSize:   2,
			PaddingRatio:     0.15,
			InitialBatchSize: 500,
			MaxRetries:       3,
			BatchTimeout:     10 * time.Second,
			MetadataTTL:      10 * time.Minute,
			TelemetryFlush:   time.Second,
			DataDebounce:     250 * time.Millisecond,
			StyleDebounce:    50 * time.Millisecond,
		},
		View: View{Lat: 44.08832, Lon: 42.97577, Zoom: 11, HalfSpanDeg: 0.25},
	}
}

// Load builds the configuration. path may be empty; envFiles that do not
// exist are skipped.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields from GEOCLUSTER_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	integer("PORT", &c.Port)
	str("DOMAIN", &c.Domain)
	str("REMOTE", &c.Remote)
	str("GEOIP_PATH", &c.GeoIPPath)

	str("DB_TYPE", &c.Database.Type)
	str("DB_PATH", &c.Database.Path)
	str("DB_CONN", &c.Database.Conn)
	str("DB_HOST", &c.Database.Host)
	integer("DB_PORT", &c.Database.Port)
	str("DB_USER", &c.Database.User)
	str("DB_PASS", &c.Database.Pass)
	str("DB_NAME", &c.Database.Name)
	str("PG_SSL_MODE", &c.Database.SSLMode)

	float("CLUSTER_MAX_ZOOM", &c.Engine.ClusterMaxZoom)
	float("BASE_CELL_SIZE_DEG", &c.Engine.BaseCellSizeDeg)
	integer("MIN_CLUSTER_SIZE", &c.Engine.MinClusterSize)
	float("PADDING_RATIO", &c.Engine.PaddingRatio)
	boolean("PROGRESSIVE", &c.Engine.Progressive)
	integer("INITIAL_BATCH_SIZE", &c.Engine.InitialBatchSize)
	integer("MAX_RETRIES", &c.Engine.MaxRetries)
	duration("BATCH_TIMEOUT", &c.Engine.BatchTimeout)
	duration("METADATA_TTL", &c.Engine.MetadataTTL)
	duration("TELEMETRY_FLUSH", &c.Engine.TelemetryFlush)
	duration("DATA_DEBOUNCE", &c.Engine.DataDebounce)
	duration("STYLE_DEBOUNCE", &c.Engine.StyleDebounce)

	float("DEFAULT_LAT", &c.View.Lat)
	float("DEFAULT_LON", &c.View.Lon)
	float("DEFAULT_ZOOM", &c.View.Zoom)

	return errors.Join(errs...)
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch strings.ToLower(c.Database.Type) {
	case "sqlite", "chai", "genji", "duckdb", "pgx":
	default:
		return fmt.Errorf("unsupported database type %q (use sqlite, chai, genji, duckdb or pgx)", c.Database.Type)
	}
	if c.Engine.ClusterMaxZoom < 0 {
		return errors.New("cluster_max_zoom must be >= 0")
	}
	if c.Engine.BaseCellSizeDeg <= 0 {
		return errors.New("base_cell_size_deg must be > 0")
	}
	if c.Engine.PaddingRatio < 0 || c.Engine.PaddingRatio > 1 {
		return fmt.Errorf("padding_ratio %v outside [0,1]", c.Engine.PaddingRatio)
	}
	if c.Engine.MinClusterSize < 1 {
		return errors.New("min_cluster_size must be >= 1")
	}
	if c.Engine.InitialBatchSize <= 0 {
		return errors.New("initial_batch_size must be > 0")
	}
	if c.View.Lat < -90 || c.View.Lat > 90 || c.View.Lon < -180 || c.View.Lon > 180 {
		return fmt.Errorf("default view %v,%v is not a coordinate", c.View.Lat, c.View.Lon)
	}
	if c.View.HalfSpanDeg <= 0 {
		return errors.New("default_view.half_span_deg must be > 0")
	}
	if c.Remote != "" && !strings.HasPrefix(c.Remote, "http://") && !strings.HasPrefix(c.Remote, "https://") {
		return fmt.Errorf("remote %q must be an http(s) url", c.Remote)
	}
	return nil
}
