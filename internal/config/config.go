package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the sentinel service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Data      DataConfig      `yaml:"data"`
	Detection DetectionConfig `yaml:"detection"`
	Cache     CacheConfig     `yaml:"cache"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DataConfig points at the CSV tables loaded on boot. When Dir is empty the
// service starts with no dataset and detection waits for one to be loaded.
type DataConfig struct {
	Dir          string `yaml:"dir"`
	DetectOnBoot bool   `yaml:"detectOnBoot"`
}

// DetectionConfig tunes the detectors and the detection pipeline.
type DetectionConfig struct {
	ZScoreWindow      int      `yaml:"zScoreWindow"`
	ZScoreThreshold   float64  `yaml:"zScoreThreshold"`
	EWMAAlpha         float64  `yaml:"ewmaAlpha"`
	EWMAThreshold     float64  `yaml:"ewmaThreshold"`
	MinSegmentSize    int      `yaml:"minSegmentSize"`
	MinOrders         int      `yaml:"minOrders"`
	TopSlices         int      `yaml:"topSlices"`
	CXScoreDeltaFloor float64  `yaml:"cxScoreDeltaFloor"`
	RateDeltaPctFloor float64  `yaml:"rateDeltaPctFloor"`
	MetricsToCheck    []string `yaml:"metricsToCheck"`
	Dimensions        []string `yaml:"dimensions"`
	MaxCohorts        int      `yaml:"maxCohorts"`
}

// CacheConfig controls in-process memoisation of cohort grids.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CX_SENTINEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Data:    DataConfig{DetectOnBoot: true},
		Detection: DetectionConfig{
			ZScoreWindow:      30,
			ZScoreThreshold:   2.5,
			EWMAAlpha:         0.3,
			EWMAThreshold:     2.0,
			MinSegmentSize:    5,
			MinOrders:         10,
			TopSlices:         5,
			CXScoreDeltaFloor: 5.0,
			RateDeltaPctFloor: 5.0,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     5 * time.Minute,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CX_SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("CX_SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("CX_SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CX_SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("CX_SENTINEL_DATA_DIR"); v != "" {
		cfg.Data.Dir = v
	}
	if v := os.Getenv("CX_SENTINEL_DETECT_ON_BOOT"); v != "" {
		cfg.Data.DetectOnBoot = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CX_SENTINEL_MIN_ORDERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.MinOrders = n
		}
	}
	if v := os.Getenv("CX_SENTINEL_TOP_SLICES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.TopSlices = n
		}
	}
	if v := os.Getenv("CX_SENTINEL_MAX_COHORTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.MaxCohorts = n
		}
	}
	if v := os.Getenv("CX_SENTINEL_METRICS_TO_CHECK"); v != "" {
		cfg.Detection.MetricsToCheck = splitList(v)
	}
	if v := os.Getenv("CX_SENTINEL_DIMENSIONS"); v != "" {
		cfg.Detection.Dimensions = splitList(v)
	}
	if v := os.Getenv("CX_SENTINEL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("CX_SENTINEL_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
