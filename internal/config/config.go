// Package config provides configuration management for portscope.
// Files may be JSON or YAML. Values are decoded on top of Default(), so
// missing keys keep their defaults and unknown keys are ignored.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	scanerrors "github.com/anstrom/portscope/internal/errors"
	"github.com/anstrom/portscope/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the application configuration.
type Config struct {
	Scanning    ScanningConfig    `yaml:"scanning" json:"scanning"`
	Adaptive    AdaptiveConfig    `yaml:"adaptive" json:"adaptive"`
	Output      OutputConfig      `yaml:"output" json:"output"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Logging     logging.Config    `yaml:"logging" json:"logging"`
}

// ScanningConfig holds scan defaults. Non-zero TimeoutMS, PortParallelism and
// HostRate are treated as user overrides and take precedence over learned values.
type ScanningConfig struct {
	Ports             string        `yaml:"ports" json:"ports" validate:"required"`
	ScanType          string        `yaml:"scan_type" json:"scan_type" validate:"oneof=connect syn udp fin xmas null"`
	TimeoutMS         int           `yaml:"timeout_ms" json:"timeout_ms" validate:"gte=0,lte=600000"`
	HostParallelism   int           `yaml:"host_parallelism" json:"host_parallelism" validate:"gte=1,lte=4096"`
	PortParallelism   int           `yaml:"port_parallelism" json:"port_parallelism" validate:"gte=0,lte=65535"`
	HostRate          float64       `yaml:"host_rate" json:"host_rate" validate:"gte=0"`
	Rate              float64       `yaml:"rate" json:"rate" validate:"gte=0"`
	FallbackToConnect bool          `yaml:"fallback_to_connect" json:"fallback_to_connect"`
	FirewallDetection bool          `yaml:"firewall_detection" json:"firewall_detection"`
	ServiceDetection  string        `yaml:"service_detection" json:"service_detection" validate:"omitempty,oneof=none banner nmap"`
	CacheTTL          time.Duration `yaml:"cache_ttl" json:"cache_ttl" validate:"gte=0"`
	Nameserver        string        `yaml:"nameserver" json:"nameserver"`
}

// AdaptiveConfig holds learning engine parameters.
type AdaptiveConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	LearningRate     float64       `yaml:"learning_rate" json:"learning_rate" validate:"gt=0,lte=1"`
	MinParallelism   int           `yaml:"min_parallelism" json:"min_parallelism" validate:"gte=1"`
	MaxParallelism   int           `yaml:"max_parallelism" json:"max_parallelism" validate:"gte=1"`
	HighWater        float64       `yaml:"high_water" json:"high_water" validate:"gte=0,lte=1"`
	LowWater         float64       `yaml:"low_water" json:"low_water" validate:"gte=0,lte=1"`
	LowLatencyFactor float64       `yaml:"low_latency_factor" json:"low_latency_factor" validate:"gt=0"`
	RetentionDays    int           `yaml:"retention_days" json:"retention_days" validate:"gte=0"`
	FlushInterval    time.Duration `yaml:"flush_interval" json:"flush_interval" validate:"gte=0"`
	StorePath        string        `yaml:"store_path" json:"store_path"`
}

// OutputConfig selects how results are rendered.
type OutputConfig struct {
	Format  string `yaml:"format" json:"format" validate:"oneof=human json csv xml"`
	File    string `yaml:"file" json:"file"`
	Verbose bool   `yaml:"verbose" json:"verbose"`
}

// StorageConfig configures optional result persistence.
type StorageConfig struct {
	ResultsDSN string `yaml:"results_dsn" json:"results_dsn"`
}

// PerformanceConfig sizes the probe worker pool.
type PerformanceConfig struct {
	Workers   int `yaml:"workers" json:"workers" validate:"gte=1,lte=65535"`
	QueueSize int `yaml:"queue_size" json:"queue_size" validate:"gte=0"`
	Burst     int `yaml:"burst" json:"burst" validate:"gte=0"`
}

// MetricsConfig controls the HTTP metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen" validate:"required_if=Enabled true"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			Ports:             "1-1000",
			ScanType:          "connect",
			HostParallelism:   16,
			FallbackToConnect: true,
			ServiceDetection:  "none",
		},
		Adaptive: AdaptiveConfig{
			Enabled:          true,
			LearningRate:     0.1,
			MinParallelism:   1,
			MaxParallelism:   100,
			HighWater:        0.8,
			LowWater:         0.5,
			LowLatencyFactor: 0.5,
			RetentionDays:    30,
			FlushInterval:    30 * time.Second,
			StorePath:        DefaultStorePath(),
		},
		Output: OutputConfig{
			Format: "human",
		},
		Performance: PerformanceConfig{
			Workers:   256,
			QueueSize: 1024,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9109",
		},
		Logging: logging.DefaultConfig(),
	}
}

// DefaultStorePath returns the adaptive store location under the user's home.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "portscope", "adaptive.json")
	}
	return filepath.Join(home, ".portscope", "adaptive.json")
}

// Load reads configuration from path. A missing file yields defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, scanerrors.WrapConfigError(scanerrors.CodeConfiguration, "failed to read config file", err)
	}

	kind := "YAML"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		kind = "JSON"
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, scanerrors.WrapConfigError(scanerrors.CodeConfiguration,
			fmt.Sprintf("failed to parse %s config", kind), err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return scanerrors.NewConfigFieldError(scanerrors.CodeValidation,
				fmt.Sprintf("failed %q constraint", fe.Tag()), fieldPath(fe.Namespace()), fe.Value())
		}
		return scanerrors.WrapConfigError(scanerrors.CodeValidation, "invalid configuration", err)
	}

	if c.Adaptive.MinParallelism > c.Adaptive.MaxParallelism {
		return scanerrors.NewConfigFieldError(scanerrors.CodeValidation,
			"min_parallelism exceeds max_parallelism", "adaptive.min_parallelism", c.Adaptive.MinParallelism)
	}
	if c.Adaptive.LowWater > c.Adaptive.HighWater {
		return scanerrors.NewConfigFieldError(scanerrors.CodeValidation,
			"low_water exceeds high_water", "adaptive.low_water", c.Adaptive.LowWater)
	}
	return nil
}

// fieldPath turns "Config.Adaptive.LearningRate" into "adaptive.learningrate".
func fieldPath(ns string) string {
	return strings.ToLower(strings.TrimPrefix(ns, "Config."))
}

// Timeout returns the timeout override, or zero when the learned value applies.
func (s ScanningConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}
