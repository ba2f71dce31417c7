// Package config loads engine configuration from YAML or TOML files with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-etl-engine/internal/logging"
	"go-etl-engine/internal/model"
	"go-etl-engine/internal/pipeline"
	"go-etl-engine/internal/usage"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration
type Config struct {
	Server      ServerConfig                `yaml:"server" toml:"server"`
	Logging     logging.Config              `yaml:"logging" toml:"logging"`
	Store       StoreConfig                 `yaml:"store" toml:"store"`
	Input       InputConfig                 `yaml:"input" toml:"input"`
	Output      OutputConfig                `yaml:"output" toml:"output"`
	Runs        RunsConfig                  `yaml:"runs" toml:"runs"`
	ObjectStore ObjectStoreConfig           `yaml:"object_store" toml:"object_store"`
	HTTPSource  HTTPSourceConfig            `yaml:"http_source" toml:"http_source"`
	Quality     QualityConfig               `yaml:"quality" toml:"quality"`
	Tiers       map[string]model.TierPolicy `yaml:"tiers" toml:"tiers"`
}

// ServerConfig configures the HTTP adapter
type ServerConfig struct {
	Address   string  `yaml:"address" toml:"address"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"` // requests per second, 0 disables
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst"`
}

// StoreConfig configures run persistence; an empty path disables it
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// InputConfig configures where local file sources are read from. Local
// sources must resolve inside Dir; an empty Dir allows any path.
type InputConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// OutputConfig configures where file targets are written. Local targets
// must resolve inside Dir.
type OutputConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// RunsConfig configures run execution
type RunsConfig struct {
	DefaultTimeout string `yaml:"default_timeout" toml:"default_timeout"`
	RegistrySize   int    `yaml:"registry_size" toml:"registry_size"`
}

// ObjectStoreConfig configures s3:// locations; an empty endpoint disables them
type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	Region          string `yaml:"region" toml:"region"`
	UseSSL          bool   `yaml:"use_ssl" toml:"use_ssl"`
}

// HTTPSourceConfig configures the HTTP extractor client
type HTTPSourceConfig struct {
	Timeout   string  `yaml:"timeout" toml:"timeout"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" toml:"rate_burst"`
	UserAgent string  `yaml:"user_agent" toml:"user_agent"`
}

// QualityConfig configures quality scoring
type QualityConfig struct {
	Weights pipeline.QualityWeights `yaml:"weights" toml:"weights"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Address: ":8080", RateLimit: 50, RateBurst: 100},
		Logging: logging.Config{Level: "info"},
		Store:   StoreConfig{Path: "pipeline.db"},
		Input:   InputConfig{Dir: "data"},
		Output:  OutputConfig{Dir: "output"},
		Runs:    RunsConfig{DefaultTimeout: "5m", RegistrySize: pipeline.DefaultRegistrySize},
		HTTPSource: HTTPSourceConfig{
			Timeout:   "30s",
			RateLimit: 10,
			RateBurst: 5,
			UserAgent: "go-etl-engine/1.0",
		},
		Quality: QualityConfig{Weights: pipeline.DefaultQualityWeights()},
		Tiers:   usage.DefaultPolicies(),
	}
}

// Load reads the file at path on top of the defaults. The format follows the
// extension: .toml is TOML, anything else YAML (which also accepts JSON).
// An empty path yields the defaults. Environment overrides apply last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	// #nosec G304 -- config path is given by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Tiers named in the file replace the default tier of the same name
	defaults := c.Tiers
	c.Tiers = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), c); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	merged := make(map[string]model.TierPolicy, len(defaults)+len(c.Tiers))
	for name, p := range defaults {
		merged[name] = p
	}
	for name, p := range c.Tiers {
		if p.Name == "" {
			p.Name = name
		}
		merged[name] = p
	}
	c.Tiers = merged
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("ETL_SERVER_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("ETL_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("ETL_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}
	if val, ok := os.LookupEnv("ETL_STORE_PATH"); ok {
		cfg.Store.Path = val
	}
	if val, ok := os.LookupEnv("ETL_INPUT_DIR"); ok {
		cfg.Input.Dir = val
	}
	if val := os.Getenv("ETL_OUTPUT_DIR"); val != "" {
		cfg.Output.Dir = val
	}
	if val := os.Getenv("ETL_RUN_TIMEOUT"); val != "" {
		cfg.Runs.DefaultTimeout = val
	}

	if val := os.Getenv("ETL_S3_ENDPOINT"); val != "" {
		cfg.ObjectStore.Endpoint = val
	}
	if val := os.Getenv("ETL_S3_ACCESS_KEY_ID"); val != "" {
		cfg.ObjectStore.AccessKeyID = val
	}
	if val := os.Getenv("ETL_S3_SECRET_ACCESS_KEY"); val != "" {
		cfg.ObjectStore.SecretAccessKey = val
	}
	if val := os.Getenv("ETL_S3_REGION"); val != "" {
		cfg.ObjectStore.Region = val
	}
	if val := os.Getenv("ETL_S3_USE_SSL"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.ObjectStore.UseSSL = b
		}
	}
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("server rate limit must not be negative")
	}
	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if err := validDuration("runs.default_timeout", c.Runs.DefaultTimeout); err != nil {
		return err
	}
	if c.Runs.RegistrySize < 0 {
		return fmt.Errorf("runs.registry_size must not be negative")
	}
	if err := validDuration("http_source.timeout", c.HTTPSource.Timeout); err != nil {
		return err
	}
	if c.HTTPSource.RateLimit < 0 || c.HTTPSource.RateBurst < 0 {
		return fmt.Errorf("http_source rate limit must not be negative")
	}
	w := c.Quality.Weights
	if w.Nulls < 0 || w.Duplicates < 0 || w.Conversions < 0 {
		return fmt.Errorf("quality weights must not be negative")
	}
	if w.Nulls+w.Duplicates+w.Conversions <= 0 {
		return fmt.Errorf("quality weights must not all be zero")
	}
	if c.ObjectStore.Endpoint != "" && (c.ObjectStore.AccessKeyID == "" || c.ObjectStore.SecretAccessKey == "") {
		return fmt.Errorf("object_store credentials are required when an endpoint is set")
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	for name, p := range c.Tiers {
		if err := validateTier(name, p); err != nil {
			return err
		}
	}
	return nil
}

func validateTier(name string, p model.TierPolicy) error {
	if p.Name != name {
		return fmt.Errorf("tier %q: name %q does not match its key", name, p.Name)
	}
	if p.MaxFileSizeBytes < 0 || p.MaxExecutions < 0 || p.RequestsPerMinute < 0 {
		return fmt.Errorf("tier %q: limits must not be negative", name)
	}
	return validDuration(fmt.Sprintf("tier %q timeout", name), p.Timeout)
}

func validDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

// Policies returns the tiers as a usage policy set
func (c *Config) Policies() usage.PolicySet {
	set := make(usage.PolicySet, len(c.Tiers))
	for name, p := range c.Tiers {
		set[name] = p
	}
	return set
}

// DefaultTimeout returns the run timeout used when a tier declares none
func (c *Config) DefaultTimeout() time.Duration {
	d, err := time.ParseDuration(c.Runs.DefaultTimeout)
	if err != nil {
		return pipeline.DefaultTimeout
	}
	return d
}

// HTTPTimeout returns the HTTP extractor timeout
func (c *Config) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(c.HTTPSource.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
