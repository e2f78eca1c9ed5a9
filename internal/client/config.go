package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/orphanage/internal/cluster"
	"github.com/otherjamesbrown/orphanage/internal/orphan"
)

const (
	ProjectConfigFile = ".orphanage.yaml"
	envPrefix         = "ORPHANAGE_"
)

// Config holds the orphanage CLI configuration
type Config struct {
	URI         string              `yaml:"uri" validate:"required,startswith=mongodb"`
	Comparison  string              `yaml:"comparison" validate:"oneof=auto exact approximate"`
	Credentials cluster.Credentials `yaml:"credentials"`
	Shards      ShardsConfig        `yaml:"shards"`
	Scan        ScanConfig          `yaml:"scan"`
	Remove      RemoveConfig        `yaml:"remove"`
	Journal     JournalConfig       `yaml:"journal"`
	Metrics     MetricsConfig       `yaml:"metrics"`
}

// ShardsConfig controls direct shard connections
type ShardsConfig struct {
	// Active limits scans to these shard ids; empty means every shard.
	Active               []string      `yaml:"active,omitempty"`
	URIOptions           string        `yaml:"uri_options,omitempty"`
	AllowUnauthenticated bool          `yaml:"allow_unauthenticated"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" validate:"gte=0"`
}

type ScanConfig struct {
	PageSize    int `yaml:"page_size" validate:"gt=0"`
	Parallelism int `yaml:"parallelism" validate:"gt=0,lte=64"`
}

type RemoveConfig struct {
	BatchSize           int           `yaml:"batch_size" validate:"gt=0,lte=100000"`
	Delay               time.Duration `yaml:"delay" validate:"gte=0"`
	BalancerParanoia    bool          `yaml:"balancer_paranoia"`
	MaxBatchesPerSecond float64       `yaml:"max_batches_per_second" validate:"gte=0"`
}

// JournalConfig enables the PostgreSQL removal journal when DSN is set
type JournalConfig struct {
	DSN string `yaml:"dsn,omitempty"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		URI:        "mongodb://localhost:27017",
		Comparison: "auto",
		Shards: ShardsConfig{
			ConnectTimeout: 10 * time.Second,
		},
		Scan: ScanConfig{
			PageSize:    orphan.DefaultPageSize,
			Parallelism: orphan.DefaultParallelism,
		},
		Remove: RemoveConfig{
			BatchSize:        orphan.DefaultBatchSize,
			BalancerParanoia: true,
		},
	}
}

// LoadConfig loads configuration with precedence:
// env vars > .orphanage.yaml (project) > ~/.orphanage/config.yaml (global) > defaults
func LoadConfig(configOverride string) (*Config, error) {
	cfg := DefaultConfig()

	globalPath := configOverride
	if globalPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			globalPath = filepath.Join(home, ".orphanage", "config.yaml")
		}
	}
	if globalPath != "" {
		if err := loadYAML(globalPath, cfg, configOverride != ""); err != nil {
			return nil, err
		}
	}

	// An explicit --config replaces project discovery
	if configOverride == "" {
		if projectPath := findProjectConfig(); projectPath != "" {
			if err := loadYAML(projectPath, cfg, true); err != nil {
				return nil, err
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "URI"); v != "" {
		cfg.URI = v
	}
	if v := os.Getenv(envPrefix + "USER"); v != "" {
		global := cfg.globalCredential()
		global.Username = v
	}
	if v := os.Getenv(envPrefix + "PASSWORD"); v != "" {
		global := cfg.globalCredential()
		global.Password = v
	}
	if v := os.Getenv(envPrefix + "AUTH_SOURCE"); v != "" {
		global := cfg.globalCredential()
		global.AuthSource = v
	}
	if v := os.Getenv(envPrefix + "SHARDS"); v != "" {
		cfg.Shards.Active = SplitList(v)
	}
	if v := os.Getenv(envPrefix + "JOURNAL_DSN"); v != "" {
		cfg.Journal.DSN = v
	}
}

func (c *Config) globalCredential() *cluster.Credential {
	if c.Credentials.Global == nil {
		c.Credentials.Global = &cluster.Credential{}
	}
	return c.Credentials.Global
}

// SplitList splits a comma separated flag or env value, dropping blanks
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the config against its struct tags
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fieldMessage(e))
	}
	return fmt.Errorf("invalid configuration: %s (set via %sURI and friends, %s, or ~/.orphanage/config.yaml)",
		strings.Join(msgs, "; "), envPrefix, ProjectConfigFile)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their yaml names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func fieldMessage(e validator.FieldError) string {
	field := e.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, e.Param())
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", field, e.Tag(), e.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, e.Tag())
	}
}

// findProjectConfig walks up directories to find .orphanage.yaml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// loadYAML overlays a YAML file onto cfg. A missing file is an error only
// when required.
func loadYAML(path string, cfg *Config, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}
