// Package config loads the petalprint.yaml configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalprint/server"
)

const (
	projectConfigName = "petalprint.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".petalprint"
)

// Config is the shape of petalprint.yaml.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Engine    EngineConfig      `yaml:"engine"`
	Journal   JournalConfig     `yaml:"journal"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
	Schedules []server.Schedule `yaml:"schedules" validate:"dive"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host         string        `yaml:"host" validate:"required"`
	Port         int           `yaml:"port" validate:"min=1,max=65535"`
	CORSOrigin   string        `yaml:"cors_origin"`
	MaxBody      int64         `yaml:"max_body" validate:"min=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"min=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"min=0"` // 0 keeps SSE streams open
}

// EngineConfig configures the dispatcher and the layer backends.
type EngineConfig struct {
	ErrorPolicy      string        `yaml:"error_policy" validate:"omitempty,oneof=continue skip_layer cancel_job"`
	Retention        time.Duration `yaml:"retention"`
	Cadence          time.Duration `yaml:"cadence" validate:"min=0"`
	FetchConcurrency int           `yaml:"fetch_concurrency" validate:"min=0,max=256"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout" validate:"min=0"`
	UserAgent        string        `yaml:"user_agent"`
}

// JournalConfig configures the SQLite event journal. An empty Path
// disables it.
type JournalConfig struct {
	Path           string        `yaml:"path"`
	RetentionAge   time.Duration `yaml:"retention_age" validate:"min=0"`
	RetentionCount int           `yaml:"retention_count" validate:"min=0"`
}

// TelemetryConfig configures OTLP trace export. An empty endpoint
// disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8080,
			CORSOrigin: "*",
			MaxBody:    1 << 20,
		},
		Engine: EngineConfig{
			ErrorPolicy: "continue",
			Retention:   10 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "petalprint",
		},
	}
}

// Addr returns the listen address of the HTTP API.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Discover resolves the config location with first-match semantics: the
// explicit path, ./petalprint.yaml, then ~/.petalprint/config.yaml.
func Discover(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverFrom(explicitPath, cwd, homeDir)
}

// DiscoverFrom is a testable variant of Discover.
func DiscoverFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Resolve discovers and loads the configuration. Without a file it
// returns Default and an empty path.
func Resolve(explicitPath string) (*Config, string, error) {
	path, found, err := Discover(explicitPath)
	if err != nil {
		return nil, "", err
	}
	if !found {
		return Default(), "", nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Load reads a config file over the defaults and validates it. Relative
// paths in the file are resolved against the file's directory and
// ${VAR} references are expanded.
func Load(path string) (*Config, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes a config document over the defaults and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parsing: %w", err)
		}
	}
	cfg.expandEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct constraints of every section.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			problems = append(problems, fmt.Sprintf("%s: failed %q (%s)", field, fe.Tag(), fe.Param()))
		} else {
			problems = append(problems, fmt.Sprintf("%s: failed %q", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (c *Config) expandEnv() {
	c.Server.CORSOrigin = expandEnvValue(c.Server.CORSOrigin)
	c.Engine.UserAgent = expandEnvValue(c.Engine.UserAgent)
	c.Journal.Path = expandEnvValue(c.Journal.Path)
	c.Telemetry.OTLPEndpoint = expandEnvValue(c.Telemetry.OTLPEndpoint)
	for i := range c.Schedules {
		c.Schedules[i].SpecPath = expandEnvValue(c.Schedules[i].SpecPath)
		c.Schedules[i].Output = expandEnvValue(c.Schedules[i].Output)
	}
}

func (c *Config) resolvePaths(baseDir string) {
	if c.Journal.Path != "" && c.Journal.Path != ":memory:" {
		c.Journal.Path = resolveConfigRelative(baseDir, c.Journal.Path)
	}
	for i := range c.Schedules {
		c.Schedules[i].SpecPath = resolveConfigRelative(baseDir, c.Schedules[i].SpecPath)
		c.Schedules[i].Output = resolveConfigRelative(baseDir, c.Schedules[i].Output)
	}
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
