// Package config provides configuration loading for the ingest service.
//
// Configuration is read once at startup from a YAML file and is
// immutable afterwards. Secrets are never written inline: the file
// references environment variables ("${VAR}" expansion and *_env
// fields) so credential rotation stays outside the repo.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the ingest service.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Listen    ListenConfig    `yaml:"listen"`
	Logging   LoggingConfig   `yaml:"logging"`
	Sources   []SourceConfig  `yaml:"sources"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	MaxConns       int32         `yaml:"max_conns"`
	ConnectRetries int           `yaml:"connect_retries"`
	ConnectBackoff time.Duration `yaml:"connect_backoff"`
}

// SchedulerConfig bounds pipeline concurrency and batch sizing.
type SchedulerConfig struct {
	// MaxConcurrentRuns caps how many source runs may execute in
	// parallel, shared across all sources.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// BatchSize is the number of normalized records applied to the
	// store as one atomic commit.
	BatchSize int `yaml:"batch_size"`
}

// ListenConfig holds the health/metrics listener settings.
type ListenConfig struct {
	HealthPort int `yaml:"health_port"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | console
}

// SourceConfig describes one external data origin. Immutable once
// loaded; a process restart is required to change it.
type SourceConfig struct {
	ID       string        `yaml:"id"`
	Endpoint string        `yaml:"endpoint"`
	Entity   string        `yaml:"entity"`
	Cadence  string        `yaml:"cadence"` // Go duration or cron spec
	Timeout  time.Duration `yaml:"timeout"`

	// RateLimit is the maximum request rate against the source API in
	// requests per second; RateBurst the permitted burst.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// MaxRetries caps retry attempts for transient fetch failures.
	MaxRetries int `yaml:"max_retries"`

	// PageSize is the per_page value used when walking paginated APIs.
	// Zero means the endpoint is a single resource and is fetched with
	// one request.
	PageSize int `yaml:"page_size"`

	Auth    AuthConfig    `yaml:"auth"`
	Mapping MappingConfig `yaml:"mapping"`
}

// AuthConfig selects and parameterizes an authentication strategy.
// Credential material is referenced by environment variable name.
type AuthConfig struct {
	Kind string `yaml:"kind"` // none | bearer | basic | api_key | oauth_refresh

	TokenEnv    string `yaml:"token_env"`
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`

	Header string `yaml:"header"` // api_key header name
	KeyEnv string `yaml:"key_env"`

	// oauth_refresh settings
	TokenURL        string `yaml:"token_url"`
	ClientIDEnv     string `yaml:"client_id_env"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	RefreshTokenEnv string `yaml:"refresh_token_env"`
}

// MappingConfig declares how raw source objects map onto store columns.
type MappingConfig struct {
	// NaturalKey lists the columns that uniquely identify a logical
	// entity across fetches. Every listed column must appear in Fields.
	NaturalKey []string `yaml:"natural_key"`

	// VersionField names the source field carrying the record version.
	// Timestamp versions are converted to epoch seconds.
	VersionField string `yaml:"version_field"`

	// TimeFormat is the explicit Go reference layout for parsing
	// timestamp fields from this source. No locale inference.
	TimeFormat string `yaml:"time_format"`

	Fields []FieldMapping `yaml:"fields"`
}

// FieldMapping maps one source field to one typed store column.
type FieldMapping struct {
	Source string `yaml:"source"`
	Column string `yaml:"column"`
	Type   string `yaml:"type"` // bigint | double | text | bool | timestamptz
}

// Defaults applied by Load for zero values.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRateLimit      = 10.0
	DefaultRateBurst      = 5
	DefaultBatchSize      = 200
	DefaultMaxConcurrent  = 4
	DefaultHealthPort     = 8090
	DefaultMaxConns       = 8
	DefaultConnectRetries = 5
	DefaultConnectBackoff = 2 * time.Second
	DefaultTimeFormat     = time.RFC3339
)

var (
	identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	envRe   = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// Load reads, expands, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := envRe.ReplaceAllStringFunc(string(data), func(m string) string {
		return os.Getenv(envRe.FindStringSubmatch(m)[1])
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.ConnectRetries == 0 {
		c.Database.ConnectRetries = DefaultConnectRetries
	}
	if c.Database.ConnectBackoff == 0 {
		c.Database.ConnectBackoff = DefaultConnectBackoff
	}
	if c.Scheduler.MaxConcurrentRuns == 0 {
		c.Scheduler.MaxConcurrentRuns = DefaultMaxConcurrent
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = DefaultBatchSize
	}
	if c.Listen.HealthPort == 0 {
		c.Listen.HealthPort = DefaultHealthPort
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Timeout == 0 {
			s.Timeout = DefaultTimeout
		}
		if s.MaxRetries == 0 {
			s.MaxRetries = DefaultMaxRetries
		}
		if s.RateLimit == 0 {
			s.RateLimit = DefaultRateLimit
		}
		if s.RateBurst == 0 {
			s.RateBurst = DefaultRateBurst
		}
		if s.Auth.Kind == "" {
			s.Auth.Kind = "none"
		}
		if s.Mapping.TimeFormat == "" {
			s.Mapping.TimeFormat = DefaultTimeFormat
		}
	}
}

// Validate checks the configuration for structural errors. It does not
// reach the network or the database.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if err := s.validate(); err != nil {
			return fmt.Errorf("source %q: %w", s.ID, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func (s *SourceConfig) validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if !identRe.MatchString(s.Entity) {
		return fmt.Errorf("entity %q is not a valid table name", s.Entity)
	}
	if s.Cadence == "" {
		return fmt.Errorf("cadence is required")
	}
	switch s.Auth.Kind {
	case "none", "bearer", "basic", "api_key", "oauth_refresh":
	default:
		return fmt.Errorf("unknown auth kind %q", s.Auth.Kind)
	}
	return s.Mapping.validate()
}

func (m *MappingConfig) validate() error {
	if len(m.Fields) == 0 {
		return fmt.Errorf("mapping.fields is required")
	}
	if len(m.NaturalKey) == 0 {
		return fmt.Errorf("mapping.natural_key is required")
	}
	if m.VersionField == "" {
		return fmt.Errorf("mapping.version_field is required")
	}

	columns := make(map[string]bool, len(m.Fields))
	sources := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if !identRe.MatchString(f.Column) {
			return fmt.Errorf("column %q is not a valid identifier", f.Column)
		}
		switch f.Type {
		case "bigint", "double", "text", "bool", "timestamptz":
		default:
			return fmt.Errorf("column %q: unknown type %q", f.Column, f.Type)
		}
		if columns[f.Column] {
			return fmt.Errorf("duplicate column %q", f.Column)
		}
		columns[f.Column] = true
		sources[f.Source] = true
	}
	for _, k := range m.NaturalKey {
		if !columns[k] {
			return fmt.Errorf("natural key column %q is not mapped", k)
		}
	}
	if !sources[m.VersionField] {
		return fmt.Errorf("version_field %q is not a mapped source field", m.VersionField)
	}
	return nil
}

// Field returns the mapping for a source field name, or nil.
func (m *MappingConfig) Field(source string) *FieldMapping {
	for i := range m.Fields {
		if m.Fields[i].Source == source {
			return &m.Fields[i]
		}
	}
	return nil
}
