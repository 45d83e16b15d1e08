// Package config loads twinstore settings from a YAML file with
// environment overrides.
//
// The file is found at, in priority order:
//  1. the path passed to Load
//  2. $TWINSTORE_CONFIG
//  3. ./twinstore.yaml
//
// With no file, Default() is used. TWINSTORE_* variables named in the env
// tags then override individual fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jacentio/twinstore/store"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
)

const (
	EnvConfigPath  = "TWINSTORE_CONFIG"
	ConfigFileName = "twinstore.yaml"
)

// Config selects and configures a storage backend.
type Config struct {
	Backend  string         `yaml:"backend" env:"TWINSTORE_BACKEND" validate:"required,oneof=dynamodb postgres"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
	Postgres PostgresConfig `yaml:"postgres"`
	Retry    RetryConfig    `yaml:"retry"`

	// Audit wraps the repository in the audit decorator.
	Audit bool `yaml:"audit" env:"TWINSTORE_AUDIT"`
}

// DynamoDBConfig configures the wide-column backend.
type DynamoDBConfig struct {
	Table  string `yaml:"table" env:"TWINSTORE_TABLE" validate:"required,max=255"`
	Region string `yaml:"region" env:"TWINSTORE_REGION"`

	// Endpoint points the client at DynamoDB Local or another compatible
	// service. Empty uses the regional AWS endpoint.
	Endpoint string `yaml:"endpoint" env:"TWINSTORE_DYNAMODB_ENDPOINT" validate:"omitempty,url"`

	// CreateTable provisions the table and its indexes on startup.
	CreateTable bool `yaml:"create_table" env:"TWINSTORE_CREATE_TABLE"`

	MaxTransactionItems int `yaml:"max_transaction_items" validate:"gte=0,lte=100"`
}

// PostgresConfig configures the relational backend.
type PostgresConfig struct {
	DSN      string `yaml:"dsn" env:"TWINSTORE_POSTGRES_DSN"`
	MinConns int32  `yaml:"min_conns" validate:"gte=0"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`

	// Migrate applies embedded schema migrations on startup.
	Migrate bool `yaml:"migrate"`
}

// RetryConfig overrides the storage retry policy.
type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries" env:"TWINSTORE_RETRY_MAX" validate:"gte=0,lte=10"`
	InitialBackoff Duration `yaml:"initial_backoff" env:"TWINSTORE_RETRY_INITIAL_BACKOFF" validate:"gte=0"`
	MaxBackoff     Duration `yaml:"max_backoff" env:"TWINSTORE_RETRY_MAX_BACKOFF" validate:"gte=0"`
	Multiplier     float64  `yaml:"multiplier" env:"TWINSTORE_RETRY_MULTIPLIER" validate:"omitempty,gte=1"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler for env overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns a DynamoDB configuration with the store defaults.
func Default() *Config {
	policy := store.DefaultRetryPolicy()
	return &Config{
		Backend: BackendDynamoDB,
		DynamoDB: DynamoDBConfig{
			Table:               store.DefaultConfig().TableName,
			MaxTransactionItems: store.MaxTransactionItems,
		},
		Postgres: PostgresConfig{Migrate: true},
		Retry: RetryConfig{
			MaxRetries:     policy.MaxRetries,
			InitialBackoff: Duration(policy.InitialBackoff),
			MaxBackoff:     Duration(policy.MaxBackoff),
			Multiplier:     policy.Multiplier,
		},
		Audit: true,
	}
}

// Load reads the config file at path, or the first one found when path is
// empty, applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = findConfigPath()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(env.ToMap(os.Environ())); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	if _, err := os.Stat(ConfigFileName); err == nil {
		return ConfigFileName
	}
	return ""
}

// applyEnv overrides fields from the TWINSTORE_* variables in environ.
// Unset or empty variables leave the field untouched.
func (c *Config) applyEnv(environ map[string]string) error {
	if err := env.ParseWithOptions(c, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and backend-specific requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Backend == BackendPostgres && c.Postgres.DSN == "" {
		return errors.New("invalid config: postgres backend requires postgres.dsn")
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return errors.New("invalid config: retry.max_backoff is below retry.initial_backoff")
	}
	return nil
}

// RetryPolicy converts the retry section for the store Executor.
func (c *Config) RetryPolicy() store.RetryPolicy {
	return store.RetryPolicy{
		MaxRetries:     c.Retry.MaxRetries,
		InitialBackoff: c.Retry.InitialBackoff.Duration(),
		MaxBackoff:     c.Retry.MaxBackoff.Duration(),
		Multiplier:     c.Retry.Multiplier,
	}
}

// StoreConfig converts the DynamoDB section for store.New.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		TableName:           c.DynamoDB.Table,
		MaxTransactionItems: c.DynamoDB.MaxTransactionItems,
		Retry:               c.RetryPolicy(),
	}
}
