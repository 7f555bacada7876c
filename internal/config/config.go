// Package config loads the identity daemon's configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then CELERIX_ID_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/celerix-identity/internal/vault"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CELERIX_ID_"

// Storage backends.
const (
	StorageJSON   = "json"
	StorageSQLite = "sqlite"
)

type Config struct {
	// DataDir holds JSON tables, the SQLite database and artifacts.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	// Storage selects the persister: "json" or "sqlite".
	Storage string `yaml:"storage" env:"STORAGE"`

	// SQLitePath defaults to <data_dir>/identity.db.
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`

	// ArtifactDir defaults to <data_dir>/artifacts.
	ArtifactDir string `yaml:"artifact_dir" env:"ARTIFACT_DIR"`

	Port        string `yaml:"port" env:"PORT"`
	HTTPPort    string `yaml:"http_port" env:"HTTP_PORT"`
	DisableTLS  bool   `yaml:"disable_tls" env:"DISABLE_TLS"`
	DisableHTTP bool   `yaml:"disable_http" env:"DISABLE_HTTP"`

	Token TokenConfig `yaml:"token" envPrefix:"TOKEN_"`

	// MasterKey is the hex encoded 32-byte key artifacts are sealed under.
	MasterKey string `yaml:"master_key" env:"MASTER_KEY"`

	Verify VerifyConfig `yaml:"verify" envPrefix:"VERIFY_"`

	Log LogConfig `yaml:"log" envPrefix:"LOG_"`

	// OTLPEndpoint enables tracing when set.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
}

type TokenConfig struct {
	Secret string        `yaml:"secret" env:"SECRET"`
	Issuer string        `yaml:"issuer" env:"ISSUER"`
	TTL    time.Duration `yaml:"ttl" env:"TTL"`
}

type VerifyConfig struct {
	Threshold   float64       `yaml:"threshold" env:"THRESHOLD"`
	MaxBatch    int           `yaml:"max_batch" env:"MAX_BATCH"`
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Storage: StorageJSON,
		Port:    "7101",
		// HTTP API
		HTTPPort: "7102",
		Token: TokenConfig{
			Issuer: "celerix-identityd",
			TTL:    time.Hour,
		},
		Verify: VerifyConfig{
			Threshold:   0.85,
			MaxBatch:    16,
			StepTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.SQLitePath == "" {
		c.SQLitePath = filepath.Join(c.DataDir, "identity.db")
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = filepath.Join(c.DataDir, "artifacts")
	}
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.Storage {
	case StorageJSON, StorageSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage %q must be %q or %q", c.Storage, StorageJSON, StorageSQLite))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if !c.DisableHTTP && c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port is required unless disable_http is set"))
	}
	if len(c.Token.Secret) < 32 {
		errs = append(errs, errors.New("token.secret must be at least 32 bytes"))
	}
	if c.Token.Issuer == "" {
		errs = append(errs, errors.New("token.issuer is required"))
	}
	if c.Token.TTL <= 0 {
		errs = append(errs, errors.New("token.ttl must be positive"))
	}
	if _, err := vault.ParseMasterKey(c.MasterKey); err != nil {
		errs = append(errs, fmt.Errorf("master_key: %w", err))
	}
	if c.Verify.Threshold <= 0 || c.Verify.Threshold > 1 {
		errs = append(errs, fmt.Errorf("verify.threshold %v must be in (0, 1]", c.Verify.Threshold))
	}
	if c.Verify.MaxBatch <= 0 {
		errs = append(errs, errors.New("verify.max_batch must be positive"))
	}
	if c.Verify.StepTimeout <= 0 {
		errs = append(errs, errors.New("verify.step_timeout must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
