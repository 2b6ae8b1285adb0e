package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/edirooss/procd/internal/infrastructure/cgroups"
	"github.com/edirooss/procd/internal/infrastructure/processmgr"
	"github.com/mcuadros/go-defaults"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Build metadata, set with -ldflags "-X github.com/edirooss/procd/internal/config.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Config is the procd host configuration file.
type Config struct {
	Listen   string `yaml:"listen"    default:"127.0.0.1:7070"`
	Dev      bool   `yaml:"dev"`
	LogLevel string `yaml:"log_level" default:"info"`

	Redis   RedisConfig        `yaml:"redis"`
	Auth    AuthConfig         `yaml:"auth"`
	Manager processmgr.Options `yaml:"manager"`
	Cgroups cgroups.Options    `yaml:"cgroups"`
	Usage   UsageConfig        `yaml:"usage"`

	// ProgramsFile, when set, holds the program list and is watched for
	// changes. Programs listed inline are started once at boot.
	ProgramsFile string    `yaml:"programs_file"`
	Programs     []Program `yaml:"programs"`
}

type RedisConfig struct {
	// Address enables lifecycle events and stop requests. Empty disables Redis.
	Address   string        `yaml:"address"`
	DB        int           `yaml:"db"`
	StatusTTL time.Duration `yaml:"status_ttl" default:"24h"`
}

func (c RedisConfig) Enabled() bool { return c.Address != "" }

// AuthConfig protects the API. With neither a user nor tokens the API is open.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Tokens are accepted as "Authorization: Bearer <token>".
	Tokens []string `yaml:"tokens"`
	// SessionSecret signs session cookies; at least 32 bytes.
	SessionSecret string        `yaml:"session_secret"`
	SessionMaxAge time.Duration `yaml:"session_max_age" default:"4h"`
}

func (c AuthConfig) Enabled() bool { return c.Username != "" || len(c.Tokens) > 0 }

type UsageConfig struct {
	TTL            time.Duration `yaml:"ttl"             default:"500ms"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout" default:"1s"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a configuration document. Defaults are applied first so
// that explicit zero values in the file win. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := new(Config)
	defaults.SetDefaults(cfg)

	if err := decodeStrict(data, cfg); err != nil {
		return nil, err
	}
	for i := range cfg.Programs {
		cfg.Programs[i].applyDefaults()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen: required"))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Cgroups.Mode {
	case cgroups.ModeAuto, cgroups.ModeNone, cgroups.ModeV1, cgroups.ModeV2, cgroups.ModeSystemd:
	default:
		errs = append(errs, fmt.Errorf("cgroups.mode: unknown mode %q", c.Cgroups.Mode))
	}
	if c.Manager.AvailableMemoryMB < 0 {
		errs = append(errs, errors.New("manager.available_memory_mb: must not be negative"))
	}
	if c.Auth.Username != "" && c.Auth.Password == "" {
		errs = append(errs, errors.New("auth.password: required with auth.username"))
	}
	if c.Auth.Username != "" && len(c.Auth.SessionSecret) < 32 {
		errs = append(errs, errors.New("auth.session_secret: at least 32 bytes required with auth.username"))
	}
	if err := validatePrograms(c.Programs); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
