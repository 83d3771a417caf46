// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Teamkit Contributors

// Package config loads teamkit configuration from a YAML file and
// command-line flags.
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/teamkit/teamkit/internal/audit"
	"github.com/teamkit/teamkit/internal/logging"
	"github.com/teamkit/teamkit/internal/xdg"
	"github.com/teamkit/teamkit/pkg/policy"
)

// Error codes.
const (
	CodeLoadFailed = "CONFIG_LOAD_FAILED"
	CodeInvalid    = "CONFIG_INVALID"
)

// DatabaseURLEnv is consulted when no database URL is configured.
const DatabaseURLEnv = "DATABASE_URL"

// Config is the full teamkit configuration.
type Config struct {
	Log         LogConfig         `koanf:"log"`
	Evaluator   EvaluatorConfig   `koanf:"evaluator"`
	Audit       AuditConfig       `koanf:"audit"`
	Database    DatabaseConfig    `koanf:"database"`
	Invitations InvitationsConfig `koanf:"invitations"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// EvaluatorConfig configures the policy evaluator.
type EvaluatorConfig struct {
	CacheSize int `koanf:"cache_size"`
}

// AuditConfig configures evaluation auditing.
type AuditConfig struct {
	Mode    string `koanf:"mode"`
	WALPath string `koanf:"wal_path"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	URL      string `koanf:"url"`
	MaxConns int32  `koanf:"max_conns"`
}

// InvitationsConfig configures the invitation policies.
type InvitationsConfig struct {
	// MaxPerRequest enables the max-invitations policy when positive.
	MaxPerRequest int           `koanf:"max_per_request"`
	TTL           time.Duration `koanf:"ttl"`
}

// flagKeys maps flag names onto config keys.
var flagKeys = map[string]string{
	"log-format":      "log.format",
	"log-level":       "log.level",
	"cache-size":      "evaluator.cache_size",
	"audit-mode":      "audit.mode",
	"audit-wal":       "audit.wal_path",
	"database-url":    "database.url",
	"max-invitations": "invitations.max_per_request",
}

// RegisterFlags adds the configuration flags, with their defaults, to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("log-format", "text", "log format (json or text)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Int("cache-size", policy.DefaultCacheSize, "definitions cached per registry")
	flags.String("audit-mode", string(audit.ModeOff), "audit mode (off, minimal, denials_only, all)")
	flags.String("audit-wal", "", "audit write-ahead log path (default: XDG state dir)")
	flags.String("database-url", "", "PostgreSQL URL (default: $"+DatabaseURLEnv+")")
	flags.Int("max-invitations", 0, "maximum invitations per request (0 disables the limit)")
}

// Load reads path, then overlays flags. Flags the user did not set only fill
// keys the file left empty. An empty path falls back to the XDG config
// file, which may be absent.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		def, err := xdg.DefaultConfigFile()
		if err == nil {
			path = def
		}
	}
	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		if err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)) {
			return nil, oops.Code(CodeLoadFailed).With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil)
		if err != nil {
			return nil, oops.Code(CodeLoadFailed).With("source", "flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code(CodeLoadFailed).Wrap(err)
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv(DatabaseURLEnv)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Format: "text", Level: "info"},
		Evaluator: EvaluatorConfig{CacheSize: policy.DefaultCacheSize},
		Audit:     AuditConfig{Mode: string(audit.ModeOff)},
		Database:  DatabaseConfig{MaxConns: 10},
		Invitations: InvitationsConfig{
			TTL: 7 * 24 * time.Hour,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", "unknown level %q", c.Log.Level)
	}
	if c.Evaluator.CacheSize < 1 {
		return invalid("evaluator.cache_size", "must be at least 1, got %d", c.Evaluator.CacheSize)
	}
	if _, err := audit.ParseMode(c.Audit.Mode); err != nil {
		return invalid("audit.mode", "unknown mode %q", c.Audit.Mode)
	}
	if c.Database.MaxConns < 0 {
		return invalid("database.max_conns", "must not be negative, got %d", c.Database.MaxConns)
	}
	if c.Invitations.MaxPerRequest < 0 {
		return invalid("invitations.max_per_request", "must not be negative, got %d", c.Invitations.MaxPerRequest)
	}
	if c.Invitations.TTL <= 0 {
		return invalid("invitations.ttl", "must be positive, got %s", c.Invitations.TTL)
	}
	return nil
}

func invalid(key, format string, args ...any) error {
	return oops.Code(CodeInvalid).With("key", key).Errorf(key+" "+format, args...)
}
