package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MigrationConfig holds the full TOML-driven migration configuration.
// It is the single connection-configuration record every operator action reads.
type MigrationConfig struct {
	Source                SourceConfig `toml:"source"`
	Target                TargetConfig `toml:"target"`
	StrictForeignKeys     bool         `toml:"strict_foreign_keys"`
	ConnectTimeoutSeconds int          `toml:"connect_timeout_seconds"`
	Hooks                 HooksConfig  `toml:"hooks"`

	// configDir is the directory containing the TOML file, used to resolve relative SQL paths.
	configDir string
}

// Endpoint addresses one relational database.
type Endpoint struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	DBName   string `toml:"dbname"`
}

// SourceConfig identifies the legacy database engine and its credentials.
type SourceConfig struct {
	Type string `toml:"type"` // "postgres", "mysql" or "sqlite"
	Endpoint
}

// TargetConfig identifies the destination PostgreSQL database and, optionally,
// the business-object API served by the same Odoo instance.
type TargetConfig struct {
	Endpoint
	Schema string    `toml:"schema"`
	API    APIConfig `toml:"api"`
}

// APIConfig points at the destination's JSON-RPC endpoint.
type APIConfig struct {
	URL      string `toml:"url"`
	DB       string `toml:"db"` // defaults to target.dbname
	Login    string `toml:"login"`
	Password string `toml:"password"`
}

type HooksConfig struct {
	BeforeMigrate []string `toml:"before_migrate"`
	AfterMigrate  []string `toml:"after_migrate"`
}

// Enabled reports whether the API section was filled in.
func (a APIConfig) Enabled() bool {
	return a.URL != ""
}

// loadConfig reads a TOML config file and returns a MigrationConfig with defaults applied.
func loadConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := MigrationConfig{
		Source:                SourceConfig{Type: "postgres"},
		Target:                TargetConfig{Schema: "public"},
		ConnectTimeoutSeconds: 10,
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	if cfg.ConnectTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("connect_timeout_seconds must be positive")
	}

	// Source validation
	cfg.Source.Type = strings.ToLower(strings.TrimSpace(cfg.Source.Type))
	if cfg.Source.Type == "" {
		cfg.Source.Type = "postgres"
	}
	src, err := newSourceDB(cfg.Source.Type)
	if err != nil {
		return nil, err
	}
	if cfg.Source.DBName == "" {
		return nil, fmt.Errorf("source.dbname is required")
	}
	if src.NetworkEndpoint() {
		if cfg.Source.Host == "" {
			return nil, fmt.Errorf("source.host is required for %s sources", cfg.Source.Type)
		}
		if cfg.Source.Port == 0 {
			cfg.Source.Port = src.DefaultPort()
		}
	} else if cfg.Source.Host != "" || cfg.Source.User != "" || cfg.Source.Password != "" {
		return nil, fmt.Errorf("source.host, source.user and source.password are not used for %s sources", cfg.Source.Type)
	}

	// Target validation
	if cfg.Target.Host == "" {
		return nil, fmt.Errorf("target.host is required")
	}
	if cfg.Target.DBName == "" {
		return nil, fmt.Errorf("target.dbname is required")
	}
	if cfg.Target.Port == 0 {
		cfg.Target.Port = 5432
	}
	cfg.Target.Schema = strings.TrimSpace(cfg.Target.Schema)
	if cfg.Target.Schema == "" {
		cfg.Target.Schema = "public"
	}

	if cfg.Target.API.Enabled() {
		cfg.Target.API.URL = strings.TrimRight(cfg.Target.API.URL, "/")
		if cfg.Target.API.DB == "" {
			cfg.Target.API.DB = cfg.Target.DBName
		}
		if cfg.Target.API.Login == "" {
			return nil, fmt.Errorf("target.api.login is required when target.api.url is set")
		}
	}

	return &cfg, nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

func (c *MigrationConfig) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}
