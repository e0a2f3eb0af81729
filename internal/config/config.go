// Copyright (c) 2025 Parley Forum Project
//
// This file is part of passkey-auth.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html

// Package config loads the server configuration from a YAML file with
// PASSKEY_* environment overrides applied on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parleyforum/passkey-auth/pkg/passkey"
)

// Duration is a time.Duration that unmarshals from YAML strings like "60s"
// or from bare integers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	RelyingParty RelyingPartyConfig `yaml:"relying_party"`
	Database     DatabaseConfig     `yaml:"database"`
	Session      SessionConfig      `yaml:"session"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	IdleTimeout  Duration `yaml:"idle_timeout"`
}

// RelyingPartyConfig configures the WebAuthn relying party.
type RelyingPartyConfig struct {
	ID              string   `yaml:"id"`
	DisplayName     string   `yaml:"display_name"`
	Origins         []string `yaml:"origins"`
	CeremonyTimeout Duration `yaml:"ceremony_timeout"`
	ChallengeTTL    Duration `yaml:"challenge_ttl"`
	SweepInterval   Duration `yaml:"sweep_interval"`

	UserVerification        string `yaml:"user_verification"`
	Attestation             string `yaml:"attestation"`
	ResidentKey             string `yaml:"resident_key"`
	AuthenticatorAttachment string `yaml:"authenticator_attachment"`
}

// ToPasskeyConfig maps the relying party section onto the passkey service
// configuration.
func (c RelyingPartyConfig) ToPasskeyConfig() *passkey.Config {
	return &passkey.Config{
		RPID:                    c.ID,
		RPDisplayName:           c.DisplayName,
		RPOrigins:               c.Origins,
		Timeout:                 c.CeremonyTimeout.Std(),
		ChallengeTTL:            c.ChallengeTTL.Std(),
		UserVerification:        c.UserVerification,
		AttestationPreference:   c.Attestation,
		ResidentKeyRequirement:  c.ResidentKey,
		AuthenticatorAttachment: c.AuthenticatorAttachment,
	}
}

// DatabaseConfig configures persistence. An empty DSN selects the
// in-memory store, which only makes sense for development.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// SessionConfig configures session token signing.
type SessionConfig struct {
	Secret string   `yaml:"secret"`
	TTL    Duration `yaml:"ttl"`
	Issuer string   `yaml:"issuer"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads the configuration file at path (skipped when empty), applies
// environment overrides, fills defaults, and validates. A missing session
// secret is a hard error; callers treat it as startup-fatal.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PASSKEY_SERVER_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PASSKEY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PASSKEY_RP_ID"); v != "" {
		c.RelyingParty.ID = v
	}
	if v := os.Getenv("PASSKEY_RP_DISPLAY_NAME"); v != "" {
		c.RelyingParty.DisplayName = v
	}
	if v := os.Getenv("PASSKEY_RP_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		c.RelyingParty.Origins = origins
	}
	if v := os.Getenv("PASSKEY_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("PASSKEY_SESSION_SECRET"); v != "" {
		c.Session.Secret = v
	}
	if v := os.Getenv("PASSKEY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PASSKEY_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(15 * time.Second)
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = Duration(60 * time.Second)
	}
	if c.RelyingParty.DisplayName == "" {
		c.RelyingParty.DisplayName = c.RelyingParty.ID
	}
	if c.RelyingParty.SweepInterval == 0 {
		c.RelyingParty.SweepInterval = Duration(time.Hour)
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = Duration(7 * 24 * time.Hour)
	}
	if c.Session.Issuer == "" {
		c.Session.Issuer = "passkey-auth"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the configuration for startup-fatal problems. Relying
// party validation beyond presence happens in the passkey package.
func (c *Config) Validate() error {
	if c.RelyingParty.ID == "" {
		return fmt.Errorf("relying_party.id is required")
	}
	if len(c.RelyingParty.Origins) == 0 {
		return fmt.Errorf("relying_party.origins is required")
	}
	if c.Session.Secret == "" {
		return fmt.Errorf("session.secret is required (set PASSKEY_SESSION_SECRET)")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
