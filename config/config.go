/*
Package config loads server configuration.

SOURCES (later wins):
  1. Built-in defaults (Default)
  2. YAML file, if present
  3. Environment variables:
       LIBRARY_PORT, LIBRARY_DB, LIBRARY_LOG_LEVEL,
       LIBRARY_FEE_BASIS, LIBRARY_FEE_THRESHOLD, LIBRARY_CORS_ORIGINS
  4. Command-line flags (applied by cmd/server)

EXAMPLE:
  port: 8080
  db_path: ./data/library.db
  log_level: info
  cors_origins: ["http://localhost:3000"]
  unpaid_fee_basis: open_records
  unpaid_fee_threshold: "10.00"
  policies:
    - member_type: student
      borrow_limit: 5
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/warp/library-circulation/circulation"
	"github.com/warp/library-circulation/factory"
)

// Config represents configuration loaded from YAML.
type Config struct {
	Port               int                  `yaml:"port"`
	DBPath             string               `yaml:"db_path"`
	LogLevel           string               `yaml:"log_level"`
	CORSOrigins        []string             `yaml:"cors_origins"`
	UnpaidFeeBasis     string               `yaml:"unpaid_fee_basis"`
	UnpaidFeeThreshold string               `yaml:"unpaid_fee_threshold"`
	Policies           []factory.PolicyJSON `yaml:"policies"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Port:               8080,
		DBPath:             "library.db",
		LogLevel:           "info",
		CORSOrigins:        []string{"*"},
		UnpaidFeeBasis:     string(circulation.FeesOpenRecords),
		UnpaidFeeThreshold: circulation.DefaultFeeThreshold.String(),
	}
}

// Load reads config from path. A missing file yields the defaults with
// environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Override with environment variables
	if v := os.Getenv("LIBRARY_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: LIBRARY_PORT: %w", err)
		}
		cfg.Port = n
	}
	if v := os.Getenv("LIBRARY_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LIBRARY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LIBRARY_FEE_BASIS"); v != "" {
		cfg.UnpaidFeeBasis = v
	}
	if v := os.Getenv("LIBRARY_FEE_THRESHOLD"); v != "" {
		cfg.UnpaidFeeThreshold = v
	}
	if v := os.Getenv("LIBRARY_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks every field that the server cannot start without.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}
	if !c.FeeBasis().Valid() {
		return fmt.Errorf("config: unknown unpaid_fee_basis %q", c.UnpaidFeeBasis)
	}
	threshold, err := circulation.ParseAmount(c.UnpaidFeeThreshold)
	if err != nil {
		return fmt.Errorf("config: unpaid_fee_threshold: %w", err)
	}
	if threshold.IsNegative() {
		return errors.New("config: unpaid_fee_threshold must not be negative")
	}
	if _, err := c.PolicyTable(); err != nil {
		return fmt.Errorf("config: policies: %w", err)
	}
	return nil
}

func (c Config) FeeBasis() circulation.FeeBasis {
	return circulation.FeeBasis(c.UnpaidFeeBasis)
}

// Eligibility returns the policy built from unpaid_fee_threshold.
func (c Config) Eligibility() (circulation.EligibilityPolicy, error) {
	threshold, err := circulation.ParseAmount(c.UnpaidFeeThreshold)
	if err != nil {
		return circulation.EligibilityPolicy{}, err
	}
	return circulation.EligibilityPolicy{FeeThreshold: threshold}, nil
}

// PolicyTable merges the configured policies over the defaults.
func (c Config) PolicyTable() (circulation.PolicyTable, error) {
	return factory.NewPolicyFactory().Build(c.Policies)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
