// Package config loads shelfd settings from a .env file, an optional YAML
// file and SHELF_* environment variables, in that order of increasing
// precedence. Command-line flags are applied by the caller on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/shelf/internal/logging"
	"github.com/celerix-dev/shelf/pkg/engine"
)

// Environment variables read by Load.
const (
	EnvConfig     = "SHELF_CONFIG"
	EnvLocation   = "SHELF_LOCATION"
	EnvAddr       = "SHELF_ADDR"
	EnvHTTPAddr   = "SHELF_HTTP_ADDR"
	EnvTLSCert    = "SHELF_TLS_CERT"
	EnvTLSKey     = "SHELF_TLS_KEY"
	EnvDisableTLS = "SHELF_DISABLE_TLS"
	EnvLogLevel   = "SHELF_LOG_LEVEL"
)

// Config holds the daemon settings.
type Config struct {
	// Location is the engine location served, see engine.Open.
	Location string `yaml:"location"`
	// Addr is the wire protocol listen address.
	Addr string `yaml:"addr"`
	// HTTPAddr is the inspection API listen address. Empty disables it.
	HTTPAddr string `yaml:"http_addr"`
	// TLSCert and TLSKey hold the wire server key pair. A self-signed pair
	// is written there on first start.
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	DisableTLS bool   `yaml:"disable_tls"`
	LogLevel   string `yaml:"log_level"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Location: "sqlite:./data",
		Addr:     ":7001",
		HTTPAddr: ":7002",
		LogLevel: "info",
	}
}

// Load builds a Config. envFiles default to ".env"; missing env files are
// ignored. configFile defaults to $SHELF_CONFIG and may be empty; a named
// file that does not exist is an error.
func Load(configFile string, envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := Default()
	if configFile == "" {
		configFile = os.Getenv(EnvConfig)
	}
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", configFile, err)
		}
	}

	cfg.Location = getEnvOrDefault(EnvLocation, cfg.Location)
	cfg.Addr = getEnvOrDefault(EnvAddr, cfg.Addr)
	cfg.HTTPAddr = getEnvOrDefault(EnvHTTPAddr, cfg.HTTPAddr)
	cfg.TLSCert = getEnvOrDefault(EnvTLSCert, cfg.TLSCert)
	cfg.TLSKey = getEnvOrDefault(EnvTLSKey, cfg.TLSKey)
	cfg.DisableTLS = getEnvBoolOrDefault(EnvDisableTLS, cfg.DisableTLS)
	cfg.LogLevel = getEnvOrDefault(EnvLogLevel, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that can be checked without side effects.
func (c *Config) Validate() error {
	loc, err := engine.ParseLocation(c.Location)
	if err != nil {
		return fmt.Errorf("location: %w", err)
	}
	if loc.Scheme == engine.SchemeTCP {
		return fmt.Errorf("location %q: shelfd cannot serve a remote engine", c.Location)
	}
	if c.Addr == "" {
		return fmt.Errorf("%s is required", EnvAddr)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("%s and %s must be set together", EnvTLSCert, EnvTLSKey)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
