// Package config assembles runtime settings from defaults, an optional YAML
// file, an optional .env file, the environment and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pastelite/internal/logger"
)

type Config struct {
	Environment string        `yaml:"environment"`
	TestMode    bool          `yaml:"test_mode"`
	Server      ServerConfig  `yaml:"server"`
	Paste       PasteConfig   `yaml:"paste"`
	Store       StoreConfig   `yaml:"store"`
	Log         logger.Config `yaml:"log"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	BaseURL string `yaml:"base_url"`

	// TrustProxy honours X-Forwarded-* headers for client IP and scheme.
	TrustProxy bool `yaml:"trust_proxy"`
}

type PasteConfig struct {
	MaxBytes        int `yaml:"max_bytes"`
	IDLength        int `yaml:"id_length"`
	ConsumeAttempts int `yaml:"consume_attempts"`
}

// StoreConfig names every backend that may be configured. The first one set,
// in field order, wins.
type StoreConfig struct {
	DatabaseURL    string `yaml:"database_url"`
	MongoURI       string `yaml:"mongodb_uri"`
	MongoDatabase  string `yaml:"mongodb_database"`
	DynamoTable    string `yaml:"dynamodb_table"`
	DynamoEndpoint string `yaml:"dynamodb_endpoint"`
	AWSRegion      string `yaml:"aws_region"`
	UpstashURL     string `yaml:"upstash_url"`
	UpstashToken   string `yaml:"upstash_token"`
	RedisURL       string `yaml:"redis_url"`
	BoltPath       string `yaml:"bolt_path"`
}

func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Addr: ":8080",
		},
		Paste: PasteConfig{
			MaxBytes:        1_048_576,
			IDLength:        8,
			ConsumeAttempts: 8,
		},
		Store: StoreConfig{
			MongoDatabase: "pastelite",
		},
		Log: logger.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Parse reads flags from args and builds a validated Config.
func Parse(args []string) (*Config, error) {
	fset := flag.NewFlagSet("pastelite", flag.ContinueOnError)
	path := fset.String("config", "", "path to YAML config file (optional)")
	envFile := fset.String("env-file", ".env", "dotenv file to load (missing is fine)")
	addr := fset.String("addr", "", "listen address")
	baseURL := fset.String("base-url", "", "canonical base URL used in share links")
	maxBytes := fset.Int("max-bytes", 0, "maximum paste size in bytes")
	behindProxy := fset.Bool("behind-proxy", false, "trust proxy headers for client IP and scheme")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := cfg.loadFromFile(*path); err != nil {
		return nil, err
	}
	if err := loadDotenv(*envFile); err != nil {
		return nil, err
	}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "base-url":
			cfg.Server.BaseURL = *baseURL
		case "max-bytes":
			cfg.Paste.MaxBytes = *maxBytes
		case "behind-proxy":
			cfg.Server.TrustProxy = *behindProxy
		}
	})
	cfg.Log.Production = cfg.IsProduction()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadDotenv never overrides variables already present in the environment.
func loadDotenv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("TEST_MODE"); v != "" {
		c.TestMode = v == "1" || strings.EqualFold(v, "true")
	}

	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := firstEnv("BASE_URL", "NEXT_PUBLIC_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("TRUST_PROXY"); v != "" {
		c.Server.TrustProxy = v == "1" || strings.EqualFold(v, "true")
	}

	for _, it := range []struct {
		key string
		dst *int
	}{
		{"MAX_BYTES", &c.Paste.MaxBytes},
		{"ID_LENGTH", &c.Paste.IDLength},
		{"CONSUME_ATTEMPTS", &c.Paste.ConsumeAttempts},
	} {
		v := os.Getenv(it.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", it.key, v)
		}
		*it.dst = n
	}

	setString(&c.Store.DatabaseURL, "DATABASE_URL")
	setString(&c.Store.MongoURI, "MONGODB_URI")
	setString(&c.Store.MongoDatabase, "MONGODB_DATABASE")
	setString(&c.Store.DynamoTable, "DYNAMODB_TABLE")
	setString(&c.Store.DynamoEndpoint, "DYNAMODB_ENDPOINT")
	setString(&c.Store.AWSRegion, "AWS_REGION")
	setString(&c.Store.UpstashURL, "UPSTASH_REDIS_REST_URL")
	setString(&c.Store.UpstashToken, "UPSTASH_REDIS_REST_TOKEN")
	setString(&c.Store.RedisURL, "REDIS_URL")
	setString(&c.Store.BoltPath, "BOLT_PATH")

	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	return nil
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	_, port, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		return fmt.Errorf("invalid addr %q: %w", c.Server.Addr, err)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port: %s (must be 1-65535)", port)
	}

	if c.Server.BaseURL != "" {
		u, err := url.Parse(c.Server.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return errors.New("base url must include scheme and host")
		}
	}

	if c.Paste.MaxBytes <= 0 {
		return errors.New("max_bytes must be positive")
	}
	if c.Paste.IDLength < 4 || c.Paste.IDLength > 64 {
		return fmt.Errorf("id_length %d out of range (4-64)", c.Paste.IDLength)
	}
	if c.Paste.ConsumeAttempts <= 0 {
		return errors.New("consume_attempts must be positive")
	}

	if (c.Store.UpstashURL == "") != (c.Store.UpstashToken == "") {
		return errors.New("upstash url and token must be set together")
	}

	validEnvs := map[string]bool{
		"development": true,
		"production":  true,
		"testing":     true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s (must be development, production, or testing)", c.Environment)
	}
	if _, ok := logger.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
