// Package config loads the identityd runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"agora/httpapi"
)

// Config captures runtime configuration for identityd.
type Config struct {
	Service  Service              `yaml:"service"`
	Server   Server               `yaml:"server"`
	Logging  Logging              `yaml:"logging"`
	Database Database             `yaml:"database"`
	Request  Request              `yaml:"request"`
	Limits   map[string]RateLimit `yaml:"limits"`
}

// Service identifies the process in logs and telemetry.
type Service struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Server holds the HTTP bind parameters.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ListenAddress renders host:port for http.Server.
func (s Server) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Logging selects the log level and optional rotating-file directory.
type Logging struct {
	Level     string `yaml:"level"`
	Directory string `yaml:"directory"`
}

// Database points at the service-owned SQLite file.
type Database struct {
	Path string `yaml:"path"`
}

// Request bounds inbound request bodies.
type Request struct {
	MaxBodyBytes int64 `yaml:"max_body_size"`
}

// RateLimit configures one route group's per-client budget.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// RateLimits converts the limits section for the middleware.
func (c Config) RateLimits() map[string]httpapi.RateLimit {
	if len(c.Limits) == 0 {
		return nil
	}
	limits := make(map[string]httpapi.RateLimit, len(c.Limits))
	for key, limit := range c.Limits {
		limits[key] = httpapi.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}
	return limits
}

// Load reads configuration from the supplied path. Unknown keys are
// rejected so typos fail at startup instead of silently defaulting.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "identityd"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7001
	}
	if strings.TrimSpace(cfg.Database.Path) == "" {
		cfg.Database.Path = "data/identityd.sqlite"
	}
	if cfg.Request.MaxBodyBytes <= 0 {
		cfg.Request.MaxBodyBytes = httpapi.DefaultMaxBodyBytes
	}
}

func validate(cfg Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	for key, limit := range cfg.Limits {
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("limit %q: requests_per_minute must be positive", key)
		}
	}
	return nil
}
