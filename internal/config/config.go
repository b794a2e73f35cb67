package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	CORS     CORSConfig     `yaml:"cors"`
	Auth     AuthConfig     `yaml:"auth"`
	Session  SessionConfig  `yaml:"session"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	OIDC       OIDCConfig    `yaml:"oidc"`
	JWTSecret  string        `yaml:"jwt_secret"`
	AttemptTTL time.Duration `yaml:"attempt_ttl"`
}

// OIDCConfig holds OIDC client configuration
type OIDCConfig struct {
	IssuerURL   string   `yaml:"issuer_url"`
	ClientID    string   `yaml:"client_id"`
	RedirectURL string   `yaml:"redirect_url"`
	Scopes      []string `yaml:"scopes"`
	// HostedDomain restricts sign-in to accounts under one domain
	// (the Google "hd" parameter). Empty means no restriction.
	HostedDomain string `yaml:"hosted_domain"`
}

// SessionConfig holds session configuration
type SessionConfig struct {
	CookieDomain   string        `yaml:"cookie_domain"`
	CookieSecure   bool          `yaml:"cookie_secure"`
	CookieSameSite string        `yaml:"cookie_samesite"` // "Lax", "Strict", "None"
	AccessTTL      time.Duration `yaml:"access_ttl"`
	RefreshTTL     time.Duration `yaml:"refresh_ttl"`
}

// Load loads configuration. An optional YAML file (CLASSDESK_CONFIG) seeds
// values first; environment variables override it.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CLASSDESK_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            "5432",
			User:            "classdesk",
			Password:        "classdesk",
			Name:            "classdesk",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         "8081",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization"},
		},
		Auth: AuthConfig{
			AttemptTTL: 10 * time.Minute,
			OIDC: OIDCConfig{
				Scopes: []string{"openid", "profile", "email"},
			},
		},
		Session: SessionConfig{
			CookieSecure:   true,
			CookieSameSite: "Lax",
			AccessTTL:      15 * time.Minute,
			RefreshTTL:     30 * 24 * time.Hour,
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.Database.Host, "DB_HOST")
	setString(&cfg.Database.Port, "DB_PORT")
	setString(&cfg.Database.User, "DB_USER")
	setString(&cfg.Database.Password, "DB_PASSWORD")
	setString(&cfg.Database.Name, "DB_NAME")
	setInt(&cfg.Database.MaxOpenConns, "DB_MAX_OPEN_CONNS")
	setInt(&cfg.Database.MaxIdleConns, "DB_MAX_IDLE_CONNS")
	setDuration(&cfg.Database.ConnMaxLifetime, "DB_CONN_MAX_LIFETIME")

	setString(&cfg.Server.Host, "SERVER_HOST")
	setString(&cfg.Server.Port, "SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Output, "LOG_OUTPUT")

	setSlice(&cfg.CORS.AllowedOrigins, "CORS_ALLOWED_ORIGINS")
	setSlice(&cfg.CORS.AllowedMethods, "CORS_ALLOWED_METHODS")
	setSlice(&cfg.CORS.AllowedHeaders, "CORS_ALLOWED_HEADERS")

	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setDuration(&cfg.Auth.AttemptTTL, "AUTH_ATTEMPT_TTL")
	setString(&cfg.Auth.OIDC.IssuerURL, "OIDC_ISSUER_URL")
	setString(&cfg.Auth.OIDC.ClientID, "OIDC_CLIENT_ID")
	setString(&cfg.Auth.OIDC.RedirectURL, "OIDC_REDIRECT_URL")
	setSlice(&cfg.Auth.OIDC.Scopes, "OIDC_SCOPES")
	setString(&cfg.Auth.OIDC.HostedDomain, "OIDC_HOSTED_DOMAIN")

	setString(&cfg.Session.CookieDomain, "SESSION_COOKIE_DOMAIN")
	setBool(&cfg.Session.CookieSecure, "SESSION_SECURE")
	setString(&cfg.Session.CookieSameSite, "SESSION_SAMESITE")
	setDuration(&cfg.Session.AccessTTL, "SESSION_ACCESS_TTL")
	setDuration(&cfg.Session.RefreshTTL, "SESSION_REFRESH_TTL")
}

// Validate checks the parts of the configuration that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Auth.OIDC.IssuerURL == "" {
		return fmt.Errorf("OIDC_ISSUER_URL is required")
	}
	if c.Auth.OIDC.ClientID == "" {
		return fmt.Errorf("OIDC_CLIENT_ID is required")
	}
	if c.Auth.OIDC.RedirectURL == "" {
		return fmt.Errorf("OIDC_REDIRECT_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := []string{}
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			*dst = parts
		}
	}
}
