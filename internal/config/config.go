package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	AWS      AWSConfig      `yaml:"aws"`
	Blob     BlobConfig     `yaml:"blob"`
	Auth     AuthConfig     `yaml:"auth"`
	APNs     APNsConfig     `yaml:"apns"`
	Feed     FeedConfig     `yaml:"feed"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// AWSConfig holds S3 configuration
type AWSConfig struct {
	Region        string `yaml:"region"`
	S3Bucket      string `yaml:"s3_bucket"`
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Endpoint      string `yaml:"endpoint"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// BlobConfig selects the photo storage
type BlobConfig struct {
	Driver string `yaml:"driver"` // s3 or memory
}

// AuthConfig selects the identity provider
type AuthConfig struct {
	Provider            string `yaml:"provider"` // jwt or firebase
	JWTSecret           string `yaml:"jwt_secret"`
	FirebaseCredentials string `yaml:"firebase_credentials"`
}

// APNsConfig holds push notification configuration. Notifications are
// disabled when no certificate is set.
type APNsConfig struct {
	Certificate string `yaml:"certificate"`
	Password    string `yaml:"password"`
	Topic       string `yaml:"topic"`
	Production  bool   `yaml:"production"`
}

type FeedConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

const (
	BlobDriverS3     = "s3"
	BlobDriverMemory = "memory"

	AuthProviderJWT      = "jwt"
	AuthProviderFirebase = "firebase"
)

// Load reads configuration from a YAML file. Variables from a .env file in
// the working directory are loaded first and secrets in the environment
// override the file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "disable",
		},
		Blob: BlobConfig{Driver: BlobDriverMemory},
		Auth: AuthConfig{Provider: AuthProviderJWT},
		Feed: FeedConfig{RefreshInterval: 60 * time.Second},
		Log:  LogConfig{Level: "info"},
	}
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.Database.Password, "DB_PASSWORD")
	override(&c.Auth.JWTSecret, "JWT_SECRET")
	override(&c.AWS.AccessKey, "AWS_ACCESS_KEY_ID")
	override(&c.AWS.SecretKey, "AWS_SECRET_ACCESS_KEY")
}

// Validate checks that the selected drivers have what they need
func (c *Config) Validate() error {
	switch c.Auth.Provider {
	case AuthProviderJWT:
		if c.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret is required for the jwt provider")
		}
	case AuthProviderFirebase:
		if c.Auth.FirebaseCredentials == "" {
			return errors.New("auth.firebase_credentials is required for the firebase provider")
		}
	default:
		return fmt.Errorf("unknown auth provider %q", c.Auth.Provider)
	}

	switch c.Blob.Driver {
	case BlobDriverS3:
		if c.AWS.S3Bucket == "" {
			return errors.New("aws.s3_bucket is required for the s3 blob driver")
		}
	case BlobDriverMemory:
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}

	if c.Feed.RefreshInterval <= 0 {
		return errors.New("feed.refresh_interval must be positive")
	}
	return nil
}

// DSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}
