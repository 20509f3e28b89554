package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"ecolift/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	HTTPAddr           string        `yaml:"http_addr"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	StoreDriver        string        `yaml:"store_driver"`
	DatabaseURL        string        `yaml:"database_url"`
	MongoURI           string        `yaml:"mongo_uri"`
	MongoDatabase      string        `yaml:"mongo_database"`
	RedisAddr          string        `yaml:"redis_addr"`
	RedisPassword      string        `yaml:"redis_password"`
	JWTSecret          string        `yaml:"jwt_secret"`
	UserServiceURL     string        `yaml:"user_service_url"`
	ExternalTimeout    time.Duration `yaml:"external_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	HandshakeGrace     time.Duration `yaml:"handshake_grace"`
	SendBuffer         int           `yaml:"send_buffer"`
	LocationActiveTTL  time.Duration `yaml:"location_active_ttl"`
	NearbyRadiusKm     float64       `yaml:"nearby_radius_km"`
	FirebaseCredFile   string        `yaml:"firebase_credentials_file"`
	PushMaxRetries     int           `yaml:"push_max_retries"`
	PushRetryBackoff   time.Duration `yaml:"push_retry_backoff"`
	NodeID             int64         `yaml:"node_id"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	LogLevel           string        `yaml:"log_level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTPAddr:           ":5000",
		MetricsAddr:        ":2112",
		StoreDriver:        DriverPostgres,
		MongoDatabase:      "ecolift",
		ExternalTimeout:    5 * time.Second,
		RequestTimeout:     15 * time.Second,
		SweepInterval:      30 * time.Second,
		HandshakeGrace:     30 * time.Second,
		SendBuffer:         64,
		LocationActiveTTL:  5 * time.Minute,
		NearbyRadiusKm:     5,
		PushMaxRetries:     3,
		PushRetryBackoff:   time.Second,
		NodeID:             1,
		RateLimitPerMinute: 100,
		LogLevel:           "info",
	}
}

// Load reads .env (optional), the process environment and, when path is not
// empty, a YAML file whose non-zero values override the environment.
func Load(path string) (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when the variables are set elsewhere
		logger.Debug("No .env file loaded", zap.Error(err))
	}

	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		logger.Error("Invalid environment configuration", zap.Error(err))
		return nil, err
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			logger.Error("Invalid config file", zap.String("path", path), zap.Error(err))
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Config validation failed", zap.Error(err))
		return nil, err
	}

	logger.Info("Config loaded successfully", zap.String("store_driver", cfg.StoreDriver))
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.StoreDriver, "STORE_DRIVER")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.MongoURI, "MONGO_URI")
	setString(&c.MongoDatabase, "MONGO_DATABASE")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.UserServiceURL, "USER_SERVICE_URL")
	setString(&c.FirebaseCredFile, "FIREBASE_CREDENTIALS_FILE")
	setString(&c.LogLevel, "LOG_LEVEL")

	durations := map[string]*time.Duration{
		"EXTERNAL_TIMEOUT":    &c.ExternalTimeout,
		"REQUEST_TIMEOUT":     &c.RequestTimeout,
		"SWEEP_INTERVAL":      &c.SweepInterval,
		"HANDSHAKE_GRACE":     &c.HandshakeGrace,
		"LOCATION_ACTIVE_TTL": &c.LocationActiveTTL,
		"PUSH_RETRY_BACKOFF":  &c.PushRetryBackoff,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"SEND_BUFFER":           &c.SendBuffer,
		"PUSH_MAX_RETRIES":      &c.PushMaxRetries,
		"RATE_LIMIT_PER_MINUTE": &c.RateLimitPerMinute,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("NODE_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid NODE_ID: %w", err)
		}
		c.NodeID = n
	}
	if v := os.Getenv("NEARBY_RADIUS_KM"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid NEARBY_RADIUS_KM: %w", err)
		}
		c.NearbyRadiusKm = f
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	c.merge(&file)
	return nil
}

// merge copies every non-zero field of o into c.
func (c *Config) merge(o *Config) {
	mergeString(&c.HTTPAddr, o.HTTPAddr)
	mergeString(&c.MetricsAddr, o.MetricsAddr)
	mergeString(&c.StoreDriver, o.StoreDriver)
	mergeString(&c.DatabaseURL, o.DatabaseURL)
	mergeString(&c.MongoURI, o.MongoURI)
	mergeString(&c.MongoDatabase, o.MongoDatabase)
	mergeString(&c.RedisAddr, o.RedisAddr)
	mergeString(&c.RedisPassword, o.RedisPassword)
	mergeString(&c.JWTSecret, o.JWTSecret)
	mergeString(&c.UserServiceURL, o.UserServiceURL)
	mergeString(&c.FirebaseCredFile, o.FirebaseCredFile)
	mergeString(&c.LogLevel, o.LogLevel)
	mergeValue(&c.ExternalTimeout, o.ExternalTimeout)
	mergeValue(&c.RequestTimeout, o.RequestTimeout)
	mergeValue(&c.SweepInterval, o.SweepInterval)
	mergeValue(&c.HandshakeGrace, o.HandshakeGrace)
	mergeValue(&c.LocationActiveTTL, o.LocationActiveTTL)
	mergeValue(&c.PushRetryBackoff, o.PushRetryBackoff)
	mergeValue(&c.SendBuffer, o.SendBuffer)
	mergeValue(&c.PushMaxRetries, o.PushMaxRetries)
	mergeValue(&c.RateLimitPerMinute, o.RateLimitPerMinute)
	mergeValue(&c.NodeID, o.NodeID)
	mergeValue(&c.NearbyRadiusKm, o.NearbyRadiusKm)
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.HandshakeGrace <= 0 {
		return fmt.Errorf("HANDSHAKE_GRACE must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive")
	}
	if c.PushMaxRetries < 0 {
		return fmt.Errorf("PUSH_MAX_RETRIES must not be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeValue[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}
