package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Vault      VaultConfig      `yaml:"vault"`
	Redis      RedisConfig      `yaml:"redis"`
	Pool       PoolConfig       `yaml:"pool"`
	Search     SearchConfig     `yaml:"search"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
}

type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	GRPCAddr       string   `yaml:"grpc_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console|json
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type VaultConfig struct {
	Key string `yaml:"key"` // base64, 32 bytes
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

type PoolConfig struct {
	MaxSessions       int           `yaml:"max_sessions"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
	ConnectAttempts   int           `yaml:"connect_attempts"`
	DegradedThreshold int           `yaml:"degraded_threshold"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	SchemaTTL         time.Duration `yaml:"schema_ttl"`
}

type SearchConfig struct {
	TargetTimeout      time.Duration `yaml:"target_timeout"`
	Deadline           time.Duration `yaml:"deadline"`
	FanOut             int           `yaml:"fan_out"`
	ResultTTL          time.Duration `yaml:"result_ttl"`
	MaxFetchPerSource  int           `yaml:"max_fetch_per_source"`
	MinSuccessFraction float64       `yaml:"min_success_fraction"`
}

type EnrichmentConfig struct {
	Enabled  bool          `yaml:"enabled"`
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type AnalyticsConfig struct {
	Buffer      int    `yaml:"buffer"`
	NatsURL     string `yaml:"nats_url"`
	NatsSubject string `yaml:"nats_subject"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Store: StoreConfig{
			DSN: "host=localhost port=5432 user=admin password=securepassword dbname=search_registry sslmode=disable",
		},
		Redis: RedisConfig{Addr: "localhost:6379", OpTimeout: 250 * time.Millisecond},
		Pool: PoolConfig{
			MaxSessions:       5,
			AcquireTimeout:    3 * time.Second,
			ConnectAttempts:   3,
			DegradedThreshold: 3,
			IdleTimeout:       10 * time.Minute,
			HealthInterval:    30 * time.Second,
			SchemaTTL:         10 * time.Minute,
		},
		Search: SearchConfig{
			TargetTimeout:     5 * time.Second,
			Deadline:          10 * time.Second,
			FanOut:            8,
			ResultTTL:         60 * time.Second,
			MaxFetchPerSource: 200,
		},
		Enrichment: EnrichmentConfig{
			BaseURL:  "https://api.openai.com/v1",
			Model:    "gpt-4o-mini",
			Timeout:  2 * time.Second,
			Cooldown: 30 * time.Second,
		},
		Analytics: AnalyticsConfig{Buffer: 256, NatsSubject: "search.analytics"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, .env and the environment
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	for _, p := range []string{".env", "../.env", "/app/.env"} {
		if err := godotenv.Load(p); err == nil {
			log.Info().Str("path", p).Msg("Loaded environment file")
			break
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("FSS_HTTP_ADDR", &c.Server.HTTPAddr)
	envString("FSS_GRPC_ADDR", &c.Server.GRPCAddr)
	envString("FSS_LOG_LEVEL", &c.Log.Level)
	envString("FSS_LOG_FORMAT", &c.Log.Format)
	envString("FSS_STORE_DSN", &c.Store.DSN)
	envString("FSS_VAULT_KEY", &c.Vault.Key)
	envString("FSS_REDIS_ADDR", &c.Redis.Addr)
	envString("FSS_REDIS_PASSWORD", &c.Redis.Password)
	envString("FSS_ENRICHMENT_BASE_URL", &c.Enrichment.BaseURL)
	envString("FSS_ENRICHMENT_API_KEY", &c.Enrichment.APIKey)
	envString("FSS_ENRICHMENT_MODEL", &c.Enrichment.Model)
	envString("FSS_NATS_URL", &c.Analytics.NatsURL)

	var errs []error
	errs = append(errs,
		envInt("FSS_REDIS_DB", &c.Redis.DB),
		envInt("FSS_POOL_MAX_SESSIONS", &c.Pool.MaxSessions),
		envInt("FSS_SEARCH_FAN_OUT", &c.Search.FanOut),
		envDuration("FSS_SEARCH_TARGET_TIMEOUT", &c.Search.TargetTimeout),
		envDuration("FSS_SEARCH_DEADLINE", &c.Search.Deadline),
		envDuration("FSS_SEARCH_RESULT_TTL", &c.Search.ResultTTL),
		envDuration("FSS_POOL_SCHEMA_TTL", &c.Pool.SchemaTTL),
		envBool("FSS_ENRICHMENT_ENABLED", &c.Enrichment.Enabled),
	)
	return errors.Join(errs...)
}

// Validate checks for invalid combinations
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return errors.New("store dsn is required")
	}
	if c.Pool.MaxSessions < 1 || c.Pool.MaxSessions > 9 {
		return fmt.Errorf("pool max_sessions must be between 1 and 9, got %d", c.Pool.MaxSessions)
	}
	if c.Pool.ConnectAttempts < 1 {
		return errors.New("pool connect_attempts must be at least 1")
	}
	if c.Pool.DegradedThreshold < 1 {
		return errors.New("pool degraded_threshold must be at least 1")
	}
	if c.Search.FanOut < 1 {
		return errors.New("search fan_out must be at least 1")
	}
	if c.Search.TargetTimeout <= 0 || c.Search.Deadline <= 0 {
		return errors.New("search timeouts must be positive")
	}
	if c.Search.TargetTimeout > c.Search.Deadline {
		return errors.New("search target_timeout must not exceed deadline")
	}
	if c.Search.ResultTTL <= 0 || c.Search.ResultTTL >= c.Pool.SchemaTTL {
		return errors.New("search result_ttl must be positive and shorter than pool schema_ttl")
	}
	if c.Search.MinSuccessFraction < 0 || c.Search.MinSuccessFraction > 1 {
		return errors.New("search min_success_fraction must be within [0,1]")
	}
	if c.Enrichment.Enabled && (c.Enrichment.BaseURL == "" || c.Enrichment.Timeout <= 0) {
		return errors.New("enrichment requires base_url and a positive timeout when enabled")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}
