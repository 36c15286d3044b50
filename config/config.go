package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LLMConfig contains the structuring/embedding provider settings.
type LLMConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	CallsPerMinute float64       `mapstructure:"calls_per_minute"`
	EmbeddingDim   int           `mapstructure:"embedding_dimensions"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model required")
	}
	if l.CallsPerMinute <= 0 {
		return fmt.Errorf("llm.calls_per_minute must be > 0")
	}
	return nil
}

// SearchConfig contains search provider settings.
type SearchConfig struct {
	SerperAPIKey     string        `mapstructure:"serper_api_key"`
	BraveAPIKey      string        `mapstructure:"brave_api_key"`
	MaxCandidates    int           `mapstructure:"max_candidates"`
	ProviderPriority []string      `mapstructure:"provider_priority"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// FetchConfig contains content fetcher settings.
type FetchConfig struct {
	HTTPConcurrency int           `mapstructure:"http_concurrency"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	BrowserTimeout  time.Duration `mapstructure:"browser_timeout"`
	BrowserPoolSize int           `mapstructure:"browser_pool_size"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	UserAgent       string        `mapstructure:"user_agent"`
}

func (f FetchConfig) Validate() error {
	if f.BrowserPoolSize <= 0 {
		return fmt.Errorf("fetch.browser_pool_size must be > 0")
	}
	if f.HTTPConcurrency <= 0 {
		return fmt.Errorf("fetch.http_concurrency must be > 0")
	}
	return nil
}

// NormalizeConfig bounds LLM-consumable text.
type NormalizeConfig struct {
	MaxTokens int `mapstructure:"max_tokens"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from the configured parts.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings for the fetch cache.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis-backed fetch cache is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// RetrievalConfig controls freshness and background refresh.
type RetrievalConfig struct {
	FreshnessThreshold time.Duration `mapstructure:"freshness_threshold"`
	RefreshCron        string        `mapstructure:"refresh_cron"`
}

// LoadConfig loads config from the given file (or the default search path)
// with WINEFACT_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("server.address", ":10010")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.temperature", 0.0)
	viper.SetDefault("llm.max_tokens", 2048)
	viper.SetDefault("llm.timeout", "60s")
	viper.SetDefault("llm.max_retries", 2)
	viper.SetDefault("llm.calls_per_minute", 60.0)
	viper.SetDefault("llm.embedding_dimensions", 1536)
	viper.SetDefault("search.max_candidates", 10)
	viper.SetDefault("search.timeout", "10s")
	viper.SetDefault("search.provider_priority", []string{"winesearcher", "serper", "brave"})
	viper.SetDefault("fetch.http_concurrency", 16)
	viper.SetDefault("fetch.http_timeout", "15s")
	viper.SetDefault("fetch.browser_timeout", "30s")
	viper.SetDefault("fetch.browser_pool_size", 3)
	viper.SetDefault("fetch.cache_ttl", "24h")
	viper.SetDefault("normalize.max_tokens", 6000)
	viper.SetDefault("retrieval.freshness_threshold", "720h")
	viper.SetDefault("retrieval.refresh_cron", "0 4 * * *")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("WINEFACT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; env + defaults are enough to run.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.LLM.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Fetch.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
