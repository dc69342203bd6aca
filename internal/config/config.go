package config

import (
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Background BackgroundConfig `yaml:"background"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + strconv.Itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// PipelineConfig holds the server-side defaults for context assembly. Callers
// may override the tunable parts per request; overrides are clamped to the
// bounds in pipeline.ValidateConfig.
type PipelineConfig struct {
	SystemPrompt      string        `yaml:"system_prompt"`
	RecentCount       int           `yaml:"recent_count"`
	RAGEnabled        bool          `yaml:"rag_enabled"`
	RAGTopK           int           `yaml:"rag_top_k"`
	MaxContextTokens  int           `yaml:"max_context_tokens"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
	DefaultProvider   string        `yaml:"default_provider"`
	DefaultModel      string        `yaml:"default_model"`
}

// BackgroundConfig configures the fire-and-forget tasks dispatched after a
// successful turn.
type BackgroundConfig struct {
	EmbeddingProvider  string `yaml:"embedding_provider"`
	EmbeddingModel     string `yaml:"embedding_model"`
	EmbeddingMaxTokens int    `yaml:"embedding_max_tokens"`
	TitleProvider      string `yaml:"title_provider"`
	TitleModel         string `yaml:"title_model"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "loom",
			User:            "loom",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Pipeline: PipelineConfig{
			SystemPrompt:      "You are a helpful, direct assistant.",
			RecentCount:       10,
			RAGEnabled:        false,
			RAGTopK:           5,
			MaxContextTokens:  4000,
			StreamIdleTimeout: 60 * time.Second,
			DefaultProvider:   "groq",
			DefaultModel:      "llama-3.1-8b-instant",
		},
		Background: BackgroundConfig{
			EmbeddingProvider:  "openai",
			EmbeddingModel:     "text-embedding-3-small",
			EmbeddingMaxTokens: 8000,
			TitleProvider:      "groq",
			TitleModel:         "llama-3.1-8b-instant",
		},
	}
}
