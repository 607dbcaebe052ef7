package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	AI       AIConfig       `yaml:"ai"`
	Turn     TurnConfig     `yaml:"turn"`
	Memory   MemoryConfig   `yaml:"memory"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	MySQL  MySQLConfig  `yaml:"mysql"`
	Redis  RedisConfig  `yaml:"redis"`
	Qdrant QdrantConfig `yaml:"qdrant"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
	VectorSize int    `yaml:"vector_size"`
}

type AIConfig struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
}

type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`

	// Per-million-token rates used for turn cost accounting.
	InputRate       float64 `yaml:"input_rate"`
	OutputRate      float64 `yaml:"output_rate"`
	CachedInputRate float64 `yaml:"cached_input_rate"`
}

type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
}

// TurnConfig bounds a single turn of the game pipeline.
type TurnConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	StageTimeout  time.Duration `yaml:"stage_timeout"`
	HistoryWindow int           `yaml:"history_window"`
	MaxPayloadKB  int           `yaml:"max_payload_kb"`
}

type MemoryConfig struct {
	RetentionTurns     int `yaml:"retention_turns"`
	SummarizeThreshold int `yaml:"summarize_threshold"`
	SearchLimit        int `yaml:"search_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		cfg.AI.LLM.APIKey = apiKey
		cfg.AI.Embedding.APIKey = apiKey
	}
	if baseURL := os.Getenv("LLM_BASE_URL"); baseURL != "" {
		cfg.AI.LLM.BaseURL = baseURL
	}
	if apiKey := os.Getenv("QDRANT_API_KEY"); apiKey != "" {
		cfg.Database.Qdrant.APIKey = apiKey
	}

	return cfg, nil
}

// Default returns the built-in configuration baseline.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 300 * time.Second,
		},
		Database: DatabaseConfig{
			Qdrant: QdrantConfig{
				Collection: "character_memories",
				VectorSize: 1024,
			},
		},
		AI: AIConfig{
			LLM: LLMConfig{
				Model:           "glm-4-plus",
				MaxTokens:       4096,
				Temperature:     0.8,
				InputRate:       0.6,
				OutputRate:      2.2,
				CachedInputRate: 0.11,
			},
		},
		Turn: TurnConfig{
			Timeout:       180 * time.Second,
			StageTimeout:  60 * time.Second,
			HistoryWindow: 12,
			MaxPayloadKB:  256,
		},
		Memory: MemoryConfig{
			RetentionTurns:     30,
			SummarizeThreshold: 12,
			SearchLimit:        3,
		},
	}
}
