package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the deepsearch system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Search    SearchConfig    `mapstructure:"search"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// LLMConfig contains the reasoning service configuration
type LLMConfig struct {
	Type        string        `mapstructure:"type"` // openai, anthropic
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SearchConfig contains web search settings
type SearchConfig struct {
	Provider      string        `mapstructure:"provider"` // tavily, serper, brave
	APIKey        string        `mapstructure:"api_key"`
	MaxResults    int           `mapstructure:"max_results"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
	FetchContent  bool          `mapstructure:"fetch_content"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	FetchMaxChars int           `mapstructure:"fetch_max_chars"`
}

// EngineConfig contains the iteration controller settings
type EngineConfig struct {
	MaxSubQuestions      int  `mapstructure:"max_sub_questions"`
	MaxPlanIterations    int  `mapstructure:"max_plan_iterations"`
	MaxSummaryIterations int  `mapstructure:"max_summary_iterations"`
	AcceptScore          int  `mapstructure:"accept_score"` // summary accepted when score > this
	LearningEnabled      bool `mapstructure:"learning_enabled"`
	RecallLimit          int  `mapstructure:"recall_limit"`
}

// MemoryConfig contains lesson store settings
type MemoryConfig struct {
	Persist bool `mapstructure:"persist"` // persist lessons to redis
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns the host:port form used by the redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("deepsearch")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DEEPSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; defaults plus env cover the common case
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")

	v.SetDefault("llm.type", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("search.provider", "tavily")
	v.SetDefault("search.max_results", 5)
	v.SetDefault("search.task_timeout", "90s")
	v.SetDefault("search.fetch_content", true)
	v.SetDefault("search.fetch_timeout", "15s")
	v.SetDefault("search.fetch_max_chars", 20000)

	v.SetDefault("engine.max_sub_questions", 5)
	v.SetDefault("engine.max_plan_iterations", 3)
	v.SetDefault("engine.max_summary_iterations", 3)
	v.SetDefault("engine.accept_score", 7)
	v.SetDefault("engine.learning_enabled", true)
	v.SetDefault("engine.recall_limit", 3)

	v.SetDefault("memory.persist", false)

	v.SetDefault("storage.redis.enabled", false)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", "5s")

	v.SetDefault("telemetry.enabled", true)

	v.SetDefault("server.addr", ":8080")
}

// overrideFromEnv overrides configuration with well-known environment variables
func overrideFromEnv(v *viper.Viper) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		v.Set("llm.api_key", apiKey)
	}
	if apiKey := os.Getenv("TAVILY_API_KEY"); apiKey != "" {
		v.Set("search.api_key", apiKey)
	}
	if apiKey := os.Getenv("SERPER_API_KEY"); apiKey != "" && v.GetString("search.provider") == "serper" {
		v.Set("search.api_key", apiKey)
	}
	if apiKey := os.Getenv("BRAVE_SEARCH_KEY"); apiKey != "" && v.GetString("search.provider") == "brave" {
		v.Set("search.api_key", apiKey)
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		v.Set("storage.redis.host", host)
		v.Set("storage.redis.enabled", true)
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		v.Set("storage.redis.password", password)
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Engine.MaxSubQuestions <= 0 {
		return fmt.Errorf("engine.max_sub_questions must be positive")
	}
	if config.Engine.MaxPlanIterations <= 0 {
		return fmt.Errorf("engine.max_plan_iterations must be positive")
	}
	if config.Engine.MaxSummaryIterations <= 0 {
		return fmt.Errorf("engine.max_summary_iterations must be positive")
	}
	if config.Engine.AcceptScore < 1 || config.Engine.AcceptScore > 10 {
		return fmt.Errorf("engine.accept_score must be within 1..10")
	}
	switch config.Search.Provider {
	case "tavily", "serper", "brave":
	default:
		return fmt.Errorf("unsupported search provider: %s", config.Search.Provider)
	}
	if config.Memory.Persist && !config.Storage.Redis.Enabled {
		return fmt.Errorf("memory.persist requires storage.redis.enabled")
	}
	return nil
}
