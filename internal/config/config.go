package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete service configuration.
// The structure matches the config.yaml file and can be overridden by environment
// variables prefixed with CL_ (CL_LLM_API_KEY, CL_DATABASE_DSN, ...).
type Config struct {
	Server    ServerConfig    `json:"server" mapstructure:"server"`
	Auth      AuthConfig      `json:"auth" mapstructure:"auth"`
	Database  DatabaseConfig  `json:"database" mapstructure:"database"`
	Blob      BlobConfig      `json:"blob" mapstructure:"blob"`
	LLM       LLMConfig       `json:"llm" mapstructure:"llm"`
	Analysis  AnalysisConfig  `json:"analysis" mapstructure:"analysis"`
	Chat      ChatConfig      `json:"chat" mapstructure:"chat"`
	Retrieval RetrievalConfig `json:"retrieval" mapstructure:"retrieval"`
	Log       LogConfig       `json:"log" mapstructure:"log"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
}

// ServerConfig contains server-specific configuration

type ServerConfig struct {
	Addr           string        `json:"addr" mapstructure:"addr"`
	ReadTimeout    time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	MaxUploadBytes int64         `json:"max_upload_bytes" mapstructure:"max_upload_bytes"`
	RateLimit      float64       `json:"rate_limit" mapstructure:"rate_limit"` // requests per second per user
	RateBurst      int           `json:"rate_burst" mapstructure:"rate_burst"`
	CORSOrigins    []string      `json:"cors_origins" mapstructure:"cors_origins"`
}

// AuthConfig holds the key used to verify bearer tokens issued elsewhere.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" mapstructure:"jwt_secret"`
	Issuer    string `json:"issuer" mapstructure:"issuer"`
	// AdminSubjects may use the /configure endpoints. Empty leaves them unmounted.
	AdminSubjects []string `json:"admin_subjects" mapstructure:"admin_subjects"`
}

type DatabaseConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // sqlite3, postgres
	DSN    string `json:"dsn" mapstructure:"dsn"`
}

type BlobConfig struct {
	Backend string          `json:"backend" mapstructure:"backend"` // fs, minio
	FS      FSConfig        `json:"fs" mapstructure:"fs"`
	MinIO   MinIOBlobConfig `json:"minio" mapstructure:"minio"`
}

type FSConfig struct {
	BasePath string `json:"base_path" mapstructure:"base_path"`
}

type MinIOBlobConfig struct {
	Endpoint  string `json:"endpoint" mapstructure:"endpoint"`
	AccessKey string `json:"access_key" mapstructure:"access_key"`
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`
	UseSSL    bool   `json:"use_ssl" mapstructure:"use_ssl"`
	Bucket    string `json:"bucket" mapstructure:"bucket"`
}

// LLMConfig contains LLM provider configuration

type LLMConfig struct {
	Provider    string        `json:"provider" mapstructure:"provider"` // openai, gemini
	Endpoint    string        `json:"endpoint" mapstructure:"endpoint"`
	Model       string        `json:"model" mapstructure:"model"`
	VisionModel string        `json:"vision_model" mapstructure:"vision_model"`
	APIKey      string        `json:"api_key" mapstructure:"api_key"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxTokens   int           `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `json:"temperature" mapstructure:"temperature"`
	RateLimit   float64       `json:"rate_limit" mapstructure:"rate_limit"` // calls per second
	RateBurst   int           `json:"rate_burst" mapstructure:"rate_burst"`
}

// AnalysisConfig tunes extraction and classification.
type AnalysisConfig struct {
	ScannedThreshold  int           `json:"scanned_threshold" mapstructure:"scanned_threshold"`
	RenderDPI         float64       `json:"render_dpi" mapstructure:"render_dpi"`
	// MaxPages bounds the page images sent to the model for a scanned document.
	MaxPages          int           `json:"max_pages" mapstructure:"max_pages"`
	MaxInputChars     int           `json:"max_input_chars" mapstructure:"max_input_chars"`
	Timeout           time.Duration `json:"timeout" mapstructure:"timeout"`
	InstructionPrompt string        `json:"instruction_prompt" mapstructure:"instruction_prompt"`
}

type ChatConfig struct {
	HistoryWindow   int           `json:"history_window" mapstructure:"history_window"`
	MaxContextChars int           `json:"max_context_chars" mapstructure:"max_context_chars"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	SystemPrompt    string        `json:"system_prompt" mapstructure:"system_prompt"`
	NoContextPrompt string        `json:"no_context_prompt" mapstructure:"no_context_prompt"`
}

type RetrievalConfig struct {
	MaxClauses int           `json:"max_clauses" mapstructure:"max_clauses"`
	CacheSize  int           `json:"cache_size" mapstructure:"cache_size"` // 0 disables the cache
	CacheTTL   time.Duration `json:"cache_ttl" mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// Load loads the configuration from file and environment variables
func Load() (*Config, error) {
	// Load .env first (ignore error if not present)
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.contractlens")
	v.SetEnvPrefix("CL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Blob.FS.BasePath = resolvePath(cfg.Blob.FS.BasePath)
	return &cfg, nil
}

// Default returns the built-in defaults without reading files or the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Blob.FS.BasePath = resolvePath(cfg.Blob.FS.BasePath)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "180s")
	v.SetDefault("server.max_upload_bytes", 20<<20)
	v.SetDefault("server.rate_limit", 2.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Keys without a real default still need registering so AutomaticEnv can fill them.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.admin_subjects", []string{})

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:contractlens.db?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")

	v.SetDefault("blob.backend", "fs")
	v.SetDefault("blob.fs.base_path", "~/.contractlens/blobs")
	v.SetDefault("blob.minio.endpoint", "127.0.0.1:9000")
	v.SetDefault("blob.minio.access_key", "")
	v.SetDefault("blob.minio.secret_key", "")
	v.SetDefault("blob.minio.use_ssl", false)
	v.SetDefault("blob.minio.bucket", "contracts")

	// LLM defaults
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.endpoint", "https://api.openai.com")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.vision_model", "gpt-4o")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", "90s")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.rate_limit", 1.0)
	v.SetDefault("llm.rate_burst", 5)

	// Untuned starting points; revisit with real traffic.
	v.SetDefault("analysis.scanned_threshold", 50)
	v.SetDefault("analysis.render_dpi", 150.0)
	v.SetDefault("analysis.max_pages", 10)
	v.SetDefault("analysis.max_input_chars", 15000)
	v.SetDefault("analysis.timeout", "120s")
	v.SetDefault("analysis.instruction_prompt", "")

	v.SetDefault("chat.history_window", 10)
	v.SetDefault("chat.max_context_chars", 12000)
	v.SetDefault("chat.timeout", "60s")
	v.SetDefault("chat.system_prompt", "")
	v.SetDefault("chat.no_context_prompt", "")

	v.SetDefault("retrieval.max_clauses", 50)
	v.SetDefault("retrieval.cache_size", 256)
	v.SetDefault("retrieval.cache_ttl", "5m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// resolvePath resolves ~ to home directory and cleans the path
func resolvePath(p string) string {
	if p == "" {
		return p
	}
	if p[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			p = filepath.Join(home, p[1:])
		}
	}
	return filepath.Clean(p)
}
