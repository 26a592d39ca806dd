package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address cannot be empty")
	}
	if _, err := net.ResolveTCPAddr("tcp", c.Server.Addr); err != nil {
		return fmt.Errorf("invalid server address: %v", err)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return errors.New("server max_upload_bytes must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth jwt_secret cannot be empty")
	}

	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn cannot be empty")
	}

	switch c.Blob.Backend {
	case "fs":
		if c.Blob.FS.BasePath == "" {
			return errors.New("blob fs base_path cannot be empty when fs backend is used")
		}
	case "minio":
		m := c.Blob.MinIO
		if m.Endpoint == "" {
			return errors.New("minio endpoint cannot be empty when minio is enabled")
		}
		if m.AccessKey == "" || m.SecretKey == "" {
			return errors.New("minio credentials cannot be empty when minio is enabled")
		}
		if !isValidBucketName(m.Bucket) {
			return fmt.Errorf("invalid minio bucket name: %s", m.Bucket)
		}
	default:
		return fmt.Errorf("unsupported blob backend: %q", c.Blob.Backend)
	}

	switch c.LLM.Provider {
	case "openai":
		if c.LLM.Endpoint == "" {
			return errors.New("llm endpoint cannot be empty for the openai provider")
		}
	case "gemini":
		if c.LLM.APIKey == "" {
			return errors.New("llm api_key cannot be empty for the gemini provider")
		}
	default:
		return fmt.Errorf("unsupported llm provider: %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return errors.New("llm model cannot be empty")
	}
	if c.LLM.RateLimit <= 0 || c.LLM.RateBurst <= 0 {
		return errors.New("llm rate_limit and rate_burst must be positive")
	}

	if c.Analysis.ScannedThreshold < 0 {
		return errors.New("analysis scanned_threshold cannot be negative")
	}
	if c.Analysis.MaxPages <= 0 || c.Analysis.MaxInputChars <= 0 || c.Analysis.RenderDPI <= 0 {
		return errors.New("analysis max_pages, max_input_chars and render_dpi must be positive")
	}
	if c.Analysis.Timeout <= 0 || c.Chat.Timeout <= 0 {
		return errors.New("analysis and chat timeouts must be positive")
	}
	if c.Chat.HistoryWindow < 0 || c.Chat.MaxContextChars <= 0 {
		return errors.New("chat history_window cannot be negative and max_context_chars must be positive")
	}
	if c.Retrieval.MaxClauses <= 0 {
		return errors.New("retrieval max_clauses must be positive")
	}
	if c.Retrieval.CacheSize < 0 {
		return errors.New("retrieval cache_size cannot be negative")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %q", c.Log.Format)
	}
	return nil
}

// isValidBucketName checks if a bucket name is valid according to MinIO/S3 rules
func isValidBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return bucketNamePattern.MatchString(name)
}
