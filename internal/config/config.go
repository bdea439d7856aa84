// Package config provides centralized configuration management for the importer.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Store      StoreConfig
	Database   DatabaseConfig
	Parser     ParserConfig
	Attachment AttachmentConfig
	Status     StatusConfig
	Server     ServerConfig
	Logging    LoggingConfig
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "postgres" or "memory" (default: postgres)
	Backend string `env:"STORE_BACKEND" default:"postgres"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string, required with the postgres backend.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 4)
	MaxConns int `env:"DB_MAX_CONNS" default:"4"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// Migrate creates the import tables on startup (default: true)
	Migrate bool `env:"DB_MIGRATE" default:"true"`
}

// ParserConfig holds settings shared by every parser.
type ParserConfig struct {
	// Tries is the number of HEAD attempts on server errors (default: 3)
	Tries int `env:"PARSER_NUMBER_OF_TRIES" default:"3"`

	// RetrySleep is the pause between attempts (default: 5s)
	RetrySleep time.Duration `env:"PARSER_RETRY_SLEEP_TIME" default:"5s"`

	// HTTPTimeout bounds every upstream request (default: 60s)
	HTTPTimeout time.Duration `env:"PARSER_HTTP_TIMEOUT" default:"60s"`

	// PageSize is the page size asked of paginated APIs (default: 100)
	PageSize int `env:"PARSER_PAGE_SIZE" default:"100"`

	// Languages lists the translation languages, comma separated (default: en)
	Languages []string `env:"LANGUAGES" envAlt:"MODELTRANSLATION_LANGUAGES" default:"en"`

	// DefaultLanguage must be one of Languages (default: en)
	DefaultLanguage string `env:"DEFAULT_LANGUAGE" envAlt:"MODELTRANSLATION_DEFAULT_LANGUAGE" default:"en"`

	// DynamicSegmentation is set when treks are linked to the path network,
	// which excludes linear models from aggregation (default: false)
	DynamicSegmentation bool `env:"TREKKING_TOPOLOGY_ENABLED" default:"false"`
}

// AttachmentConfig holds attachment storage and validation settings.
type AttachmentConfig struct {
	// MediaRoot is the directory blobs are written to (default: ./media)
	MediaRoot string `env:"MEDIA_ROOT" default:"./media"`

	// S3Bucket switches blob storage to S3 when set
	S3Bucket string `env:"S3_BUCKET"`

	// S3Region is the bucket region (default: us-east-1)
	S3Region string `env:"S3_REGION" envAlt:"AWS_REGION" default:"us-east-1"`

	// S3Prefix is prepended to every key
	S3Prefix string `env:"S3_PREFIX"`

	// S3Endpoint targets an S3 compatible service
	S3Endpoint string `env:"S3_ENDPOINT"`

	// MaxBytes rejects larger files, 0 disables the check
	MaxBytes int64 `env:"PAPERCLIP_MAX_BYTES_SIZE_IMAGE" default:"0"`

	// MinWidth rejects narrower images, 0 disables the check
	MinWidth int `env:"PAPERCLIP_MIN_IMAGE_UPLOAD_WIDTH" default:"0"`

	// MinHeight rejects shorter images, 0 disables the check
	MinHeight int `env:"PAPERCLIP_MIN_IMAGE_UPLOAD_HEIGHT" default:"0"`

	// AllowedExtensions restricts file types, empty accepts everything
	AllowedExtensions []string `env:"PAPERCLIP_ALLOWED_EXTENSIONS"`

	// FileType is the attachment category that must exist (default: Photographie)
	FileType string `env:"PARSER_ATTACHMENT_FILETYPE" default:"Photographie"`
}

// StatusConfig holds background task status settings.
type StatusConfig struct {
	// RedisURL enables the task status store when set
	RedisURL string `env:"REDIS_URL"`

	// TTL is how long a finished task status is kept (default: 24h)
	TTL time.Duration `env:"STATUS_TTL" default:"24h"`
}

// ServerConfig holds the settings of the import task HTTP service.
type ServerConfig struct {
	// Port is the HTTP server port (default: 8080)
	Port int `env:"PORT" default:"8080"`

	// Host is the HTTP server bind address (default: all interfaces)
	Host string `env:"HOST" default:""`

	// MaxConcurrentImports bounds the imports running at once (default: 2)
	MaxConcurrentImports int `env:"SERVER_MAX_CONCURRENT_IMPORTS" default:"2"`

	// MaxUploadBytes bounds uploaded source files (default: 100MB)
	MaxUploadBytes int64 `env:"SERVER_MAX_UPLOAD_BYTES" default:"104857600"`

	// UploadDir receives uploaded source files (default: system temp dir)
	UploadDir string `env:"SERVER_UPLOAD_DIR"`

	// ShutdownTimeout is how long running imports may finish on shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// APIKeys protect the launch endpoint, comma separated. Empty disables auth.
	APIKeys []string `env:"SERVER_API_KEYS"`

	// TrustedProxies lists the proxy CIDRs whose X-Real-IP and
	// X-Forwarded-For headers are believed
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File receives a JSON copy of every record when set
	File string `env:"LOG_FILE"`
}

// AllowedTypes expands AllowedExtensions into the extension to mime
// types table used by attachment validation. Known extensions are
// restricted to their usual mime types, others accept any type.
func (c *AttachmentConfig) AllowedTypes() map[string][]string {
	if len(c.AllowedExtensions) == 0 {
		return nil
	}
	out := make(map[string][]string, len(c.AllowedExtensions))
	for _, ext := range c.AllowedExtensions {
		out[ext] = knownMimeTypes[ext]
	}
	return out
}

var knownMimeTypes = map[string][]string{
	"jpg":  {"image/jpeg"},
	"jpeg": {"image/jpeg"},
	"png":  {"image/png"},
	"gif":  {"image/gif"},
	"webp": {"image/webp"},
	"pdf":  {"application/pdf"},
	"svg":  {"image/svg+xml"},
	"mp3":  {"audio/mpeg"},
	"mp4":  {"video/mp4"},
}
