package s3

import (
	"time"

	"go.uber.org/zap"
)

// Config represents S3 drive configuration
type Config struct {
	Bucket string `yaml:"bucket"`
	// Prefix scopes every key, so several drives can share a bucket.
	Prefix string `yaml:"prefix"`

	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	// Performance settings
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Concurrency bounds parallel HEADs in listings and the transporter's
	// part uploads.
	Concurrency int `yaml:"concurrency"`

	// CargoShip settings
	EnableCargoShip bool `yaml:"enable_cargoship"`
	// MultipartThreshold is the content size above which uploads go through
	// the CargoShip transporter.
	MultipartThreshold int64 `yaml:"multipart_threshold"`
	MultipartChunkSize int64 `yaml:"multipart_chunk_size"`

	// QuotaBytes is reported as the drive capacity. Zero reports no limit.
	QuotaBytes int64 `yaml:"quota_bytes"`

	Logger *zap.Logger `yaml:"-"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:             "us-east-1",
		MaxRetries:         3,
		RequestTimeout:     30 * time.Second,
		Concurrency:        8,
		EnableCargoShip:    true,
		MultipartThreshold: 32 << 20,
		MultipartChunkSize: 16 << 20,
	}
}

func (c *Config) applyDefaults() {
	d := NewDefaultConfig()
	if c.Region == "" {
		c.Region = d.Region
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = d.MultipartThreshold
	}
	if c.MultipartChunkSize <= 0 {
		c.MultipartChunkSize = d.MultipartChunkSize
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
