package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/drivefs/pkg/utils"
)

// Drive backends.
const (
	BackendGraph  = "graph"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Conflict policies applied when a flush finds the remote version changed.
const (
	ConflictKeepBoth  = "keep_both"
	ConflictOverwrite = "overwrite"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Drive       DriveConfig       `yaml:"drive"`
	Mount       MountConfig       `yaml:"mount"`
	Cache       CacheConfig       `yaml:"cache"`
	WriteBuffer WriteBufferConfig `yaml:"write_buffer"`
	ReadAhead   ReadAheadConfig   `yaml:"read_ahead"`
	Network     NetworkConfig     `yaml:"network"`
	Conflict    ConflictConfig    `yaml:"conflict"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`

	// Rotation of log_file. A zero size disables it.
	LogMaxSizeMB  int64 `yaml:"log_max_size_mb"`
	LogMaxBackups int   `yaml:"log_max_backups"`
	LogCompress   bool  `yaml:"log_compress"`
}

// DriveConfig selects and configures the remote drive.
type DriveConfig struct {
	Backend string      `yaml:"backend"`
	Graph   GraphConfig `yaml:"graph"`
	S3      S3Config    `yaml:"s3"`
}

// GraphConfig configures the Microsoft Graph drive client.
//
// An empty DriveID targets the signed-in user's primary drive. SiteID targets
// the default document library of a team site and takes precedence.
type GraphConfig struct {
	BaseURL      string        `yaml:"base_url"`
	DriveID      string        `yaml:"drive_id"`
	SiteID       string        `yaml:"site_id"`
	ClientID     string        `yaml:"client_id"`
	Tenant       string        `yaml:"tenant"`
	RefreshToken string        `yaml:"refresh_token"`
	AccessToken  string        `yaml:"access_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

// S3Config configures the S3 shared-library drive.
type S3Config struct {
	Bucket             string `yaml:"bucket"`
	Prefix             string `yaml:"prefix"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	AccessKeyID        string `yaml:"access_key_id"`
	SecretAccessKey    string `yaml:"secret_access_key"`
	ForcePathStyle     bool   `yaml:"force_path_style"`
	MaxRetries         int    `yaml:"max_retries"`
	EnableCargoShip    bool   `yaml:"enable_cargoship"`
	MultipartThreshold string `yaml:"multipart_threshold"`
	Concurrency        int    `yaml:"concurrency"`
}

// MountConfig represents mount-time options
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	ReadOnly     bool          `yaml:"read_only"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	Foreground   bool          `yaml:"foreground"`
	FSName       string        `yaml:"fs_name"`
	UID          uint32        `yaml:"uid"`
	GID          uint32        `yaml:"gid"`
	FileMode     uint32        `yaml:"file_mode"`
	DirMode      uint32        `yaml:"dir_mode"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// CacheConfig represents metadata and content cache configuration
type CacheConfig struct {
	MetadataTTL    time.Duration `yaml:"metadata_ttl"`
	MaxEntries     int           `yaml:"max_entries"`
	ContentCeiling string        `yaml:"content_ceiling"`
	BlockSize      string        `yaml:"block_size"`
	TombstoneTTL   time.Duration `yaml:"tombstone_ttl"`
}

// WriteBufferConfig represents write-behind configuration
type WriteBufferConfig struct {
	DirtyThreshold    string        `yaml:"dirty_threshold"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	MaxDirtyAge       time.Duration `yaml:"max_dirty_age"`
	FlushWorkers      int           `yaml:"flush_workers"`
	FlushTimeout      time.Duration `yaml:"flush_timeout"`
	SingleUploadLimit string        `yaml:"single_upload_limit"`
	ChunkSize         string        `yaml:"chunk_size"`
}

// ReadAheadConfig represents sequential prefetch configuration
type ReadAheadConfig struct {
	Enabled       bool   `yaml:"enabled"`
	MinSequential int    `yaml:"min_sequential"`
	Window        string `yaml:"window"`
	Workers       int    `yaml:"workers"`
}

// NetworkConfig represents remote call scheduling configuration
type NetworkConfig struct {
	Concurrency    int                  `yaml:"concurrency"`
	QueueDepth     int                  `yaml:"queue_depth"`
	RateLimit      float64              `yaml:"rate_limit"`
	Burst          int                  `yaml:"burst"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig represents circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ConflictConfig represents conflict resolution settings
type ConflictConfig struct {
	Policy string `yaml:"policy"`
	Suffix string `yaml:"suffix"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
}

// HealthConfig sets how many consecutive drive failures degrade the mount
// and how many make it unavailable.
type HealthConfig struct {
	ErrorThreshold       int `yaml:"error_threshold"`
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Path         string            `yaml:"path"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFile:     "",
			LogFormat:   "json",
			MetricsPort: 8080,

			LogMaxSizeMB:  100,
			LogMaxBackups: 5,
			LogCompress:   true,
		},
		Drive: DriveConfig{
			Backend: BackendGraph,
			Graph: GraphConfig{
				BaseURL: "https://graph.microsoft.com/v1.0",
				Tenant:  "common",
				Timeout: 60 * time.Second,
			},
			S3: S3Config{
				Region:             "us-east-1",
				MaxRetries:         3,
				EnableCargoShip:    true,
				MultipartThreshold: "32MB",
				Concurrency:        8,
			},
		},
		Mount: MountConfig{
			FSName:       "drivefs",
			FileMode:     0644,
			DirMode:      0755,
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
		Cache: CacheConfig{
			MetadataTTL:    30 * time.Second,
			MaxEntries:     100000,
			ContentCeiling: "512MB",
			BlockSize:      "1MB",
			TombstoneTTL:   2 * time.Minute,
		},
		WriteBuffer: WriteBufferConfig{
			DirtyThreshold:    "64MB",
			FlushInterval:     5 * time.Second,
			MaxDirtyAge:       30 * time.Second,
			FlushWorkers:      2,
			FlushTimeout:      5 * time.Minute,
			SingleUploadLimit: "4MB",
			ChunkSize:         "10MB",
		},
		ReadAhead: ReadAheadConfig{
			Enabled:       true,
			MinSequential: 2,
			Window:        "4MB",
			Workers:       4,
		},
		Network: NetworkConfig{
			Concurrency: 8,
			QueueDepth:  256,
			RateLimit:   20,
			Burst:       40,
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   200 * time.Millisecond,
				MaxDelay:    30 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 10,
				Timeout:          30 * time.Second,
			},
		},
		Conflict: ConflictConfig{
			Policy: ConflictKeepBoth,
			Suffix: " (conflict)",
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled: false,
				Path:    "/metrics",
				CustomLabels: map[string]string{
					"service": "drivefs",
				},
			},
			Health: HealthConfig{
				ErrorThreshold:       3,
				UnavailableThreshold: 10,
			},
		},
	}
}

// Load builds a configuration from defaults, the optional file at path and
// DRIVEFS_* environment variables, then validates it.
func Load(path string) (*Configuration, error) {
	cfg := NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile layers a YAML or JSON file over the current values.
// Keys missing from the file keep their current value.
func (c *Configuration) LoadFromFile(filename string) error {
	base, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal base config: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(base), koanfyaml.Parser()); err != nil {
		return fmt.Errorf("failed to load base config: %w", err)
	}

	var parser koanf.Parser = koanfyaml.Parser()
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		parser = json.Parser()
	}
	if err := k.Load(file.Provider(filename), parser); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var merged Configuration
	if err := k.UnmarshalWithConf("", &merged, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	*c = merged
	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("DRIVEFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("DRIVEFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("DRIVEFS_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("DRIVEFS_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid DRIVEFS_METRICS_PORT: %w", err)
		}
		c.Global.MetricsPort = port
	}

	// Drive selection and credentials
	if val := os.Getenv("DRIVEFS_BACKEND"); val != "" {
		c.Drive.Backend = val
	}
	if val := os.Getenv("DRIVEFS_DRIVE_ID"); val != "" {
		c.Drive.Graph.DriveID = val
	}
	if val := os.Getenv("DRIVEFS_SITE_ID"); val != "" {
		c.Drive.Graph.SiteID = val
	}
	if val := os.Getenv("DRIVEFS_CLIENT_ID"); val != "" {
		c.Drive.Graph.ClientID = val
	}
	if val := os.Getenv("DRIVEFS_ACCESS_TOKEN"); val != "" {
		c.Drive.Graph.AccessToken = val
	}
	if val := os.Getenv("DRIVEFS_REFRESH_TOKEN"); val != "" {
		c.Drive.Graph.RefreshToken = val
	}
	if val := os.Getenv("DRIVEFS_S3_BUCKET"); val != "" {
		c.Drive.S3.Bucket = val
	}
	if val := os.Getenv("DRIVEFS_S3_ENDPOINT"); val != "" {
		c.Drive.S3.Endpoint = val
	}

	// Mount and cache
	if val := os.Getenv("DRIVEFS_MOUNT_POINT"); val != "" {
		c.Mount.MountPoint = val
	}
	if val := os.Getenv("DRIVEFS_READ_ONLY"); val != "" {
		c.Mount.ReadOnly = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DRIVEFS_CONTENT_CEILING"); val != "" {
		c.Cache.ContentCeiling = val
	}
	if val := os.Getenv("DRIVEFS_METADATA_TTL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid DRIVEFS_METADATA_TTL: %w", err)
		}
		c.Cache.MetadataTTL = d
	}
	if val := os.Getenv("DRIVEFS_CONFLICT_POLICY"); val != "" {
		c.Conflict.Policy = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	switch c.Global.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}

	if c.Global.LogMaxSizeMB < 0 || c.Global.LogMaxBackups < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	if h := c.Monitoring.Health; h.ErrorThreshold < 0 || h.UnavailableThreshold < h.ErrorThreshold {
		return fmt.Errorf("monitoring.health thresholds must satisfy 0 <= error_threshold <= unavailable_threshold")
	}
	if c.Monitoring.Metrics.Enabled && (c.Global.MetricsPort <= 0 || c.Global.MetricsPort > 65535) {
		return fmt.Errorf("metrics_port must be between 1 and 65535")
	}

	switch c.Drive.Backend {
	case BackendGraph:
		if c.Drive.Graph.DriveID != "" && c.Drive.Graph.SiteID != "" {
			return fmt.Errorf("graph drive_id and site_id are mutually exclusive")
		}
		if c.Drive.Graph.RefreshToken != "" && c.Drive.Graph.ClientID == "" {
			return fmt.Errorf("graph refresh_token requires client_id")
		}
	case BackendS3:
		if c.Drive.S3.Bucket == "" {
			return fmt.Errorf("s3 drive requires bucket")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid drive backend: %s (must be graph, s3 or memory)", c.Drive.Backend)
	}

	sizes := map[string]string{
		"cache.content_ceiling":            c.Cache.ContentCeiling,
		"cache.block_size":                 c.Cache.BlockSize,
		"write_buffer.dirty_threshold":     c.WriteBuffer.DirtyThreshold,
		"write_buffer.single_upload_limit": c.WriteBuffer.SingleUploadLimit,
		"write_buffer.chunk_size":          c.WriteBuffer.ChunkSize,
		"read_ahead.window":                c.ReadAhead.Window,
	}
	for key, val := range sizes {
		n, err := utils.ParseBytes(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if n <= 0 {
			return fmt.Errorf("%s must be greater than 0", key)
		}
	}
	if c.BlockSize() > c.ContentCeiling() {
		return fmt.Errorf("cache.block_size cannot exceed cache.content_ceiling")
	}

	if c.Cache.MetadataTTL <= 0 {
		return fmt.Errorf("metadata_ttl must be greater than 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be greater than 0")
	}
	if c.Network.Concurrency <= 0 {
		return fmt.Errorf("network concurrency must be greater than 0")
	}
	if c.Network.QueueDepth < 0 {
		return fmt.Errorf("queue_depth cannot be negative")
	}
	if c.WriteBuffer.FlushWorkers <= 0 {
		return fmt.Errorf("flush_workers must be greater than 0")
	}

	switch c.Conflict.Policy {
	case ConflictKeepBoth:
		if c.Conflict.Suffix == "" {
			return fmt.Errorf("conflict suffix cannot be empty with keep_both policy")
		}
	case ConflictOverwrite:
	default:
		return fmt.Errorf("invalid conflict policy: %s (must be keep_both or overwrite)", c.Conflict.Policy)
	}

	return nil
}

// ContentCeiling returns cache.content_ceiling in bytes.
func (c *Configuration) ContentCeiling() int64 {
	return bytesOr(c.Cache.ContentCeiling, 512<<20)
}

// BlockSize returns cache.block_size in bytes.
func (c *Configuration) BlockSize() int64 {
	return bytesOr(c.Cache.BlockSize, 1<<20)
}

// DirtyThreshold returns write_buffer.dirty_threshold in bytes.
func (c *Configuration) DirtyThreshold() int64 {
	return bytesOr(c.WriteBuffer.DirtyThreshold, 64<<20)
}

// SingleUploadLimit returns write_buffer.single_upload_limit in bytes.
func (c *Configuration) SingleUploadLimit() int64 {
	return bytesOr(c.WriteBuffer.SingleUploadLimit, 4<<20)
}

// ChunkSize returns write_buffer.chunk_size in bytes.
func (c *Configuration) ChunkSize() int64 {
	return bytesOr(c.WriteBuffer.ChunkSize, 10<<20)
}

// ReadAheadWindow returns read_ahead.window in bytes.
func (c *Configuration) ReadAheadWindow() int64 {
	return bytesOr(c.ReadAhead.Window, 4<<20)
}

// MultipartThreshold returns drive.s3.multipart_threshold in bytes.
func (c *Configuration) MultipartThreshold() int64 {
	return bytesOr(c.Drive.S3.MultipartThreshold, 32<<20)
}

func bytesOr(s string, def int64) int64 {
	n, err := utils.ParseBytes(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
