/*
Package config provides configuration management for DriveFS with multi-source support.

# Configuration Sources

Sources are layered with the following precedence:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│            (DRIVEFS_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│         (YAML, or JSON by extension)        │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (NewDefault)                         │
	└─────────────────────────────────────────────┘

Defaults and file are merged with koanf: the defaults are marshalled to YAML
and loaded first, so a file only needs the keys it changes.

# Sections

  - global: log level, file and format, metrics port
  - drive: backend selection (graph, s3, memory) and per-backend settings
  - mount: mount point, read-only, ownership and permission bits, kernel cache timeouts
  - cache: metadata TTL, entry bound, content ceiling, block size, tombstone TTL
  - write_buffer: dirty threshold, periodic flush, upload sizing
  - read_ahead: sequential detection and prefetch window
  - network: concurrency, queue depth, rate limit, retry, circuit breaker
  - conflict: keep_both (conflict copy) or overwrite
  - monitoring: Prometheus metrics and health thresholds

Sizes are human-readable strings ("512MB") and durations use Go syntax ("30s").

# Usage

	cfg, err := config.Load("/etc/drivefs/config.yaml")
	if err != nil {
		return err
	}
	ceiling := cfg.ContentCeiling()

Environment variables:

	DRIVEFS_LOG_LEVEL        global.log_level
	DRIVEFS_LOG_FILE         global.log_file
	DRIVEFS_LOG_FORMAT       global.log_format
	DRIVEFS_METRICS_PORT     global.metrics_port
	DRIVEFS_BACKEND          drive.backend
	DRIVEFS_DRIVE_ID         drive.graph.drive_id
	DRIVEFS_SITE_ID          drive.graph.site_id
	DRIVEFS_CLIENT_ID        drive.graph.client_id
	DRIVEFS_ACCESS_TOKEN     drive.graph.access_token
	DRIVEFS_REFRESH_TOKEN    drive.graph.refresh_token
	DRIVEFS_S3_BUCKET        drive.s3.bucket
	DRIVEFS_S3_ENDPOINT      drive.s3.endpoint
	DRIVEFS_MOUNT_POINT      mount.mount_point
	DRIVEFS_READ_ONLY        mount.read_only
	DRIVEFS_CONTENT_CEILING  cache.content_ceiling
	DRIVEFS_METADATA_TTL     cache.metadata_ttl
	DRIVEFS_CONFLICT_POLICY  conflict.policy
*/
package config
