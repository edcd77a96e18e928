package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ZapLevel returns the equivalent zap level.
func (l LogLevel) ZapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a zap logger.
//
// format is "json" (production encoder) or "console" (development encoder).
// When logFile is set, output goes to that file instead of stderr. A rotation
// with a non-zero MaxSizeMB makes the file rotate by size.
func NewLogger(levelStr, logFile, format string, rotation ...RotationConfig) (*zap.Logger, error) {
	level, err := ParseLogLevel(levelStr)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch strings.ToLower(format) {
	case "console", "text":
		cfg = zap.NewDevelopmentConfig()
	case "", "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(level.ZapLevel())
	cfg.Sampling = nil

	if logFile != "" && len(rotation) > 0 && rotation[0].MaxSizeMB > 0 {
		rotator, err := NewLogRotator(logFile, rotation[0])
		if err != nil {
			return nil, err
		}
		var enc zapcore.Encoder
		if cfg.Encoding == "console" {
			enc = zapcore.NewConsoleEncoder(cfg.EncoderConfig)
		} else {
			enc = zapcore.NewJSONEncoder(cfg.EncoderConfig)
		}
		sink := zapcore.AddSync(rotator)
		core := zapcore.NewCore(enc, sink, cfg.Level)
		return zap.New(core,
			zap.ErrorOutput(sink),
			zap.AddCaller(),
			zap.AddStacktrace(zapcore.ErrorLevel)), nil
	}

	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
		cfg.ErrorOutputPaths = []string{logFile}
	}

	logger, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// FormatBytes renders n with a binary unit, e.g. "1.5 KB".
func FormatBytes(n int64) string {
	if n < 1024 {
		return fmt.Sprintf("%d B", n)
	}
	value, unit := float64(n), -1
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.1f %cB", value, byteUnits[unit])
}

const byteUnits = "KMGTPE"

// ParseBytes parses sizes such as "512", "64KB", "1.5G" or " 2 GB ". Units
// are binary and case-insensitive; the trailing B is optional.
func ParseBytes(s string) (int64, error) {
	v := strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	if v == "" {
		return 0, fmt.Errorf("empty size %q", s)
	}

	multiplier := 1.0
	if i := strings.IndexByte(byteUnits, v[len(v)-1]); i >= 0 {
		multiplier = math.Pow(1024, float64(i+1))
		v = v[:len(v)-1]
	}
	num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if num < 0 || math.IsInf(num, 0) || math.IsNaN(num) {
		return 0, fmt.Errorf("size out of range %q", s)
	}
	return int64(num * multiplier), nil
}
