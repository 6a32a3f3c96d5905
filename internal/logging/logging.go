// Package logging provides global logging functions for chatrelay.
// Use dot import to access L_info, L_error, etc. directly.
package logging

import (
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

// Log levels
const (
	LevelError = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	logger *log.Logger
	once   sync.Once
)

// Config holds logging configuration
type Config struct {
	Level      int
	TimeFormat string
	ShowCaller bool
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		TimeFormat: "15:04:05",
		ShowCaller: false,
	}
}

// Init initializes the global logger. Safe to call multiple times.
func Init(cfg *Config) {
	once.Do(func() {
		if cfg == nil {
			cfg = DefaultConfig()
		}

		logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      cfg.TimeFormat,
			ReportCaller:    cfg.ShowCaller,
			CallerOffset:    1, // Skip the L_* frame
		})

		logger.SetLevel(mapLevel(cfg.Level))
	})
}

func ensureInit() {
	if logger == nil {
		Init(nil)
	}
}

func mapLevel(level int) log.Level {
	switch level {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// SetLevel changes the log level at runtime
func SetLevel(level int) {
	ensureInit()
	logger.SetLevel(mapLevel(level))
}

// L_debug logs at debug level with optional key-value pairs
func L_debug(msg string, keyvals ...interface{}) {
	ensureInit()
	logger.Debug(msg, keyvals...)
}

// L_info logs at info level with optional key-value pairs
func L_info(msg string, keyvals ...interface{}) {
	ensureInit()
	logger.Info(msg, keyvals...)
}

// L_warn logs at warn level with optional key-value pairs
func L_warn(msg string, keyvals ...interface{}) {
	ensureInit()
	logger.Warn(msg, keyvals...)
}

// L_error logs at error level with optional key-value pairs
func L_error(msg string, keyvals ...interface{}) {
	ensureInit()
	logger.Error(msg, keyvals...)
}

// L_fatal logs at fatal level and exits
func L_fatal(msg string, keyvals ...interface{}) {
	ensureInit()
	logger.Fatal(msg, keyvals...)
}
