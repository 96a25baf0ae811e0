// Package util provides logging, TLS and host helpers shared by the
// TeeBridge binary and its admin surfaces.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AppName is the value of the "app" field on every log line.
const AppName = "teebridge"

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"` // empty disables the log file
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
	ConsoleOut io.Writer
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		Console:    true,
	}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return level
}

// InitLogger initializes the zerolog global logger with file and console output.
// It returns the path of the log file, or "" when file logging is disabled.
func InitLogger(cfg LogConfig) (string, error) {
	level := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	var logFilePath string

	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return "", fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
		}

		logFileName := fmt.Sprintf("%s_%s.log", AppName, time.Now().Format("2006-01-02"))
		logFilePath = filepath.Join(cfg.Directory, logFileName)

		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return "", fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
		}
		// JSON for machine parsing
		writers = append(writers, logFile)
	}

	if cfg.Console {
		out := cfg.ConsoleOut
		if out == nil {
			out = os.Stdout
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		})
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", AppName).
		Caller().
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	if cfg.Directory != "" {
		go CleanOldLogs(cfg.Directory, cfg.MaxBackups)
	}

	return logFilePath, nil
}

// CleanOldLogs keeps the newest maxBackups log files. File names carry the
// date, so name order is age order.
func CleanOldLogs(directory string, maxBackups int) int {
	if maxBackups <= 0 {
		return 0
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), AppName+"_") && filepath.Ext(entry.Name()) == ".log" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	removed := 0
	for i := 0; i < len(names)-maxBackups; i++ {
		path := filepath.Join(directory, names[i])
		if err := os.Remove(path); err == nil {
			removed++
			log.Debug().Str("file", path).Msg("removed old log file")
		}
	}
	return removed
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
